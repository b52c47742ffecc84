package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridwell/gridsync/internal/clock"
	"github.com/gridwell/gridsync/internal/logging"
	"github.com/gridwell/gridsync/internal/remote"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Measure clock drift against the remote store",
	Long: `Probe the remote server time endpoint and report the estimated
clock drift between this device and the server.

Large drift degrades last-write-wins conflict resolution; the sync
worker corrects for it automatically, but a persistent error-level
reading usually means this device's clock needs fixing.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cfg.Remote.URL == "" {
			fmt.Fprintf(os.Stderr, "Error: no remote URL configured (set remote.url)\n")
			os.Exit(1)
		}

		remoteStore := remote.NewHTTPStore(cfg.Remote.URL, cfg.Remote.Token, nil)

		clockCfg := clock.DefaultConfig()
		clockCfg.WarnThreshold = cfg.Clock.WarnThreshold
		clockCfg.ErrorThreshold = cfg.Clock.ErrorThreshold
		clockCfg.MaxReliableRTT = cfg.Clock.MaxReliableRTT
		engine := clock.New(remoteStore, clockCfg, logging.Nop())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		est, err := engine.Probe(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error probing server time: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nClock Probe\n\n")
		fmt.Printf("Remote: %s\n", cfg.Remote.URL)
		fmt.Printf("Drift: %s (device ahead of server when positive)\n", est.Drift)
		fmt.Printf("Round trip: %s\n", est.RTT)
		fmt.Printf("Reliable: %v\n", est.Reliable)
		fmt.Printf("Status: %s\n\n", est.Status)

		if est.Status == clock.StatusError {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
