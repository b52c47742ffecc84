package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridwell/gridsync/internal/model"
	"github.com/gridwell/gridsync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Long: `Show the durable sync state: queued mutations, the delta-sync
cursor, and the local tombstone mirror.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		db, err := store.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		if err := db.InitSchema(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		items, err := db.LoadQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nSync Status\n\n")
		fmt.Printf("Local db: %s\n", cfg.DBPath)
		fmt.Printf("Pending mutations: %d\n", len(items))

		retried := 0
		oldest := time.Time{}
		for _, item := range items {
			if item.RetryCount > 0 {
				retried++
			}
			if oldest.IsZero() || item.CreatedAt.Before(oldest) {
				oldest = item.CreatedAt
			}
		}
		if len(items) > 0 {
			fmt.Printf("  retried at least once: %d\n", retried)
			fmt.Printf("  oldest queued: %s\n", oldest.Format("2006-01-02 15:04:05"))
		}

		if cfg.ProjectID != "" {
			cursor, ok, err := db.Cursor(ctx, cfg.ProjectID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading cursor: %v\n", err)
				os.Exit(1)
			}
			if ok {
				fmt.Printf("Delta cursor (%s): %s\n", cfg.ProjectID, cursor.Format(time.RFC3339))
			} else {
				fmt.Printf("Delta cursor (%s): never synced\n", cfg.ProjectID)
			}

			total := 0
			for _, et := range []model.EntityType{model.EntityProject, model.EntityTask, model.EntityConnection, model.EntityNote} {
				ts, err := db.Tombstones(ctx, cfg.ProjectID, et.Collection())
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error reading tombstones: %v\n", err)
					os.Exit(1)
				}
				total += len(ts)
			}
			fmt.Printf("Local tombstones: %d\n", total)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
