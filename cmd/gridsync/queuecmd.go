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

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the durable mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in replay order",
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
		if len(items) == 0 {
			fmt.Println("Queue is empty")
			return
		}

		fmt.Printf("%-4s %-12s %-8s %-38s %-8s %s\n", "#", "TYPE", "OP", "ENTITY", "RETRIES", "QUEUED")
		for i, item := range items {
			fmt.Printf("%-4d %-12s %-8s %-38s %-8d %s\n",
				i+1, item.EntityType, item.Operation, item.EntityID(),
				item.RetryCount, item.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\n%d pending\n", len(items))
	},
}

var queueClearForce bool

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard all queued mutations",
	Long: `Discard every queued mutation without sending it.

The discarded local edits are lost for good. Use this only to recover
from a queue poisoned by unpushable items.`,
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
		if len(items) == 0 {
			fmt.Println("Queue is already empty")
			return
		}
		if !queueClearForce {
			fmt.Fprintf(os.Stderr, "Refusing to discard %d queued mutations without --force\n", len(items))
			os.Exit(1)
		}

		saveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.SaveQueue(saveCtx, []*model.MutationItem{}); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing queue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Discarded %d queued mutations\n", len(items))
	},
}

func init() {
	queueClearCmd.Flags().BoolVar(&queueClearForce, "force", false, "actually discard the queued mutations")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}
