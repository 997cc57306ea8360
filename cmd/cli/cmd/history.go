// Package cmd - history commands
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gpu-index/core/history"
	"gpu-index/core/types"
	"gpu-index/internal/config"
)

var (
	historyVariant string
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the append-only index history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded values, newest first",
	RunE:  runHistoryList,
}

var historyVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify content hashes of every history entry",
	RunE:  runHistoryVerify,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyVerifyCmd)

	historyListCmd.Flags().StringVar(&historyVariant, "variant", "", "variant to list (default all)")
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "entries per variant (0 for all)")
}

func openHistory() (history.Store, error) {
	cfg := config.Get()
	store, err := history.Open(cfg.History.Backend, cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return store, nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	variants := types.AllVariants()
	if historyVariant != "" {
		v, err := types.ParseVariant(historyVariant)
		if err != nil {
			return err
		}
		variants = []types.Variant{v}
	}

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	for _, v := range variants {
		entries, err := store.List(ctx, v, historyLimit)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s (%d shown)\n", v, len(entries))
		fmt.Println("─────────────────────────────────────────────────────────────────")
		for _, e := range entries {
			note := ""
			if e.Flagged {
				note = "  ⚠ flagged"
			}
			if e.Reason != "" {
				note += "  " + e.Reason
			}
			fmt.Printf("  %-20s %-12s #%d  $%9s  %-18s %s%s\n",
				e.Timestamp.Format(time.RFC3339), e.CycleID, e.Attempt,
				e.Value.StringFixed(4), e.Source, e.State, note)
		}
	}
	return nil
}

func runHistoryVerify(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	problems, err := store.Verify(context.Background())
	if err != nil {
		return err
	}
	if len(problems) == 0 {
		fmt.Println("✓ History verified: all entries intact")
		return nil
	}
	fmt.Printf("✗ %d problem(s) found:\n", len(problems))
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("history verification failed")
}
