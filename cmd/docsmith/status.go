package main

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/docsmith/docsmith/pkg/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current progress snapshot and control state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		repo, err := openStore()
		if err != nil {
			return err
		}
		defer repo.Close()

		state, err := repo.ReadWorkerState()
		if err != nil {
			return errTransient(err)
		}
		fmt.Println("Control state:")
		fmt.Printf("  stop_requested: %v\n", state.StopRequested)
		if len(state.PausedWorkspaces) > 0 {
			fmt.Printf("  paused workspaces: %s\n", sortedKeys(state.PausedWorkspaces))
		}
		if len(state.PausedDocuments) > 0 {
			fmt.Printf("  paused documents: %s\n", sortedKeys(state.PausedDocuments))
		}

		snap, err := repo.ReadProgress()
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Println("\nNo progress snapshot recorded yet")
			return nil
		}
		if err != nil {
			return errTransient(err)
		}

		fmt.Println("\nLast run:")
		fmt.Printf("  processing: %v (updated %s)\n", snap.IsProcessing, snap.UpdatedAt.Format(time.RFC3339))
		fmt.Printf("  progress: %d/%d (current: %s)\n", snap.CurrentIndex, snap.TotalCount, snap.CurrentFile)
		fmt.Printf("  succeeded: %d, failed: %d\n", snap.SuccessCount, snap.ErrorCount)
		fmt.Printf("  workers: %d/%d (throttle %dms, %d adjustments)\n",
			snap.CurrentWorkers, snap.MaxParallel, snap.ThrottleDelayMs, snap.AdjustmentCount)
		fmt.Printf("  resources: %.1f%% memory (%.1f/%.1f GB), %.1f%% cpu\n",
			snap.MemoryPercent, snap.MemoryUsedGB, snap.MemoryTotalGB, snap.CPUPercent)
		if snap.LastError != "" {
			fmt.Printf("  last error: %s\n", snap.LastError)
		}

		if len(snap.Logs) > 0 {
			fmt.Println("\nRecent stage events:")
			for _, event := range snap.Logs {
				sub := ""
				if event.SubStep != "" {
					sub = "/" + event.SubStep
				}
				fmt.Printf("  %s %s%s %s %s\n",
					event.Ts.Format("15:04:05"), event.Stage, sub, event.DocID, event.Message)
			}
		}
		return nil
	},
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
