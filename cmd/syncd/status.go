package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibestack/syncd/internal/metrics"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync service counters",
	Long:  `Status queries a running syncd instance and reports its LSN positions, session count, and throughput counters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + statusAddr + "/api/v1/status")
		if err != nil {
			return fmt.Errorf("query %s: %w", statusAddr, err)
		}
		defer resp.Body.Close()

		var snap metrics.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}

		fmt.Printf("Uptime:           %.0fs\n", snap.ElapsedSec)
		fmt.Printf("Head LSN:         %s\n", snap.HeadLSN)
		fmt.Printf("Confirmed LSN:    %s\n", snap.ConfirmedLSN)
		fmt.Printf("Replication lag:  %s\n", snap.ReplicationLag)
		fmt.Printf("Live sessions:    %d\n", snap.LiveSessions)
		fmt.Printf("Changes ingested: %d (%d commits)\n", snap.ChangesIngested, snap.CommitsIngested)
		fmt.Printf("Catchups:         %d completed\n", snap.CatchupsCompleted)
		fmt.Printf("Batches applied:  %d (%d changes rejected)\n", snap.BatchesApplied, snap.ChangesRejected)
		if snap.ErrorCount > 0 {
			fmt.Printf("Errors:           %d (last: %s)\n", snap.ErrorCount, snap.LastError)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "localhost:8377", "syncd HTTP address")
	rootCmd.AddCommand(statusCmd)
}
