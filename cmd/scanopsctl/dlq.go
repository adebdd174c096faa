package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanopshq/scanopsd/internal/config"
	"github.com/scanopshq/scanopsd/internal/queue"
)

var listDLQCmd = &cobra.Command{
	Use:   "list-dlq",
	Short: "List dead-letter entries for a pool, oldest first",
	RunE:  runListDLQ,
}

var inspectDLQCmd = &cobra.Command{
	Use:   "inspect-dlq TASK_ID",
	Short: "Print the full dead-letter entry for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspectDLQ,
}

var retryDLQCmd = &cobra.Command{
	Use:   "retry-dlq TASK_ID",
	Short: "Move a dead-letter entry back onto its pool queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetryDLQ,
}

var purgeDLQCmd = &cobra.Command{
	Use:   "purge-dlq",
	Short: "Drop every dead-letter entry in a pool",
	RunE:  runPurgeDLQ,
}

func init() {
	listDLQCmd.Flags().String("pool", "", "pool to list (required)")
	listDLQCmd.Flags().Int64("limit", 20, "maximum entries to show")

	retryDLQCmd.Flags().Bool("yes", false, "skip the confirmation prompt")

	purgeDLQCmd.Flags().String("pool", "", "pool to purge (required)")
	purgeDLQCmd.Flags().Bool("confirm", false, "required; purging is irreversible")
}

func runListDLQ(cmd *cobra.Command, args []string) error {
	pool, _ := cmd.Flags().GetString("pool")
	limit, _ := cmd.Flags().GetInt64("limit")
	if pool == "" {
		return usagef("--pool is required")
	}

	cfg, q, err := connect(cmd)
	if err != nil {
		return err
	}
	defer q.Close()
	if err := requirePool(cfg, pool); err != nil {
		return err
	}

	ctx, cancel := cmdContext()
	defer cancel()

	entries, err := q.ListDLQ(ctx, pool, limit)
	if err != nil {
		return fmt.Errorf("list DLQ: %w", err)
	}
	if len(entries) == 0 {
		fmt.Printf("DLQ for %s is empty\n", pool)
		return nil
	}

	fmt.Printf("%-44s %-20s %s\n", "TASK_ID", "FAILED_AT", "ERROR")
	for _, entry := range entries {
		fmt.Printf("%-44s %-20s %s\n",
			entry.TaskID, failedAt(entry), truncate(entry.Error, 60))
	}
	return nil
}

func runInspectDLQ(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	cfg, q, err := connect(cmd)
	if err != nil {
		return err
	}
	defer q.Close()

	ctx, cancel := cmdContext()
	defer cancel()

	entry, pool, err := findDLQEntry(ctx, q, cfg, taskID)
	if err != nil {
		return err
	}

	fmt.Printf("Pool: %s\n", pool)
	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func runRetryDLQ(cmd *cobra.Command, args []string) error {
	taskID := args[0]
	yes, _ := cmd.Flags().GetBool("yes")

	cfg, q, err := connect(cmd)
	if err != nil {
		return err
	}
	defer q.Close()

	ctx, cancel := cmdContext()
	defer cancel()

	entry, pool, err := findDLQEntry(ctx, q, cfg, taskID)
	if err != nil {
		return err
	}

	if !yes {
		fmt.Printf("Retry task %s (failed at %s: %s)? [y/N] ",
			entry.TaskID, failedAt(entry), truncate(entry.Error, 60))
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if err := q.RetryDLQ(ctx, pool, taskID); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	fmt.Printf("Task %s requeued on %s\n", taskID, pool)
	return nil
}

func runPurgeDLQ(cmd *cobra.Command, args []string) error {
	pool, _ := cmd.Flags().GetString("pool")
	confirm, _ := cmd.Flags().GetBool("confirm")
	if pool == "" {
		return usagef("--pool is required")
	}
	if !confirm {
		return usagef("purging is irreversible; pass --confirm to proceed")
	}

	cfg, q, err := connect(cmd)
	if err != nil {
		return err
	}
	defer q.Close()
	if err := requirePool(cfg, pool); err != nil {
		return err
	}

	ctx, cancel := cmdContext()
	defer cancel()

	count, err := q.PurgeDLQ(ctx, pool)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	fmt.Printf("Purged %d entries from the %s DLQ\n", count, pool)
	return nil
}

// findDLQEntry searches every configured pool, since task ids do not name
// their pool unambiguously.
func findDLQEntry(ctx context.Context, q *queue.Queue, cfg *config.Config, taskID string) (*queue.Entry, string, error) {
	for _, pool := range cfg.PoolNames() {
		entry, err := q.GetDLQEntry(ctx, pool, taskID)
		if err != nil {
			if errors.Is(err, queue.ErrEntryNotFound) {
				continue
			}
			return nil, "", fmt.Errorf("search DLQ of %s: %w", pool, err)
		}
		return entry, pool, nil
	}
	return nil, "", usagef("task %q not found in any DLQ", taskID)
}

func failedAt(entry *queue.Entry) string {
	if entry.FailedAt == nil {
		return "-"
	}
	return entry.FailedAt.Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
