package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scanopshq/scanopsd/internal/config"
	"github.com/scanopshq/scanopsd/internal/queue"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depths and scanner utilization",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().String("pool", "", "show a single pool")
	statsCmd.Flags().Bool("all-pools", false, "show every configured pool")
}

func runStats(cmd *cobra.Command, args []string) error {
	pool, _ := cmd.Flags().GetString("pool")
	allPools, _ := cmd.Flags().GetBool("all-pools")
	if pool != "" && allPools {
		return usagef("--pool and --all-pools are mutually exclusive")
	}

	cfg, q, err := connect(cmd)
	if err != nil {
		return err
	}
	defer q.Close()

	pools := cfg.PoolNames()
	if pool != "" {
		if err := requirePool(cfg, pool); err != nil {
			return err
		}
		pools = []string{pool}
	}

	ctx, cancel := cmdContext()
	defer cancel()

	fmt.Printf("%-20s %12s %12s\n", "POOL", "QUEUED", "DEAD")
	for _, name := range pools {
		depth, err := q.Depth(ctx, name)
		if err != nil {
			return fmt.Errorf("queue depth for %s: %w", name, err)
		}
		dead, err := q.DLQSize(ctx, name)
		if err != nil {
			return fmt.Errorf("DLQ size for %s: %w", name, err)
		}
		fmt.Printf("%-20s %12d %12d\n", name, depth, dead)
	}

	return printInstances(ctx, q, cfg, pools)
}

func printInstances(ctx context.Context, q *queue.Queue, cfg *config.Config, pools []string) error {
	active, capacity, err := q.InstanceStates(ctx)
	if err != nil {
		return fmt.Errorf("instance states: %w", err)
	}
	circuits, err := q.CircuitStates(ctx)
	if err != nil {
		return fmt.Errorf("circuit states: %w", err)
	}
	if len(active) == 0 {
		fmt.Println("\nNo live instance state (is a worker running?)")
		return nil
	}

	fmt.Printf("\n%-36s %8s %10s %10s\n", "INSTANCE", "ACTIVE", "CAPACITY", "CIRCUIT")
	for _, pool := range pools {
		for _, inst := range cfg.Scanners[pool] {
			key := pool + "/" + inst.InstanceID
			circuit := "closed"
			switch circuits[key] {
			case 1:
				circuit = "open"
			case 2:
				circuit = "half-open"
			}
			fmt.Printf("%-36s %8d %10d %10s\n", key, active[key], capacity[key], circuit)
		}
	}
	return nil
}
