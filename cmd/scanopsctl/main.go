package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanopshq/scanopsd/internal/config"
	"github.com/scanopshq/scanopsd/internal/queue"
)

// usageError marks operator mistakes (bad flags, unknown pools or task
// ids) so main can exit 1; backend failures exit 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ue *usageError
		if errors.As(err, &ue) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

var rootCmd = &cobra.Command{
	Use:           "scanopsctl",
	Short:         "Admin tool for the scanopsd queues",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "config.yaml", "path to config file")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(listDLQCmd)
	rootCmd.AddCommand(inspectDLQCmd)
	rootCmd.AddCommand(retryDLQCmd)
	rootCmd.AddCommand(purgeDLQCmd)
}

// connect loads the config and opens the Redis-backed queue.
func connect(cmd *cobra.Command) (*config.Config, *queue.Queue, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, usagef("load config: %v", err)
	}
	q, err := queue.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	return cfg, q, nil
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func requirePool(cfg *config.Config, pool string) error {
	for _, name := range cfg.PoolNames() {
		if name == pool {
			return nil
		}
	}
	return usagef("pool %q is not configured", pool)
}
