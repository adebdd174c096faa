package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/scanopshq/scanopsd/internal/api"
	"github.com/scanopshq/scanopsd/internal/breaker"
	"github.com/scanopshq/scanopsd/internal/config"
	"github.com/scanopshq/scanopsd/internal/housekeeping"
	"github.com/scanopshq/scanopsd/internal/metrics"
	"github.com/scanopshq/scanopsd/internal/queue"
	"github.com/scanopshq/scanopsd/internal/registry"
	"github.com/scanopshq/scanopsd/internal/task"
	"github.com/scanopshq/scanopsd/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`scanopsd - scan orchestration service

Usage:
  scanopsd <command> [options]

Commands:
  serve    Start the API server (tool surface + health + metrics)
  worker   Start a worker process (scan execution + housekeeping)

Options:
  -config string   Path to config file (default "config.yaml")

Examples:
  scanopsd serve -config config.yaml
  scanopsd worker -config config.yaml`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	store := task.NewStore(cfg.DataDir)

	q, err := queue.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer q.Close()

	reg := registry.New(cfg.Scanners)
	m := metrics.New(q, cfg.PoolNames)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go m.Consume(ctx)

	srv := api.New(cfg, store, q, reg, m)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Println("Server stopped")
}

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	store := task.NewStore(cfg.DataDir)

	q, err := queue.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer q.Close()

	// Mirror live instance and breaker state into Redis so the API
	// process and the admin CLI can observe this worker.
	mirrorCtx := context.Background()
	reg := registry.New(cfg.Scanners,
		registry.WithStateChange(func(key string, active, capacity int) {
			if err := q.SetInstanceState(mirrorCtx, key, active, capacity); err != nil {
				log.Printf("mirror instance state %s: %v", key, err)
			}
		}),
		registry.WithCircuitChange(func(key string, state breaker.State) {
			if err := q.SetCircuitState(mirrorCtx, key, int(state)); err != nil {
				log.Printf("mirror circuit state %s: %v", key, err)
			}
		}),
	)

	w := worker.New(cfg, store, q, reg)

	janitor := housekeeping.New(cfg.Housekeeping, store, q, reg)
	if err := janitor.Start(); err != nil {
		log.Fatalf("failed to start housekeeping: %v", err)
	}
	defer janitor.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP reloads the scanner topology without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			fresh, err := config.Load(*configPath)
			if err != nil {
				log.Printf("reload config: %v", err)
				continue
			}
			w.Reload(fresh)
		}
	}()

	if err := w.Run(ctx); err != nil {
		log.Fatalf("worker error: %v", err)
	}
	log.Println("Worker stopped")
}
