// Package main implements the lspfront master: the single public LSP
// endpoint in front of a pool of worker processes.
//
// The master:
//   - Spawns --cluster workers, worker N listening on --port+N
//   - Tracks each worker's readiness from its lifecycle messages
//   - Accepts LSP clients on --port
//   - Gives each client two randomly selected workers and relays file
//     requests from those workers back to the client
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Master                   │
//	├─────────────────────────────────────────┤
//	│  LSP :2089       - Session broker       │
//	│  Admin (opt.)    - /health /workers     │
//	│                    /sessions /metrics   │
//	├─────────────────────────────────────────┤
//	│  Supervisor      - Spawn, watch, respawn│
//	│  Registry        - Worker readiness     │
//	└─────────────────────────────────────────┘
//
// Example usage:
//
//	# Four workers on 2090-2093, strict mode, admin endpoint
//	./master -c 4 -s --admin-addr 127.0.0.1:9089
//
//	# Same through the environment
//	LSPFRONT_CLUSTER=4 LSPFRONT_STRICT=true ./master
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/lspfront/internal/admin"
	"github.com/dreamware/lspfront/internal/broker"
	"github.com/dreamware/lspfront/internal/config"
	"github.com/dreamware/lspfront/internal/coordinator"
	"github.com/dreamware/lspfront/internal/log"
)

// shutdownGrace bounds how long workers and the admin server get to stop.
const shutdownGrace = 3 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "master",
		Short:        "LSP front end that balances sessions over a pool of workers",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cmd.Flags())
			if err != nil {
				return err
			}
			log.Configure(log.Config{Level: cfg.LogLevel, Service: "lspfront-master"})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, &coordinator.ExecSpawner{Binary: cfg.WorkerBin, Stderr: os.Stderr})
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

// supervisorConfig maps the master configuration onto the worker pool.
func supervisorConfig(cfg config.Config) coordinator.SupervisorConfig {
	return coordinator.SupervisorConfig{
		Host:           cfg.WorkerHost,
		LogLevel:       cfg.LogLevel,
		Backoff:        coordinator.DefaultBackoff(),
		Size:           cfg.Cluster,
		RespawnLimit:   cfg.RespawnLimit,
		StopGrace:      shutdownGrace,
		HealthInterval: cfg.HealthInterval,
		Strict:         cfg.Strict,
	}
}

// brokerConfig maps the master configuration onto session establishment.
func brokerConfig(cfg config.Config) broker.Config {
	return broker.Config{
		WorkerHost:        cfg.WorkerHost,
		BasePort:          cfg.Port,
		WorkersPerSession: 2,
		ReadyTimeout:      cfg.ReadyTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
		RequestTimeout:    cfg.RequestTimeout,
		SessionRate:       cfg.SessionRate,
		SessionBurst:      cfg.SessionBurst,
	}
}

// run starts the worker pool, the broker and the optional admin server and
// blocks until ctx ends or one of them fails.
func run(ctx context.Context, cfg config.Config, spawner coordinator.Spawner) error {
	logger := log.WithComponent("master")

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}

	var aln net.Listener
	if cfg.AdminAddr != "" {
		aln, err = lc.Listen(ctx, "tcp", cfg.AdminAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("admin listen %s: %w", cfg.AdminAddr, err)
		}
	}
	closeListeners := func() {
		_ = ln.Close()
		if aln != nil {
			_ = aln.Close()
		}
	}

	registry := coordinator.NewWorkerRegistry(cfg.Port)
	sup := coordinator.NewSupervisor(registry, spawner, supervisorConfig(cfg))
	if err := sup.Start(ctx); err != nil {
		closeListeners()
		return err
	}
	defer sup.Stop()

	b := broker.New(brokerConfig(cfg), registry, broker.Relay{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Serve(gctx, ln)
	})

	if aln != nil {
		srv := admin.NewServer(cfg.AdminAddr, admin.NewRouter(registry, b))
		g.Go(func() error {
			return srv.Serve(aln)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	logger.Info().
		Int("port", cfg.Port).
		Int("cluster", cfg.Cluster).
		Bool("strict", cfg.Strict).
		Msg("master listening for LSP connections")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("master stopped with error")
		return err
	}
	logger.Info().Msg("master stopped")
	return nil
}
