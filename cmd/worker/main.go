// Package main implements the lspfront worker. The master spawns one
// process per worker slot and passes its identity on the command line:
//
//	worker --id 3 --port 2092 --strict=false
//
// Once its endpoint is bound the worker writes a single lifecycle line to
// stdout, which is reserved for that purpose; logs go to stderr:
//
//	{"event":"listening","addr":"127.0.0.1:2092","worker_id":3}
//
// The worker exits on SIGTERM or when its stdin reaches EOF, which happens
// when the master goes away.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/lspfront/internal/cluster"
	"github.com/dreamware/lspfront/internal/config"
	"github.com/dreamware/lspfront/internal/log"
	"github.com/dreamware/lspfront/internal/worker"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "lspfront worker process (spawned by the master)",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWorker(v, cmd.Flags())
			if err != nil {
				return err
			}
			log.Configure(log.Config{Level: cfg.LogLevel, Service: "lspfront-worker"})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, stdin, stdout)
		},
	}
	config.AddWorkerFlags(cmd.Flags())
	return cmd
}

// run binds the endpoint, reports it on stdout and serves until ctx ends or
// stdin closes.
func run(ctx context.Context, cfg config.Worker, stdin io.Reader, stdout io.Writer) error {
	logger := log.WithComponent("worker").With().Int(log.FieldWorkerID, int(cfg.ID)).Logger()

	srv := worker.NewServer(worker.Config{Host: cfg.Host, ID: cfg.ID, Port: cfg.Port}, worker.NewLanguageHandler(cfg.ID, cfg.Strict))
	if err := srv.Listen(ctx); err != nil {
		return err
	}
	if err := cluster.WriteMessage(stdout, srv.ListeningMessage()); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if stdin != nil {
		go func() {
			_, _ = io.Copy(io.Discard, stdin)
			logger.Info().Msg("stdin closed, shutting down")
			cancel()
		}()
	}

	err := srv.Serve(ctx)
	logger.Info().Msg("worker stopped")
	return err
}
