package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/nim-notes/correct"
	"github.com/becomeliminal/nim-notes/engine"
	"github.com/becomeliminal/nim-notes/scheduler"
	"github.com/becomeliminal/nim-notes/server"
	"github.com/becomeliminal/nim-notes/transcribe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat websocket server",
	Long: `Run the chat server. Clients connect to /ws?owner_id=N&chat_id=M and
exchange JSON frames; /health and /metrics serve health checks and Prometheus.

Undelivered records are swept every memory.sweep_interval.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("ensure index: %w", err)
	}

	sched := scheduler.New(logger)
	defer sched.Close()

	hub := server.NewHub(cfg.Server.WriteTimeout, logger)

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithApprovals(a.store, sched, cfg.Memory.ApprovalTimeout),
		engine.WithMinTextLen(cfg.Chat.MinTextLen),
		engine.WithMaxResultLen(cfg.Chat.MaxResultLen),
	}
	if cfg.Speech.Enabled {
		t, err := transcribe.NewGoogle(ctx, cfg.Speech.Config, logger)
		if err != nil {
			return fmt.Errorf("speech client: %w", err)
		}
		defer t.Close()
		opts = append(opts, engine.WithTranscriber(t))
	}
	if cfg.Corrector.Enabled {
		opts = append(opts, engine.WithCorrector(correct.NewClaude(cfg.Corrector.Config, logger)))
	}
	eng := engine.NewEngine(a.manager, a.retriever, hub, opts...)

	srv := server.New(cfg.Server, hub, eng, logger)

	logger.Info("starting nim-notes",
		zap.String("version", version),
		zap.String("store", storeBackend(cfg)),
		zap.String("index", cfg.Index.Backend),
		zap.String("embedder", cfg.Embedder.Backend),
		zap.Bool("speech", cfg.Speech.Enabled),
		zap.Bool("corrector", cfg.Corrector.Enabled),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return a.manager.RunSweeper(gctx, cfg.Memory.SweepInterval)
	})
	return g.Wait()
}
