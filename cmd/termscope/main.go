package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/user/termscope/configs"
	"github.com/user/termscope/internal/api"
	"github.com/user/termscope/internal/bus"
	"github.com/user/termscope/internal/classify"
	"github.com/user/termscope/internal/config"
	"github.com/user/termscope/internal/hub"
	"github.com/user/termscope/internal/listener"
	"github.com/user/termscope/internal/server"
	"github.com/user/termscope/internal/store"
	"github.com/user/termscope/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	if cfg.PrintToken {
		fmt.Println(cfg.Token)
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rules, err := classify.ParseRules(configs.DefaultRules)
	if err != nil {
		return fmt.Errorf("parse shipped rules: %w", err)
	}
	if cfg.RulesPath != "" {
		rules, err = classify.LoadRules(cfg.RulesPath)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	b := bus.New(cfg.QueueSize)
	defer b.Close()

	sup := supervisor.New(supervisor.Config{
		Bus:             b,
		Store:           st,
		Rules:           rules,
		PollInterval:    cfg.PollInterval,
		HistoryLines:    cfg.HistoryLines,
		SideLogDir:      cfg.SideLogDir,
		ScrollbackLines: cfg.ScrollbackLines,
		CommandHistory:  cfg.CommandHistory,
	})
	defer sup.Close()

	h := hub.New(cfg.Token,
		func(sessionID, text string) {
			if err := sup.SendInput(sessionID, text); err != nil {
				slog.Warn("input rejected", "session", sessionID, "error", err)
			}
		},
		func(sessionID string, cols, rows int) {
			if err := sup.Resize(context.Background(), sessionID, cols, rows); err != nil {
				slog.Warn("resize rejected", "session", sessionID, "error", err)
			}
		},
	)
	go h.Run(ctx)

	fwd := hub.NewForwarder(b, h, hub.DefaultCoalesceInterval)
	defer fwd.Stop()
	go fwd.Run(ctx)

	// Server-side observer: logs each distinct error block once.
	obs := listener.New(listener.Config{
		Bus:         b,
		HistorySize: cfg.HistorySize,
	})
	defer obs.Stop()
	go obs.Run(ctx)

	router := api.NewRouter(sup, st, h, cfg.Token)
	srv := server.New(cfg, h, router)

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("\ntermscope running at http://localhost:%d?token=%s\n\n", cfg.Port, cfg.Token)
	}

	return srv.Start(ctx)
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
