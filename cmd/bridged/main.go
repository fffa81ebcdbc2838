package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/chatbot"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/config"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/injector"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/ipc"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/lockfile"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/router"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/store"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/topic"
)

var version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("bridged", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.RootDir, 0o700); err != nil {
		fmt.Fprintln(os.Stderr, "creating config root:", err)
		os.Exit(1)
	}

	// Default: human-readable text to stderr. BRIDGE_DEBUG_LOG switches to
	// JSON written to daemon.log, for when the daemon is actually running
	// detached and stderr isn't being watched.
	var logger *slog.Logger
	if cfg.DebugLog {
		logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			fmt.Fprintln(os.Stderr, "opening log file:", err)
			os.Exit(1)
		}
		defer logFile.Close()
		logger = slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	if cfg.SocketPathFellBack {
		logger.Warn("socket path exceeded platform limit, using ephemeral fallback", "path", cfg.SocketPath)
	}

	lock, err := lockfile.Acquire(cfg.LockPath, cfg.PIDPath)
	if err != nil {
		logger.Error("failed to acquire daemon lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bot, err := chatbot.New(cfg.BotToken, cfg.ChatID, logger)
	if err != nil {
		logger.Error("failed to start telegram bot", "error", err)
		os.Exit(1)
	}

	coord := topic.New(st, bot, cfg.UseThreads, logger)
	inj := injector.New(logger, 5*time.Second)

	if !inj.DetectSession(context.Background()) {
		logger.Warn("no tmux server reachable on the default socket at startup")
	}

	r := router.New(st, coord, inj, bot, cfg.ChatID, router.Options{
		WaitForThreadTimeout: cfg.WaitForThreadTimeout,
		DedupTTL:             cfg.DedupTTL,
		ApprovalTTL:          cfg.ApprovalTTL,
		ApprovalsEnabled:     cfg.ApprovalsOn,
	}, logger)
	bot.OnMessage(func(ctx context.Context, chatID int64, threadID int, text string) {
		r.HandleChatMessage(ctx, threadID, text)
	})
	bot.OnCallback(func(ctx context.Context, chatID int64, threadID int, messageID int, callbackID string, data string) {
		r.HandleCallback(ctx, callbackID, data)
	})

	ipcServer, err := ipc.New(ipc.Config{
		SocketPath: cfg.SocketPath,
		Logger:     logger,
		Handler:    r.Dispatch,
	})
	if err != nil {
		logger.Error("failed to start ipc server", "error", err)
		os.Exit(1)
	}
	r.SetBroadcaster(ipcServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper, err := r.StartReaper(ctx, cfg.StaleTimeout)
	if err != nil {
		logger.Error("failed to start reaper", "error", err)
		os.Exit(1)
	}
	defer reaper.Stop()

	go func() {
		if err := bot.Run(ctx); err != nil {
			logger.Error("telegram bot stopped", "error", err)
		}
	}()
	go func() {
		if err := ipcServer.Serve(ctx); err != nil {
			logger.Error("ipc server stopped", "error", err)
		}
	}()

	logger.Info("bridged started", "socket", cfg.SocketPath, "threads", cfg.UseThreads)
	<-ctx.Done()
	logger.Info("received shutdown signal")
	ipcServer.Shutdown()
}
