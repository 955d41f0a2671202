package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pepobot/internal/clock"
	"pepobot/internal/command"
	"pepobot/internal/commands/builtin"
	"pepobot/internal/config"
	"pepobot/internal/dispatch"
	"pepobot/internal/logging"
	"pepobot/internal/transport"
	"pepobot/internal/user"
	"pepobot/internal/wait"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Debug)
	log.Info().Str("name", cfg.Bot.Name).Str("mode", cfg.Bot.Mode).Msg("starting bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var backend user.Backend
	switch cfg.Store.Backend {
	case "redis":
		addr := fmt.Sprintf("%s:%d", cfg.Store.Redis.Host, cfg.Store.Redis.Port)
		backend, err = user.NewRedisBackend(ctx, addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
	default:
		backend, err = user.NewSQLiteBackend(cfg.Store.SQLitePath)
	}
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("user store backend")
	}
	defer backend.Close()

	users := user.NewStore(backend, cfg.Bot.Owners, cfg.Energy.Initial, log)

	wa, err := transport.NewWhatsApp(ctx, cfg.WhatsApp.SessionDB, cfg.Bot.AntiCall, log)
	if err != nil {
		log.Fatal().Err(err).Msg("whatsapp session")
	}

	clk := clock.NewSystem()
	waits := wait.NewScheduler(wa, clk, cfg.Bot.Prefix, cfg.WaitTimeout, log)

	reg := command.NewRegistry(log)
	reg.AddSource(builtin.New(reg, users, cfg.Downloader.APIBase))
	if err := reg.Load(); err != nil {
		// Fails open: the bot comes up with an empty registry rather than
		// refusing to start.
		log.Error().Err(err).Msg("command load failed")
	}

	pipe := dispatch.New(cfg, reg, waits, users, wa, clk, log)

	go users.AutoFlush(ctx, cfg.Store.FlushInterval)

	handlers := transport.Handlers{
		Message: pipe.Dispatch,
		CallRejected: func(ctx context.Context, caller, pushName string) {
			rec, err := users.GetOrCreate(ctx, caller, pushName)
			if err != nil {
				log.Error().Err(err).Str("caller", caller).Msg("call bookkeeping failed")
				return
			}
			users.IncrementRejectedCalls(rec.InternalID)
		},
	}
	if err := wa.Connect(ctx, handlers); err != nil {
		log.Fatal().Err(err).Msg("whatsapp connect")
	}

	log.Info().Msg("bot is online")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	cancel()
	wa.Disconnect()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	users.FlushAll(flushCtx)
	log.Info().Msg("user data flushed")
}
