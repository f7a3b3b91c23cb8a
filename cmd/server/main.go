package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/pflag"

	"github.com/Tyrowin/whisp/internal/auth"
	"github.com/Tyrowin/whisp/internal/server"
	"github.com/Tyrowin/whisp/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "whisp: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var envFile, addr string

	flagSet := pflag.NewFlagSet("whisp", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment (default: .env if present)")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides SERVER_PORT")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := server.LoadConfig(envFile)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if addr != "" {
		cfg.Port = addr
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing store", "driver", cfg.StoreDriver)
		if err := st.Close(); err != nil {
			log.Error("Error closing store", "error", err)
		}
	}()

	gate, err := auth.NewGate(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	srv := server.New(cfg, st, gate, log)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("Server stopped cleanly")
	return nil
}

func openStore(ctx context.Context, cfg server.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case server.DriverMemory:
		log.Warn("Using in-memory store; identities are lost on restart")
		return store.NewMemoryStore(), nil
	case server.DriverPostgres:
		st, err := store.OpenPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		return st, nil
	default:
		st, err := store.OpenBadger(cfg.BadgerPath, log)
		if err != nil {
			return nil, fmt.Errorf("badger store: %w", err)
		}
		return st, nil
	}
}
