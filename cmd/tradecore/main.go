// Command tradecore runs the leveraged-trading execution core. It loads and
// validates configuration, wires dependencies and runs the configured mode
// until SIGINT or SIGTERM.
//
// Usage:
//
//	tradecore [-config path]
//	tradecore seal-secret -out secret.json < secret.txt
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	_ "time/tzdata"

	"github.com/derobiwan/trader-sub000/internal/app"
	"github.com/derobiwan/trader-sub000/internal/config"
	"github.com/derobiwan/trader-sub000/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seal-secret" {
		if err := sealSecret(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "seal-secret: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to TOML configuration file; empty uses defaults and environment")
	flag.Parse()

	logger := newLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	logger = newLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		application.Close()
		os.Exit(1)
	}
	logger.Info("tradecore stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// sealSecret reads an API secret from stdin and writes it encrypted under
// the password from TRADECORE_EXCHANGE_SECRET_PASSWORD.
func sealSecret(args []string) error {
	fs := flag.NewFlagSet("seal-secret", flag.ContinueOnError)
	out := fs.String("out", "exchange-secret.json", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	password := os.Getenv(config.EnvPrefix + "EXCHANGE_SECRET_PASSWORD")
	if password == "" {
		return fmt.Errorf("%sEXCHANGE_SECRET_PASSWORD is not set", config.EnvPrefix)
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read secret: %w", err)
	}
	envelope, err := crypto.Seal(strings.TrimSpace(line), password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, envelope, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(os.Stderr, "sealed secret written to %s\n", *out)
	return nil
}
