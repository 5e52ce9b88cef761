package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"bybit-trading-agent/config"
	"bybit-trading-agent/internal/agent"
	"bybit-trading-agent/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default config.yaml)")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	logger.Info().
		Bool("testnet", cfg.Bybit.TestNet).
		Strs("symbols", cfg.Trading.Symbols).
		Str("timeframe", cfg.Trading.Timeframe).
		Msg("Starting trading agent")

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Agent construction failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Agent exited with error")
	}
	logger.Info().Msg("Agent stopped")
}
