package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/whalewatch/whalewatch/internal/app"
	"github.com/whalewatch/whalewatch/internal/archive"
	"github.com/whalewatch/whalewatch/internal/backfill"
	"github.com/whalewatch/whalewatch/internal/config"
	"github.com/whalewatch/whalewatch/internal/hyperliquid"
	"github.com/whalewatch/whalewatch/internal/repo"
	"github.com/whalewatch/whalewatch/internal/repo/postgres"
)

const (
	appName = "whalewatch"
	version = "v0.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Hyperliquid market data and whale tracking pipeline",
		Version: version,
		Long: `whalewatch ingests Hyperliquid market data and top-trader activity,
scores the leaderboard, aggregates position flow into directional signals
and alerts on large position shifts.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			return application.Run(ctx)
		},
	}

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run the candle backfill once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := postgres.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			client := hyperliquid.NewClient(hyperliquid.ClientOptions{
				BaseURL:        cfg.Exchange.HTTPURL,
				Timeout:        cfg.Exchange.RequestTimeout,
				RequestsPerSec: cfg.Exchange.RequestsPerSecond,
				MaxRetries:     cfg.Exchange.MaxRetries,
			})
			cfg.Backfill.Enabled = true
			return backfill.New(client, store, cfg.Symbol.TargetSymbol, cfg.Backfill).Run(ctx)
		},
	}

	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Run the archival sweep once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := postgres.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			retention := make(map[string]int)
			symbol := cfg.Symbol.TargetSymbol
			for name, days := range cfg.Retention.Days {
				switch name {
				case "trades":
					retention[repo.Trades(symbol)] = days
				case "orderbook":
					retention[repo.Orderbook(symbol)] = days
				case "candles":
					for _, interval := range cfg.Collector.CandleIntervals {
						retention[repo.Candles(symbol, interval)] = days
					}
				default:
					retention[name] = days
				}
			}
			archiver := archive.New(store, archive.Options{
				BasePath:         cfg.Archive.BasePath,
				BatchSize:        cfg.Archive.BatchSize,
				MaxArchiveAge:    cfg.Archive.MaxArchiveAge,
				CompressionLevel: cfg.Archive.CompressionLevel,
				RetentionDays:    retention,
			})
			return archiver.Run(ctx, time.Now().UTC())
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check repository connectivity and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			store, err := postgres.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Ping(ctx); err != nil {
				return fmt.Errorf("repository unhealthy: %w", err)
			}
			fmt.Println("ok")
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, backfillCmd, archiveCmd, healthCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}
