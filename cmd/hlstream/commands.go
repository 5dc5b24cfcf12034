package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hlstream/internal/application/usecase/monitor"
	"hlstream/internal/domain"
	"hlstream/internal/infrastructure/config"
	"hlstream/internal/infrastructure/exchange/hyperliquid"
	"hlstream/internal/infrastructure/logger"
	"hlstream/internal/infrastructure/svc"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hlstream",
		Short:         "Resilient Hyperliquid market data streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newKeyCmd(), newMethodsCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stream the configured feeds and serve the HTTP status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config %s: %w", configPath, err)
			}
			closeLog := logger.Setup(logger.Options{Level: cfg.App.LogLevel, File: cfg.App.LogFile})
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/config.toml", "path to config.toml or config.yaml")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	sc, err := svc.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer sc.Close()

	deps, err := sc.BuildMonitorServiceDeps()
	if err != nil {
		return err
	}
	mon := monitor.NewService(deps)

	log.Info().
		Str("config", configPath).
		Strs("coins", cfg.Streams.Coins).
		Strs("intervals", cfg.Streams.CandleIntervals).
		Int("feeds", len(deps.Feeds)).
		Int("candle_feeds", len(deps.CandleFeeds)).
		Msg("hlstream started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sc.GetWebSocketManager().Run(gctx) })
	g.Go(func() error {
		// 先等首次连接，避免 feed 在拨号完成前就超时
		if err := sc.WaitTransport(gctx); err != nil && gctx.Err() == nil {
			log.Warn().Err(err).Msg("transport not connected yet, starting monitor anyway")
		}
		return ignoreCanceled(mon.Run(gctx))
	})
	if cfg.HTTP.Enabled {
		server := sc.BuildHTTPServer()
		g.Go(func() error { return server.Run(gctx) })
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key <method> [json-params]",
		Short: "Print the subscription key for a method and params",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("params: %w", err)
				}
			}
			if _, ok := hyperliquid.Lookup(args[0]); !ok {
				return fmt.Errorf("%w: %s", domain.ErrUnknownMethod, args[0])
			}
			key, err := domain.SerializeKey(args[0], params)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newMethodsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List the supported subscription methods",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			for _, m := range hyperliquid.Methods() {
				line := m.Method
				if len(m.Required) > 0 {
					line += " required=" + strings.Join(m.Required, ",")
				}
				if len(m.Optional) > 0 {
					line += " optional=" + strings.Join(m.Optional, ",")
				}
				fmt.Fprintln(out, line)
			}
		},
	}
}
