package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/luciancaetano/remedy"
	"github.com/luciancaetano/remedy/bot"
	"github.com/luciancaetano/remedy/internal/config"
	"github.com/luciancaetano/remedy/internal/observability"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect every configured shard and log received events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.Int("shards", 0, "total shard count (0 uses the recommended count)")
	flags.IntSlice("shard-ids", nil, "shards run by this process (default all)")
	flags.Int("intents", 0, "gateway intents bitmask")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")

	_ = v.BindPFlag("shard.count", flags.Lookup("shards"))
	_ = v.BindPFlag("shard.ids", flags.Lookup("shard-ids"))
	_ = v.BindPFlag("intents", flags.Lookup("intents"))
	_ = v.BindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	consumer := remedy.ConsumerFunc(func(_ context.Context, ev *remedy.Event) {
		logger.Debug("event",
			zap.Int("shard", ev.ShardID),
			zap.Int64("seq", ev.Seq),
			zap.String("type", ev.Type))
	})

	b, err := bot.New(cfg.Bot(logger, registry), consumer)
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- b.Wait() }()

	errs := b.Errors()
	for {
		select {
		case shardErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Error("shard stopped", zap.Int("shard", shardErr.ShardID), zap.Error(shardErr))

		case err := <-done:
			return err

		case <-ctx.Done():
			logger.Info("shutting down")
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := b.Stop(stopCtx); err != nil {
				return err
			}
			return <-done
		}
	}
}
