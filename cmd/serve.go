package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chat-gateway/internal/config"
	"chat-gateway/internal/logging"
	"chat-gateway/internal/models"
	"chat-gateway/internal/policy"
	"chat-gateway/internal/provider"
	providerfactory "chat-gateway/internal/provider/factory"
	"chat-gateway/internal/ratelimit"
	"chat-gateway/internal/relay"
	"chat-gateway/internal/router"
	"chat-gateway/internal/server"
)

type serveOptions struct {
	configPath string
	envFile    string
	port       int
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the gateway. The configuration file is watched; provider credential
changes are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return serve(c.Context(), opts)
		},
	}

	f := c.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file (required)")
	f.StringVar(&opts.envFile, "env-file", "", "load environment variables from this file before reading the config")
	f.IntVarP(&opts.port, "port", "p", 0, "override server port from configuration")
	_ = c.MarkFlagRequired("config")
	return c
}

func serve(ctx context.Context, opts serveOptions) error {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	if opts.port != 0 {
		if opts.port < 0 || opts.port > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", opts.port)
		}
		cfg.Server.Port = opts.port
	}

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry); err != nil {
		return err
	}

	access, err := newAccessChecker(cfg.Policy)
	if err != nil {
		return err
	}

	usage := policy.NewQueue(newUsageRecorder(cfg.Policy), cfg.Policy.UsageQueueSize)

	srv, err := server.New(cfg.Server, server.Deps{
		Registry: registry,
		Router: router.New(registry,
			models.ProviderID(cfg.Routing.DefaultProvider),
			models.ProviderID(cfg.Routing.VisionProvider)),
		Limiter: ratelimit.New(
			ratelimit.Rule{Limit: cfg.RateLimits.PerCaller.Limit, Window: cfg.RateLimits.PerCaller.Window},
			ratelimit.Rule{Limit: cfg.RateLimits.Global.Limit, Window: cfg.RateLimits.Global.Window},
		),
		Access: access,
		Relay: relay.New(relay.Options{
			Timeouts: relay.Timeouts{Chat: cfg.Timeouts.ChatIdle, Vision: cfg.Timeouts.VisionIdle},
			OnFinish: server.RecordUsage(usage),
		}),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return usage.Run(gctx) })
	g.Go(func() error {
		return config.Watch(gctx, opts.configPath, func(next config.Config) {
			if err := providerfactory.ApplyCredentials(next, registry); err != nil {
				log.Warn().Err(err).Msg("credential reload incomplete")
				return
			}
			log.Info().Msg("provider credentials reloaded")
		})
	})

	return g.Wait()
}

func newAccessChecker(cfg config.PolicyConfig) (policy.AccessChecker, error) {
	if cfg.Endpoint != "" {
		return policy.NewHTTPChecker(cfg.Endpoint, cfg.Timeout), nil
	}
	return policy.NewStaticChecker(cfg.Decisions)
}

func newUsageRecorder(cfg config.PolicyConfig) policy.UsageRecorder {
	if cfg.UsageWebhook == "" {
		return policy.LogRecorder{}
	}
	return policy.Multi{policy.LogRecorder{}, policy.NewWebhookRecorder(cfg.UsageWebhook, cfg.Timeout)}
}
