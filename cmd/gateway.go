package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/qqbridge/internal/agent"
	"github.com/nextlevelbuilder/qqbridge/internal/bus"
	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/channels/qq"
	"github.com/nextlevelbuilder/qqbridge/internal/config"
	"github.com/nextlevelbuilder/qqbridge/internal/gateway"
	httpapi "github.com/nextlevelbuilder/qqbridge/internal/http"
	"github.com/nextlevelbuilder/qqbridge/internal/metrics"
	"github.com/nextlevelbuilder/qqbridge/internal/sessions"
	"github.com/nextlevelbuilder/qqbridge/internal/tracing"
)

const (
	webhookRateBurst = 20
	stopTimeout      = 10 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	if cfg.Metrics.IsEnabled() {
		metrics.SetDefault(metrics.NewProm("qqbridge"))
	}

	pairingStore, err := openPairingStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open pairing store", "error", err)
		os.Exit(1)
	}
	defer pairingStore.Close()

	sessionsDir := cfg.Sessions.Storage
	if sessionsDir != "" {
		sessionsDir = config.ExpandHome(sessionsDir)
	}
	sessMgr := sessions.NewManager(sessionsDir)

	msgBus := bus.New()
	channelMgr := channels.NewManager(msgBus)

	var limiter *channels.WebhookRateLimiter
	if cfg.Gateway.WebhookRateLimitRPM > 0 {
		limiter = channels.NewWebhookRateLimiter(cfg.Gateway.WebhookRateLimitRPM, webhookRateBurst)
	}
	registry := qq.NewRegistry(qq.RegistryOptions{
		MaxBodyBytes: cfg.Gateway.MaxBodyBytes,
		BodyTimeout:  cfg.Gateway.BodyReadTimeout(),
		RateLimiter:  limiter,
	})

	loader := qq.NewLoader(qq.LoaderDeps{
		Bus:      msgBus,
		Pairing:  pairingStore,
		Sessions: sessMgr,
		Registry: registry,
		Tokens:   qq.NewTokenCache(nil),
		Env:      qq.LoadEnvFallback(),
	}, channelMgr)
	slog.Info("qq accounts loaded", "count", loader.LoadAll(cfg))

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		os.Exit(1)
	}

	var forwarder agent.Forwarder
	if client := agent.NewClient(cfg.Agent, nil); client.Enabled() {
		forwarder = client
	} else {
		slog.Warn("agent.endpoint not set, routed messages are only logged")
	}
	consumer := agent.NewConsumer(msgBus, forwarder, 0)

	server := gateway.NewServer(cfg, registry)
	server.SetStatusSource(channelMgr.GetStatus)
	if cfg.Gateway.Token == "" {
		slog.Warn("gateway.token not set, admin API refuses all requests")
	}
	server.AddHandler(httpapi.NewPairingHandler(pairingStore, channelMgr, cfg.Gateway.Token))
	server.AddHandler(httpapi.NewQQHandler(channelMgr, cfg.Gateway.Token))
	server.AddHandler(httpapi.NewSessionsHandler(sessMgr, cfg.Gateway.Token))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, cfg, func(next *config.Config) {
			slog.Info("config changed, reloading accounts", "path", cfgPath)
			cfg.ReplaceFrom(next)
			loader.Reload(gctx, next)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config watcher stopped", "error", err)
		}
		return nil
	})

	runErr := g.Wait()
	slog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	channelMgr.StopAll(stopCtx)
	msgBus.Close()
	if err := shutdownTracing(stopCtx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}
