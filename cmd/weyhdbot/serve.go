package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/geffzhang/weyhdbot/internal/channel"
	"github.com/geffzhang/weyhdbot/internal/channel/adapters/wechat"
	"github.com/geffzhang/weyhdbot/internal/channel/inbound"
	"github.com/geffzhang/weyhdbot/internal/config"
	"github.com/geffzhang/weyhdbot/internal/db/migrate"
	"github.com/geffzhang/weyhdbot/internal/directline"
	"github.com/geffzhang/weyhdbot/internal/events"
	"github.com/geffzhang/weyhdbot/internal/handlers"
	"github.com/geffzhang/weyhdbot/internal/healthcheck"
	"github.com/geffzhang/weyhdbot/internal/logger"
	"github.com/geffzhang/weyhdbot/internal/registry"
	"github.com/geffzhang/weyhdbot/internal/registry/stores/postgres"
	"github.com/geffzhang/weyhdbot/internal/registry/stores/redis"
	"github.com/geffzhang/weyhdbot/internal/registry/stores/sqlite"
	"github.com/geffzhang/weyhdbot/internal/schedule"
	"github.com/geffzhang/weyhdbot/internal/server"
	"github.com/geffzhang/weyhdbot/internal/version"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := newApp()
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newApp() *fx.App {
	return fx.New(appOptions())
}

func appOptions() fx.Option {
	return fx.Options(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideEventPublisher,
			provideRegistryStore,
			provideRegistryService,
			provideRelayGateway,
			provideRelayTokens,
			provideWechatTokens,
			provideWechatClient,
			provideDeduper,
			provideOutboundDispatcher,
			provideInboundDispatcher,
			provideChannelManager,
			provideStreamHub,
			provideWebhookHandler,
			provideHealthRegistry,
			provideScheduler,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideHealthHandler),
			provideServerHandler(func(h *wechat.WebhookHandler) *wechat.WebhookHandler { return h }),
			provideServer,
		),
		fx.Invoke(
			startDefaultMenu,
			startScheduler,
			startStreamHub,
			startChannelManager,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// provideEventPublisher connects to the broker when events are enabled. A
// broker that cannot be reached degrades to log-only publishing.
func provideEventPublisher(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) events.Publisher {
	pub := events.NewFallback(log)
	if cfg.Events.Enabled {
		amqp, err := events.NewAMQP(cfg.Events.URL, cfg.Events.Exchange, log)
		if err != nil {
			log.Warn("event broker unavailable, publishing to log only", slog.Any("error", err))
		} else {
			pub = amqp
		}
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return pub.Close() }})
	return pub
}

func provideRegistryStore(log *slog.Logger, cfg config.Config) (registry.Store, error) {
	var (
		store registry.Store
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Registry.Driver)) {
	case config.RegistryDriverPostgres:
		if cfg.Postgres.AutoMigrate {
			if err := migrate.Run(cfg.Postgres.DSN(), migrate.Up); err != nil {
				return nil, fmt.Errorf("auto migrate: %w", err)
			}
		}
		store, err = postgres.Open(context.Background(), cfg.Postgres.DSN(), log)
	case config.RegistryDriverSQLite:
		store, err = sqlite.Open(cfg.SQLite.Path, log)
	case config.RegistryDriverRedis:
		store, err = redis.Open(redis.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, log)
	default:
		store = registry.NewMemoryStore()
	}
	if err != nil {
		return nil, fmt.Errorf("open %s registry: %w", cfg.Registry.Driver, err)
	}
	return store, nil
}

func provideRegistryService(lc fx.Lifecycle, log *slog.Logger, store registry.Store, pub events.Publisher) *registry.Service {
	svc := registry.NewService(log, store)
	svc.SetPublisher(pub)
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return svc.Close() }})
	return svc
}

func provideRelayGateway(log *slog.Logger, cfg config.Config) *directline.Gateway {
	return directline.NewGateway(log, directline.Config{
		Endpoint: cfg.Relay.Endpoint,
		Secret:   cfg.Relay.BotSecret,
		BotID:    cfg.Relay.BotID,
		Timeout:  cfg.Relay.Timeout(),
	})
}

// provideRelayTokens returns nil in secret mode, where session calls carry
// the bot secret directly.
func provideRelayTokens(log *slog.Logger, cfg config.Config, gateway *directline.Gateway) *directline.TokenCache {
	if cfg.Relay.AuthMode != config.RelayAuthModeToken {
		return nil
	}
	tokens := directline.NewTokenCache(log, gateway, nil)
	gateway.UseTokenSource(tokens)
	return tokens
}

func provideWechatTokens(log *slog.Logger, cfg config.Config) *wechat.TokenCache {
	return wechat.NewTokenCache(log, wechat.TokenConfig{
		AppID:     cfg.Wechat.AppID,
		AppSecret: cfg.Wechat.AppSecret,
		TokenURI:  cfg.Wechat.TokenURI,
		Timeout:   cfg.Wechat.Timeout(),
	}, nil)
}

func provideWechatClient(log *slog.Logger, cfg config.Config, tokens *wechat.TokenCache) *wechat.Client {
	return wechat.NewClient(log, wechat.ClientConfig{
		CustomerEndpoint:    cfg.Wechat.CustomerEndpoint,
		MediaUploadEndpoint: cfg.Wechat.MediaUploadEndpoint,
		MenuUploadEndpoint:  cfg.Wechat.MenuUploadEndpoint,
		UpdateMenuOnRun:     cfg.Wechat.UpdateMenuOnRun,
		DefaultMenu:         cfg.Wechat.DefaultMenu,
		Timeout:             cfg.Wechat.Timeout(),
		SendRatePerSecond:   cfg.Wechat.SendRatePerSecond,
	}, tokens)
}

func provideDeduper(cfg config.Config) (*wechat.Deduper, error) {
	return wechat.NewDeduper(cfg.Bridge.DedupCapacity, cfg.Bridge.DedupTTL(), nil)
}

func provideOutboundDispatcher(log *slog.Logger, cfg config.Config, client *wechat.Client, pub events.Publisher) *channel.OutboundDispatcher {
	d := channel.NewOutboundDispatcher(log, cfg.Relay.Subchannel, wechat.FromTurn, client, nil, channel.OutboundPolicy{})
	d.SetPublisher(pub)
	return d
}

func provideInboundDispatcher(log *slog.Logger, cfg config.Config, sessions *registry.Service, gateway *directline.Gateway, client *wechat.Client, pub events.Publisher) *inbound.Dispatcher {
	d := inbound.NewDispatcher(log, inbound.Config{
		ChannelID:      cfg.Relay.ChannelID,
		Subchannel:     cfg.Relay.Subchannel,
		WelcomeMessage: cfg.Wechat.WelcomeMessage,
	}, sessions, gateway, client)
	d.SetPublisher(pub)
	return d
}

func provideChannelManager(log *slog.Logger, cfg config.Config, d *inbound.Dispatcher, dedup *wechat.Deduper) *channel.Manager {
	return channel.NewManager(log, d, dedup, channel.ManagerConfig{
		QueueSize: cfg.Bridge.QueueSize,
		Workers:   cfg.Bridge.Workers,
	})
}

// provideStreamHub returns nil unless replies are read from conversation
// streams. Otherwise replies arrive on the activities endpoint.
func provideStreamHub(log *slog.Logger, cfg config.Config, gateway *directline.Gateway, outbound *channel.OutboundDispatcher, d *inbound.Dispatcher) *directline.Hub {
	if !cfg.Relay.StreamReplies {
		return nil
	}
	hub := directline.NewHub(log, gateway, outbound.Dispatch)
	d.SetStreamHub(hub)
	return hub
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, dedup *wechat.Deduper, manager *channel.Manager, client *wechat.Client, outbound *channel.OutboundDispatcher) *wechat.WebhookHandler {
	return wechat.NewWebhookHandler(log, wechat.WebhookConfig{
		Path:  cfg.Bridge.Path,
		Token: cfg.Wechat.Token,
	}, dedup, manager, client, outbound)
}

func provideHealthRegistry(log *slog.Logger, cfg config.Config, sessions *registry.Service, pub events.Publisher, wechatTokens *wechat.TokenCache, relayTokens *directline.TokenCache) *healthcheck.Registry {
	checks := healthcheck.NewRegistry(
		healthcheck.NewPingChecker(log, "registry", "storage", sessions, false),
		healthcheck.NewPingChecker(log, "wechat_token", "credential", healthcheck.PingFunc(func(ctx context.Context) error {
			_, err := wechatTokens.Get(ctx)
			return err
		}), true),
	)
	if pinger, ok := pub.(healthcheck.Pinger); ok {
		checks.Add(healthcheck.NewPingChecker(log, "events", "broker", pinger, true))
	}
	checks.Add(healthcheck.NewPingChecker(log, "relay", "credential", healthcheck.PingFunc(func(ctx context.Context) error {
		if relayTokens != nil {
			_, err := relayTokens.Get(ctx)
			return err
		}
		if strings.TrimSpace(cfg.Relay.BotSecret) == "" {
			return errors.New("relay bot secret is not configured")
		}
		return nil
	}), false))
	return checks
}

func provideHealthHandler(log *slog.Logger, checks *healthcheck.Registry) *handlers.HealthHandler {
	return handlers.NewHealthHandler(log, checks)
}

func provideScheduler(log *slog.Logger, cfg config.Config, wechatTokens *wechat.TokenCache, relayTokens *directline.TokenCache) (*schedule.Scheduler, error) {
	s := schedule.New(log)
	if err := s.Add(schedule.Job{
		Name:       "wechat_token_warmup",
		Spec:       cfg.Schedule.TokenWarmup,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			_, err := wechatTokens.Get(ctx)
			return err
		},
	}); err != nil {
		return nil, err
	}
	if relayTokens != nil {
		if err := s.Add(schedule.Job{
			Name: "relay_token_refresh",
			Spec: cfg.Schedule.RelayRefresh,
			Run: func(ctx context.Context) error {
				if err := relayTokens.Refresh(ctx); err != nil {
					return err
				}
				log.Debug("relay token refreshed", slog.Time("expires_at", relayTokens.ExpiresAt()))
				return nil
			},
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	Webhook        *wechat.WebhookHandler
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.New(params.Logger, server.Config{
		Addr:        params.Config.Server.Addr,
		JWTSecret:   params.Config.Auth.JWTSecret,
		PublicPaths: []string{params.Webhook.Path()},
	}, params.ServerHandlers...)
}

func startDefaultMenu(lc fx.Lifecycle, client *wechat.Client) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go client.UpdateDefaultMenuIfConfigured(context.WithoutCancel(ctx))
			return nil
		},
	})
}

func startScheduler(lc fx.Lifecycle, s *schedule.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { s.Start(); return nil },
		OnStop:  func(ctx context.Context) error { return s.Stop(ctx) },
	})
}

func startStreamHub(lc fx.Lifecycle, log *slog.Logger, hub *directline.Hub) {
	if hub == nil {
		return
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error {
		log.Info("stopping stream listeners", slog.Int("active", hub.Active()))
		return hub.Stop(ctx)
	}})
}

func startChannelManager(lc fx.Lifecycle, manager *channel.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { manager.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return manager.Shutdown(stopCtx) },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting weyhdbot %s\n", version.GetInfo())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
