// Package bot wires configuration, storage, the plugin registry, the event bus,
// the command router and the IRC client into one running bot.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/dalnet/dunamis/internal/command"
	"github.com/dalnet/dunamis/internal/config"
	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/irc"
	"github.com/dalnet/dunamis/internal/logging"
	"github.com/dalnet/dunamis/internal/observability"
	"github.com/dalnet/dunamis/internal/plugin"
	"github.com/dalnet/dunamis/internal/plugins"
	"github.com/dalnet/dunamis/internal/plugins/core"
	"github.com/dalnet/dunamis/internal/storage"
)

// ErrConnectionLost is returned by Run when the client gave up reconnecting
var ErrConnectionLost = errors.New("connection lost")

const shutdownTimeout = 10 * time.Second

type Bot struct {
	cfg    *config.Config
	logger *slog.Logger

	obs        *observability.Server
	metrics    *observability.Metrics
	store      storage.Store
	closeStore func()
	policy     *command.Policy
	registry   *plugin.Registry
	bus        *event.Bus
	router     *command.Router
	client     *irc.Client
}

type options struct {
	dialer irc.Dialer
	store  storage.Store
	hook   func(from, to irc.State)
}

type Option func(*options)

// WithDialer replaces the network dialer
func WithDialer(d irc.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithStore uses s instead of the configured storage backend
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithStateHook observes client state transitions
func WithStateHook(fn func(from, to irc.State)) Option {
	return func(o *options) { o.hook = fn }
}

// New builds every component. Nothing connects until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Bot, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bot{cfg: cfg, logger: logger, closeStore: func() {}}

	if cfg.Metrics.Addr != "" {
		b.obs = observability.NewServer(cfg.Metrics.Addr, logger)
		b.metrics = b.obs.Metrics()
	}

	if o.store != nil {
		b.store = o.store
	} else {
		store, closer, err := OpenStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.store, b.closeStore = store, closer
	}

	policy, err := command.NewPolicy(cfg.Permissions, cfg.Commands)
	if err != nil {
		b.closeStore()
		return nil, err
	}
	b.policy = policy

	clientOpts := []irc.Option{
		irc.WithLogger(logger),
		irc.WithMetrics(b.metrics),
	}
	if o.hook != nil {
		clientOpts = append(clientOpts, irc.WithStateHook(o.hook))
	}
	// the bot forwards to the bus, which needs the registry, which needs the client
	b.client = irc.NewClient(cfg, o.dialer, b, clientOpts...)

	b.registry = plugin.NewRegistry(plugin.Context{
		Sender:   b.client,
		Store:    b.store,
		Logger:   logger,
		Config:   cfg,
		Sessions: policy,
	},
		plugin.WithLogger(logger),
		plugin.WithMetrics(b.metrics),
		plugin.WithCatalog(plugins.Catalog(cfg, logger)),
	)
	b.bus = event.NewBus(b.registry, event.WithLogger(logger), event.WithMetrics(b.metrics))
	b.router = command.NewRouter(cfg, b.registry, policy, b.client,
		command.WithLogger(logger), command.WithMetrics(b.metrics))
	b.bus.Subscribe("router", command.Events, b.router.Handle)

	if b.obs != nil {
		b.obs.SetReadiness(func() bool { return b.client.State() == irc.Connected })
	}
	return b, nil
}

func (b *Bot) Publish(ctx context.Context, msg *irc.ProtocolMessage) { b.bus.Publish(ctx, msg) }
func (b *Bot) Connected(ctx context.Context)                         { b.bus.Connected(ctx) }
func (b *Bot) Disconnected(ctx context.Context, reason error)        { b.bus.Disconnected(ctx, reason) }

func (b *Bot) Registry() *plugin.Registry { return b.registry }
func (b *Bot) Client() *irc.Client        { return b.client }

// LoadPlugins loads the enabled plugins in order, core first. A plugin that
// fails to load is logged and skipped.
func (b *Bot) LoadPlugins(ctx context.Context) {
	names := b.cfg.Plugins.Enabled
	if !slices.ContainsFunc(names, func(n string) bool { return strings.EqualFold(n, core.Name) }) {
		names = append([]string{core.Name}, names...)
	}
	for _, name := range names {
		if err := b.registry.LoadNamed(ctx, name); err != nil {
			logging.LogError(b.logger, "plugin not loaded", err, "plugin", name)
		}
	}
}

// Run connects and blocks until ctx is cancelled or the client gives up, then
// shuts everything down
func (b *Bot) Run(ctx context.Context) error {
	var serveErr <-chan error
	if b.obs != nil {
		ch, err := b.obs.Start()
		if err != nil {
			return err
		}
		serveErr = ch
		b.logger.Info("observability server listening", "addr", b.obs.Addr())
	}

	b.LoadPlugins(ctx)

	// the client outlives ctx so Stop can still send QUIT
	if err := b.client.Start(context.WithoutCancel(ctx)); err != nil {
		b.shutdown()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.Info("shutting down", "cause", context.Cause(ctx))
	case <-b.client.Done():
		runErr = oops.Code("CONNECTION_LOST").Wrap(ErrConnectionLost)
	case err := <-serveErr:
		runErr = err
	}
	b.shutdown()
	return runErr
}

func (b *Bot) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := b.client.Stop(ctx, "Shutting down"); err != nil {
		logging.LogError(b.logger, "client did not stop cleanly", err)
	}
	if err := b.registry.Shutdown(ctx); err != nil {
		logging.LogError(b.logger, "plugin shutdown reported errors", err)
	}
	if b.obs != nil {
		if err := b.obs.Stop(ctx); err != nil {
			logging.LogError(b.logger, "observability server did not stop cleanly", err)
		}
	}
	b.closeStore()
}

// OpenStore opens the configured storage backend. Postgres schemas are
// migrated before use.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(), func() {}, nil
	case "postgres":
		if err := Migrate(cfg); err != nil {
			return nil, nil, err
		}
		store, err := storage.OpenPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		dir := cfg.Storage.Path
		if dir == "" {
			dir = cfg.DataDir
		}
		store, err := storage.OpenFileStore(filepath.Clean(dir))
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

// Migrate brings the Postgres schema up to date
func Migrate(cfg *config.Config) error {
	m, err := storage.NewMigrator(cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	return m.Up()
}
