package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semflow/api"
	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/capability/providers"
	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/events"
	"github.com/c360studio/semflow/executor"
	"github.com/c360studio/semflow/notify"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/trigger"
	"github.com/c360studio/semflow/workflow"
)

// App wires the engine together from configuration.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	store     storage.Store
	registry  *capability.Registry
	catalog   *workflow.Catalog
	publisher events.Publisher
	exec      *executor.Executor
	server    *api.Server

	consumer *trigger.Consumer
	watcher  *workflow.TemplateWatcher

	// set when the memory providers are configured
	calendar *providers.MemoryCalendar
	outbox   *providers.Outbox
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger, catalog: workflow.NewCatalog()}, nil
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.UsesNATS() {
		if err := a.startNATS(); err != nil {
			return wrapNATSError(err, a.cfg.NATS.URL)
		}
	}

	if err := a.startTemplates(ctx); err != nil {
		return err
	}

	if err := a.startStore(ctx); err != nil {
		return err
	}

	a.publisher = events.Nop{}
	if a.js != nil {
		pub, err := events.NewNATSPublisher(ctx, a.js, a.logger)
		if err != nil {
			return fmt.Errorf("initialize events: %w", err)
		}
		a.publisher = pub
	}

	registry, err := a.buildRegistry()
	if err != nil {
		return err
	}
	a.registry = registry

	locker, err := a.buildLocker(ctx)
	if err != nil {
		return err
	}

	fanout := notify.New(registry,
		notify.WithLogger(a.logger),
		notify.WithPublisher(a.publisher),
		notify.WithChannel(a.cfg.Providers.Chat.Channel))

	eng := a.cfg.Engine
	a.exec = executor.New(a.store, registry,
		executor.WithLogger(a.logger),
		executor.WithLocker(locker),
		executor.WithLockWait(eng.LockWait),
		executor.WithAvailabilityPolicy(executor.AvailabilityPolicy(eng.AvailabilityPolicy)),
		executor.WithTransientPolicy(executor.TransientPolicy(eng.TransientFailures)),
		executor.WithGatherMissingIsInput(eng.GatherIsInput()),
		executor.WithPublisher(a.publisher),
		executor.WithFanOut(fanout),
		executor.WithCatalog(a.catalog))

	a.server = api.New(a.exec, a.catalog,
		api.WithLogger(a.logger),
		api.WithHealth(registry),
		api.WithMaxSteps(a.cfg.Trigger.MaxSteps))

	if a.cfg.Trigger.Enabled {
		a.consumer = trigger.New(a.js, a.exec, trigger.Config{
			Stream:   a.cfg.Trigger.Stream,
			Subject:  a.cfg.Trigger.Subject,
			Consumer: a.cfg.Trigger.Consumer,
			MaxSteps: a.cfg.Trigger.MaxSteps,
		}, a.logger)
		if err := a.consumer.Start(ctx); err != nil {
			return fmt.Errorf("start trigger consumer: %w", err)
		}
	}

	a.logger.Info("Components initialized",
		"store", a.cfg.Store.Backend,
		"templates", len(a.catalog.List()),
		"trigger", a.cfg.Trigger.Enabled)
	return nil
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL, nats.Name(appName))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server", "store_dir", a.cfg.NATS.StoreDir)
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			StoreDir:  a.cfg.NATS.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return errors.New("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL(), nats.Name(appName))
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

func (a *App) startTemplates(ctx context.Context) error {
	dir := a.cfg.Templates.Dir
	if dir == "" {
		return nil
	}
	n, err := a.catalog.Reload(dir)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	a.logger.Info("Templates loaded", "dir", dir, "count", n)

	if !a.cfg.Templates.Watch {
		return nil
	}
	w, err := workflow.NewTemplateWatcher(dir, a.catalog, 0, a.logger)
	if err != nil {
		return fmt.Errorf("watch templates: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("watch templates: %w", err)
	}
	a.watcher = w
	return nil
}

func (a *App) startStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case "nats":
		store, err := storage.NewKVStore(ctx, a.js, a.cfg.Store.Bucket)
		if err != nil {
			return fmt.Errorf("initialize storage: %w", err)
		}
		a.store = store
	default:
		a.store = storage.NewMemoryStore()
	}
	return nil
}

// buildLocker picks a cross-process lease when workflows live in NATS and
// the in-process locker otherwise.
func (a *App) buildLocker(ctx context.Context) (executor.Locker, error) {
	if a.cfg.Store.Backend != "nats" {
		return executor.NewLocalLocker(), nil
	}
	leaser, err := storage.NewKVLeaser(ctx, a.js, a.cfg.Store.LeaseBucket, a.cfg.Engine.LeaseTTL, a.logger)
	if err != nil {
		return nil, fmt.Errorf("initialize leases: %w", err)
	}
	return leaser, nil
}

func (a *App) buildRegistry() (*capability.Registry, error) {
	p := a.cfg.Providers
	opts := []capability.Option{
		capability.WithLogger(a.logger),
		capability.WithTimeout(a.cfg.Engine.CapabilityTimeout),
	}

	var google providers.GoogleConfig
	if p.Calendar.Provider == "google" || p.Email.Provider == "gmail" {
		google = providers.GoogleConfig{
			ClientID:     p.Google.ClientID,
			ClientSecret: p.Google.ClientSecret,
			RefreshToken: p.Google.RefreshToken,
			TokenURL:     p.Google.TokenURL,
		}
	}

	switch p.Calendar.Provider {
	case "memory":
		a.calendar = providers.NewMemoryCalendar()
		opts = append(opts, capability.WithCalendar(a.calendar))
	case "google":
		cal := providers.NewGoogleCalendar(google.HTTPClient(context.Background()),
			providers.WithCalendarID(p.Calendar.CalendarID),
			providers.WithTimeZone(p.Calendar.TimeZone))
		opts = append(opts, capability.WithCalendar(cal))
	}

	switch p.Email.Provider {
	case "memory":
		opts = append(opts, capability.WithMailer(a.memoryOutbox()))
	case "gmail":
		gm := providers.NewGmail(google.HTTPClient(context.Background()), p.Email.Sender, "")
		opts = append(opts, capability.WithMailer(gm))
	}

	switch p.Chat.Provider {
	case "memory":
		opts = append(opts, capability.WithMessenger(a.memoryOutbox()))
	case "slack":
		opts = append(opts, capability.WithMessenger(providers.NewSlackWebhook(p.Chat.SlackWebhook, nil)))
	case "nats":
		if a.natsConn == nil {
			return nil, errors.New("chat provider nats needs a NATS connection")
		}
		opts = append(opts, capability.WithMessenger(providers.NewNATSChat(a.natsConn, p.Chat.NATSSubject)))
	}

	return capability.NewRegistry(opts...), nil
}

func (a *App) memoryOutbox() *providers.Outbox {
	if a.outbox == nil {
		a.outbox = providers.NewOutbox()
	}
	return a.outbox
}

// Serve runs the HTTP API until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	return a.server.ListenAndServe(ctx, a.cfg.HTTP.Addr)
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() {
	a.logger.Info("Shutting down")

	if a.consumer != nil {
		a.consumer.Stop()
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("Stop template watcher", "error", err)
		}
	}

	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Debug("Drain NATS connection", "error", err)
		}
		a.natsConn.Close()
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
