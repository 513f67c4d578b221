// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/bissquit/incident-escalation/internal/config"
	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/incidents"
	"github.com/bissquit/incident-escalation/internal/incidents/memory"
	incidentspostgres "github.com/bissquit/incident-escalation/internal/incidents/postgres"
	"github.com/bissquit/incident-escalation/internal/location"
	"github.com/bissquit/incident-escalation/internal/notifications"
	"github.com/bissquit/incident-escalation/internal/notifications/webhook"
	"github.com/bissquit/incident-escalation/internal/pkg/ctxlog"
	"github.com/bissquit/incident-escalation/internal/pkg/httputil"
	"github.com/bissquit/incident-escalation/internal/pkg/metrics"
	"github.com/bissquit/incident-escalation/internal/pkg/postgres"
	"github.com/bissquit/incident-escalation/internal/stream"
	"github.com/bissquit/incident-escalation/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool // nil with the memory store
	dropDBMetrics func()
	repo          incidents.Repository
	service       *incidents.Service
	locations     *location.StaticDirectory
	broker        *stream.Broker
	relay         *stream.Relay
	escalator     *incidents.Escalator
	forwarder     *notifications.Forwarder
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
}

// New creates a new application instance and starts its background
// components: the event relay, the escalation scheduler and, when enabled,
// the notification forwarder.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	build := version.Get()
	metrics.SetBuildInfo(build.Version, build.Commit, build.GoVersion)

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.openStore(); err != nil {
		return nil, err
	}

	locations, err := location.Load(cfg.Locations.File)
	if err != nil {
		app.closeStore()
		return nil, fmt.Errorf("load locations: %w", err)
	}
	app.locations = locations

	app.service = incidents.NewService(app.repo, incidents.ServiceConfig{
		MaxConflictRetries: cfg.Engine.MaxConflictRetries,
	})
	app.broker = stream.NewBroker()
	app.relay = stream.NewRelay(stream.RelayConfig{
		PollInterval: cfg.Stream.PollInterval,
		BatchSize:    cfg.Stream.BatchSize,
		GapTimeout:   cfg.Stream.GapTimeout,
	}, app.repo, app.broker)
	app.service.SetWaker(app.relay)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	app.bgCancel = bgCancel

	if err := app.startBackground(bgCtx); err != nil {
		app.stopBackground()
		app.closeStore()
		return nil, err
	}

	// WriteTimeout also bounds event streams; the SSE handler lifts it per
	// connection.
	app.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	app.metricsServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	return app, nil
}

// openStore selects the incident store from storage.driver.
func (a *App) openStore() error {
	cfg := a.config

	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}

		connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		defer connectCancel()

		db, err := postgres.Connect(connectCtx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
			ApplicationName: "incident-engine",
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		a.repo = incidentspostgres.NewRepository(db)

		drop, err := metrics.RegisterPool(db)
		if err != nil {
			a.logger.Warn("database pool metrics disabled", "error", err)
		} else {
			a.dropDBMetrics = drop
		}
	default:
		a.logger.Warn("using in-memory incident store: state is lost on restart")
		a.repo = memory.NewStore()
	}

	a.logger.Info("incident store configured", "driver", cfg.Storage.Driver)
	return nil
}

func (a *App) startBackground(ctx context.Context) error {
	cfg := a.config

	if err := a.relay.Start(ctx); err != nil {
		return fmt.Errorf("start event relay: %w", err)
	}

	if cfg.Escalation.Enabled {
		escalator, err := incidents.NewEscalator(incidents.EscalatorConfig{
			Interval:    cfg.Escalation.Interval,
			Concurrency: cfg.Escalation.Concurrency,
		}, a.service, a.logger)
		if err != nil {
			return fmt.Errorf("create escalator: %w", err)
		}
		a.escalator = escalator
		a.escalator.Start(ctx)
	} else {
		a.logger.Warn("escalation scheduler is disabled: overdue incidents will not escalate automatically")
	}

	a.logger.Info("notifications configured",
		"enabled", cfg.Notifications.Enabled,
		"kinds", cfg.Notifications.Kinds,
	)

	if cfg.Notifications.Enabled {
		renderer, err := notifications.NewRenderer()
		if err != nil {
			return fmt.Errorf("create notification renderer: %w", err)
		}

		sender := webhook.NewSender(webhook.Config{
			Username:  cfg.Notifications.Username,
			IconURL:   cfg.Notifications.IconURL,
			RateLimit: cfg.Notifications.RateLimit,
			Burst:     cfg.Notifications.Burst,
		})

		kinds := make([]domain.EventKind, 0, len(cfg.Notifications.Kinds))
		for _, k := range cfg.Notifications.Kinds {
			kinds = append(kinds, domain.EventKind(k))
		}

		venue := cfg.Locations.Venue
		if venue == "" {
			venue = a.locations.Venue()
		}

		a.forwarder = notifications.NewForwarder(notifications.ForwarderConfig{
			Target:            cfg.Notifications.WebhookURL,
			Kinds:             kinds,
			BaseURL:           cfg.Notifications.BaseURL,
			Venue:             venue,
			Buffer:            cfg.Stream.SubscriberBuffer,
			MaxAttempts:       cfg.Notifications.Retry.MaxAttempts,
			InitialBackoff:    cfg.Notifications.Retry.InitialBackoff,
			MaxBackoff:        cfg.Notifications.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Notifications.Retry.BackoffMultiplier,
		}, a.broker, a.service, a.locations, renderer, sender)
		a.forwarder.Start(ctx)
	}

	return nil
}

func (a *App) stopBackground() {
	if a.escalator != nil {
		a.escalator.Stop()
	}
	if a.relay != nil {
		a.relay.Stop()
	}
	if a.forwarder != nil {
		a.forwarder.Stop()
	}
	// closing the broker ends every open event stream
	if a.broker != nil {
		a.broker.Close()
	}
	if a.bgCancel != nil {
		a.bgCancel()
	}
}

func (a *App) closeStore() {
	if a.dropDBMetrics != nil {
		a.dropDBMetrics()
		a.dropDBMetrics = nil
	}
	if a.db != nil {
		a.db.Close()
	}
}

// Run serves the API and the metrics endpoint until Shutdown is called or
// either listener fails.
func (a *App) Run() error {
	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		a.logger.Info("starting "+name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s: %w", name, err)
			return
		}
		errCh <- nil
	}

	a.logger.Info("incident engine ready",
		"version", version.Version,
		"storage", a.config.Storage.Driver,
		"escalation", a.escalator != nil,
		"notifications", a.forwarder != nil,
	)
	go serve("metrics server", a.metricsServer)
	go serve("api server", a.server)

	// the first listener to stop decides the outcome
	return <-errCh
}

// Shutdown stops the background components, drains both servers and closes
// the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// producers first, so no event reaches a stream that is being drained
	a.stopBackground()

	servers := map[string]*http.Server{
		"api server":     a.server,
		"metrics server": a.metricsServer,
	}
	errCh := make(chan error, len(servers))
	for name, srv := range servers {
		go func() {
			if err := srv.Shutdown(ctx); err != nil {
				errCh <- fmt.Errorf("shutdown %s: %w", name, err)
				return
			}
			errCh <- nil
		}()
	}

	var errs []error
	for range servers {
		errs = append(errs, <-errCh)
	}

	a.closeStore()
	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Service returns the incident service. Used in tests to drive the engine
// directly.
func (a *App) Service() *incidents.Service {
	return a.service
}

// Escalator returns the escalation scheduler, or nil when disabled.
func (a *App) Escalator() *incidents.Escalator {
	return a.escalator
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>Incident Escalation API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	incidentsHandler := incidents.NewHandler(a.service, a.locations)
	locationHandler := location.NewHandler(a.locations)
	streamHandler := stream.NewHandler(a.repo, a.broker, stream.HandlerConfig{
		Buffer:    a.config.Stream.SubscriberBuffer,
		Heartbeat: a.config.Stream.Heartbeat,
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.PrincipalMiddleware)

		// long-lived, so outside the request timeout
		r.Method(http.MethodGet, "/events/stream", streamHandler)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(a.config.Server.RequestTimeout))
			incidentsHandler.RegisterRoutes(r)
			locationHandler.RegisterRoutes(r)
		})
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.repo.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Incident store unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", "incident-engine")
}
