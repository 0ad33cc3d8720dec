package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tracklink/config"
	"tracklink/internal/codec"
	"tracklink/internal/db"
	"tracklink/internal/directory"
	"tracklink/internal/events"
	"tracklink/internal/health"
	"tracklink/internal/listener"
	"tracklink/internal/logs"
	"tracklink/internal/metrics"
	"tracklink/internal/middleware"
	"tracklink/internal/opsapi"
	"tracklink/internal/pipeline"
	"tracklink/internal/poller"
	"tracklink/internal/protocol"
	"tracklink/internal/rawstore"
	"tracklink/internal/repo"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type App struct {
	cfg    *config.Config
	Router *mux.Router
	log    logrus.FieldLogger

	db        *gorm.DB
	store     rawstore.Store
	dir       directory.Directory
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	publisher events.Publisher
	nats      *events.NATSPublisher

	listener *listener.Listener
	pipeline *pipeline.Pipeline
	pollers  []*poller.Poller

	mu       sync.Mutex
	httpAddr net.Addr
	ready    chan struct{}
}

// Initialize builds every component from cfg. Nothing listens yet.
func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg
	a.ready = make(chan struct{})

	// 1) logs
	logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	a.log = logs.Logger

	// 2) storage: database when configured, memory otherwise
	if err := a.initStorage(); err != nil {
		return err
	}

	// 3) metrics
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(a.registry)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	a.metrics = m

	// 4) protocols and fixture devices
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.ensureProtocols(ctx); err != nil {
		return err
	}
	if err := a.seedDevices(ctx); err != nil {
		return err
	}

	// 5) fix events
	a.publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		p, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, a.log)
		if err != nil {
			return err
		}
		a.nats, a.publisher = p, p
	}

	// 6) ingestion
	a.pipeline = pipeline.New(a.store, a.dir, codec.NewRegistry(),
		pipeline.WithWorkers(cfg.Pipeline.Workers),
		pipeline.WithBatchSize(cfg.Pipeline.BatchSize),
		pipeline.WithPollInterval(cfg.Pipeline.PollInterval),
		pipeline.WithPublisher(a.publisher),
		pipeline.WithLogger(a.log),
		pipeline.WithMetrics(a.metrics),
	)
	a.listener = listener.New(listener.Config{
		Host:          cfg.Listener.Host,
		Port:          cfg.Listener.Port,
		MaxPayload:    cfg.Listener.MaxPayload,
		ReadTimeout:   cfg.Listener.ReadTimeout,
		IdleGap:       cfg.Listener.IdleGap,
		ShutdownGrace: cfg.Listener.ShutdownGrace,
		Protocol:      cfg.Listener.Protocol,
		AckReply:      cfg.Listener.AckReply,
	}, a.store, a.log, a.metrics)

	factory := protocol.NewFactory(a.log)
	if err := a.initPollers(ctx, factory); err != nil {
		return err
	}

	// 7) router + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	checks := map[string]health.Check{
		"listener": func(context.Context) error {
			if s := a.listener.State(); s != listener.StateListening {
				return fmt.Errorf("listener %s", s)
			}
			return nil
		},
	}
	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db, checks)
	} else {
		health.RegisterRoutes(a.Router, checks)
	}
	a.Router.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	opsapi.NewHTTP(a.store, a.dir, factory.Kinds()).RegisterRoutes(a.Router)

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		a.log.Debugf("route: %-6v %s", methods, path)
		return nil
	})
	return nil
}

func (a *App) initStorage() error {
	cfg := a.cfg
	if drv := cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		if err := db.Migrate(d); err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}
		a.db = d
		a.store = rawstore.NewGormStore(d, rawstore.WithClaimLease(cfg.Pipeline.ClaimLease))
		a.dir = repo.NewDeviceStore(d)
		a.log.WithField("driver", drv).Info("using database storage")
		return nil
	}
	a.store = rawstore.NewMemStore(rawstore.WithClaimLease(cfg.Pipeline.ClaimLease))
	a.dir = directory.NewMemDirectory()
	a.log.Warn("no database configured; raw messages are kept in memory only")
	return nil
}

func (a *App) ensureProtocols(ctx context.Context) error {
	if _, err := a.dir.EnsureProtocol(ctx, directory.Descriptor{
		Name:        a.cfg.Listener.Protocol,
		Transport:   string(protocol.KindTCP),
		DefaultPort: listener.DefaultPort,
	}); err != nil {
		return fmt.Errorf("ensure protocol %q: %w", a.cfg.Listener.Protocol, err)
	}
	for _, p := range a.cfg.Protocols {
		d := directory.Descriptor{
			Name:               p.Name,
			Transport:          p.Type,
			DefaultPort:        p.DefaultPort,
			RequiresAuth:       p.RequiresAuthentication,
			SupportsEncryption: p.SupportsEncryption,
			UpdateFrequency:    time.Duration(p.UpdateFrequencySeconds) * time.Second,
			MessageFormat:      p.MessageFormat,
			DynamicConfig:      p.DynamicConfig,
		}
		if _, err := a.dir.EnsureProtocol(ctx, d); err != nil {
			return fmt.Errorf("ensure protocol %q: %w", p.Name, err)
		}
	}
	return nil
}

func (a *App) seedDevices(ctx context.Context) error {
	if len(a.cfg.Devices) == 0 {
		return nil
	}
	prov, ok := a.dir.(directory.Provisioner)
	if !ok {
		a.log.Warn("directory cannot provision; devices section ignored")
		return nil
	}
	for _, d := range a.cfg.Devices {
		_, err := prov.Provision(ctx, directory.Identity{
			IMEI:         d.IMEI,
			DeviceID:     d.DeviceID,
			SerialNumber: d.SerialNumber,
			Status:       d.Status,
			Protocol:     d.Protocol,
		})
		switch {
		case errors.Is(err, directory.ErrDuplicateDevice):
		case err != nil:
			return fmt.Errorf("seed device imei=%q device_id=%q: %w", d.IMEI, d.DeviceID, err)
		}
	}
	a.log.WithField("devices", len(a.cfg.Devices)).Info("devices seeded")
	return nil
}

func (a *App) initPollers(ctx context.Context, f *protocol.Factory) error {
	for _, s := range a.cfg.Sources {
		d, err := a.dir.GetProtocolDescriptor(ctx, s.Protocol)
		if err != nil {
			return fmt.Errorf("source %q: %w", s.Protocol, err)
		}
		kind := s.Transport
		if kind == "" {
			kind = d.Transport
		}
		h, err := f.Create(kind, protocol.ParamsFromDescriptor(d, s.Params))
		if err != nil {
			return fmt.Errorf("source %q: %w", s.Protocol, err)
		}
		a.pollers = append(a.pollers, poller.New(poller.Source{
			Protocol: d.Name,
			Handler:  h,
			Interval: s.Interval,
		}, a.store, a.log, a.metrics))
	}
	return nil
}

// Ready is closed once the listener and the HTTP server are bound.
func (a *App) Ready() <-chan struct{} { return a.ready }

func (a *App) ListenerAddr() net.Addr { return a.listener.Addr() }

func (a *App) HTTPAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.httpAddr
}

// Run binds the sockets and runs every component until ctx is cancelled or
// SIGINT/SIGTERM arrives. A bind failure is returned before anything starts.
func (a *App) Run(ctx context.Context) error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.close()

	if err := a.listener.Bind(ctx); err != nil {
		return err
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)
	httpLn, err := net.Listen("tcp", bind)
	if err != nil {
		_ = a.listener.Close()
		return fmt.Errorf("bind http %s: %w", bind, err)
	}
	a.mu.Lock()
	a.httpAddr = httpLn.Addr()
	a.mu.Unlock()

	srv := &http.Server{
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.listener.Serve(gctx) })
	g.Go(func() error { return a.pipeline.Run(gctx) })
	for _, p := range a.pollers {
		g.Go(func() error { return p.Run(gctx) })
	}
	g.Go(func() error {
		a.log.WithField("addr", httpLn.Addr().String()).Info("ops http listening")
		if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	close(a.ready)

	err = g.Wait()
	a.log.Info("shutdown complete")
	return err
}

func (a *App) close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
