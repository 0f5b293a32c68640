package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/transport"
	"github.com/parleyhq/parley/pkg/protocol"
)

// Broker owns the whole server: transport, router, schedulers and the HTTP
// listener. Build with New, run with Start, tear down with Shutdown.
type Broker struct {
	cfg      *config.Config
	logger   *slog.Logger
	sessions *session.Registry
	conns    *transport.Registry
	router   *Router
	wsServer *transport.Server
	hb       *Heartbeat
	janitor  *Janitor
	archiver session.Archiver
	http     *http.Server

	tracerShutdown func(context.Context) error
}

// New wires the broker from config. Version is stamped into logs only.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var archiver session.Archiver = session.NopArchiver{}
	if cfg.Archive.Driver == "sqlite" {
		sa, err := session.NewSQLiteArchiver(cfg.Archive.Path)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		archiver = sa
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}
	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		Endpoint:       cfg.Trace.Endpoint,
		SampleRate:     cfg.Trace.SampleRate,
		Insecure:       cfg.Trace.Insecure,
	})

	sessions := session.NewRegistry(logger)
	conns := transport.NewRegistry(logger)
	router := NewRouter(RouterOptions{
		Sessions:  sessions,
		Conns:     conns,
		Archiver:  archiver,
		Metrics:   metrics,
		Tracer:    tracer,
		Logger:    logger,
		Defaults:  cfg.Session.ToProtocol(),
		AuthToken: cfg.Auth.Token,
	})
	wsServer := transport.NewServer(conns, logger, router.HandleMessage, router.HandleClose)
	bridge := NewBridge(cfg.Bridge.Host, cfg.Bridge.Port, logger)

	b := &Broker{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		conns:    conns,
		router:   router,
		wsServer: wsServer,
		hb:       NewHeartbeat(sessions, conns, router, logger),
		janitor: NewJanitor(sessions, router,
			time.Duration(cfg.Session.GraceWindowSeconds)*time.Second, logger),
		archiver:       archiver,
		tracerShutdown: tracerShutdown,
	}
	b.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           newHandler(wsServer, bridge, cfg.Metrics.Enabled),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return b, nil
}

// Start runs the broker until the listener stops.
func (b *Broker) Start() error {
	b.hb.Start()
	if err := b.janitor.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	b.logger.Info("starting http server",
		"addr", b.http.Addr, "bridge_proxy", b.cfg.Bridge.Configured())
	if err := b.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends every session, stops the schedulers and closes the
// listener. Sessions observe a session.end with reason "server shutdown"
// and final state aborted before their connections drop.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.hb.Stop()
	b.janitor.Stop()

	for _, s := range b.sessions.List() {
		end := protocol.New(protocol.TypeSessionEnd, s.ID, protocol.SenderSystem,
			&protocol.SessionEndPayload{
				Reason:     "server shutdown",
				FinalState: protocol.FinalAborted,
			})
		b.router.Inject(end)
	}
	b.router.Close()

	b.wsServer.Close()
	err := b.http.Shutdown(ctx)
	if cerr := b.archiver.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if terr := b.tracerShutdown(ctx); terr != nil && err == nil {
		err = terr
	}
	b.logger.Info("broker stopped")
	return err
}
