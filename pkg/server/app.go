package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SigGate/internal/domain/models"
	domrepo "SigGate/internal/domain/repository"
	"SigGate/internal/gate"
	"SigGate/internal/guard"
	"SigGate/internal/ingress"
	internalrepo "SigGate/internal/repository"
	"SigGate/internal/router"
	"SigGate/internal/throttle"
	pkgch "SigGate/pkg/clickhouse"
	"SigGate/pkg/config"
	xhttp "SigGate/pkg/http"
	applogger "SigGate/pkg/logger"
)

// App owns the pipeline lifecycle: it starts every stage against the shared
// bus, brings up the ingress adapters and the ops API, and tears everything
// down in reverse order on shutdown.
type App struct {
	cfg    *config.Config
	logger *applogger.Logger
	bus    domrepo.Bus

	gate     *gate.Gate
	router   *router.Router
	throttle *throttle.Throttler
	guard    *guard.Guard

	bridge *ingress.Bridge
	feed   *ingress.MarketFeed
	regime *ingress.RegimeClassifier

	auditTap *internalrepo.AuditTap
	chClient *pkgch.Client

	httpHandler xhttp.Handler
	httpServer  *xhttp.Server
}

func New(
	cfg *config.Config,
	l *applogger.Logger,
	b domrepo.Bus,
	g *gate.Gate,
	r *router.Router,
	t *throttle.Throttler,
	gd *guard.Guard,
	bridge *ingress.Bridge,
	feed *ingress.MarketFeed,
	regime *ingress.RegimeClassifier,
	auditTap *internalrepo.AuditTap,
	chClient *pkgch.Client,
	httpHandler xhttp.Handler,
) *App {
	return &App{
		cfg:         cfg,
		logger:      l,
		bus:         b,
		gate:        g,
		router:      r,
		throttle:    t,
		guard:       gd,
		bridge:      bridge,
		feed:        feed,
		regime:      regime,
		auditTap:    auditTap,
		chClient:    chClient,
		httpHandler: httpHandler,
	}
}

// Run starts the pipeline and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Route aggregated logs onto the bus for the ops API.
	a.logger.AddCollector(&applogger.CollectionConfig{
		TimeInterval:   30 * time.Second,
		CountThreshold: 100,
		Topic:          models.TopicOpsLogs,
		Publisher:      a.bus,
	})

	a.gate.Start(ctx)
	a.router.Start(ctx)
	a.throttle.Start(ctx)
	a.guard.Start(ctx)
	a.logger.Info("pipeline stages started")

	if err := a.bridge.Start(ctx); err != nil {
		return err
	}
	if a.feed != nil {
		if err := a.feed.Start(ctx); err != nil {
			a.logger.Error("market feed start failed", applogger.Error(err))
			return err
		}
	}
	a.regime.Start(ctx)
	if a.auditTap != nil {
		a.auditTap.Start(ctx, a.cfg.Audit.FlushInterval)
	}

	a.httpServer = xhttp.NewServer(a.httpHandler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
	)
	if err := a.httpServer.Start(); err != nil {
		return err
	}
	a.logger.Info("ops api listening", applogger.Int("port", a.cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.logger.Info("shutdown signal received")
	return a.shutdown(ctx)
}

func (a *App) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Stop(shutdownCtx); err != nil {
			a.logger.Error("http shutdown error", applogger.Error(err))
		}
	}

	// Stop ingress before the stages so no new work enters mid-teardown.
	if a.feed != nil {
		if err := a.feed.Stop(); err != nil {
			a.logger.Warn("market feed stop error", applogger.Error(err))
		}
	}
	a.regime.Stop()
	if err := a.bridge.Stop(shutdownCtx); err != nil {
		a.logger.Warn("kafka bridge stop error", applogger.Error(err))
	}

	a.gate.Stop()
	a.router.Stop()
	a.throttle.Stop()
	a.guard.Stop()

	if a.auditTap != nil {
		a.auditTap.Stop()
	}
	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.logger.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	if err := a.bus.Close(); err != nil {
		a.logger.Warn("bus close error", applogger.Error(err))
	}
	a.logger.RemoveCollector()
	a.logger.Info("shutdown complete")
	return nil
}
