package di

import (
	"context"
	"fmt"
	"strings"
	"time"

	"SigGate/internal/domain/repository"
	"SigGate/internal/gate"
	"SigGate/internal/guard"
	"SigGate/internal/handler/api"
	"SigGate/internal/ingress"
	internalrepo "SigGate/internal/repository"
	"SigGate/internal/router"
	"SigGate/internal/throttle"
	"SigGate/pkg/bus"
	"SigGate/pkg/cache"
	pkgch "SigGate/pkg/clickhouse"
	"SigGate/pkg/config"
	xhttp "SigGate/pkg/http"
	applogger "SigGate/pkg/logger"
	"SigGate/pkg/metrics"
	"SigGate/pkg/sched"
	"SigGate/pkg/server"

	"github.com/redis/go-redis/v9"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	return applogger.New(&applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideRedisClient creates a Redis client when any backend needs one.
func ProvideRedisClient(cfg *config.Config) *redis.Client {
	if cfg.Bus.Backend != "redis" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// ProvideBus creates the pipeline bus from the configured backend.
func ProvideBus(cfg *config.Config, l *applogger.Logger, rdb *redis.Client) (repository.Bus, error) {
	busCfg := &bus.Config{
		Backend:    cfg.Bus.Backend,
		BufferSize: cfg.Bus.BufferSize,
		KeyPrefix:  cfg.Bus.KeyPrefix,
	}
	switch cfg.Bus.Backend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis bus requires a redis client")
		}
		return bus.NewRedisBus(l, rdb, busCfg), nil
	default:
		return bus.NewMemoryBus(l, busCfg), nil
	}
}

// ProvideDedupStore creates the gate's dedup store. Redis-backed deployments
// share suppression state across replicas.
func ProvideDedupStore(cfg *config.Config, rdb *redis.Client) cache.Store {
	if rdb != nil {
		return cache.NewRedisStore(rdb, cfg.Bus.KeyPrefix+":dedup")
	}
	return cache.NewMemoryStore()
}

// ProvideGate creates the quality gate stage.
func ProvideGate(b repository.Bus, m repository.Metrics, l *applogger.Logger, dedup cache.Store, cfg *config.Config) *gate.Gate {
	return gate.New(b, m, l, sched.New(), dedup, cfg.Gate)
}

// ProvideRouter creates the decision router stage.
func ProvideRouter(b repository.Bus, m repository.Metrics, l *applogger.Logger, cfg *config.Config) *router.Router {
	return router.New(b, m, l, sched.New(), cfg.Router)
}

// ProvideThrottler creates the intent throttler stage.
func ProvideThrottler(b repository.Bus, m repository.Metrics, l *applogger.Logger, cfg *config.Config) *throttle.Throttler {
	return throttle.New(b, m, l, sched.New(), cfg.Throttle)
}

// ProvideGuard creates the latency and slippage guard.
func ProvideGuard(b repository.Bus, m repository.Metrics, l *applogger.Logger, cfg *config.Config) *guard.Guard {
	return guard.New(b, m, l, sched.New(), cfg.Guard)
}

// ProvideBridge creates the Kafka ingress/egress bridge.
func ProvideBridge(cfg *config.Config, b repository.Bus, m repository.Metrics, l *applogger.Logger) (*ingress.Bridge, error) {
	return ingress.NewBridge(cfg, b, m, l)
}

// ProvideMarketFeed creates the WebSocket market feed when enabled.
func ProvideMarketFeed(cfg *config.Config, b repository.Bus, m repository.Metrics, l *applogger.Logger) *ingress.MarketFeed {
	if !cfg.Feed.Enabled {
		return nil
	}
	return ingress.NewMarketFeed(cfg, b, m, l)
}

// ProvideRegimeClassifier creates the fallback regime classifier.
func ProvideRegimeClassifier(b repository.Bus, l *applogger.Logger) *ingress.RegimeClassifier {
	return ingress.NewRegimeClassifier(b, l)
}

// ProvideClickHouseClient creates the audit store client, or nil when the
// audit trail is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.Audit.Host),
		pkgch.WithPort(cfg.Audit.Port),
		pkgch.WithDatabase(cfg.Audit.Database),
		pkgch.WithCredentials(cfg.Audit.User, cfg.Audit.Password),
		pkgch.WithMaxConnections(10, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	table := cfg.Audit.Database + "." + cfg.Audit.Table
	stmts := append([]string{"CREATE DATABASE IF NOT EXISTS " + cfg.Audit.Database}, internalrepo.Schema(table)...)
	if err := client.InitSchema(ctx, stmts); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideAuditTap creates the outcome audit tap, or nil when disabled.
func ProvideAuditTap(cfg *config.Config, ch *pkgch.Client, b repository.Bus, m repository.Metrics, l *applogger.Logger) *internalrepo.AuditTap {
	if ch == nil {
		return nil
	}
	table := cfg.Audit.Database + "." + cfg.Audit.Table
	if strings.Contains(cfg.Audit.Table, ".") {
		table = cfg.Audit.Table
	}
	sink := internalrepo.NewCHAuditSink(ch, table, cfg.Audit.BatchSize, l)
	return internalrepo.NewAuditTap(b, sink, m, l)
}

// ProvideOpsHandler creates the operator HTTP surface.
func ProvideOpsHandler(
	l *applogger.Logger,
	cfg *config.Config,
	b repository.Bus,
	g *gate.Gate,
	r *router.Router,
	t *throttle.Throttler,
	gd *guard.Guard,
) xhttp.Handler {
	return api.NewOpsHandler(l, cfg, b, g, r, t, gd)
}

// ProvideApp assembles the application.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	b repository.Bus,
	g *gate.Gate,
	r *router.Router,
	t *throttle.Throttler,
	gd *guard.Guard,
	bridge *ingress.Bridge,
	feed *ingress.MarketFeed,
	regime *ingress.RegimeClassifier,
	tap *internalrepo.AuditTap,
	ch *pkgch.Client,
	h xhttp.Handler,
) *server.App {
	return server.New(cfg, l, b, g, r, t, gd, bridge, feed, regime, tap, ch, h)
}
