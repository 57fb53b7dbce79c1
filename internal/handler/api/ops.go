package api

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"SigGate/internal/domain/models"
	domrepo "SigGate/internal/domain/repository"
	"SigGate/internal/gate"
	"SigGate/internal/guard"
	"SigGate/internal/router"
	"SigGate/internal/throttle"
	"SigGate/pkg/bus"
	"SigGate/pkg/config"
	xhttp "SigGate/pkg/http"
	xlogger "SigGate/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const logRingSize = 500

// OpsHandler exposes the operator surface: pipeline stats, guard state,
// runtime reconfiguration, aggregated logs, and a live event stream.
type OpsHandler struct {
	logger *xlogger.Logger
	cfg    *config.Config
	bus    domrepo.Bus

	gate     *gate.Gate
	router   *router.Router
	throttle *throttle.Throttler
	guard    *guard.Guard

	mu    sync.Mutex
	logs  []xlogger.AggregatedLogEntry
	unsub func()

	upgrader websocket.Upgrader
}

func NewOpsHandler(
	l *xlogger.Logger,
	cfg *config.Config,
	b domrepo.Bus,
	g *gate.Gate,
	r *router.Router,
	t *throttle.Throttler,
	gd *guard.Guard,
) *OpsHandler {
	h := &OpsHandler{
		logger:   l,
		cfg:      cfg,
		bus:      b,
		gate:     g,
		router:   r,
		throttle: t,
		guard:    gd,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	h.unsub = b.Subscribe(models.TopicOpsLogs, h.collectLogs)
	return h
}

func (h *OpsHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	g := e.Group("/api")
	g.GET("/pipeline/stats", h.PipelineStats)
	g.GET("/guard/state", h.GuardState)
	g.POST("/config/:component", h.Reconfigure)
	g.GET("/ops/logs", h.Logs)
	g.GET("/stream", h.Stream)
}

func (h *OpsHandler) Close() {
	if h.unsub != nil {
		h.unsub()
	}
}

func (h *OpsHandler) Health(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]interface{}{
		"status":      "ok",
		"environment": h.cfg.Environment,
	})
}

func (h *OpsHandler) PipelineStats(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]interface{}{
		"gate":     h.gate.Snapshot(),
		"router":   h.router.Snapshot(),
		"throttle": h.throttle.Snapshot(),
		"guard":    h.guard.Snapshot(),
	})
}

func (h *OpsHandler) GuardState(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.guard.Snapshot())
}

// Reconfigure applies a partial config override to one pipeline component.
// The request body is merged over the component's current section, so
// omitted fields keep their running values.
func (h *OpsHandler) Reconfigure(c echo.Context) error {
	component := c.Param("component")
	var err error
	switch component {
	case "gate":
		section := h.cfg.Gate
		if verr := xhttp.ReadAndValidateRequest(c, &section); verr != nil {
			return xhttp.BadRequestResponse(c, verr)
		}
		if err = h.gate.Configure(section); err == nil {
			h.cfg.Gate = section
		}
	case "router":
		section := h.cfg.Router
		if verr := xhttp.ReadAndValidateRequest(c, &section); verr != nil {
			return xhttp.BadRequestResponse(c, verr)
		}
		if err = h.router.Configure(section); err == nil {
			h.cfg.Router = section
		}
	case "throttle":
		section := h.cfg.Throttle
		if verr := xhttp.ReadAndValidateRequest(c, &section); verr != nil {
			return xhttp.BadRequestResponse(c, verr)
		}
		if err = h.throttle.Configure(section); err == nil {
			h.cfg.Throttle = section
		}
	case "guard":
		section := h.cfg.Guard
		if verr := xhttp.ReadAndValidateRequest(c, &section); verr != nil {
			return xhttp.BadRequestResponse(c, verr)
		}
		if err = h.guard.Configure(section); err == nil {
			h.cfg.Guard = section
		}
	default:
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("unknown component: %s", component))
	}
	if err != nil {
		h.logger.Warn("reconfigure rejected",
			xlogger.String("component", component),
			xlogger.Error(err),
		)
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()))
	}
	h.logger.Info("component reconfigured", xlogger.String("component", component))
	return xhttp.SuccessResponse(c, map[string]string{"component": component, "status": "applied"})
}

func (h *OpsHandler) Logs(c echo.Context) error {
	limit := xhttp.ParseIntDefault(c.QueryParam("limit"), 100)
	h.mu.Lock()
	entries := append([]xlogger.AggregatedLogEntry(nil), h.logs...)
	h.mu.Unlock()
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return xhttp.ListResponse(c, entries, int64(len(entries)))
}

// Stream upgrades to WebSocket and forwards selected bus topics as JSON
// frames until the client goes away. Slow clients miss frames rather than
// stalling publishers.
func (h *OpsHandler) Stream(c echo.Context) error {
	topics := streamTopics(c.QueryParam("topics"))
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	frames := make(chan streamFrame, 256)
	unsubs := make([]func(), 0, len(topics))
	for _, topic := range topics {
		topic := topic
		unsub := h.bus.Subscribe(topic, func(ctx context.Context, payload interface{}) {
			select {
			case frames <- streamFrame{Topic: topic, Payload: payload}:
			default:
			}
		})
		unsubs = append(unsubs, unsub)
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case <-c.Request().Context().Done():
			return nil
		case frame := <-frames:
			if err := conn.WriteJSON(frame); err != nil {
				return nil
			}
		}
	}
}

type streamFrame struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

func (h *OpsHandler) collectLogs(ctx context.Context, payload interface{}) {
	entries, err := bus.As[[]xlogger.AggregatedLogEntry](payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.logs = append(h.logs, *entries...)
	if len(h.logs) > logRingSize {
		h.logs = h.logs[len(h.logs)-logRingSize:]
	}
	h.mu.Unlock()
}

func streamTopics(raw string) []string {
	if raw == "" {
		return []string{
			models.TopicSignalEnvelope,
			models.TopicQARejected,
			models.TopicIntentProposed,
			models.TopicIntentRejected,
			models.TopicIntentAdmitted,
			models.TopicIntentThrottled,
			models.TopicGuardDirective,
		}
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}
