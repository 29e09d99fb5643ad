// Package httpapi exposes the daemon's HTTP surface: authenticated webhook
// ingestion with a bounded processing queue, a status endpoint, liveness,
// and Prometheus metrics.
package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/guard"
	"github.com/fyrsmithlabs/autodev/internal/logging"
	"github.com/fyrsmithlabs/autodev/internal/store"
	"github.com/fyrsmithlabs/autodev/internal/trigger"
)

// signatureHeader carries the hex HMAC-SHA256 of the tracker webhook body.
const signatureHeader = "X-Webhook-Signature"

// webhookWorkers is the number of goroutines draining the event queue.
const webhookWorkers = 4

// rateLimitPerIP bounds webhook and status requests per client IP.
const rateLimitPerIP = rate.Limit(20)

// Dispatcher routes a digested event into the engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev trigger.Event) error
}

// PhaseCounter is the store surface the status endpoint reads.
type PhaseCounter interface {
	CountByPhase(ctx context.Context) (map[store.Phase]int, error)
}

// Server is the daemon's HTTP front end.
type Server struct {
	echo       *echo.Echo
	logger     *logging.Logger
	cfg        config.ServerConfig
	dispatcher Dispatcher
	counts     PhaseCounter
	guard      *guard.Guard
	metrics    *Metrics

	queue     chan trigger.Event
	wg        sync.WaitGroup
	startedAt time.Time
}

// NewServer wires routes, middleware, and the webhook worker pool.
func NewServer(cfg config.ServerConfig, dispatcher Dispatcher, counts PhaseCounter, g *guard.Guard, reg *prometheus.Registry, logger *logging.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rateLimitPerIP)))

	queueSize := cfg.WebhookQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	s := &Server{
		echo:       e,
		logger:     logger.Named("http"),
		cfg:        cfg,
		dispatcher: dispatcher,
		counts:     counts,
		guard:      g,
		metrics:    NewMetrics(reg),
		queue:      make(chan trigger.Event, queueSize),
		startedAt:  time.Now(),
	}
	reg.MustRegister(newPhaseCollector(counts))

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug(c.Request().Context(), "request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	e.GET("/healthz", s.handleHealth)
	e.GET("/status", s.handleStatus)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	e.POST("/webhooks/tracker", s.handleTrackerWebhook)
	e.POST("/webhooks/hosting", s.handleHostingWebhook)

	return s
}

// Start launches the worker pool and serves until Shutdown.
func (s *Server) Start() error {
	for i := 0; i < webhookWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info(context.Background(), "http server listening", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then drains the webhook queue so no
// accepted event is lost.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	close(s.queue)
	s.wg.Wait()
	return err
}

func (s *Server) worker() {
	defer s.wg.Done()
	for ev := range s.queue {
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
		ctx := context.Background()
		if ev.DeliveryID != "" {
			ctx = logging.WithRequestID(ctx, ev.DeliveryID)
		}
		if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
			s.metrics.EventsProcessed.WithLabelValues(string(ev.Type), "error").Inc()
			s.logger.Warn(ctx, "event processing failed",
				zap.String("type", string(ev.Type)),
				zap.String("task", ev.IssueKey),
				zap.Error(err))
			continue
		}
		s.metrics.EventsProcessed.WithLabelValues(string(ev.Type), "ok").Inc()
	}
}

// enqueue queues an event for processing after the response is sent.
// A full queue is surfaced to the sender as back-pressure.
func (s *Server) enqueue(c echo.Context, source string, ev trigger.Event) error {
	select {
	case s.queue <- ev:
		s.metrics.WebhooksReceived.WithLabelValues(source).Inc()
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
		return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
	default:
		s.metrics.WebhooksDropped.WithLabelValues(source).Inc()
		s.logger.Warn(c.Request().Context(), "webhook queue full, dropping event",
			zap.String("source", source),
			zap.String("task", ev.IssueKey))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "processing queue full")
	}
}

// trackerWebhook is the subset of the tracker's payload the daemon uses.
type trackerWebhook struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        struct {
		Key string `json:"key"`
	} `json:"issue"`
}

func (s *Server) handleTrackerWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if secret := s.cfg.TrackerWebhookSecret.Value(); secret != "" {
		if !verifySignature(body, c.Request().Header.Get(signatureHeader), secret) {
			s.metrics.WebhooksRejected.WithLabelValues("tracker", "signature").Inc()
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		}
	}

	var payload trackerWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		s.metrics.WebhooksRejected.WithLabelValues("tracker", "malformed").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}
	if payload.Issue.Key == "" {
		s.metrics.WebhooksRejected.WithLabelValues("tracker", "malformed").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "missing issue key")
	}

	var evType trigger.EventType
	switch payload.WebhookEvent {
	case "jira:issue_created":
		evType = trigger.EventIssueCreated
	case "jira:issue_updated":
		evType = trigger.EventIssueUpdated
	case "comment_created", "comment_updated":
		evType = trigger.EventCommentCreated
	default:
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	return s.enqueue(c, "tracker", trigger.Event{
		Type:       evType,
		IssueKey:   payload.Issue.Key,
		DeliveryID: uuid.NewString(),
	})
}

// handleHostingWebhook authenticates code-hosting deliveries. The engine is
// driven entirely by tracker state, so hosting events are acknowledged and
// recorded but produce no engine calls.
func (s *Server) handleHostingWebhook(c echo.Context) error {
	var body []byte
	var err error
	if secret := s.cfg.HostingWebhookSecret.Value(); secret != "" {
		body, err = github.ValidatePayload(c.Request(), []byte(secret))
		if err != nil {
			s.metrics.WebhooksRejected.WithLabelValues("hosting", "signature").Inc()
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		}
	} else {
		body, err = io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
		}
	}

	eventType := github.WebHookType(c.Request())
	s.metrics.WebhooksReceived.WithLabelValues("hosting").Inc()
	s.logger.Debug(c.Request().Context(), "hosting webhook received",
		zap.String("event", eventType),
		zap.Int("bytes", len(body)))
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

// StatusResponse summarizes the engine for GET /status.
type StatusResponse struct {
	Status     string         `json:"status"`
	Uptime     string         `json:"uptime"`
	Tasks      map[string]int `json:"tasks"`
	InFlight   int            `json:"in_flight"`
	Active     int            `json:"active"`
	QueueDepth int            `json:"queue_depth"`
}

func (s *Server) handleStatus(c echo.Context) error {
	token := s.cfg.StatusToken.Value()
	supplied := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	if token == "" || !hmac.Equal([]byte(supplied), []byte(token)) {
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	}

	counts, err := s.counts.CountByPhase(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "status unavailable")
	}
	tasks := make(map[string]int, len(counts))
	for phase, n := range counts {
		tasks[string(phase)] = n
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:     "ok",
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Tasks:      tasks,
		InFlight:   s.guard.InFlight(),
		Active:     s.guard.Active(),
		QueueDepth: len(s.queue),
	})
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Time: time.Now().UTC()})
}

// verifySignature checks a hex HMAC-SHA256 over body in constant time.
func verifySignature(body []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
