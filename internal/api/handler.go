// Package api is the operator HTTP surface: health, queue and dead-letter
// inspection, webhook delivery retry, and session lifecycle.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/outbound"
	"github.com/void0-space/newton-backend-sub000/internal/session"
	"github.com/void0-space/newton-backend-sub000/internal/webhook"
)

// Queue is the outbound queue view the API needs.
type Queue interface {
	Status(ctx context.Context, id uuid.UUID) (outbound.JobStatus, error)
	Stats(ctx context.Context) (outbound.Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id uuid.UUID) (domain.DeliveryJob, error)
}

// Webhooks is the webhook delivery view the API needs.
type Webhooks interface {
	Get(ctx context.Context, id uuid.UUID) (domain.WebhookDelivery, error)
	Retry(ctx context.Context, id uuid.UUID) (domain.WebhookDelivery, error)
}

// Sessions is the session lifecycle surface.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (domain.Session, error)
	Get(ctx context.Context, id string) (domain.Session, error)
	Send(ctx context.Context, id, recipient string, payload json.RawMessage, urgent bool) (session.SendOutcome, error)
	Disconnect(ctx context.Context, id string) error
	Reconnect(ctx context.Context, id string) (domain.Session, error)
	Logout(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// PingFunc checks one dependency for /health?verbose=true.
type PingFunc func(ctx context.Context) error

// Handler serves the ops and session API.
type Handler struct {
	queue         Queue
	webhooks      Webhooks
	sessions      Sessions
	components    map[string]PingFunc
	order         []string
	metrics       http.Handler
	metricsPath   string
	tracing       bool
	serviceName   string
	healthTimeout time.Duration
}

// New returns a Handler. Health components, metrics and tracing are optional.
func New(queue Queue, webhooks Webhooks, sessions Sessions) *Handler {
	return &Handler{
		queue:         queue,
		webhooks:      webhooks,
		sessions:      sessions,
		components:    make(map[string]PingFunc),
		healthTimeout: 2 * time.Second,
	}
}

// WithComponent registers a dependency reported by verbose health checks.
// A failing component makes the service degraded.
func (h *Handler) WithComponent(name string, ping PingFunc) *Handler {
	if _, ok := h.components[name]; !ok {
		h.order = append(h.order, name)
	}
	h.components[name] = ping
	return h
}

// WithMetrics mounts a metrics handler at path.
func (h *Handler) WithMetrics(path string, m http.Handler) *Handler {
	h.metrics = m
	h.metricsPath = path
	return h
}

// WithTracing adds otelgin server spans.
func (h *Handler) WithTracing(serviceName string) *Handler {
	h.tracing = true
	h.serviceName = serviceName
	return h
}

// Router builds the gin engine with every route mounted.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	if h.tracing {
		r.Use(otelgin.Middleware(h.serviceName))
	}
	r.Use(RequestID(), Logger(), Recovery())

	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, CodeNotFound, "route not found")
	})

	r.GET("/health", h.health)
	if h.metrics != nil {
		r.GET(h.metricsPath, gin.WrapH(h.metrics))
	}

	v1 := r.Group("/v1")
	{
		v1.GET("/jobs/:id", h.getJob)
		v1.GET("/queue/stats", h.queueStats)
		v1.GET("/dead-letters", h.listDeadLetters)
		v1.POST("/dead-letters/:id/requeue", h.requeueDeadLetter)

		v1.GET("/webhook-deliveries/:id", h.getDelivery)
		v1.POST("/webhook-deliveries/:id/retry", h.retryDelivery)

		v1.POST("/sessions", h.createSession)
		v1.GET("/sessions/:id", h.getSession)
		v1.DELETE("/sessions/:id", h.deleteSession)
		v1.POST("/sessions/:id/messages", h.sendMessage)
		v1.POST("/sessions/:id/disconnect", h.disconnectSession)
		v1.POST("/sessions/:id/reconnect", h.reconnectSession)
		v1.POST("/sessions/:id/logout", h.logoutSession)
	}
	return r
}

func (h *Handler) health(c *gin.Context) {
	if c.Query("verbose") != "true" {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Components: make(map[string]string, len(h.order))}
	status := http.StatusOK
	for _, name := range h.order {
		if err := h.components[name](ctx); err != nil {
			LoggerFrom(c).Warn().Err(err).Str("dependency", name).Msg("health check failed")
			resp.Components[name] = "error"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	c.JSON(status, resp)
}

func (h *Handler) getJob(c *gin.Context) {
	id, ok := parseUUID(c)
	if !ok {
		return
	}
	st, err := h.queue.Status(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "get job")
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) queueStats(c *gin.Context) {
	st, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err, "queue stats")
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) listDeadLetters(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	dls, err := h.queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err, "list dead letters")
		return
	}
	resp := ListDeadLettersResponse{DeadLetters: make([]DeadLetterResponse, 0, len(dls))}
	for _, dl := range dls {
		resp.DeadLetters = append(resp.DeadLetters, toDeadLetterResponse(dl))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) requeueDeadLetter(c *gin.Context) {
	id, ok := parseUUID(c)
	if !ok {
		return
	}
	j, err := h.queue.RequeueDeadLetter(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "requeue dead letter")
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": j.ID.String(), "state": string(j.State)})
}

func (h *Handler) getDelivery(c *gin.Context) {
	id, ok := parseUUID(c)
	if !ok {
		return
	}
	d, err := h.webhooks.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "get webhook delivery")
		return
	}
	c.JSON(http.StatusOK, toDeliveryResponse(d))
}

func (h *Handler) retryDelivery(c *gin.Context) {
	id, ok := parseUUID(c)
	if !ok {
		return
	}
	d, err := h.webhooks.Retry(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "retry webhook delivery")
		return
	}
	c.JSON(http.StatusAccepted, toDeliveryResponse(d))
}

func (h *Handler) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if err := validateCreateSession(req); err != nil {
		writeError(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	auto := true
	if req.AutoReconnect != nil {
		auto = *req.AutoReconnect
	}
	s, err := h.sessions.Create(c.Request.Context(), session.CreateRequest{
		ID:            req.ID,
		TenantID:      req.TenantID,
		AutoReconnect: auto,
	})
	if err != nil {
		h.fail(c, err, "create session")
		return
	}
	c.JSON(http.StatusCreated, toSessionResponse(s))
}

func (h *Handler) getSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "get session")
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(s))
}

func (h *Handler) deleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "delete session")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if err := validateSendMessage(req); err != nil {
		writeError(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	out, err := h.sessions.Send(c.Request.Context(), c.Param("id"), req.Recipient, req.Payload, req.Urgent)
	if err != nil {
		h.fail(c, err, "send message")
		return
	}
	if out.Result != nil {
		c.JSON(http.StatusOK, out)
		return
	}
	c.JSON(http.StatusAccepted, out)
}

func (h *Handler) disconnectSession(c *gin.Context) {
	if err := h.sessions.Disconnect(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "disconnect session")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) reconnectSession(c *gin.Context) {
	s, err := h.sessions.Reconnect(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "reconnect session")
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(s))
}

func (h *Handler) logoutSession(c *gin.Context) {
	if err := h.sessions.Logout(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "logout session")
		return
	}
	c.Status(http.StatusNoContent)
}

// fail maps domain errors to HTTP statuses. Unknown errors are logged and
// reported as 500 without detail.
func (h *Handler) fail(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, outbound.ErrNotFound),
		errors.Is(err, webhook.ErrNotFound):
		writeError(c, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, session.ErrNotConnected):
		writeError(c, http.StatusConflict, CodeNotConnected, err.Error())
	case errors.Is(err, session.ErrExists),
		errors.Is(err, webhook.ErrNotRetryable),
		errors.Is(err, webhook.ErrStatusTransitionDenied),
		errors.Is(err, outbound.ErrStatusTransitionDenied):
		writeError(c, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(c, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	default:
		LoggerFrom(c).Error().Err(err).Str("op", op).Msg("request failed")
		writeError(c, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}

func parseUUID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func writeError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.GetString(requestIDKey),
		Code:      code,
		Message:   msg,
	})
}
