// Package api is the tenant-facing admin HTTP API: endpoint management, the
// delivery log and raising events.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/relayhook/internal/auth"
	"github.com/austindbirch/relayhook/internal/health"
	"github.com/austindbirch/relayhook/internal/logging"
	"github.com/austindbirch/relayhook/internal/store"
	"github.com/austindbirch/relayhook/internal/webhook"
)

const secretBytes = 32

// Endpoints is the registry the API manages.
type Endpoints interface {
	List(ctx context.Context, tenantID string) ([]webhook.Endpoint, error)
	Get(ctx context.Context, tenantID, id string) (webhook.Endpoint, error)
	Create(ctx context.Context, in store.NewEndpoint) (webhook.Endpoint, error)
	SetActive(ctx context.Context, tenantID, id string, active bool) error
}

// DeliveryLog lists recorded attempts.
type DeliveryLog interface {
	ListLog(ctx context.Context, f store.LogFilter) ([]store.LogEntry, error)
}

// EventRaiser publishes domain events.
type EventRaiser interface {
	Raise(ctx context.Context, kind, tenantID string, ids []string, many bool, action string) error
}

// Authenticator guards the /v1 group.
type Authenticator interface {
	GinMiddleware() gin.HandlerFunc
}

type Deps struct {
	Endpoints Endpoints
	Log       DeliveryLog
	Raiser    EventRaiser
	DB        health.Pinger
	Auth      Authenticator // nil disables authentication
	Gatherer  prometheus.Gatherer
	Logger    *logging.Logger
}

type server struct {
	Deps
}

// NewRouter wires the public health and metrics routes and the authenticated /v1 routes.
func NewRouter(d Deps) *gin.Engine {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	s := &server{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", gin.WrapF(health.HTTPHandler(d.DB)))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	if d.Auth != nil {
		v1.Use(d.Auth.GinMiddleware())
	} else {
		v1.Use(headerTenant)
	}
	v1.POST("/endpoints", s.createEndpoint)
	v1.GET("/endpoints", s.listEndpoints)
	v1.GET("/endpoints/:id", s.getEndpoint)
	v1.POST("/endpoints/:id/deactivate", s.setActive(false))
	v1.POST("/endpoints/:id/reactivate", s.setActive(true))
	v1.GET("/deliveries", s.listDeliveries)
	v1.POST("/events", s.raiseEvent)
	return r
}

// headerTenant takes the tenant from X-Tenant-Id when auth is disabled.
func headerTenant(c *gin.Context) {
	tenantID := strings.TrimSpace(c.GetHeader("X-Tenant-Id"))
	if tenantID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-Tenant-Id header"})
		return
	}
	auth.SetTenant(c, tenantID)
	c.Next()
}

func tenant(c *gin.Context) string {
	return c.GetString(string(auth.TenantIDKey))
}

func (s *server) fail(c *gin.Context, err error, msg string) {
	s.Logger.WithContext(c.Request.Context()).
		WithTenant(tenant(c)).
		WithError(err).
		Error(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

type createEndpointRequest struct {
	URL           string                `json:"url"`
	Secret        string                `json:"secret"`
	NoSecret      bool                  `json:"no_secret"`
	Subscriptions webhook.Subscriptions `json:"subscriptions"`
}

type endpointResponse struct {
	webhook.Endpoint
	Signed bool   `json:"signed"`
	Secret string `json:"secret,omitempty"`
}

func newEndpointResponse(ep webhook.Endpoint) endpointResponse {
	return endpointResponse{Endpoint: ep, Signed: ep.Signed()}
}

// createEndpoint generates a secret unless one is given or no_secret is set.
// The secret is only ever returned here.
func (s *server) createEndpoint(c *gin.Context) {
	var req createEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	if err := webhook.ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var secret []byte
	switch {
	case req.Secret != "":
		secret = []byte(req.Secret)
	case !req.NoSecret:
		generated, err := store.GenerateSecret(secretBytes)
		if err != nil {
			s.fail(c, err, "generate secret failed")
			return
		}
		secret = generated
	}

	ep, err := s.Endpoints.Create(c.Request.Context(), store.NewEndpoint{
		TenantID:      tenant(c),
		URL:           req.URL,
		Secret:        secret,
		Subscriptions: req.Subscriptions,
	})
	if err != nil {
		s.fail(c, err, "create endpoint failed")
		return
	}

	s.Logger.WithContext(c.Request.Context()).
		WithTenant(ep.TenantID).
		WithEndpoint(ep.ID).
		Info("endpoint created")
	resp := newEndpointResponse(ep)
	resp.Secret = string(secret)
	c.JSON(http.StatusCreated, resp)
}

func (s *server) listEndpoints(c *gin.Context) {
	eps, err := s.Endpoints.List(c.Request.Context(), tenant(c))
	if err != nil {
		s.fail(c, err, "list endpoints failed")
		return
	}
	out := make([]endpointResponse, 0, len(eps))
	for _, ep := range eps {
		out = append(out, newEndpointResponse(ep))
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": out})
}

func (s *server) getEndpoint(c *gin.Context) {
	ep, err := s.Endpoints.Get(c.Request.Context(), tenant(c), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
		return
	}
	if err != nil {
		s.fail(c, err, "get endpoint failed")
		return
	}
	c.JSON(http.StatusOK, newEndpointResponse(ep))
}

func (s *server) setActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		err := s.Endpoints.SetActive(c.Request.Context(), tenant(c), id, active)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		if err != nil {
			s.fail(c, err, "update endpoint failed")
			return
		}
		s.Logger.WithContext(c.Request.Context()).
			WithTenant(tenant(c)).
			WithEndpoint(id).
			WithField("active", active).
			Info("endpoint updated")
		c.JSON(http.StatusOK, gin.H{"id": id, "is_active": active})
	}
}

// parseLogFilter reads endpoint_id, from, to (RFC3339) and limit.
func parseLogFilter(c *gin.Context) (store.LogFilter, error) {
	f := store.LogFilter{TenantID: tenant(c), EndpointID: c.Query("endpoint_id")}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("from must be RFC3339")
		}
		f.From = t.UTC()
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("to must be RFC3339")
		}
		f.To = t.UTC()
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, errors.New("from must be before to")
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (s *server) listDeliveries(c *gin.Context) {
	f, err := parseLogFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entries, err := s.Log.ListLog(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err, "list deliveries failed")
		return
	}
	if entries == nil {
		entries = []store.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": entries})
}

type raiseEventRequest struct {
	Kind      string   `json:"kind"`
	EntityID  string   `json:"entity_id"`
	EntityIDs []string `json:"entity_ids"`
	Many      bool     `json:"many"`
	Action    string   `json:"action"`
}

func (s *server) raiseEvent(c *gin.Context) {
	var req raiseEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	ids := req.EntityIDs
	if req.EntityID != "" {
		ids = append([]string{req.EntityID}, ids...)
	}

	err := s.Raiser.Raise(c.Request.Context(), req.Kind, tenant(c), ids, req.Many, req.Action)
	switch {
	case errors.Is(err, webhook.ErrUnknownKind),
		errors.Is(err, webhook.ErrUnknownAction),
		errors.Is(err, webhook.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.fail(c, err, "raise event failed")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
