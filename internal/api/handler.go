package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"signalrelay/internal/events"
	"signalrelay/internal/ingress"
	"signalrelay/internal/monitor"
	"signalrelay/internal/sltp"
	"signalrelay/pkg/cache"
	"signalrelay/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires the HTTP surface around the broadcast/ingress/sltp domain
// services: inbound webhook ingestion, the client SL/TP mutation endpoint,
// the ops websocket, and health.
type Server struct {
	Router *gin.Engine
	Bus    *events.Bus
	DB     *db.Database

	Ingestor *ingress.Ingestor
	SltpSvc  *sltp.Service

	Metrics     *monitor.SystemMetrics
	Idempotency *cache.IdempotencyCache

	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Venue   string
	Version string
}

// NewServer builds the API server and registers routes.
func NewServer(
	bus *events.Bus,
	database *db.Database,
	in *ingress.Ingestor,
	sltpSvc *sltp.Service,
	metrics *monitor.SystemMetrics,
	idempotency *cache.IdempotencyCache,
	meta SystemMeta,
	jwtSecret string,
) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:      r,
		Bus:         bus,
		DB:          database,
		Ingestor:    in,
		SltpSvc:     sltpSvc,
		Metrics:     metrics,
		Idempotency: idempotency,
		JWTSecret:   jwtSecret,
		Meta:        meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	// TradingView-style webhook, keyed by the per-tenant path stored on
	// the Webhook row (§4.8). Unauthenticated at the transport level —
	// authentication is the HMAC check inside ProcessWebhook.
	s.Router.POST("/hooks/*path", s.receiveWebhook)

	protected := s.Router.Group("/api/v1")
	protected.Use(AuthMiddleware(s.JWTSecret))
	{
		protected.POST("/sltp", s.mutateSlTp)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// receiveWebhook implements the inbound webhook endpoint (spec.md §6):
// always HTTP 200, body carries success/failure so TradingView never
// auto-disables the alert on a non-2xx response.
func (s *Server) receiveWebhook(c *gin.Context) {
	path := c.Param("path")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "failed to read body"})
		return
	}

	result := s.Ingestor.ProcessWebhook(c.Request.Context(), "/hooks"+path, body, c.Request.Header, c.ClientIP())

	resp := gin.H{
		"success":            result.Success,
		"webhook_id":         result.WebhookID,
		"delivery_id":        result.DeliveryID,
		"orders_created":     result.Signal.TotalSubscribers,
		"orders_executed":    result.Signal.SuccessfulExecutions,
		"orders_failed":      result.Signal.FailedExecutions,
		"processing_time_ms": result.Signal.BroadcastDurationMs,
	}
	if result.Error != "" {
		resp["error"] = result.Error
	}
	c.JSON(http.StatusOK, resp)
}

type sltpRequest struct {
	SubscriptionID string   `json:"subscription_id"`
	Symbol         string   `json:"symbol"`
	Action         string   `json:"action"`
	SlPrice        *float64 `json:"sl_price"`
	TpPrice        *float64 `json:"tp_price"`
}

// mutateSlTp implements the client mutation endpoint (spec.md §6), deduped
// by X-Idempotency-Key within the cache's TTL window.
func (s *Server) mutateSlTp(c *gin.Context) {
	idempotencyKey := c.GetHeader("X-Idempotency-Key")
	if idempotencyKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-Idempotency-Key header"})
		return
	}
	if s.Idempotency != nil {
		if cached, found := s.Idempotency.GetOrReserve(idempotencyKey); found {
			c.Data(http.StatusOK, "application/json", cached)
			return
		}
	}

	var req sltpRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	result, err := s.SltpSvc.Apply(c.Request.Context(), sltp.Request{
		SubscriptionID: req.SubscriptionID,
		Symbol:         req.Symbol,
		Action:         req.Action,
		SlPrice:        req.SlPrice,
		TpPrice:        req.TpPrice,
	})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	body, _ := json.Marshal(gin.H{
		"trade_id":    result.TradeID,
		"sl_order_id": result.SlOrderID,
		"tp_order_id": result.TpOrderID,
	})
	if s.Idempotency != nil {
		s.Idempotency.Put(idempotencyKey, body)
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
