package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"order-pipeline/internal/broker"
	"order-pipeline/internal/codec"
	"order-pipeline/internal/dedup"
	"order-pipeline/internal/models"
	"order-pipeline/internal/util"
	"order-pipeline/internal/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
)

// Handler contains HTTP handlers
type Handler struct {
	producer   *broker.Producer
	codec      *codec.Codec
	suppressor *dedup.Suppressor
}

// NewHandler creates a new HTTP handler
func NewHandler(producer *broker.Producer, c *codec.Codec, suppressor *dedup.Suppressor) *Handler {
	return &Handler{
		producer:   producer,
		codec:      c,
		suppressor: suppressor,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.publishOrder)
		v1.GET("/dedup/stats", h.dedupStats)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// publishOrder accepts an order, encrypts it, and publishes it to the order
// topic. This is the inlet for external producers; the consumer pipeline
// picks it up like any other delivery.
func (h *Handler) publishOrder(c *gin.Context) {
	var order models.OrderMessage
	if err := c.ShouldBindJSON(&order); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if res := validator.Validate(&order); !res.IsValid {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Order failed validation",
			"violations": res.Errors,
		})
		return
	}

	raw, err := json.Marshal(order)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encode order"})
		return
	}

	correlationID := c.GetHeader("X-Correlation-Id")
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	ciphertext := h.codec.Encrypt(string(raw))
	err = h.producer.Publish(c.Request.Context(),
		[]byte(order.OrderID),
		[]byte(ciphertext),
		kafka.Header{Key: broker.CorrelationIDHeader, Value: []byte(correlationID)})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to publish order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"orderId":       order.OrderID,
		"correlationId": correlationID,
	})
}

// dedupStats exposes the duplicate-suppression cache snapshot.
func (h *Handler) dedupStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.suppressor.GetStats())
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
