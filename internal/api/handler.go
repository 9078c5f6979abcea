package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	processor    *service.Processor
	invites      *service.InviteManager
	stock        *service.StockService
	deps         map[string]Pinger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orderService *service.OrderService,
	processor *service.Processor,
	invites *service.InviteManager,
	stock *service.StockService,
	deps map[string]Pinger,
) *Handler {
	return &Handler{
		orderService: orderService,
		processor:    processor,
		invites:      invites,
		stock:        stock,
		deps:         deps,
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
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:ref", h.getOrder)
		v1.POST("/orders/:ref/recheck", h.recheckOrder)
		v1.GET("/users/:id/orders", h.listUserOrders)
		v1.GET("/products/:id/stock", h.productStock)
		v1.POST("/payments/events", h.paymentEvent)
		v1.POST("/memberships/joins", h.membershipJoin)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	switch {
	case errors.Is(err, service.ErrUnknownChannel):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown payment channel"})
		return
	case errors.Is(err, service.ErrProductUnavailable):
		c.JSON(http.StatusNotFound, gin.H{"error": "Product unavailable"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by external reference
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orderService.GetOrder(c.Request.Context(), c.Param("ref"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load order",
			"details": err.Error(),
		})
		return
	}
	if order == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) listUserOrders(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	orders, err := h.orderService.ListUserOrders(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load orders",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) productStock(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	available, err := h.stock.Available(c.Request.Context(), productID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to count stock",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"product_id": productID, "available": available})
}

// paymentEvent applies a normalized, already authenticated gateway confirmation
func (h *Handler) paymentEvent(c *gin.Context) {
	var evt models.PaymentEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	respond(c, h.processor.HandlePayment(c.Request.Context(), &evt))
}

type recheckRequest struct {
	RequestingUserID int64 `json:"requesting_user_id" binding:"required"`
}

func (h *Handler) recheckOrder(c *gin.Context) {
	var req recheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	respond(c, h.processor.HandleRecheck(c.Request.Context(), &models.RecheckCommand{
		ExternalReference: c.Param("ref"),
		RequestingUserID:  req.RequestingUserID,
	}))
}

func (h *Handler) membershipJoin(c *gin.Context) {
	var evt models.MembershipJoinEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	respond(c, h.invites.HandleJoin(c.Request.Context(), &evt))
}

// respond maps a core outcome onto an HTTP status
func respond(c *gin.Context, outcome models.Outcome) {
	status := http.StatusOK
	switch outcome.Result {
	case models.ResultRejected:
		status = http.StatusUnprocessableEntity
	case models.ResultDeferred:
		status = http.StatusAccepted
	}
	c.JSON(status, outcome)
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
