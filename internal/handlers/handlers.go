// Package handlers exposes the billing core over HTTP: plan listing,
// subscription lookup, plan changes, partner commissions, and the gateway
// webhook endpoint.
package handlers

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/binblast/binblast-sub003/internal/billing"
	"github.com/binblast/binblast-sub003/internal/catalog"
	"github.com/binblast/binblast-sub003/internal/reconciler"
	"github.com/binblast/binblast-sub003/internal/store"
	"github.com/binblast/binblast-sub003/pkg/logging"
	"github.com/binblast/binblast-sub003/pkg/middleware"
)

// StewardMetrics holds the Prometheus metrics for the billing service
type StewardMetrics struct {
	PlanChanges           *prometheus.CounterVec
	WebhookEvents         *prometheus.CounterVec
	WebhookSignatureFails prometheus.Counter
	CommissionOperations  *prometheus.CounterVec
}

// NewStewardMetrics registers the service counters on the default registry
func NewStewardMetrics(factory func(name, help string, labels []string) *prometheus.CounterVec) *StewardMetrics {
	return &StewardMetrics{
		PlanChanges:           factory("plan_changes_total", "Plan change requests by outcome", []string{"outcome"}),
		WebhookEvents:         factory("webhook_events_total", "Webhook deliveries by type and result", []string{"event_type", "result"}),
		WebhookSignatureFails: factory("webhook_signature_failures_total", "Webhook deliveries rejected at signature verification", []string{"reason"}).WithLabelValues("invalid_signature"),
		CommissionOperations:  factory("commission_operations_total", "Commission API operations by result", []string{"operation", "result"}),
	}
}

// ErrorResponse is the JSON error envelope
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handlers carries the injected dependencies for all HTTP endpoints
type Handlers struct {
	catalog    *catalog.Catalog
	billing    *billing.Orchestrator
	reconciler *reconciler.Reconciler
	store      *store.Store
	logger     logging.Logger
	metrics    *StewardMetrics
}

// Config for building Handlers
type Config struct {
	Catalog    *catalog.Catalog
	Billing    *billing.Orchestrator
	Reconciler *reconciler.Reconciler
	Store      *store.Store
	Logger     logging.Logger
	Metrics    *StewardMetrics
}

// New builds the handler set
func New(cfg Config) *Handlers {
	return &Handlers{
		catalog:    cfg.Catalog,
		billing:    cfg.Billing,
		reconciler: cfg.Reconciler,
		store:      cfg.Store,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// RegisterRoutes attaches all endpoints to the router
func (h *Handlers) RegisterRoutes(r middleware.Engine) {
	r.GET("/billing/plans", h.GetPlans)
	r.GET("/billing/subscription/:customer_id", h.GetSubscription)
	r.POST("/billing/plan-change", h.RequestPlanChange)

	r.POST("/webhooks/stripe", h.HandleWebhook)

	r.POST("/partners/bookings/:booking_id/commission", h.CreateCommission)
	r.GET("/partners/:partner_id/commissions", h.ListCommissions)
}

// GetPlans returns the plan catalog
func (h *Handlers) GetPlans(c middleware.Context) {
	c.JSON(http.StatusOK, middleware.H{"plans": h.catalog.List()})
}

// GetSubscription returns a customer's subscription
func (h *Handlers) GetSubscription(c middleware.Context) {
	customerID := c.Param("customer_id")

	sub, err := h.store.Subscriptions.GetByCustomer(c.Request.Context(), customerID)
	if err != nil {
		h.writeError(c, err, "Failed to fetch subscription")
		return
	}
	c.JSON(http.StatusOK, sub)
}

// PlanChangeRequest is the body of POST /billing/plan-change
type PlanChangeRequest struct {
	CustomerID   string `json:"customer_id" binding:"required"`
	TargetPlanID string `json:"target_plan_id" binding:"required"`
}

// RequestPlanChange starts a plan change for a customer
func (h *Handlers) RequestPlanChange(c middleware.Context) {
	var req PlanChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "customer_id and target_plan_id are required"})
		return
	}

	res, err := h.billing.RequestPlanChange(c.Request.Context(), req.CustomerID, req.TargetPlanID)
	if err != nil {
		h.metrics.PlanChanges.WithLabelValues("error").Inc()
		h.writeError(c, err, "Plan change failed")
		return
	}

	h.metrics.PlanChanges.WithLabelValues(string(res.Status)).Inc()
	c.JSON(http.StatusOK, res)
}

// HandleWebhook verifies and applies a gateway webhook delivery
func (h *Handlers) HandleWebhook(c middleware.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to read request body"})
		return
	}
	signature := c.GetHeader("Stripe-Signature")

	ok, msg, status := h.reconciler.Process(c.Request.Context(), body, signature)
	if !ok {
		h.metrics.WebhookSignatureFails.Inc()
		c.JSON(status, ErrorResponse{Error: msg})
		return
	}

	h.metrics.WebhookEvents.WithLabelValues("all", "accepted").Inc()
	c.JSON(http.StatusOK, middleware.H{"received": true})
}

// CreateCommissionRequest is the body of the commission create endpoint
type CreateCommissionRequest struct {
	PartnerID   string `json:"partner_id" binding:"required"`
	AmountCents int64  `json:"amount_cents" binding:"required,gt=0"`
}

// CreateCommission records a held commission for a completed booking.
// Resubmitting the same booking returns the existing record.
func (h *Handlers) CreateCommission(c middleware.Context) {
	bookingID := c.Param("booking_id")

	var req CreateCommissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "partner_id and a positive amount_cents are required"})
		return
	}

	rec := &store.CommissionRecord{
		BookingID:   bookingID,
		PartnerID:   req.PartnerID,
		AmountCents: req.AmountCents,
		Status:      store.CommissionHeld,
	}
	err := h.store.Commissions.Create(c.Request.Context(), rec)
	if errors.Is(err, store.ErrConflict) {
		existing, getErr := h.store.Commissions.GetByBooking(c.Request.Context(), bookingID)
		if getErr != nil {
			h.writeError(c, getErr, "Failed to fetch commission")
			return
		}
		h.metrics.CommissionOperations.WithLabelValues("create", "duplicate").Inc()
		c.JSON(http.StatusOK, existing)
		return
	}
	if err != nil {
		h.metrics.CommissionOperations.WithLabelValues("create", "error").Inc()
		h.writeError(c, err, "Failed to create commission")
		return
	}

	h.metrics.CommissionOperations.WithLabelValues("create", "created").Inc()
	h.logger.WithFields(logging.Fields{
		"booking_id":   bookingID,
		"partner_id":   req.PartnerID,
		"amount_cents": req.AmountCents,
	}).Info("Commission recorded")

	c.JSON(http.StatusCreated, rec)
}

// ListCommissions returns a partner's commissions, newest first
func (h *Handlers) ListCommissions(c middleware.Context) {
	partnerID := c.Param("partner_id")

	recs, err := h.store.Commissions.ListByPartner(c.Request.Context(), partnerID)
	if err != nil {
		h.metrics.CommissionOperations.WithLabelValues("list", "error").Inc()
		h.writeError(c, err, "Failed to list commissions")
		return
	}
	if recs == nil {
		recs = []store.CommissionRecord{}
	}

	h.metrics.CommissionOperations.WithLabelValues("list", "ok").Inc()
	c.JSON(http.StatusOK, middleware.H{"commissions": recs})
}

// writeError maps domain errors to HTTP statuses with production-safe bodies
func (h *Handlers) writeError(c middleware.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, billing.ErrInvalidPlan):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Unknown plan"})
	case errors.Is(err, billing.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Conflicting update, retry the request"})
	case errors.Is(err, billing.ErrUpstreamUnavailable):
		h.logger.WithError(err).Error(logMsg)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Payment provider unavailable"})
	default:
		h.logger.WithError(err).Error(logMsg)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal error"})
	}
}
