package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chatflow-platform/internal/auth"
	"chatflow-platform/internal/billing"
	"chatflow-platform/internal/flow"
	"chatflow-platform/internal/messages"
	"chatflow-platform/internal/pipeline"
	"chatflow-platform/internal/reporting"
	"chatflow-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// defaultWindow is the report range when the caller gives no from.
const defaultWindow = 30 * 24 * time.Hour

// MessageSender sends an operator message outside any flow.
type MessageSender interface {
	SendOperatorMessage(ctx context.Context, orgID, instanceID, phone, text string) (pipeline.OperatorSend, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
// The org is always taken from the access token, never from the request.
type Handlers struct {
	Auth    *auth.Manager
	Billing *billing.Service
	Reports *reporting.Service
	Flows   *flow.Catalog
	Sender  MessageSender

	Clock func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock().UTC()
	}
	return time.Now().UTC()
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: credentials are not checked here; deployments front this route with
// their identity provider.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.OrgID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, org_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), auth.Identity{UserID: req.UserID, OrgID: req.OrgID, Role: req.Role})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h Handlers) Me(c *gin.Context) {
	id, ok := auth.IdentityFrom(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, id)
}

// --- Credits ---

func (h Handlers) GetBalance(c *gin.Context) {
	if h.Billing == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "billing not configured"})
		return
	}
	orgID, ok := org(c)
	if !ok {
		return
	}
	bal, err := h.Billing.GetBalance(c.Request.Context(), orgID)
	if err != nil {
		abortError(c, err, "balance lookup failed")
		return
	}
	blocked, err := h.Billing.Blocked(c.Request.Context(), orgID)
	if err != nil {
		abortError(c, err, "throttle lookup failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal, "throttled": blocked})
}

func (h Handlers) ListLedger(c *gin.Context) {
	if h.Billing == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "billing not configured"})
		return
	}
	orgID, ok := org(c)
	if !ok {
		return
	}
	rng, ok := h.timeRange(c)
	if !ok {
		return
	}
	entries, err := h.Billing.ListLedger(c.Request.Context(), orgID, rng.From, rng.To)
	if err != nil {
		abortError(c, err, "ledger lookup failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "from": rng.From, "to": rng.To})
}

type adminCreditRequest struct {
	OrgID string `json:"org_id"`

	AmountMinor    int64  `json:"amount_minor"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

// AdminCredit grants credits to any organization and clears its throttle.
// RBAC: finance or super_admin.
func (h Handlers) AdminCredit(c *gin.Context) {
	if h.Billing == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "billing not configured"})
		return
	}
	id, ok := auth.IdentityFrom(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req adminCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.OrgID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "org_id required"})
		return
	}

	entry, bal, err := h.Billing.AdminTopUp(c.Request.Context(), req.OrgID, id.UserID, id.Role, c.ClientIP(), billing.AdminCreditRequest{
		AmountMinor:    req.AmountMinor,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		abortError(c, err, "credit failed")
		return
	}
	logger.From(c.Request.Context()).Info("admin credit applied",
		"target_org_id", req.OrgID, "amount_minor", req.AmountMinor, "entry_id", entry.ID)
	c.JSON(http.StatusOK, gin.H{"entry": entry, "balance": bal})
}

// --- Reports ---

func (h Handlers) SpendReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	orgID, ok := org(c)
	if !ok {
		return
	}
	rng, ok := h.timeRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.SpendSummary(c.Request.Context(), reporting.SpendSummaryRequest{OrgID: orgID, Range: rng})
	if err != nil {
		abortError(c, err, "report failed")
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) MessageReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	orgID, ok := org(c)
	if !ok {
		return
	}
	rng, ok := h.timeRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.MessageSummary(c.Request.Context(), reporting.MessageSummaryRequest{OrgID: orgID, Range: rng})
	if err != nil {
		abortError(c, err, "report failed")
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Messages ---

type sendMessageRequest struct {
	InstanceID string `json:"instance_id"`
	Phone      string `json:"phone"`
	Text       string `json:"text"`
}

// SendMessage sends an operator message. The route is guarded by
// billing.RequireCredits; the message itself is debited after delivery.
func (h Handlers) SendMessage(c *gin.Context) {
	if h.Sender == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "sender not configured"})
		return
	}
	orgID, ok := org(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.InstanceID == "" || req.Phone == "" || req.Text == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "instance_id, phone, text required"})
		return
	}

	out, err := h.Sender.SendOperatorMessage(c.Request.Context(), orgID, req.InstanceID, req.Phone, req.Text)
	if err != nil {
		abortError(c, err, "send failed")
		return
	}
	status := http.StatusOK
	if out.Debit.Outcome == billing.OutcomeInsufficientCredits {
		status = http.StatusPaymentRequired
	}
	c.JSON(status, out)
}

// --- helpers ---

func org(c *gin.Context) (string, bool) {
	orgID, err := auth.OrgID(c.Request.Context())
	if err != nil || orgID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "org_id required"})
		return "", false
	}
	return orgID, true
}

// timeRange reads RFC3339 from/to query params. Missing to means now;
// missing from means defaultWindow before to.
func (h Handlers) timeRange(c *gin.Context) (reporting.TimeRange, bool) {
	rng := reporting.TimeRange{To: h.now()}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return reporting.TimeRange{}, false
		}
		rng.To = t.UTC()
	}
	rng.From = rng.To.Add(-defaultWindow)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return reporting.TimeRange{}, false
		}
		rng.From = t.UTC()
	}
	if !rng.To.After(rng.From) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return reporting.TimeRange{}, false
	}
	return rng, true
}

// abortError maps service errors to status codes. Internal failures are
// logged and attached to the gin context; their text never reaches clients.
func abortError(c *gin.Context, err error, internal string) {
	switch {
	case errors.Is(err, billing.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, messages.ErrInvalidArgument),
		errors.Is(err, flow.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, flow.ErrFlowConfiguration):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid flow", "details": err.Error()})
	case errors.Is(err, billing.ErrNotFound),
		errors.Is(err, flow.ErrNotFound),
		errors.Is(err, pipeline.ErrDeviceNotOwned):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		logger.From(c.Request.Context()).Error(internal, "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": internal})
	}
}
