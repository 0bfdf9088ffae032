package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nathanyu/transfer-ledger/internal/directory"
	"github.com/nathanyu/transfer-ledger/internal/domain"
	"github.com/nathanyu/transfer-ledger/internal/engine"
	"github.com/nathanyu/transfer-ledger/internal/query"
)

// CommandBus delivers commands to the transfer engine, either over NATS or
// in-process.
type CommandBus interface {
	Submit(ctx context.Context, cmd domain.Command) (*engine.CommandResponse, error)
}

// Handler contains all HTTP handlers. The authenticated caller is taken
// from the X-User-ID header, which the identity layer in front of this
// service has already verified.
type Handler struct {
	bus   CommandBus
	query *query.Service
	dir   *directory.InMemory
}

// NewHandler creates a new handler.
func NewHandler(bus CommandBus, querySvc *query.Service, dir *directory.InMemory) *Handler {
	return &Handler{
		bus:   bus,
		query: querySvc,
		dir:   dir,
	}
}

func statusForKind(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "unauthorized":
		return http.StatusForbidden
	case "invalid_transition", "account_exists":
		return http.StatusConflict
	case "store_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// actorID extracts the authenticated user id from the request.
func actorID(c *gin.Context) (int64, bool) {
	raw := c.GetHeader("X-User-ID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-ID header"})
		return 0, false
	}
	return id, true
}

func (h *Handler) submit(c *gin.Context, cmd domain.Command, created bool) {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.Must(uuid.NewV7()).String()
	}

	resp, err := h.bus.Submit(c.Request.Context(), cmd)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "failed to process command",
			"command_id": cmd.CommandID,
		})
		return
	}

	if !resp.Success {
		c.JSON(statusForKind(resp.ErrorKind), gin.H{
			"error":      resp.Error,
			"error_kind": resp.ErrorKind,
			"command_id": cmd.CommandID,
		})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"command_id": cmd.CommandID,
		"result":     resp.Result,
	})
}

// CreateAccountRequest is the body for account registration.
type CreateAccountRequest struct {
	Username       string `json:"username" binding:"required"`
	InitialBalance int64  `json:"initial_balance" binding:"gte=0"`
	CommandID      string `json:"command_id"`
}

// CreateAccount handles POST /v1/ledger/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.dir.Register(req.Username)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	h.submit(c, domain.Command{
		CommandID:   req.CommandID,
		Op:          domain.OpOpenAccount,
		ActorUserID: user.UserID,
		InitBalance: req.InitialBalance,
	}, true)
}

// ListUsers handles GET /v1/ledger/users
func (h *Handler) ListUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.dir.Users()})
}

// SendRequest is the body for the send endpoint.
type SendRequest struct {
	ToUsername string `json:"to_username" binding:"required"`
	Amount     int64  `json:"amount" binding:"required,gt=0"`
	CommandID  string `json:"command_id"`
}

// Send handles POST /v1/ledger/transfers/send
func (h *Handler) Send(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recipient, err := h.dir.UserByName(req.ToUsername)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	h.submit(c, domain.Command{
		CommandID:   req.CommandID,
		Op:          domain.OpSend,
		ActorUserID: actor,
		OtherUserID: recipient.UserID,
		Amount:      req.Amount,
	}, false)
}

// RequestFundsRequest is the body for the request endpoint.
type RequestFundsRequest struct {
	FromUsername string `json:"from_username" binding:"required"`
	Amount       int64  `json:"amount" binding:"required,gt=0"`
	CommandID    string `json:"command_id"`
}

// RequestFunds handles POST /v1/ledger/transfers/request
func (h *Handler) RequestFunds(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var req RequestFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payer, err := h.dir.UserByName(req.FromUsername)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	h.submit(c, domain.Command{
		CommandID:   req.CommandID,
		Op:          domain.OpRequest,
		ActorUserID: actor,
		OtherUserID: payer.UserID,
		Amount:      req.Amount,
	}, true)
}

// ResolveRequest is the body for the resolve endpoint.
type ResolveRequest struct {
	Decision  string `json:"decision" binding:"required,oneof=approve reject"`
	CommandID string `json:"command_id"`
}

// Resolve handles POST /v1/ledger/resolve/:transfer_id
func (h *Handler) Resolve(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	transferID, err := strconv.ParseInt(c.Param("transfer_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transfer id"})
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.submit(c, domain.Command{
		CommandID:   req.CommandID,
		Op:          domain.OpResolve,
		ActorUserID: actor,
		TransferID:  transferID,
		Decision:    req.Decision,
	}, false)
}

func userIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

// GetBalance handles GET /v1/ledger/balance/:user_id
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	acct, err := h.query.Balance(c.Request.Context(), userID)
	if err != nil {
		h.queryError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":    acct.UserID,
		"account_id": acct.AccountID,
		"balance":    acct.Balance,
	})
}

// History handles GET /v1/ledger/history/:user_id
func (h *Handler) History(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	views, err := h.query.History(c.Request.Context(), userID)
	if err != nil {
		h.queryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": views})
}

// Pending handles GET /v1/ledger/pending/:user_id
func (h *Handler) Pending(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	views, err := h.query.Pending(c.Request.Context(), userID)
	if err != nil {
		h.queryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": views})
}

// GetAllBalances handles GET /v1/ledger/balances
func (h *Handler) GetAllBalances(c *gin.Context) {
	balances := h.query.AllBalances()

	out := make(map[string]int64, len(balances))
	for accountID, balance := range balances {
		out[strconv.FormatInt(accountID, 10)] = balance
	}

	c.JSON(http.StatusOK, gin.H{
		"balances":      out,
		"total_balance": h.query.TotalBalance(),
		"account_count": h.query.AccountCount(),
	})
}

func (h *Handler) queryError(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
}

// HealthResponse is the response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// SetupRoutes configures all API routes.
func SetupRoutes(r *gin.Engine, h *Handler) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1/ledger")
	{
		v1.POST("/accounts", h.CreateAccount)
		v1.GET("/users", h.ListUsers)
		v1.GET("/balance/:user_id", h.GetBalance)
		v1.GET("/balances", h.GetAllBalances)
		v1.POST("/transfers/send", h.Send)
		v1.POST("/transfers/request", h.RequestFunds)
		v1.POST("/resolve/:transfer_id", h.Resolve)
		v1.GET("/history/:user_id", h.History)
		v1.GET("/pending/:user_id", h.Pending)
	}
}
