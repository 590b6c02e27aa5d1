package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/gridex-energy/gridex/libs/auth"
	"github.com/gridex-energy/gridex/services/market/internal/rate"
	"github.com/gridex-energy/gridex/services/market/internal/service"
	"github.com/gridex-energy/gridex/services/market/internal/storage"
	"github.com/gridex-energy/gridex/services/market/internal/validation"
)

type MarketService interface {
	CreateOffer(ctx context.Context, input service.CreateOfferInput) (*storage.Offer, error)
	CancelOffer(ctx context.Context, input service.CancelOfferInput) (*storage.Offer, error)
	AcceptOffer(ctx context.Context, input service.AcceptOfferInput) (*service.AcceptOfferResult, error)
	ProposeCounter(ctx context.Context, input service.CounterInput) (*storage.Offer, error)
	AcceptCounter(ctx context.Context, input service.CounterInput) (*storage.Offer, error)
	RejectCounter(ctx context.Context, input service.CounterInput) (*storage.Offer, error)
	ListOffers(ctx context.Context, input service.ListOffersInput) ([]storage.Offer, string, error)
	GetOffer(ctx context.Context, offerID uuid.UUID) (*storage.Offer, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (*service.AccountBalance, error)
}

type Handler struct {
	Service MarketService
	Logger  *slog.Logger
}

func New(svc MarketService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte, writeLimiter rate.Limiter) {
	group := r.Group("/v1", auth.Middleware(jwtSecret))

	limited := func(operation string, handler gin.HandlerFunc) []gin.HandlerFunc {
		if writeLimiter == nil {
			return []gin.HandlerFunc{handler}
		}
		return []gin.HandlerFunc{rate.Middleware(writeLimiter, operation, h.Logger), handler}
	}

	group.POST("/offers", limited("offers.create", h.CreateOffer)...)
	group.GET("/offers", h.ListOffers)
	group.GET("/offers/:id", h.GetOffer)
	group.DELETE("/offers/:id", limited("offers.cancel", h.CancelOffer)...)
	group.POST("/offers/:id/accept", limited("offers.accept", h.AcceptOffer)...)
	group.POST("/offers/:id/counter", limited("offers.counter", h.ProposeCounter)...)
	group.POST("/offers/:id/counter/accept", limited("offers.counter", h.AcceptCounter)...)
	group.POST("/offers/:id/counter/reject", limited("offers.counter", h.RejectCounter)...)
	group.GET("/balance", h.GetBalance)
}

type createOfferRequest struct {
	Units        string `json:"units"`
	PricePerUnit string `json:"price_per_unit"`
}

type acceptOfferRequest struct {
	Units string `json:"units"`
	Nonce string `json:"nonce"`
}

type counterRequest struct {
	CounterPrice string `json:"counter_price"`
}

type offerItem struct {
	OfferID        string  `json:"offer_id"`
	CreatorID      string  `json:"creator_id"`
	TransformerID  string  `json:"transformer_id"`
	Units          string  `json:"units"`
	RemainingUnits string  `json:"remaining_units"`
	PricePerUnit   string  `json:"price_per_unit"`
	CounterPrice   *string `json:"counter_price,omitempty"`
	CounterBy      *string `json:"counter_by,omitempty"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

type listOffersResponse struct {
	Offers     []offerItem `json:"offers"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type fillResponse struct {
	FillID         string `json:"fill_id"`
	OfferID        string `json:"offer_id"`
	Units          string `json:"units"`
	Cost           string `json:"cost"`
	Receipt        string `json:"receipt"`
	OfferStatus    string `json:"offer_status"`
	RemainingUnits string `json:"remaining_units"`
	AlreadyApplied bool   `json:"already_applied"`
	SettledAt      string `json:"settled_at"`
}

type balanceResponse struct {
	AccountID       string `json:"account_id"`
	WalletAddress   string `json:"wallet_address"`
	EnergyAvailable string `json:"energy_available"`
	EnergyReserved  string `json:"energy_reserved"`
	TokenBalance    string `json:"token_balance"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func (h *Handler) CreateOffer(c *gin.Context) {
	accountID, ok := accountIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}

	var req createOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	if errs := validation.ValidateCreateOffer(req.Units, req.PricePerUnit); len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	units, _ := decimal.NewFromString(strings.TrimSpace(req.Units))
	price, _ := decimal.NewFromString(strings.TrimSpace(req.PricePerUnit))

	offer, err := h.Service.CreateOffer(c.Request.Context(), service.CreateOfferInput{
		CreatorID:     accountID,
		Units:         units,
		PricePerUnit:  price,
		IP:            c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
		CorrelationID: requestIDFromContext(c),
	})
	if err != nil {
		h.writeServiceError(c, err, "create offer failed")
		return
	}

	c.JSON(http.StatusCreated, offerToItem(*offer))
}

func (h *Handler) ListOffers(c *gin.Context) {
	if _, ok := accountIDFromContext(c); !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}

	status := strings.ToLower(strings.TrimSpace(c.Query("status")))
	if errs := validation.ValidateOfferStatus(status); len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	filter := storage.OfferFilter{
		TransformerID: strings.TrimSpace(c.Query("transformer_id")),
		Status:        status,
		Cursor:        strings.TrimSpace(c.Query("cursor")),
	}
	if creatorStr := strings.TrimSpace(c.Query("creator_id")); creatorStr != "" {
		creatorID, err := uuid.Parse(creatorStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid creator_id", nil)
			return
		}
		filter.CreatorID = &creatorID
	}
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil)
			return
		}
		filter.Limit = n
	}

	offers, nextCursor, err := h.Service.ListOffers(c.Request.Context(), service.ListOffersInput{Filter: filter})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cursor", nil)
			return
		}
		h.Logger.Error("list offers failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]offerItem, 0, len(offers))
	for _, offer := range offers {
		items = append(items, offerToItem(offer))
	}
	c.JSON(http.StatusOK, listOffersResponse{Offers: items, NextCursor: nextCursor})
}

func (h *Handler) GetOffer(c *gin.Context) {
	if _, ok := accountIDFromContext(c); !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}
	offerID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid offer_id", nil)
		return
	}

	offer, err := h.Service.GetOffer(c.Request.Context(), offerID)
	if err != nil {
		h.writeServiceError(c, err, "get offer failed")
		return
	}
	c.JSON(http.StatusOK, offerToItem(*offer))
}

func (h *Handler) CancelOffer(c *gin.Context) {
	accountID, ok := accountIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}
	offerID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid offer_id", nil)
		return
	}

	offer, err := h.Service.CancelOffer(c.Request.Context(), service.CancelOfferInput{
		OfferID:       offerID,
		RequesterID:   accountID,
		IP:            c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
		CorrelationID: requestIDFromContext(c),
	})
	if err != nil {
		h.writeServiceError(c, err, "cancel offer failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"offer_id":   offer.ID.String(),
		"status":     offer.Status,
		"updated_at": offer.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) AcceptOffer(c *gin.Context) {
	accountID, ok := accountIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}
	offerID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid offer_id", nil)
		return
	}

	var req acceptOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	nonce := strings.TrimSpace(req.Nonce)
	if headerKey := strings.TrimSpace(c.GetHeader("Idempotency-Key")); headerKey != "" {
		nonce = headerKey
	}
	if errs := validation.ValidateAcceptOffer(req.Units, nonce); len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	units, _ := decimal.NewFromString(strings.TrimSpace(req.Units))
	nonceID, _ := uuid.Parse(nonce)

	result, err := h.Service.AcceptOffer(c.Request.Context(), service.AcceptOfferInput{
		OfferID:       offerID,
		BuyerID:       accountID,
		Units:         units,
		Nonce:         nonceID,
		IP:            c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
		CorrelationID: requestIDFromContext(c),
	})
	if err != nil {
		h.writeServiceError(c, err, "accept offer failed")
		return
	}

	c.JSON(http.StatusOK, fillResponse{
		FillID:         result.Fill.ID.String(),
		OfferID:        result.Offer.ID.String(),
		Units:          result.Fill.Units.String(),
		Cost:           result.Fill.Cost.String(),
		Receipt:        result.Fill.Receipt,
		OfferStatus:    result.Offer.Status,
		RemainingUnits: result.Offer.RemainingUnits.String(),
		AlreadyApplied: result.AlreadyApplied,
		SettledAt:      result.Fill.SettledAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) ProposeCounter(c *gin.Context) {
	h.handleCounter(c, h.Service.ProposeCounter, true)
}

func (h *Handler) AcceptCounter(c *gin.Context) {
	h.handleCounter(c, h.Service.AcceptCounter, false)
}

func (h *Handler) RejectCounter(c *gin.Context) {
	h.handleCounter(c, h.Service.RejectCounter, false)
}

func (h *Handler) handleCounter(c *gin.Context, op func(context.Context, service.CounterInput) (*storage.Offer, error), needsPrice bool) {
	accountID, ok := accountIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}
	offerID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid offer_id", nil)
		return
	}

	input := service.CounterInput{
		OfferID:       offerID,
		RequesterID:   accountID,
		IP:            c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
		CorrelationID: requestIDFromContext(c),
	}
	if needsPrice {
		var req counterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
			return
		}
		if errs := validation.ValidateCounterPrice(req.CounterPrice); len(errs) > 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
			return
		}
		input.CounterPrice, _ = decimal.NewFromString(strings.TrimSpace(req.CounterPrice))
	}

	offer, err := op(c.Request.Context(), input)
	if err != nil {
		h.writeServiceError(c, err, "counter operation failed")
		return
	}
	c.JSON(http.StatusOK, offerToItem(*offer))
}

func (h *Handler) GetBalance(c *gin.Context) {
	accountID, ok := accountIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}

	balance, err := h.Service.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		h.writeServiceError(c, err, "get balance failed")
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		AccountID:       balance.Account.ID.String(),
		WalletAddress:   balance.Account.WalletAddress,
		EnergyAvailable: balance.Account.EnergyAvailable.String(),
		EnergyReserved:  balance.Account.EnergyReserved.String(),
		TokenBalance:    balance.TokenBalance.String(),
	})
}

func (h *Handler) writeServiceError(c *gin.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, service.ErrAccountNotFound):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "account not found", nil)
	case errors.Is(err, service.ErrOfferNotFound):
		writeError(c, http.StatusNotFound, "OFFER_NOT_FOUND", "offer not found", nil)
	case errors.Is(err, service.ErrForbidden):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "operation not permitted", nil)
	case errors.Is(err, service.ErrSelfTrade):
		writeError(c, http.StatusBadRequest, "SELF_TRADE", "cannot fill own offer", nil)
	case errors.Is(err, service.ErrInvalidState):
		writeError(c, http.StatusConflict, "INVALID_STATE", "offer state does not permit operation", nil)
	case errors.Is(err, service.ErrOverCapacity):
		writeError(c, http.StatusBadRequest, "OVER_CAPACITY", "requested units exceed remaining", nil)
	case errors.Is(err, service.ErrInsufficientEnergy):
		writeError(c, http.StatusBadRequest, "INSUFFICIENT_ENERGY", "insufficient energy", nil)
	case errors.Is(err, service.ErrInsufficientFunds):
		writeError(c, http.StatusBadRequest, "INSUFFICIENT_FUNDS", "insufficient token balance", nil)
	case errors.Is(err, service.ErrTransferRejected):
		writeError(c, http.StatusBadRequest, "TRANSFER_REJECTED", "token transfer rejected", nil)
	case errors.Is(err, service.ErrSettlementUnavailable):
		writeError(c, http.StatusServiceUnavailable, "SETTLEMENT_UNAVAILABLE", "settlement ledger unavailable", nil)
	case errors.Is(err, service.ErrSettlementIndeterminate):
		writeError(c, http.StatusGatewayTimeout, "SETTLEMENT_INDETERMINATE", "settlement outcome unknown, do not retry with a new nonce", nil)
	case errors.Is(err, service.ErrSettlementNeedsReconciliation):
		writeError(c, http.StatusAccepted, "SETTLEMENT_RECONCILING", "transfer confirmed, local record pending reconciliation", nil)
	default:
		h.Logger.Error(logMsg, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func offerToItem(offer storage.Offer) offerItem {
	item := offerItem{
		OfferID:        offer.ID.String(),
		CreatorID:      offer.CreatorID.String(),
		TransformerID:  offer.TransformerID,
		Units:          offer.Units.String(),
		RemainingUnits: offer.RemainingUnits.String(),
		PricePerUnit:   offer.PricePerUnit.String(),
		Status:         offer.Status,
		CreatedAt:      offer.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      offer.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if offer.CounterPrice != nil {
		val := offer.CounterPrice.String()
		item.CounterPrice = &val
	}
	if offer.CounterBy != nil {
		val := offer.CounterBy.String()
		item.CounterBy = &val
	}
	if offer.CompletedAt != nil {
		val := offer.CompletedAt.UTC().Format(time.RFC3339)
		item.CompletedAt = &val
	}
	return item
}

func accountIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(auth.ContextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := val.(string)
	if !ok {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{Code: code, Message: message, Fields: fields})
}

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get("X-Request-ID"); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}
