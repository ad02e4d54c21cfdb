package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/soulline/advisory/internal/ledger"
	"github.com/soulline/advisory/internal/middleware"
	appErrors "github.com/soulline/advisory/pkg/errors"
	"github.com/soulline/advisory/pkg/response"
)

// CreditHandler exposes the prepaid credit endpoints.
type CreditHandler struct {
	ledger *ledger.Service
}

// NewCreditHandler constructs a credit handler.
func NewCreditHandler(ledgerSvc *ledger.Service) (*CreditHandler, error) {
	if ledgerSvc == nil {
		return nil, errors.New("handlers: ledger service is required")
	}
	return &CreditHandler{ledger: ledgerSvc}, nil
}

type topUpRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"required,min=1"`
	Memo        string `json:"memo" validate:"max=255"`
}

// Balance returns the caller's current credit balance.
func (h *CreditHandler) Balance(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	balance, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"balance_cents": balance})
}

// TopUp adds credits to the caller's account and returns the new balance.
func (h *CreditHandler) TopUp(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req topUpRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.ledger.Credit(c.Request.Context(), userID, req.AmountCents, req.Memo); err != nil {
		response.Error(c, err)
		return
	}

	balance, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"balance_cents": balance})
}

// History returns the caller's most recent credit transactions.
func (h *CreditHandler) History(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	limit := parseIntQuery(c, "limit", 50)
	entries, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, entries)
}
