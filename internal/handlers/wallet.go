package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"teleconsult-server/internal/models"
	"teleconsult-server/internal/services"
	"teleconsult-server/internal/utils"
)

// WalletHandler serves doctor earnings and payouts.
type WalletHandler struct {
	Wallets *services.WalletLedger
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(wallets *services.WalletLedger) *WalletHandler {
	return &WalletHandler{Wallets: wallets}
}

// WithdrawRequest represents the request body for a payout. Amount is in minor units.
type WithdrawRequest struct {
	Amount  int64                 `json:"amount" binding:"required,gt=0"`
	Method  string                `json:"method" binding:"required,oneof=bank_transfer mobile_money"`
	Details models.PaymentDetails `json:"details"`
}

// FailWithdrawalRequest carries the reason a payout was rejected.
type FailWithdrawalRequest struct {
	Reason string `json:"reason" binding:"required,max=255"`
}

// GetWallet returns the doctor's wallet summary.
func (h *WalletHandler) GetWallet(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	summary, err := h.Wallets.GetWallet(c.Request.Context(), actor.ID)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Wallet fetched successfully", summary)
}

// GetTransactions pages through the doctor's transactions.
func (h *WalletHandler) GetTransactions(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))

	result, err := h.Wallets.ListTransactions(c.Request.Context(), actor.ID, page, pageSize)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Transactions fetched successfully", result)
}

// Withdraw requests a payout.
func (h *WalletHandler) Withdraw(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var req WithdrawRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	txn, err := h.Wallets.RequestWithdrawal(c.Request.Context(), actor.ID, services.WithdrawalRequest{
		Amount:  req.Amount,
		Method:  models.PaymentMethod(req.Method),
		Details: req.Details,
	})
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Created(c, "Withdrawal requested successfully", txn)
}

// CompleteWithdrawal settles a pending payout.
func (h *WalletHandler) CompleteWithdrawal(c *gin.Context) {
	txn, err := h.Wallets.CompleteWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Withdrawal completed successfully", txn)
}

// FailWithdrawal rejects a pending payout.
func (h *WalletHandler) FailWithdrawal(c *gin.Context) {
	var req FailWithdrawalRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	txn, err := h.Wallets.FailWithdrawal(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Withdrawal marked as failed", txn)
}

// AuditWallets lists wallets whose balance disagrees with their log.
func (h *WalletHandler) AuditWallets(c *gin.Context) {
	mismatches, err := h.Wallets.AuditAll(c.Request.Context())
	if err != nil {
		utils.FromError(c, err)
		return
	}
	if mismatches == nil {
		mismatches = []services.AuditResult{}
	}
	utils.Success(c, "Wallet audit completed", mismatches)
}
