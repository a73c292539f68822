package handlers

import (
	"github.com/gin-gonic/gin"

	"teleconsult-server/internal/models"
	"teleconsult-server/internal/services"
	"teleconsult-server/internal/utils"
)

// SubscriptionHandler serves the plan catalogue and patient credits.
type SubscriptionHandler struct {
	Credits *services.CreditLedger
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(credits *services.CreditLedger) *SubscriptionHandler {
	return &SubscriptionHandler{Credits: credits}
}

// PurchaseRequest represents the request body for purchasing a plan.
type PurchaseRequest struct {
	PlanID           string `json:"planId" binding:"required"`
	PaymentReference string `json:"paymentReference" binding:"omitempty,max=100"`
}

// CreatePlanRequest represents the request body for adding a plan to the catalogue.
type CreatePlanRequest struct {
	Name               string `json:"name" binding:"required,max=100"`
	Price              int64  `json:"price" binding:"min=0"`
	Currency           string `json:"currency" binding:"required,len=3"`
	DurationDays       int    `json:"durationDays" binding:"required,min=1"`
	TextSessions       int    `json:"textSessions" binding:"min=0"`
	VoiceCalls         int    `json:"voiceCalls" binding:"min=0"`
	VideoCalls         int    `json:"videoCalls" binding:"min=0"`
	TextSessionMinutes int    `json:"textSessionMinutes" binding:"min=0"`
	VoiceCallMinutes   int    `json:"voiceCallMinutes" binding:"min=0"`
	VideoCallMinutes   int    `json:"videoCallMinutes" binding:"min=0"`
}

// GetSubscription returns the caller's active subscription.
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	subscription, err := h.Credits.ActiveSubscription(c.Request.Context(), actor.ID)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Subscription fetched successfully", subscription)
}

// ListPlans returns the purchasable plans.
func (h *SubscriptionHandler) ListPlans(c *gin.Context) {
	plans, err := h.Credits.ListPlans(c.Request.Context())
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Plans fetched successfully", plans)
}

// Purchase activates a plan for the caller. Replaying a payment reference is safe.
func (h *SubscriptionHandler) Purchase(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var req PurchaseRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	subscription, err := h.Credits.Purchase(c.Request.Context(), actor.ID, req.PlanID, req.PaymentReference)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Created(c, "Subscription activated successfully", subscription)
}

// CreatePlan adds a plan to the catalogue.
func (h *SubscriptionHandler) CreatePlan(c *gin.Context) {
	var req CreatePlanRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	plan := &models.Plan{
		Name:               req.Name,
		Price:              req.Price,
		Currency:           req.Currency,
		DurationDays:       req.DurationDays,
		TextSessions:       req.TextSessions,
		VoiceCalls:         req.VoiceCalls,
		VideoCalls:         req.VideoCalls,
		TextSessionMinutes: req.TextSessionMinutes,
		VoiceCallMinutes:   req.VoiceCallMinutes,
		VideoCallMinutes:   req.VideoCallMinutes,
		IsActive:           true,
	}
	if err := h.Credits.CreatePlan(c.Request.Context(), plan); err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Created(c, "Plan created successfully", plan)
}
