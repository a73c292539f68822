package handlers

import (
	"github.com/gin-gonic/gin"

	"teleconsult-server/internal/models"
	"teleconsult-server/internal/repository"
	"teleconsult-server/internal/utils"
)

// UserHandler serves the user directory that backs doctor lookups and payout currency.
type UserHandler struct {
	Users *repository.UserRepository
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(users *repository.UserRepository) *UserHandler {
	return &UserHandler{Users: users}
}

// SyncUserRequest is a directory entry pushed by the identity provider.
type SyncUserRequest struct {
	FirstName string `json:"firstName" binding:"required,max=100"`
	LastName  string `json:"lastName" binding:"required,max=100"`
	Role      string `json:"role" binding:"required"`
	Country   string `json:"country" binding:"max=100"`
}

// GetDoctors lists the doctors patients can book.
func (h *UserHandler) GetDoctors(c *gin.Context) {
	doctors, err := h.Users.ListDoctors(c.Request.Context())
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Doctors fetched successfully", doctors)
}

// SyncUser creates or replaces the directory entry for :id.
func (h *UserHandler) SyncUser(c *gin.Context) {
	var req SyncUserRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	role, ok := models.ParseRole(req.Role)
	if !ok {
		utils.BadRequest(c, "Invalid role specified")
		return
	}

	user := &models.User{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      role,
		Country:   req.Country,
	}
	user.ID = c.Param("id")
	if err := h.Users.Upsert(c.Request.Context(), user); err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "User synced successfully", user)
}
