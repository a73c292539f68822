package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/middleware"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/services"
	"teleconsult-server/internal/utils"
)

// AppointmentHandler handles appointment related requests.
type AppointmentHandler struct {
	Appointments *services.AppointmentService
}

// NewAppointmentHandler creates a new AppointmentHandler.
func NewAppointmentHandler(appointments *services.AppointmentService) *AppointmentHandler {
	return &AppointmentHandler{Appointments: appointments}
}

func actorOrAbort(c *gin.Context) (models.Actor, bool) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		utils.Unauthorized(c, "User not authenticated")
		return models.Actor{}, false
	}
	return actor, true
}

// CreateAppointmentRequest represents the request body for creating an appointment.
type CreateAppointmentRequest struct {
	DoctorID         string `json:"doctorId" binding:"required"`
	PatientID        string `json:"patientId"`
	Date             string `json:"date" binding:"required"`
	Time             string `json:"time" binding:"required"`
	ConsultationType string `json:"consultationType" binding:"required,oneof=text voice video"`
	Reason           string `json:"reason" binding:"max=255"`
}

// CreateAppointment handles creating a new appointment.
func (h *AppointmentHandler) CreateAppointment(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var req CreateAppointmentRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	appointment, err := h.Appointments.CreateAppointment(c.Request.Context(), actor, services.CreateAppointmentInput{
		PatientID:        req.PatientID,
		DoctorID:         req.DoctorID,
		Date:             req.Date,
		Time:             req.Time,
		ConsultationType: models.ConsultationType(req.ConsultationType),
		Reason:           req.Reason,
	})
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Created(c, "Appointment created successfully", appointmentView(appointment))
}

// GetAppointmentsForUser handles fetching appointments for the logged-in user.
// An optional ?status=pending,confirmed (or numeric codes) narrows the list.
func (h *AppointmentHandler) GetAppointmentsForUser(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}

	var statuses []models.AppointmentStatus
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, ok := ParseStatus(part)
			if !ok {
				utils.FromError(c, apperrors.FieldError("status", "contains an unknown status"))
				return
			}
			statuses = append(statuses, status)
		}
	}

	appointments, err := h.Appointments.ListAppointments(c.Request.Context(), actor, statuses)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Appointments fetched successfully", appointmentViews(appointments))
}

// GetAppointmentByID handles fetching a single appointment by its ID.
func (h *AppointmentHandler) GetAppointmentByID(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	appointment, err := h.Appointments.GetAppointment(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Appointment fetched successfully", appointmentView(appointment))
}

// GetAppointmentHistory returns the status audit trail.
func (h *AppointmentHandler) GetAppointmentHistory(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	history, err := h.Appointments.History(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Appointment history fetched successfully", history)
}

// UpdateAppointmentStatusRequest represents the request body for updating an appointment's status.
type UpdateAppointmentStatusRequest struct {
	Status WireStatus `json:"status" binding:"required"`
	Reason string     `json:"reason" binding:"max=255"`
}

// UpdateAppointmentStatus accepts, rejects or cancels an appointment.
func (h *AppointmentHandler) UpdateAppointmentStatus(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var req UpdateAppointmentStatusRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		appointment *models.Appointment
		err         error
	)
	switch req.Status.Status {
	case models.StatusConfirmed:
		appointment, err = h.Appointments.AcceptAppointment(ctx, actor, id)
	case models.StatusCancelled:
		appointment, err = h.cancelOrReject(c, actor, id, req.Reason)
	default:
		err = apperrors.FieldError("status", "can only be set to confirmed or cancelled")
	}
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Appointment status updated successfully", appointmentView(appointment))
}

// cancelOrReject treats a doctor cancelling a pending request as a rejection.
func (h *AppointmentHandler) cancelOrReject(c *gin.Context, actor models.Actor, id, reason string) (*models.Appointment, error) {
	ctx := c.Request.Context()
	if actor.Role == models.RoleDoctor {
		current, err := h.Appointments.GetAppointment(ctx, actor, id)
		if err != nil {
			return nil, err
		}
		if current.Status == models.StatusPending && current.DoctorID == actor.ID {
			return h.Appointments.RejectAppointment(ctx, actor, id, reason)
		}
	}
	return h.Appointments.CancelAppointment(ctx, actor, id, reason)
}

// RescheduleRequest drives the reschedule negotiation on PATCH /appointments/:id.
type RescheduleRequest struct {
	Action string `json:"action" binding:"required,oneof=propose accept decline"`
	Date   string `json:"date"`
	Time   string `json:"time"`
	Reason string `json:"reason" binding:"max=255"`
}

// RescheduleAppointment handles a doctor's proposal and the patient's answer.
func (h *AppointmentHandler) RescheduleAppointment(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var req RescheduleRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		appointment *models.Appointment
		err         error
	)
	switch req.Action {
	case "propose":
		appointment, err = h.Appointments.ProposeReschedule(ctx, actor, id, req.Date, req.Time, req.Reason)
	case "accept":
		appointment, err = h.Appointments.RespondToReschedule(ctx, actor, id, true)
	case "decline":
		appointment, err = h.Appointments.RespondToReschedule(ctx, actor, id, false)
	}
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Appointment rescheduled successfully", appointmentView(appointment))
}

// DeleteAppointment removes a pending, cancelled or expired appointment.
func (h *AppointmentHandler) DeleteAppointment(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	if err := h.Appointments.DeleteAppointment(c.Request.Context(), actor, c.Param("id")); err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Appointment deleted successfully", nil)
}
