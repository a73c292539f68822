package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/models"
)

type AppointmentRepository struct {
	db *gorm.DB
}

func NewAppointmentRepository(db *gorm.DB) *AppointmentRepository {
	return &AppointmentRepository{db: db}
}

// WithTx returns a copy bound to an open transaction.
func (r *AppointmentRepository) WithTx(tx *gorm.DB) *AppointmentRepository {
	return &AppointmentRepository{db: tx}
}

func (r *AppointmentRepository) Create(ctx context.Context, appointment *models.Appointment) error {
	if err := r.db.WithContext(ctx).Create(appointment).Error; err != nil {
		return apperrors.NewInternalError("failed to create appointment", err)
	}
	return nil
}

func (r *AppointmentRepository) FindByID(ctx context.Context, id string) (*models.Appointment, error) {
	var appointment models.Appointment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&appointment).Error; err != nil {
		return nil, notFoundOr(err, "appointment")
	}
	return &appointment, nil
}

// AppointmentFilter narrows List. Empty fields are ignored.
type AppointmentFilter struct {
	PatientID string
	DoctorID  string
	Statuses  []models.AppointmentStatus
}

func (r *AppointmentRepository) List(ctx context.Context, filter AppointmentFilter) ([]models.Appointment, error) {
	query := r.db.WithContext(ctx).Model(&models.Appointment{})
	if filter.PatientID != "" {
		query = query.Where("patient_id = ?", filter.PatientID)
	}
	if filter.DoctorID != "" {
		query = query.Where("doctor_id = ?", filter.DoctorID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}

	var appointments []models.Appointment
	if err := query.Order("scheduled_at asc").Find(&appointments).Error; err != nil {
		return nil, apperrors.NewInternalError("failed to list appointments", err)
	}
	return appointments, nil
}

// FindExpirable returns pending offers whose slot passed and reschedule proposals whose
// original or proposed slot passed. Appointments that already have a session are left out.
func (r *AppointmentRepository) FindExpirable(ctx context.Context, now time.Time) ([]models.Appointment, error) {
	var appointments []models.Appointment
	stale := r.db.Session(&gorm.Session{NewDB: true}).
		Where("status = ? AND scheduled_at < ?", models.StatusPending, now).
		Or("status = ? AND (scheduled_at < ? OR proposed_at < ?)", models.StatusRescheduleProposed, now, now)
	err := r.db.WithContext(ctx).
		Where(stale).
		Where("NOT EXISTS (SELECT 1 FROM sessions WHERE sessions.appointment_id = appointments.id)").
		Find(&appointments).Error
	if err != nil {
		return nil, apperrors.NewInternalError("failed to find expirable appointments", err)
	}
	return appointments, nil
}

// CompareAndSwap applies updates only while the row still carries version and one of the
// from statuses. The version is bumped on success.
func (r *AppointmentRepository) CompareAndSwap(ctx context.Context, id string, version int64, from []models.AppointmentStatus, updates map[string]interface{}) (bool, error) {
	updates["version"] = gorm.Expr("version + 1")
	result := r.db.WithContext(ctx).
		Model(&models.Appointment{}).
		Where("id = ? AND version = ? AND status IN ?", id, version, from).
		Updates(updates)
	if result.Error != nil {
		return false, apperrors.NewInternalError("failed to update appointment", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// DeleteIfStatus hard-deletes the row when it still carries version and one of statuses.
func (r *AppointmentRepository) DeleteIfStatus(ctx context.Context, id string, version int64, statuses []models.AppointmentStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("id = ? AND version = ? AND status IN ?", id, version, statuses).
		Delete(&models.Appointment{})
	if result.Error != nil {
		return false, apperrors.NewInternalError("failed to delete appointment", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *AppointmentRepository) RecordTransition(ctx context.Context, transition *models.AppointmentTransition) error {
	if err := r.db.WithContext(ctx).Create(transition).Error; err != nil {
		return apperrors.NewInternalError("failed to record transition", err)
	}
	return nil
}

// Transitions returns the audit trail of one appointment, oldest first.
func (r *AppointmentRepository) Transitions(ctx context.Context, appointmentID string) ([]models.AppointmentTransition, error) {
	var transitions []models.AppointmentTransition
	err := r.db.WithContext(ctx).
		Where("appointment_id = ?", appointmentID).
		Order("created_at asc").
		Find(&transitions).Error
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load transitions", err)
	}
	return transitions, nil
}
