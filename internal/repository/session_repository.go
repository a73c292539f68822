package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/models"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) WithTx(tx *gorm.DB) *SessionRepository {
	return &SessionRepository{db: tx}
}

// Create inserts the session. A second session for the same appointment yields a
// Conflict error.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		if IsDuplicateKey(err) {
			return apperrors.NewConflictError("a session already exists for this appointment")
		}
		return apperrors.NewInternalError("failed to create session", err)
	}
	return nil
}

func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, notFoundOr(err, "session")
	}
	return &session, nil
}

// FindByAppointment returns nil without error when the appointment has no session yet.
func (r *SessionRepository) FindByAppointment(ctx context.Context, appointmentID string) (*models.Session, error) {
	var session models.Session
	err := r.db.WithContext(ctx).Where("appointment_id = ?", appointmentID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load session", err)
	}
	return &session, nil
}

func (r *SessionRepository) ListActive(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	if err := r.db.WithContext(ctx).Where("status = ?", models.SessionActive).Find(&sessions).Error; err != nil {
		return nil, apperrors.NewInternalError("failed to list active sessions", err)
	}
	return sessions, nil
}

// Touch records a heartbeat on a still-active session.
func (r *SessionRepository) Touch(ctx context.Context, id string, remaining int, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Updates(map[string]interface{}{
			"remaining_time_minutes": remaining,
			"last_activity_at":       at,
		}).Error
	if err != nil {
		return apperrors.NewInternalError("failed to update session", err)
	}
	return nil
}

// MarkEnded flips an active session to ended. It reports false when another caller ended
// it first.
func (r *SessionRepository) MarkEnded(ctx context.Context, id string, updates map[string]interface{}) (bool, error) {
	updates["status"] = models.SessionEnded
	result := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Updates(updates)
	if result.Error != nil {
		return false, apperrors.NewInternalError("failed to end session", result.Error)
	}
	return result.RowsAffected == 1, nil
}
