package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/cache"
	"teleconsult-server/internal/config"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/notify"
	"teleconsult-server/internal/repository"
)

var errAlreadyEnded = errors.New("session already ended")

// SessionService runs consultation sessions: it debits a credit on start, keeps the
// remaining time from the wall clock and settles billing on end.
type SessionService struct {
	db           *gorm.DB
	sessions     *repository.SessionRepository
	subs         *repository.SubscriptionRepository
	appointments *AppointmentService
	wallet       *WalletLedger
	cfg          config.SessionConfig
	clock        clockwork.Clock
	notifier     notify.Notifier
	snapshots    cache.SnapshotStore
	log          *zap.Logger
}

func NewSessionService(db *gorm.DB, clock clockwork.Clock, cfg config.SessionConfig, appointments *AppointmentService, wallet *WalletLedger, notifier notify.Notifier, log *zap.Logger) *SessionService {
	s := &SessionService{
		db:           db,
		sessions:     repository.NewSessionRepository(db),
		subs:         repository.NewSubscriptionRepository(db),
		appointments: appointments,
		wallet:       wallet,
		cfg:          cfg,
		clock:        clock,
		notifier:     notifier,
		snapshots:    cache.NopSnapshot{},
		log:          log,
	}
	appointments.AttachSessions(s)
	return s
}

// UseSnapshots makes the service publish every session change to store and fall back to
// it when the database cannot be read.
func (s *SessionService) UseSnapshots(store cache.SnapshotStore) {
	s.snapshots = store
}

func (s *SessionService) putSnapshot(ctx context.Context, session *models.Session) {
	if err := s.snapshots.PutSession(ctx, *session); err != nil {
		s.log.Warn("failed to snapshot session", zap.String("session_id", session.ID), zap.Error(err))
	}
}

func canSeeSession(actor models.Actor, patientID, doctorID string) bool {
	switch actor.Role {
	case models.RoleAdmin, models.RoleSystem:
		return true
	}
	return actor.ID == patientID || actor.ID == doctorID
}

// StartSession opens the session of a confirmed appointment whose time has come. The
// first participant to join pays one credit; later joins get the same session back.
func (s *SessionService) StartSession(ctx context.Context, actor models.Actor, appointmentID string) (*models.Session, error) {
	appointment, err := s.appointments.appointments.FindByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !canSeeSession(actor, appointment.PatientID, appointment.DoctorID) {
		return nil, apperrors.NewForbiddenError("you are not part of this appointment")
	}

	existing, err := s.sessions.FindByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if appointment.Status != models.StatusConfirmed {
		return nil, apperrors.NewInvalidStateError(fmt.Sprintf("a %s appointment cannot be started", appointment.Status))
	}
	now := nowUTC(s.clock)
	if now.Before(appointment.ScheduledAt.Add(-s.cfg.EarlyJoinWindow)) {
		return nil, apperrors.NewInvalidStateError("the appointment has not started yet")
	}

	session := &models.Session{
		AppointmentID:    appointment.ID,
		PatientID:        appointment.PatientID,
		DoctorID:         appointment.DoctorID,
		ConsultationType: appointment.ConsultationType,
		StartedAt:        now,
		LastActivityAt:   now,
		Status:           models.SessionActive,
	}
	session.CreatedAt = now

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subs := s.subs.WithTx(tx)
		subscription, err := subs.FindActive(ctx, appointment.PatientID, now)
		if err != nil {
			return err
		}
		if subscription == nil {
			return apperrors.NewInsufficientCreditError(string(appointment.ConsultationType))
		}
		if err := debitCredit(ctx, subs, subscription.ID, appointment.ConsultationType); err != nil {
			return err
		}

		allotted := s.cfg.DefaultMinutes
		plan, err := subs.FindPlan(ctx, subscription.PlanID)
		if err == nil {
			if minutes := plan.MinutesFor(appointment.ConsultationType); minutes > 0 {
				allotted = minutes
			}
		} else if !apperrors.IsKind(err, apperrors.KindNotFound) {
			return err
		}

		session.SubscriptionID = subscription.ID
		session.AllottedMinutes = allotted
		session.RemainingTimeMinutes = allotted
		return s.sessions.WithTx(tx).Create(ctx, session)
	})
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindConflict) {
			// The other participant opened it first; their debit stands, ours rolled back.
			if raced, findErr := s.sessions.FindByAppointment(ctx, appointmentID); findErr == nil && raced != nil {
				return raced, nil
			}
		}
		return nil, err
	}

	s.log.Info("session started",
		zap.String("session_id", session.ID),
		zap.String("appointment_id", appointmentID),
		zap.String("actor_id", actor.ID),
		zap.Int("allotted_minutes", session.AllottedMinutes),
	)
	s.putSnapshot(ctx, session)
	return session, nil
}

// Heartbeat recomputes the remaining time. A session that ran out is ended with reason
// timeout in the same call; an ended session is returned as is.
func (s *SessionService) Heartbeat(ctx context.Context, actor models.Actor, sessionID string) (*models.Session, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !canSeeSession(actor, session.PatientID, session.DoctorID) {
		return nil, apperrors.NewForbiddenError("you are not part of this session")
	}
	if session.Status == models.SessionEnded {
		return session, nil
	}

	now := nowUTC(s.clock)
	remaining := session.RemainingAt(now)
	if remaining == 0 {
		return s.end(ctx, session, models.EndTimeout)
	}

	if err := s.sessions.Touch(ctx, session.ID, remaining, now); err != nil {
		return nil, err
	}
	session.RemainingTimeMinutes = remaining
	session.LastActivityAt = now
	s.putSnapshot(ctx, session)
	return session, nil
}

// EndSession ends an active session. Ending it again returns the ended record. A manual
// end after the allotment ran out is recorded as a timeout.
func (s *SessionService) EndSession(ctx context.Context, actor models.Actor, sessionID string, reason models.EndReason) (*models.Session, error) {
	if reason != models.EndManual && reason != models.EndTimeout {
		return nil, apperrors.FieldError("reason", "must be manual or timeout")
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !canSeeSession(actor, session.PatientID, session.DoctorID) {
		return nil, apperrors.NewForbiddenError("you are not part of this session")
	}
	if session.Status == models.SessionEnded {
		return session, nil
	}
	if reason == models.EndManual && session.RemainingAt(nowUTC(s.clock)) == 0 {
		reason = models.EndTimeout
	}
	return s.end(ctx, session, reason)
}

// closing carries one session end from its transaction to the work done after commit.
type closing struct {
	session  *models.Session
	reason   models.EndReason
	billable bool
	now      time.Time
	settled  *models.Appointment
}

// end settles a session exactly once in its own transaction.
func (s *SessionService) end(ctx context.Context, session *models.Session, reason models.EndReason) (*models.Session, error) {
	var closed *closing
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		closed, err = s.closeInTx(ctx, tx, session, reason)
		return err
	})
	if errors.Is(err, errAlreadyEnded) {
		return s.sessions.FindByID(ctx, session.ID)
	}
	if err != nil {
		return nil, err
	}
	return s.afterClose(ctx, closed)
}

// endForCancellationInTx ends the live session of an appointment being cancelled inside
// the cancellation's transaction. It returns nil when there is nothing to end.
func (s *SessionService) endForCancellationInTx(ctx context.Context, tx *gorm.DB, appointmentID string) (*closing, error) {
	session, err := s.sessions.WithTx(tx).FindByAppointment(ctx, appointmentID)
	if err != nil || session == nil || session.Status == models.SessionEnded {
		return nil, err
	}
	closed, err := s.closeInTx(ctx, tx, session, models.EndCancelled)
	if errors.Is(err, errAlreadyEnded) {
		return nil, nil
	}
	return closed, err
}

// closeInTx marks the session ended and settles billing. Ending inside the grace window
// without a timeout restores the credit; anything else pays the doctor.
func (s *SessionService) closeInTx(ctx context.Context, tx *gorm.DB, session *models.Session, reason models.EndReason) (*closing, error) {
	now := nowUTC(s.clock)
	elapsed := now.Sub(session.StartedAt)
	closed := &closing{
		session:  session,
		reason:   reason,
		billable: reason == models.EndTimeout || elapsed >= s.cfg.GracePeriod,
		now:      now,
	}

	remaining := session.RemainingAt(now)
	if reason == models.EndTimeout {
		remaining = 0
	}

	ended, err := s.sessions.WithTx(tx).MarkEnded(ctx, session.ID, map[string]interface{}{
		"ended_at":               now,
		"duration_minutes":       session.DurationAt(now),
		"remaining_time_minutes": remaining,
		"last_activity_at":       now,
		"end_reason":             reason,
		"billable":               closed.billable,
	})
	if err != nil {
		return nil, err
	}
	if !ended {
		return nil, errAlreadyEnded
	}

	if closed.billable {
		if _, err := s.wallet.creditForSession(ctx, tx, session.DoctorID, session.ID, session.ConsultationType); err != nil {
			return nil, err
		}
	} else {
		restoredTo, err := restoreSessionCredit(ctx, s.subs.WithTx(tx), session, now)
		if err != nil {
			return nil, err
		}
		if restoredTo != "" {
			err := tx.Model(&models.Session{}).Where("id = ?", session.ID).Updates(map[string]interface{}{
				"credit_restored":    true,
				"credit_restored_to": restoredTo,
			}).Error
			if err != nil {
				return nil, apperrors.NewInternalError("failed to flag credit restore", err)
			}
		}
	}

	if reason == models.EndCancelled {
		return closed, nil
	}
	closed.settled, err = s.appointments.settleInTx(ctx, tx, session.AppointmentID, closed.billable)
	if apperrors.IsKind(err, apperrors.KindInvalidTransition) {
		// Cancelled or completed by someone else meanwhile; the session outcome still stands.
		s.log.Warn("appointment already settled", zap.String("appointment_id", session.AppointmentID))
		return closed, nil
	}
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// afterClose reloads the ended session, then logs, notifies and snapshots it.
func (s *SessionService) afterClose(ctx context.Context, closed *closing) (*models.Session, error) {
	session := closed.session
	result, err := s.sessions.FindByID(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	s.log.Info("session ended",
		zap.String("session_id", session.ID),
		zap.String("appointment_id", session.AppointmentID),
		zap.String("reason", string(closed.reason)),
		zap.Bool("billable", closed.billable),
		zap.Bool("credit_restored", result.CreditRestored),
		zap.String("credit_restored_to", result.CreditRestoredTo),
		zap.Int("duration_minutes", result.DurationMinutes),
	)
	description := fmt.Sprintf("Your %s consultation ended after %d minutes", session.ConsultationType, result.DurationMinutes)
	if !closed.billable {
		description = fmt.Sprintf("Your %s consultation ended early and the credit was returned", session.ConsultationType)
		if !result.CreditRestored {
			description = fmt.Sprintf("Your %s consultation ended early but no active plan could take the credit back", session.ConsultationType)
		}
	}
	s.notifier.Notify(ctx, notify.Event{
		Type:        notify.EventSessionEnded,
		Title:       "Consultation ended",
		Description: description,
		Timestamp:   closed.now,
		RelatedID:   session.ID,
		UserIDs:     []string{session.PatientID, session.DoctorID},
	})

	s.putSnapshot(ctx, result)
	if closed.settled != nil {
		s.log.Debug("appointment settled by session", zap.String("appointment_id", closed.settled.ID), zap.String("status", string(closed.settled.Status)))
		s.appointments.putSnapshot(ctx, closed.settled)
	}
	return result, nil
}

// GetSession returns one session to a participant or an admin. When the database cannot
// be read the last snapshot is served instead.
func (s *SessionService) GetSession(ctx context.Context, actor models.Actor, id string) (*models.Session, error) {
	session, err := s.sessions.FindByID(ctx, id)
	if apperrors.IsKind(err, apperrors.KindInternal) {
		if cached, cacheErr := s.snapshots.GetSession(ctx, id); cacheErr == nil && cached != nil {
			s.log.Warn("serving session from snapshot", zap.String("session_id", id), zap.Error(err))
			session, err = cached, nil
		}
	}
	if err != nil {
		return nil, err
	}
	if !canSeeSession(actor, session.PatientID, session.DoctorID) {
		return nil, apperrors.NewForbiddenError("you are not part of this session")
	}
	return session, nil
}

// ActiveSessions lists sessions still running.
func (s *SessionService) ActiveSessions(ctx context.Context) ([]models.Session, error) {
	return s.sessions.ListActive(ctx)
}
