package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/cache"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/notify"
	"teleconsult-server/internal/repository"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"

	reasonRescheduleDeclined = "reschedule declined"
	reasonEndedInGrace       = "session ended before the grace period"
)

var errStaleVersion = errors.New("appointment version moved")

func nowUTC(clock clockwork.Clock) time.Time {
	return clock.Now().UTC().Truncate(time.Second)
}

// AppointmentService owns the appointment state machine.
type AppointmentService struct {
	db           *gorm.DB
	appointments *repository.AppointmentRepository
	users        *repository.UserRepository
	sessionRows  *repository.SessionRepository
	sessions     *SessionService
	location     *time.Location
	clock        clockwork.Clock
	notifier     notify.Notifier
	snapshots    cache.SnapshotStore
	log          *zap.Logger
}

func NewAppointmentService(db *gorm.DB, clock clockwork.Clock, location *time.Location, notifier notify.Notifier, log *zap.Logger) *AppointmentService {
	if location == nil {
		location = time.UTC
	}
	return &AppointmentService{
		db:           db,
		appointments: repository.NewAppointmentRepository(db),
		users:        repository.NewUserRepository(db),
		sessionRows:  repository.NewSessionRepository(db),
		location:     location,
		clock:        clock,
		notifier:     notifier,
		snapshots:    cache.NopSnapshot{},
		log:          log,
	}
}

// AttachSessions wires the session engine used when cancelling a live consultation.
func (s *AppointmentService) AttachSessions(sessions *SessionService) {
	s.sessions = sessions
}

// UseSnapshots makes the service publish every appointment change to store and fall back
// to it when the database cannot be read.
func (s *AppointmentService) UseSnapshots(store cache.SnapshotStore) {
	s.snapshots = store
}

func (s *AppointmentService) putSnapshot(ctx context.Context, appointment *models.Appointment) {
	if err := s.snapshots.PutAppointment(ctx, *appointment); err != nil {
		s.log.Warn("failed to snapshot appointment", zap.String("appointment_id", appointment.ID), zap.Error(err))
	}
}

// CreateAppointmentInput is a booking request.
type CreateAppointmentInput struct {
	PatientID        string
	DoctorID         string
	Date             string
	Time             string
	ConsultationType models.ConsultationType
	Reason           string
}

// parseSlot turns a local date and time into an instant, recording field errors.
func (s *AppointmentService) parseSlot(date, clock string, fields map[string]string, dateField, timeField string) (time.Time, bool) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		fields[dateField] = "must be a date in YYYY-MM-DD format"
	}
	if _, err := time.Parse(timeLayout, clock); err != nil {
		fields[timeField] = "must be a time in HH:MM format"
	}
	if _, bad := fields[dateField]; bad {
		return time.Time{}, false
	}
	if _, bad := fields[timeField]; bad {
		return time.Time{}, false
	}

	at, err := time.ParseInLocation(dateLayout+" "+timeLayout, date+" "+clock, s.location)
	if err != nil {
		fields[dateField] = "is not a valid date"
		return time.Time{}, false
	}
	if !at.After(s.clock.Now()) {
		fields[dateField] = "must be in the future"
		return time.Time{}, false
	}
	return at.UTC(), true
}

// CreateAppointment books a new pending consultation.
func (s *AppointmentService) CreateAppointment(ctx context.Context, actor models.Actor, in CreateAppointmentInput) (*models.Appointment, error) {
	switch actor.Role {
	case models.RolePatient:
		if in.PatientID != "" && in.PatientID != actor.ID {
			return nil, apperrors.NewForbiddenError("patients can only book for themselves")
		}
		in.PatientID = actor.ID
	case models.RoleAdmin:
	default:
		return nil, apperrors.NewForbiddenError("only patients can book appointments")
	}

	fields := map[string]string{}
	if in.PatientID == "" {
		fields["patientId"] = "is required"
	}
	if in.DoctorID == "" {
		fields["doctorId"] = "is required"
	}
	if !in.ConsultationType.Valid() {
		fields["consultationType"] = "must be one of text, voice, video"
	}
	reason := strings.TrimSpace(in.Reason)
	if len(reason) > 255 {
		fields["reason"] = "must be at most 255 characters"
	}
	scheduledAt, _ := s.parseSlot(in.Date, in.Time, fields, "date", "time")
	if len(fields) > 0 {
		return nil, apperrors.NewValidationError("invalid appointment request", fields)
	}

	doctor, err := s.users.FindDoctor(ctx, in.DoctorID)
	if err != nil {
		return nil, err
	}

	now := nowUTC(s.clock)
	appointment := &models.Appointment{
		PatientID:        in.PatientID,
		DoctorID:         doctor.ID,
		ScheduledDate:    in.Date,
		ScheduledTime:    in.Time,
		ScheduledAt:      scheduledAt,
		ConsultationType: in.ConsultationType,
		Reason:           reason,
		Status:           models.StatusPending,
		Version:          1,
	}
	appointment.CreatedAt = now

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.appointments.WithTx(tx)
		if err := repo.Create(ctx, appointment); err != nil {
			return err
		}
		return repo.RecordTransition(ctx, &models.AppointmentTransition{
			AppointmentID: appointment.ID,
			ToStatus:      models.StatusPending,
			ActorID:       actor.ID,
			ActorRole:     actor.Role,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("appointment created",
		zap.String("appointment_id", appointment.ID),
		zap.String("patient_id", appointment.PatientID),
		zap.String("doctor_id", appointment.DoctorID),
		zap.Time("scheduled_at", appointment.ScheduledAt),
	)
	s.putSnapshot(ctx, appointment)
	s.notify(ctx, notify.EventAppointmentCreated, appointment, "New appointment request",
		fmt.Sprintf("New %s consultation requested for %s at %s", appointment.ConsultationType, appointment.ScheduledDate, appointment.ScheduledTime),
		appointment.DoctorID)
	return appointment, nil
}

// transitionRule describes one guarded status change. check runs against the freshly
// read row before the write; updates returns the extra columns to write; after runs in the
// same transaction once the row moved.
type transitionRule struct {
	from      []models.AppointmentStatus
	to        models.AppointmentStatus
	actor     models.Actor
	check     func(a *models.Appointment) error
	noSession bool
	updates   func(a *models.Appointment) map[string]interface{}
	after     func(tx *gorm.DB, a *models.Appointment) error
}

func statusIn(status models.AppointmentStatus, set []models.AppointmentStatus) bool {
	for _, candidate := range set {
		if candidate == status {
			return true
		}
	}
	return false
}

// applyTransition performs a single compare-and-swap inside tx. It returns
// errStaleVersion when the row changed after it was read.
func (s *AppointmentService) applyTransition(ctx context.Context, tx *gorm.DB, id string, rule transitionRule) (*models.Appointment, models.AppointmentStatus, error) {
	repo := s.appointments.WithTx(tx)
	appointment, err := repo.FindByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if rule.check != nil {
		if err := rule.check(appointment); err != nil {
			return nil, "", err
		}
	}
	if !statusIn(appointment.Status, rule.from) || !appointment.Status.CanTransition(rule.to) {
		return nil, "", apperrors.NewInvalidTransitionError(string(appointment.Status), string(rule.to))
	}
	if rule.noSession {
		session, err := s.sessionRows.WithTx(tx).FindByAppointment(ctx, appointment.ID)
		if err != nil {
			return nil, "", err
		}
		if session != nil {
			return nil, "", apperrors.NewInvalidStateError("the consultation has already started")
		}
	}

	updates := map[string]interface{}{"status": rule.to}
	if rule.updates != nil {
		for column, value := range rule.updates(appointment) {
			updates[column] = value
		}
	}

	from := appointment.Status
	swapped, err := repo.CompareAndSwap(ctx, appointment.ID, appointment.Version, []models.AppointmentStatus{from}, updates)
	if err != nil {
		return nil, "", err
	}
	if !swapped {
		return nil, "", errStaleVersion
	}
	err = repo.RecordTransition(ctx, &models.AppointmentTransition{
		AppointmentID: appointment.ID,
		FromStatus:    from,
		ToStatus:      rule.to,
		ActorID:       rule.actor.ID,
		ActorRole:     rule.actor.Role,
	})
	if err != nil {
		return nil, "", err
	}

	updated, err := repo.FindByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if rule.after != nil {
		if err := rule.after(tx, updated); err != nil {
			return nil, "", err
		}
	}
	return updated, from, nil
}

// transition runs applyTransition in its own transaction and resolves lost races.
func (s *AppointmentService) transition(ctx context.Context, id string, rule transitionRule) (*models.Appointment, error) {
	var updated *models.Appointment
	var from models.AppointmentStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		updated, from, err = s.applyTransition(ctx, tx, id, rule)
		return err
	})
	if errors.Is(err, errStaleVersion) {
		current, findErr := s.appointments.FindByID(ctx, id)
		if findErr != nil {
			return nil, findErr
		}
		if !statusIn(current.Status, rule.from) {
			return nil, apperrors.NewInvalidTransitionError(string(current.Status), string(rule.to))
		}
		return nil, apperrors.NewConflictError("appointment was modified concurrently, reload and retry")
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("appointment transition",
		zap.String("appointment_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(rule.to)),
		zap.String("actor_id", rule.actor.ID),
	)
	s.putSnapshot(ctx, updated)
	return updated, nil
}

func requireDoctor(actor models.Actor) func(a *models.Appointment) error {
	return func(a *models.Appointment) error {
		if actor.ID != a.DoctorID {
			return apperrors.NewForbiddenError("only the appointment's doctor can do this")
		}
		return nil
	}
}

func requirePatient(actor models.Actor) func(a *models.Appointment) error {
	return func(a *models.Appointment) error {
		if actor.ID != a.PatientID {
			return apperrors.NewForbiddenError("only the appointment's patient can do this")
		}
		return nil
	}
}

// AcceptAppointment confirms a pending request.
func (s *AppointmentService) AcceptAppointment(ctx context.Context, actor models.Actor, id string) (*models.Appointment, error) {
	now := s.clock.Now()
	appointment, err := s.transition(ctx, id, transitionRule{
		from:  []models.AppointmentStatus{models.StatusPending},
		to:    models.StatusConfirmed,
		actor: actor,
		check: func(a *models.Appointment) error {
			if err := requireDoctor(actor)(a); err != nil {
				return err
			}
			if a.Status == models.StatusPending && now.After(a.ScheduledAt) {
				return apperrors.NewExpiredError("the appointment time has already passed")
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, notify.EventAppointmentAccepted, appointment, "Appointment confirmed",
		fmt.Sprintf("Your %s consultation on %s at %s was confirmed", appointment.ConsultationType, appointment.ScheduledDate, appointment.ScheduledTime),
		appointment.PatientID)
	return appointment, nil
}

// RejectAppointment declines a pending request.
func (s *AppointmentService) RejectAppointment(ctx context.Context, actor models.Actor, id, reason string) (*models.Appointment, error) {
	appointment, err := s.transition(ctx, id, transitionRule{
		from:  []models.AppointmentStatus{models.StatusPending},
		to:    models.StatusCancelled,
		actor: actor,
		check: requireDoctor(actor),
		updates: func(*models.Appointment) map[string]interface{} {
			return map[string]interface{}{
				"cancellation_reason": strings.TrimSpace(reason),
				"cancelled_by":        models.CancelledByDoctor,
			}
		},
	})
	if err != nil {
		return nil, err
	}
	description := "Your appointment request was declined"
	if appointment.CancellationReason != "" {
		description += ": " + appointment.CancellationReason
	}
	s.notify(ctx, notify.EventAppointmentRejected, appointment, "Appointment declined", description, appointment.PatientID)
	return appointment, nil
}

// ProposeReschedule offers the patient a new slot for a confirmed appointment.
func (s *AppointmentService) ProposeReschedule(ctx context.Context, actor models.Actor, id, date, clock, reason string) (*models.Appointment, error) {
	fields := map[string]string{}
	proposedAt, _ := s.parseSlot(date, clock, fields, "date", "time")
	if len(fields) > 0 {
		return nil, apperrors.NewValidationError("invalid reschedule proposal", fields)
	}

	appointment, err := s.transition(ctx, id, transitionRule{
		from:      []models.AppointmentStatus{models.StatusConfirmed},
		to:        models.StatusRescheduleProposed,
		actor:     actor,
		check:     requireDoctor(actor),
		noSession: true,
		updates: func(*models.Appointment) map[string]interface{} {
			return map[string]interface{}{
				"reschedule_pending": true,
				"proposed_date":      date,
				"proposed_time":      clock,
				"proposed_at":        proposedAt,
				"reschedule_reason":  strings.TrimSpace(reason),
			}
		},
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, notify.EventRescheduleProposed, appointment, "Reschedule proposed",
		fmt.Sprintf("Your doctor proposed moving the consultation to %s at %s", date, clock),
		appointment.PatientID)
	return appointment, nil
}

// RespondToReschedule lets the patient take or decline the proposed slot.
func (s *AppointmentService) RespondToReschedule(ctx context.Context, actor models.Actor, id string, accept bool) (*models.Appointment, error) {
	rule := transitionRule{
		from:  []models.AppointmentStatus{models.StatusRescheduleProposed},
		actor: actor,
	}
	if accept {
		now := s.clock.Now()
		rule.to = models.StatusConfirmed
		rule.check = func(a *models.Appointment) error {
			if err := requirePatient(actor)(a); err != nil {
				return err
			}
			if a.Status == models.StatusRescheduleProposed && a.ProposedAt != nil && now.After(*a.ProposedAt) {
				return apperrors.NewExpiredError("the proposed time has already passed")
			}
			return nil
		}
		rule.updates = func(a *models.Appointment) map[string]interface{} {
			return map[string]interface{}{
				"scheduled_date":     a.ProposedDate,
				"scheduled_time":     a.ProposedTime,
				"scheduled_at":       a.ProposedAt,
				"reschedule_pending": false,
				"proposed_date":      "",
				"proposed_time":      "",
				"proposed_at":        nil,
			}
		}
	} else {
		rule.to = models.StatusCancelled
		rule.check = requirePatient(actor)
		rule.updates = func(*models.Appointment) map[string]interface{} {
			return map[string]interface{}{
				"reschedule_pending":  false,
				"cancellation_reason": reasonRescheduleDeclined,
				"cancelled_by":        models.CancelledByPatient,
			}
		}
	}

	appointment, err := s.transition(ctx, id, rule)
	if err != nil {
		return nil, err
	}
	title, description := "Reschedule accepted", fmt.Sprintf("The consultation moved to %s at %s", appointment.ScheduledDate, appointment.ScheduledTime)
	if !accept {
		title, description = "Reschedule declined", "The patient declined the new time and the appointment was cancelled"
	}
	s.notify(ctx, notify.EventRescheduleResponded, appointment, title, description, appointment.DoctorID)
	return appointment, nil
}

// CancelAppointment cancels any non-terminal appointment. A live session is ended with
// reason cancelled in the same transaction, so either both happen or neither does.
func (s *AppointmentService) CancelAppointment(ctx context.Context, actor models.Actor, id, reason string) (*models.Appointment, error) {
	var closed *closing
	cancelledBy := models.CancelledBySystem
	switch actor.Role {
	case models.RolePatient:
		cancelledBy = models.CancelledByPatient
	case models.RoleDoctor:
		cancelledBy = models.CancelledByDoctor
	}

	appointment, err := s.transition(ctx, id, transitionRule{
		from:  models.NonTerminalStatuses,
		to:    models.StatusCancelled,
		actor: actor,
		check: func(a *models.Appointment) error {
			if actor.Role != models.RoleAdmin && !a.IsParticipant(actor.ID) {
				return apperrors.NewForbiddenError("only participants can cancel this appointment")
			}
			return nil
		},
		updates: func(*models.Appointment) map[string]interface{} {
			return map[string]interface{}{
				"cancellation_reason": strings.TrimSpace(reason),
				"cancelled_by":        cancelledBy,
				"reschedule_pending":  false,
			}
		},
		after: func(tx *gorm.DB, a *models.Appointment) error {
			if s.sessions == nil {
				return nil
			}
			var err error
			closed, err = s.sessions.endForCancellationInTx(ctx, tx, a.ID)
			return err
		},
	})
	if err != nil {
		return nil, err
	}

	if closed != nil {
		if _, err := s.sessions.afterClose(ctx, closed); err != nil {
			s.log.Warn("failed to reload session of cancelled appointment",
				zap.String("appointment_id", appointment.ID),
				zap.Error(err),
			)
		}
	}

	recipient := appointment.DoctorID
	if actor.ID == appointment.DoctorID {
		recipient = appointment.PatientID
	}
	s.notify(ctx, notify.EventAppointmentCancelled, appointment, "Appointment cancelled",
		fmt.Sprintf("The consultation on %s at %s was cancelled", appointment.ScheduledDate, appointment.ScheduledTime),
		recipient)
	return appointment, nil
}

// ExpireStalePending expires every offer whose slot passed before now and returns the
// appointments it expired.
func (s *AppointmentService) ExpireStalePending(ctx context.Context, now time.Time) ([]models.Appointment, error) {
	candidates, err := s.appointments.FindExpirable(ctx, now.UTC())
	if err != nil {
		return nil, err
	}

	var expired []models.Appointment
	for _, candidate := range candidates {
		appointment, err := s.transition(ctx, candidate.ID, transitionRule{
			from:      []models.AppointmentStatus{models.StatusPending, models.StatusRescheduleProposed},
			to:        models.StatusExpired,
			actor:     models.SystemActor,
			noSession: true,
			check: func(a *models.Appointment) error {
				if !a.ExpiryInstant().Before(now) {
					return apperrors.NewInvalidStateError("appointment is not stale")
				}
				return nil
			},
			updates: func(*models.Appointment) map[string]interface{} {
				return map[string]interface{}{"reschedule_pending": false}
			},
		})
		if err != nil {
			// Lost to a concurrent accept or cancel, or changed since the scan.
			s.log.Debug("skipping appointment during expiry", zap.String("appointment_id", candidate.ID), zap.Error(err))
			continue
		}
		expired = append(expired, *appointment)
		s.notify(ctx, notify.EventAppointmentExpired, appointment, "Appointment expired",
			fmt.Sprintf("The request for %s at %s expired without a response", appointment.ScheduledDate, appointment.ScheduledTime),
			appointment.PatientID, appointment.DoctorID)
	}
	return expired, nil
}

// DeleteAppointment removes a pending, cancelled or expired appointment.
func (s *AppointmentService) DeleteAppointment(ctx context.Context, actor models.Actor, id string) error {
	appointment, err := s.appointments.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if actor.ID != appointment.DoctorID {
		return apperrors.NewForbiddenError("only the appointment's doctor can delete it")
	}
	if !statusIn(appointment.Status, models.DeletableStatuses) {
		return apperrors.NewInvalidStateError(fmt.Sprintf("a %s appointment cannot be deleted", appointment.Status))
	}

	deleted, err := s.appointments.DeleteIfStatus(ctx, id, appointment.Version, models.DeletableStatuses)
	if err != nil {
		return err
	}
	if !deleted {
		current, err := s.appointments.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if !statusIn(current.Status, models.DeletableStatuses) {
			return apperrors.NewInvalidStateError(fmt.Sprintf("a %s appointment cannot be deleted", current.Status))
		}
		return apperrors.NewConflictError("appointment was modified concurrently, reload and retry")
	}
	s.log.Info("appointment deleted", zap.String("appointment_id", id), zap.String("actor_id", actor.ID))
	if err := s.snapshots.RemoveAppointment(ctx, id); err != nil {
		s.log.Warn("failed to drop appointment snapshot", zap.String("appointment_id", id), zap.Error(err))
	}
	return nil
}

// GetAppointment returns one appointment to a participant or an admin. When the database
// cannot be read the last snapshot is served instead.
func (s *AppointmentService) GetAppointment(ctx context.Context, actor models.Actor, id string) (*models.Appointment, error) {
	appointment, err := s.appointments.FindByID(ctx, id)
	if apperrors.IsKind(err, apperrors.KindInternal) {
		if cached, cacheErr := s.snapshots.GetAppointment(ctx, id); cacheErr == nil && cached != nil {
			s.log.Warn("serving appointment from snapshot", zap.String("appointment_id", id), zap.Error(err))
			appointment, err = cached, nil
		}
	}
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin && actor.Role != models.RoleSystem && !appointment.IsParticipant(actor.ID) {
		return nil, apperrors.NewForbiddenError("you are not part of this appointment")
	}
	return appointment, nil
}

// ListAppointments returns the caller's appointments, or all of them for admins.
func (s *AppointmentService) ListAppointments(ctx context.Context, actor models.Actor, statuses []models.AppointmentStatus) ([]models.Appointment, error) {
	filter := repository.AppointmentFilter{Statuses: statuses}
	switch actor.Role {
	case models.RolePatient:
		filter.PatientID = actor.ID
	case models.RoleDoctor:
		filter.DoctorID = actor.ID
	case models.RoleAdmin, models.RoleSystem:
	default:
		return nil, apperrors.NewForbiddenError("role cannot list appointments")
	}
	return s.appointments.List(ctx, filter)
}

// History returns the audit trail of an appointment.
func (s *AppointmentService) History(ctx context.Context, actor models.Actor, id string) ([]models.AppointmentTransition, error) {
	if _, err := s.GetAppointment(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.appointments.Transitions(ctx, id)
}

// settleInTx moves a confirmed appointment to completed or cancelled once its session
// ends. It runs inside the session's transaction.
func (s *AppointmentService) settleInTx(ctx context.Context, tx *gorm.DB, id string, billable bool) (*models.Appointment, error) {
	rule := transitionRule{
		from:  []models.AppointmentStatus{models.StatusConfirmed},
		to:    models.StatusCompleted,
		actor: models.SystemActor,
	}
	if !billable {
		rule.to = models.StatusCancelled
		rule.updates = func(*models.Appointment) map[string]interface{} {
			return map[string]interface{}{
				"cancellation_reason": reasonEndedInGrace,
				"cancelled_by":        models.CancelledBySystem,
			}
		}
	}
	appointment, from, err := s.applyTransition(ctx, tx, id, rule)
	if err != nil {
		return nil, err
	}
	s.log.Info("appointment transition",
		zap.String("appointment_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(rule.to)),
		zap.String("actor_id", models.SystemActor.ID),
	)
	return appointment, nil
}

func (s *AppointmentService) notify(ctx context.Context, eventType notify.EventType, a *models.Appointment, title, description string, userIDs ...string) {
	s.notifier.Notify(ctx, notify.Event{
		Type:        eventType,
		Title:       title,
		Description: description,
		Timestamp:   nowUTC(s.clock),
		RelatedID:   a.ID,
		UserIDs:     userIDs,
	})
}
