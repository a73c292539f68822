package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/notify"
)

func remainingText(t *testing.T, f *fixture) int {
	t.Helper()
	subscription, err := f.credits.ActiveSubscription(f.ctx, f.patient.ID)
	require.NoError(t, err)
	return subscription.TextSessionsRemaining
}

func countSessions(t *testing.T, f *fixture) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&models.Session{}).Count(&count).Error)
	return count
}

func TestStartSessionDebitsOneCredit(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 3, 20)

	appointment, session := f.running(t)

	assert.Equal(t, models.SessionActive, session.Status)
	assert.Equal(t, appointment.ID, session.AppointmentID)
	assert.Equal(t, 20, session.AllottedMinutes, "plan minutes win over the default")
	assert.Equal(t, 20, session.RemainingTimeMinutes)
	assert.Equal(t, 2, remainingText(t, f))

	t.Run("second join returns the same session without a second debit", func(t *testing.T) {
		again, err := f.sessions.StartSession(f.ctx, f.doctor, appointment.ID)
		require.NoError(t, err)
		assert.Equal(t, session.ID, again.ID)
		assert.Equal(t, 2, remainingText(t, f))
	})
}

func TestStartSessionGuards(t *testing.T) {
	t.Run("before the slot", func(t *testing.T) {
		f := newFixture(t)
		f.subscribe(t, 1, 0)
		appointment := f.confirmed(t)
		_, err := f.sessions.StartSession(f.ctx, f.patient, appointment.ID)
		assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	})

	t.Run("appointment not confirmed", func(t *testing.T) {
		f := newFixture(t)
		f.subscribe(t, 1, 0)
		appointment := f.book(t)
		f.advanceTo(appointment.ScheduledAt)
		_, err := f.sessions.StartSession(f.ctx, f.patient, appointment.ID)
		assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	})

	t.Run("outsider", func(t *testing.T) {
		f := newFixture(t)
		f.subscribe(t, 1, 0)
		appointment := f.confirmed(t)
		f.advanceTo(appointment.ScheduledAt)
		_, err := f.sessions.StartSession(f.ctx, f.other, appointment.ID)
		assert.ErrorIs(t, err, apperrors.ErrForbidden)
	})

	t.Run("no subscription", func(t *testing.T) {
		f := newFixture(t)
		appointment := f.confirmed(t)
		f.advanceTo(appointment.ScheduledAt)
		_, err := f.sessions.StartSession(f.ctx, f.patient, appointment.ID)
		assert.ErrorIs(t, err, apperrors.ErrInsufficientCredit)
		assert.Zero(t, countSessions(t, f))
	})
}

// Scenario B
func TestCreditExhaustionLeavesNoSession(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1, 0)

	first := f.bookAt(t, "2026-03-10", "10:00", models.ConsultationText)
	second := f.bookAt(t, "2026-03-10", "11:00", models.ConsultationText)
	for _, a := range []*models.Appointment{first, second} {
		_, err := f.appointments.AcceptAppointment(f.ctx, f.doctor, a.ID)
		require.NoError(t, err)
	}

	f.advanceTo(first.ScheduledAt)
	_, err := f.sessions.StartSession(f.ctx, f.patient, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, remainingText(t, f))

	f.advanceTo(second.ScheduledAt)
	_, err = f.sessions.StartSession(f.ctx, f.patient, second.ID)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientCredit)
	assert.Equal(t, int64(1), countSessions(t, f))
	assert.Equal(t, 0, remainingText(t, f), "credits never go negative")
}

// Scenario C
func TestHeartbeatTimesOutAndPaysTheDoctor(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 2, 1)
	appointment, session := f.running(t)
	require.Equal(t, 1, session.RemainingTimeMinutes)

	f.clock.Advance(61 * time.Second)
	ended, err := f.sessions.Heartbeat(f.ctx, f.patient, session.ID)
	require.NoError(t, err)

	assert.Equal(t, models.SessionEnded, ended.Status)
	assert.Equal(t, models.EndTimeout, ended.EndReason)
	assert.Equal(t, 1, ended.DurationMinutes)
	assert.Equal(t, 0, ended.RemainingTimeMinutes)
	assert.True(t, ended.Billable)
	require.NotNil(t, ended.EndedAt)

	summary, err := f.wallets.GetWallet(f.ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, "MWK", summary.Wallet.Currency)
	assert.Equal(t, int64(400000), summary.Wallet.Balance)
	assert.Equal(t, int64(400000), summary.EarningsByType[models.ConsultationText])

	completed, err := f.appointments.GetAppointment(f.ctx, f.patient, appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	assert.Contains(t, f.notifier.types(), notify.EventSessionEnded)
}

func TestHeartbeatTracksRemainingTime(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1, 10)
	_, session := f.running(t)

	f.clock.Advance(3*time.Minute + 20*time.Second)
	updated, err := f.sessions.Heartbeat(f.ctx, f.doctor, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, updated.Status)
	assert.Equal(t, 7, updated.RemainingTimeMinutes)

	stored, err := f.sessions.GetSession(f.ctx, f.patient, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, stored.RemainingTimeMinutes)
	assert.True(t, f.clock.Now().Truncate(time.Second).Equal(stored.LastActivityAt))
}

func TestEndWithinGraceRestoresCredit(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 2, 0)
	appointment, session := f.running(t)
	require.Equal(t, 1, remainingText(t, f))

	f.clock.Advance(30 * time.Second)
	ended, err := f.sessions.EndSession(f.ctx, f.patient, session.ID, models.EndManual)
	require.NoError(t, err)

	assert.False(t, ended.Billable)
	assert.True(t, ended.CreditRestored)
	assert.Equal(t, 2, remainingText(t, f))

	summary, err := f.wallets.GetWallet(f.ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.Zero(t, summary.Wallet.Balance)

	current, err := f.appointments.GetAppointment(f.ctx, f.patient, appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, current.Status)
	assert.Equal(t, models.CancelledBySystem, current.CancelledBy)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1, 0)
	_, session := f.running(t)

	f.clock.Advance(5 * time.Minute)
	first, err := f.sessions.EndSession(f.ctx, f.doctor, session.ID, models.EndManual)
	require.NoError(t, err)
	assert.True(t, first.Billable)
	assert.Equal(t, 5, first.DurationMinutes)

	f.clock.Advance(5 * time.Minute)
	second, err := f.sessions.EndSession(f.ctx, f.patient, session.ID, models.EndManual)
	require.NoError(t, err)
	assert.Equal(t, first.DurationMinutes, second.DurationMinutes)
	assert.True(t, first.EndedAt.Equal(*second.EndedAt))

	var credits int64
	require.NoError(t, f.db.Model(&models.WalletTransaction{}).Where("type = ?", models.TransactionCredit).Count(&credits).Error)
	assert.Equal(t, int64(1), credits)

	_, err = f.sessions.EndSession(f.ctx, f.patient, session.ID, models.EndCancelled)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCancellingALiveSession(t *testing.T) {
	t.Run("within grace refunds", func(t *testing.T) {
		f := newFixture(t)
		f.subscribe(t, 1, 0)
		appointment, session := f.running(t)

		f.clock.Advance(20 * time.Second)
		_, err := f.appointments.CancelAppointment(f.ctx, f.patient, appointment.ID, "connection issues")
		require.NoError(t, err)

		ended, err := f.sessions.GetSession(f.ctx, f.patient, session.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionEnded, ended.Status)
		assert.Equal(t, models.EndCancelled, ended.EndReason)
		assert.True(t, ended.CreditRestored)
		assert.Equal(t, 1, remainingText(t, f))
	})

	t.Run("beyond grace pays and stays cancelled", func(t *testing.T) {
		f := newFixture(t)
		f.subscribe(t, 1, 0)
		appointment, session := f.running(t)

		f.clock.Advance(4 * time.Minute)
		_, err := f.appointments.CancelAppointment(f.ctx, f.doctor, appointment.ID, "")
		require.NoError(t, err)

		ended, err := f.sessions.GetSession(f.ctx, f.doctor, session.ID)
		require.NoError(t, err)
		assert.True(t, ended.Billable)
		assert.False(t, ended.CreditRestored)
		assert.Equal(t, 0, remainingText(t, f))

		current, err := f.appointments.GetAppointment(f.ctx, f.doctor, appointment.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, current.Status)

		summary, err := f.wallets.GetWallet(f.ctx, f.doctor.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(400000), summary.Wallet.Balance)
	})
}

func TestEndWithinGraceAfterRenewal(t *testing.T) {
	renew := func(t *testing.T, f *fixture) *models.UserSubscription {
		t.Helper()
		plan := f.plan(t, 2, 1, 1, 0)
		renewed, err := f.credits.Purchase(f.ctx, f.patient.ID, plan.ID, "pay-renewal")
		require.NoError(t, err)
		return renewed
	}

	t.Run("credit goes to the active plan", func(t *testing.T) {
		f := newFixture(t)
		original := f.subscribe(t, 2, 0)
		_, session := f.running(t)
		renewed := renew(t, f)
		require.NoError(t, f.credits.Debit(f.ctx, renewed.ID, models.ConsultationText))

		f.clock.Advance(30 * time.Second)
		ended, err := f.sessions.EndSession(f.ctx, f.patient, session.ID, models.EndManual)
		require.NoError(t, err)
		assert.True(t, ended.CreditRestored)
		assert.Equal(t, renewed.ID, ended.CreditRestoredTo)
		assert.Equal(t, 2, remainingText(t, f))

		old, err := f.credits.subs.FindByID(f.ctx, original.ID)
		require.NoError(t, err)
		assert.False(t, old.IsActive)
		assert.Equal(t, 1, old.TextSessionsRemaining, "a replaced plan is never topped up")
	})

	t.Run("nothing is restored when the active plan is full", func(t *testing.T) {
		f := newFixture(t)
		original := f.subscribe(t, 2, 0)
		_, session := f.running(t)
		renew(t, f)

		f.clock.Advance(30 * time.Second)
		ended, err := f.sessions.EndSession(f.ctx, f.patient, session.ID, models.EndManual)
		require.NoError(t, err)
		assert.False(t, ended.Billable)
		assert.False(t, ended.CreditRestored)
		assert.Empty(t, ended.CreditRestoredTo)
		assert.Equal(t, 2, remainingText(t, f))

		old, err := f.credits.subs.FindByID(f.ctx, original.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, old.TextSessionsRemaining)
	})

	t.Run("unchanged plan records itself", func(t *testing.T) {
		f := newFixture(t)
		original := f.subscribe(t, 2, 0)
		_, session := f.running(t)

		f.clock.Advance(30 * time.Second)
		ended, err := f.sessions.EndSession(f.ctx, f.patient, session.ID, models.EndManual)
		require.NoError(t, err)
		assert.Equal(t, original.ID, ended.CreditRestoredTo)
	})
}

func TestManualEndAfterTheAllotmentIsATimeout(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1, 0)
	appointment, session := f.running(t)

	f.clock.Advance(12 * time.Minute)
	ended, err := f.sessions.EndSession(f.ctx, f.patient, session.ID, models.EndManual)
	require.NoError(t, err)
	assert.Equal(t, models.EndTimeout, ended.EndReason)
	assert.True(t, ended.Billable)
	assert.Equal(t, 0, ended.RemainingTimeMinutes)
	assert.Equal(t, 10, ended.DurationMinutes)

	current, err := f.appointments.GetAppointment(f.ctx, f.patient, appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, current.Status)
}
