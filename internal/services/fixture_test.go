package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"teleconsult-server/internal/config"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/notify"
)

// t0 is two hours before the default slot used by book.
var t0 = time.Date(2026, time.March, 10, 8, 0, 0, 0, time.UTC)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]notify.EventType, 0, len(n.events))
	for _, e := range n.events {
		types = append(types, e.Type)
	}
	return types
}

type fixture struct {
	ctx          context.Context
	db           *gorm.DB
	clock        fakeClock
	notifier     *recordingNotifier
	appointments *AppointmentService
	sessions     *SessionService
	credits      *CreditLedger
	wallets      *WalletLedger

	patient models.Actor
	doctor  models.Actor
	other   models.Actor
	admin   models.Actor
}

func testDB(t *testing.T, clock clockwork.Clock) *gorm.DB {
	t.Helper()
	db, err := models.InitDB(models.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		LogLevel:     gormlogger.Silent,
	}, clock)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func walletConfig() config.WalletConfig {
	return config.WalletConfig{
		Rates:            config.DefaultRates(),
		WithdrawalLimits: config.DefaultWithdrawalLimits(),
		LocalCountry:     "malawi",
		LocalCurrency:    "MWK",
		DefaultCurrency:  "USD",
	}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, config.SubscriptionConfig{})
}

func newFixtureWith(t *testing.T, subCfg config.SubscriptionConfig) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	db := testDB(t, clock)
	log := zaptest.NewLogger(t)
	notifier := &recordingNotifier{}

	f := &fixture{
		ctx:      context.Background(),
		db:       db,
		clock:    clock,
		notifier: notifier,
		patient:  models.Actor{ID: uuid.NewString(), Role: models.RolePatient},
		doctor:   models.Actor{ID: uuid.NewString(), Role: models.RoleDoctor},
		other:    models.Actor{ID: uuid.NewString(), Role: models.RolePatient},
		admin:    models.Actor{ID: uuid.NewString(), Role: models.RoleAdmin},
	}

	for _, u := range []models.User{
		{BaseModel: models.BaseModel{ID: f.patient.ID}, Role: models.RolePatient, FirstName: "Chisomo", LastName: "Banda"},
		{BaseModel: models.BaseModel{ID: f.doctor.ID}, Role: models.RoleDoctor, FirstName: "Thoko", LastName: "Phiri", Country: "Malawi"},
		{BaseModel: models.BaseModel{ID: f.other.ID}, Role: models.RolePatient, FirstName: "Jane", LastName: "Doe"},
		{BaseModel: models.BaseModel{ID: f.admin.ID}, Role: models.RoleAdmin, FirstName: "Ops", LastName: "Admin"},
	} {
		u := u
		require.NoError(t, db.Create(&u).Error)
	}

	f.appointments = NewAppointmentService(db, clock, time.UTC, notifier, log)
	f.credits = NewCreditLedger(db, clock, subCfg, notifier, log)
	f.wallets = NewWalletLedger(db, clock, walletConfig(), notifier, log)
	f.sessions = NewSessionService(db, clock, config.SessionConfig{
		DefaultMinutes: 10,
		GracePeriod:    60 * time.Second,
	}, f.appointments, f.wallets, notifier, log)
	return f
}

func (f *fixture) advanceTo(target time.Time) {
	f.clock.Advance(target.Sub(f.clock.Now()))
}

func (f *fixture) bookAt(t *testing.T, date, clock string, ct models.ConsultationType) *models.Appointment {
	t.Helper()
	appointment, err := f.appointments.CreateAppointment(f.ctx, f.patient, CreateAppointmentInput{
		DoctorID:         f.doctor.ID,
		Date:             date,
		Time:             clock,
		ConsultationType: ct,
		Reason:           "persistent cough",
	})
	require.NoError(t, err)
	return appointment
}

// book requests a text consultation at 10:00 on t0's day.
func (f *fixture) book(t *testing.T) *models.Appointment {
	return f.bookAt(t, "2026-03-10", "10:00", models.ConsultationText)
}

func (f *fixture) confirmed(t *testing.T) *models.Appointment {
	t.Helper()
	appointment := f.book(t)
	accepted, err := f.appointments.AcceptAppointment(f.ctx, f.doctor, appointment.ID)
	require.NoError(t, err)
	return accepted
}

func (f *fixture) plan(t *testing.T, text, voice, video, textMinutes int) *models.Plan {
	t.Helper()
	plan := &models.Plan{
		Name:               "Basic",
		Price:              1500000,
		Currency:           "MWK",
		DurationDays:       30,
		TextSessions:       text,
		VoiceCalls:         voice,
		VideoCalls:         video,
		TextSessionMinutes: textMinutes,
		IsActive:           true,
	}
	require.NoError(t, f.credits.CreatePlan(f.ctx, plan))
	return plan
}

func (f *fixture) subscribe(t *testing.T, text, textMinutes int) *models.UserSubscription {
	t.Helper()
	plan := f.plan(t, text, 1, 1, textMinutes)
	subscription, err := f.credits.Purchase(f.ctx, f.patient.ID, plan.ID, "pay-"+uuid.NewString())
	require.NoError(t, err)
	return subscription
}

// running books, confirms and starts a text session at its slot.
func (f *fixture) running(t *testing.T) (*models.Appointment, *models.Session) {
	t.Helper()
	appointment := f.confirmed(t)
	f.advanceTo(appointment.ScheduledAt)
	session, err := f.sessions.StartSession(f.ctx, f.patient, appointment.ID)
	require.NoError(t, err)
	return appointment, session
}
