package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"teleconsult-server/internal/cache"
	"teleconsult-server/internal/config"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/services"
)

var now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type fakeAppointments struct {
	expired []models.Appointment
	err     error
	calls   []time.Time
}

func (f *fakeAppointments) ExpireStalePending(_ context.Context, at time.Time) ([]models.Appointment, error) {
	f.calls = append(f.calls, at)
	return f.expired, f.err
}

type fakeSessions struct {
	mu      sync.Mutex
	active  []models.Session
	ended   map[string]bool
	failing map[string]bool
	actors  []models.Actor
}

func (f *fakeSessions) ActiveSessions(context.Context) ([]models.Session, error) {
	return f.active, nil
}

func (f *fakeSessions) Heartbeat(_ context.Context, actor models.Actor, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors = append(f.actors, actor)
	if f.failing[id] {
		return nil, errors.New("database is locked")
	}
	status := models.SessionActive
	if f.ended[id] {
		status = models.SessionEnded
	}
	return &models.Session{BaseModel: models.BaseModel{ID: id}, Status: status}, nil
}

type fakeSubscriptions struct{ count int64 }

func (f *fakeSubscriptions) ExpireSubscriptions(context.Context, time.Time) (int64, error) {
	return f.count, nil
}

type fakeWallets struct{ mismatches []services.AuditResult }

func (f *fakeWallets) AuditAll(context.Context) ([]services.AuditResult, error) {
	return f.mismatches, nil
}

type recordingSnapshot struct {
	cache.NopSnapshot
	appointments []string
	sessions     []string
}

func (r *recordingSnapshot) PutAppointment(_ context.Context, a models.Appointment) error {
	r.appointments = append(r.appointments, a.ID)
	return nil
}

func (r *recordingSnapshot) PutSession(_ context.Context, s models.Session) error {
	r.sessions = append(r.sessions, s.ID)
	return nil
}

type deps struct {
	clock        clockwork.Clock
	locker       *cache.LocalLocker
	snapshot     *recordingSnapshot
	appointments *fakeAppointments
	sessions     *fakeSessions
	subs         *fakeSubscriptions
	wallets      *fakeWallets
}

func newReconciler(t *testing.T) (*Reconciler, *deps) {
	clock := clockwork.NewFakeClockAt(now)
	d := &deps{
		clock:        clock,
		locker:       cache.NewLocalLocker(clock),
		snapshot:     &recordingSnapshot{},
		appointments: &fakeAppointments{},
		sessions:     &fakeSessions{ended: map[string]bool{}, failing: map[string]bool{}},
		subs:         &fakeSubscriptions{},
		wallets:      &fakeWallets{},
	}
	r := NewReconciler(config.ReconcileConfig{Interval: 30 * time.Second, LockTTL: time.Minute},
		d.clock, d.locker, d.snapshot, d.appointments, d.sessions, d.subs, d.wallets, zaptest.NewLogger(t))
	return r, d
}

func TestRunOnce(t *testing.T) {
	r, d := newReconciler(t)
	d.appointments.expired = []models.Appointment{
		{BaseModel: models.BaseModel{ID: "a1"}, Status: models.StatusExpired},
		{BaseModel: models.BaseModel{ID: "a2"}, Status: models.StatusExpired},
	}
	d.sessions.active = []models.Session{
		{BaseModel: models.BaseModel{ID: "s1"}},
		{BaseModel: models.BaseModel{ID: "s2"}},
		{BaseModel: models.BaseModel{ID: "s3"}},
	}
	d.sessions.ended["s2"] = true
	d.sessions.failing["s3"] = true
	d.subs.count = 4
	d.wallets.mismatches = []services.AuditResult{{WalletID: "w1"}}

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 3, report.SessionsChecked)
	assert.Equal(t, 1, report.SessionsEnded)
	assert.Equal(t, int64(4), report.SubscriptionsExpired)
	assert.Equal(t, 1, report.WalletMismatches)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Error(), "s3")

	require.Len(t, d.appointments.calls, 1)
	assert.True(t, now.Equal(d.appointments.calls[0]))
	assert.Equal(t, []string{"a1", "a2"}, d.snapshot.appointments)
	assert.Equal(t, []string{"s1", "s2"}, d.snapshot.sessions)
	for _, actor := range d.sessions.actors {
		assert.Equal(t, models.SystemActor, actor)
	}

	ok, token, err := d.locker.TryLock(context.Background(), leaderLockKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "leader lock is released after the pass")
	require.NoError(t, d.locker.Unlock(context.Background(), leaderLockKey, token))
}

func TestRunOnceContinuesAfterFailures(t *testing.T) {
	r, d := newReconciler(t)
	d.appointments.err = errors.New("connection reset")
	d.sessions.active = []models.Session{{BaseModel: models.BaseModel{ID: "s1"}}}

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Error(), "expire appointments")
	assert.Equal(t, 1, report.SessionsChecked, "later steps still run")
}

func TestRunOnceSkipsWithoutLeadership(t *testing.T) {
	r, d := newReconciler(t)
	ok, _, err := d.locker.TryLock(context.Background(), leaderLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, d.appointments.calls)
}

func TestStartAndStop(t *testing.T) {
	r, _ := newReconciler(t)
	require.NoError(t, r.Start(context.Background()))
	r.Stop()
	r.Stop()
}
