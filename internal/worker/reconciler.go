package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"teleconsult-server/internal/cache"
	"teleconsult-server/internal/config"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/services"
)

// leaderLockKey ensures a single reconciler across replicas.
const leaderLockKey = "reconcile:leader"

type AppointmentExpirer interface {
	ExpireStalePending(ctx context.Context, now time.Time) ([]models.Appointment, error)
}

type SessionMonitor interface {
	ActiveSessions(ctx context.Context) ([]models.Session, error)
	Heartbeat(ctx context.Context, actor models.Actor, sessionID string) (*models.Session, error)
}

type SubscriptionExpirer interface {
	ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error)
}

type WalletAuditor interface {
	AuditAll(ctx context.Context) ([]services.AuditResult, error)
}

// Report summarises one reconciliation pass.
type Report struct {
	Skipped              bool
	Expired              int
	SessionsChecked      int
	SessionsEnded        int
	SubscriptionsExpired int64
	WalletMismatches     int
	Errors               []error
}

// Reconciler periodically expires stale offers, corrects session drift and refreshes the
// snapshot cache.
type Reconciler struct {
	cfg           config.ReconcileConfig
	clock         clockwork.Clock
	locker        cache.Locker
	snapshot      cache.SnapshotStore
	appointments  AppointmentExpirer
	sessions      SessionMonitor
	subscriptions SubscriptionExpirer
	wallets       WalletAuditor
	log           *zap.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func NewReconciler(
	cfg config.ReconcileConfig,
	clock clockwork.Clock,
	locker cache.Locker,
	snapshot cache.SnapshotStore,
	appointments AppointmentExpirer,
	sessions SessionMonitor,
	subscriptions SubscriptionExpirer,
	wallets WalletAuditor,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		cfg:           cfg,
		clock:         clock,
		locker:        locker,
		snapshot:      snapshot,
		appointments:  appointments,
		sessions:      sessions,
		subscriptions: subscriptions,
		wallets:       wallets,
		log:           log,
	}
}

// Start schedules RunOnce every configured interval.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	spec := fmt.Sprintf("@every %s", r.cfg.Interval)
	_, err := c.AddFunc(spec, func() {
		if _, err := r.RunOnce(runCtx); err != nil {
			r.log.Warn("worker.Reconciler run failed", zap.Error(err))
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to schedule reconciler with %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	r.cancel = cancel
	r.log.Info("worker.Reconciler started", zap.Duration("interval", r.cfg.Interval))
	return nil
}

// Stop cancels in-flight work and waits for the running pass to return.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
}

// RunOnce performs one pass when this replica holds the leader lock.
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	ttl := r.cfg.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	acquired, token, err := r.locker.TryLock(ctx, leaderLockKey, ttl)
	if err != nil {
		return nil, fmt.Errorf("leader lock attempt failed: %w", err)
	}
	if !acquired {
		r.log.Debug("worker.Reconciler leader lock held elsewhere, skipping")
		return &Report{Skipped: true}, nil
	}
	defer func() {
		if err := r.locker.Unlock(context.Background(), leaderLockKey, token); err != nil {
			r.log.Warn("worker.Reconciler failed to release leader lock", zap.Error(err))
		}
	}()

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go r.refreshLock(refreshCtx, token, ttl)

	report := &Report{}
	now := r.clock.Now().UTC()

	expired, err := r.appointments.ExpireStalePending(ctx, now)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("expire appointments: %w", err))
	}
	report.Expired = len(expired)
	for _, appointment := range expired {
		r.putAppointment(ctx, appointment)
	}

	active, err := r.sessions.ActiveSessions(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("list active sessions: %w", err))
	}
	for _, session := range active {
		report.SessionsChecked++
		current, err := r.sessions.Heartbeat(ctx, models.SystemActor, session.ID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("heartbeat session %s: %w", session.ID, err))
			continue
		}
		if current.Status == models.SessionEnded {
			report.SessionsEnded++
		}
		r.putSession(ctx, *current)
	}

	count, err := r.subscriptions.ExpireSubscriptions(ctx, now)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("expire subscriptions: %w", err))
	}
	report.SubscriptionsExpired = count

	mismatches, err := r.wallets.AuditAll(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("audit wallets: %w", err))
	}
	report.WalletMismatches = len(mismatches)

	r.log.Info("worker.Reconciler pass finished",
		zap.Int("expired", report.Expired),
		zap.Int("sessions_checked", report.SessionsChecked),
		zap.Int("sessions_ended", report.SessionsEnded),
		zap.Int64("subscriptions_expired", report.SubscriptionsExpired),
		zap.Int("wallet_mismatches", report.WalletMismatches),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (r *Reconciler) refreshLock(ctx context.Context, token string, ttl time.Duration) {
	ticker := r.clock.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := r.locker.Refresh(ctx, leaderLockKey, token, ttl); err != nil {
				r.log.Warn("worker.Reconciler failed to refresh leader lock", zap.Error(err))
			}
		}
	}
}

func (r *Reconciler) putAppointment(ctx context.Context, appointment models.Appointment) {
	if err := r.snapshot.PutAppointment(ctx, appointment); err != nil {
		r.log.Warn("worker.Reconciler failed to cache appointment", zap.String("appointment_id", appointment.ID), zap.Error(err))
	}
}

func (r *Reconciler) putSession(ctx context.Context, session models.Session) {
	if err := r.snapshot.PutSession(ctx, session); err != nil {
		r.log.Warn("worker.Reconciler failed to cache session", zap.String("session_id", session.ID), zap.Error(err))
	}
}
