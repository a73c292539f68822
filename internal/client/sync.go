package client

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"teleconsult-server/internal/apperrors"
)

// Conflict is a cached entry the server disagreed with. An empty Server value means the
// entry no longer exists on the server.
type Conflict struct {
	Resource string
	ID       string
	Cached   string
	Server   string
}

// Syncer polls the server and overwrites the cache with what it returns.
type Syncer struct {
	client     *Client
	clock      clockwork.Clock
	interval   time.Duration
	onConflict func(Conflict)
	log        *zap.Logger
}

func NewSyncer(client *Client, clock clockwork.Clock, interval time.Duration, onConflict func(Conflict), log *zap.Logger) *Syncer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if onConflict == nil {
		onConflict = func(Conflict) {}
	}
	return &Syncer{client: client, clock: clock, interval: interval, onConflict: onConflict, log: log}
}

// Run polls until ctx is cancelled. Failed passes are logged and retried on the next tick.
func (s *Syncer) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("client.Syncer pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// SyncOnce refreshes appointments and active sessions and returns every conflict found.
func (s *Syncer) SyncOnce(ctx context.Context) ([]Conflict, error) {
	cache := s.client.Cache()
	var conflicts []Conflict

	server, err := s.client.fetchAppointments(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(server))
	for _, a := range server {
		seen[a.ID] = true
		if cached, ok := cache.Appointment(a.ID); ok && cached.Status != a.Status {
			conflicts = append(conflicts, Conflict{Resource: "appointment", ID: a.ID, Cached: string(cached.Status), Server: string(a.Status)})
		}
	}
	for _, cached := range cache.Appointments() {
		if !seen[cached.ID] {
			conflicts = append(conflicts, Conflict{Resource: "appointment", ID: cached.ID, Cached: string(cached.Status)})
		}
	}
	cache.ReplaceAppointments(server)

	for _, cached := range cache.ActiveSessions() {
		session, err := s.client.fetchSession(ctx, cached.ID)
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			continue
		}
		if err != nil {
			return conflicts, err
		}
		if session.Status != cached.Status {
			conflicts = append(conflicts, Conflict{Resource: "session", ID: session.ID, Cached: string(cached.Status), Server: string(session.Status)})
		}
		cache.PutSession(*session)
	}

	for _, conflict := range conflicts {
		s.log.Info("client.Syncer overwrote stale entry",
			zap.String("resource", conflict.Resource),
			zap.String("id", conflict.ID),
			zap.String("cached", conflict.Cached),
			zap.String("server", conflict.Server),
		)
		s.onConflict(conflict)
	}
	return conflicts, nil
}
