package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"teleconsult-server/internal/models"
)

const (
	appointmentKeyPrefix = "snapshot:appointment:"
	sessionKeyPrefix     = "snapshot:session:"
	defaultSnapshotTTL   = 24 * time.Hour
)

// SnapshotStore keeps the last authoritative state of appointments and sessions for
// readers that cannot hit the database.
type SnapshotStore interface {
	PutAppointment(ctx context.Context, appointment models.Appointment) error
	PutSession(ctx context.Context, session models.Session) error
	GetAppointment(ctx context.Context, id string) (*models.Appointment, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	RemoveAppointment(ctx context.Context, id string) error
}

// RedisSnapshot stores snapshots as JSON strings.
type RedisSnapshot struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSnapshot(client *redis.Client, ttl time.Duration) *RedisSnapshot {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &RedisSnapshot{client: client, ttl: ttl}
}

func (r *RedisSnapshot) set(ctx context.Context, key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// get decodes the value at key into dst, reporting false when the key is missing.
func (r *RedisSnapshot) get(ctx context.Context, key string, dst interface{}) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("unmarshal snapshot %s: %w", key, err)
	}
	return true, nil
}

func (r *RedisSnapshot) PutAppointment(ctx context.Context, appointment models.Appointment) error {
	return r.set(ctx, appointmentKeyPrefix+appointment.ID, appointment)
}

func (r *RedisSnapshot) PutSession(ctx context.Context, session models.Session) error {
	return r.set(ctx, sessionKeyPrefix+session.ID, session)
}

func (r *RedisSnapshot) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	var appointment models.Appointment
	found, err := r.get(ctx, appointmentKeyPrefix+id, &appointment)
	if err != nil || !found {
		return nil, err
	}
	return &appointment, nil
}

func (r *RedisSnapshot) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	found, err := r.get(ctx, sessionKeyPrefix+id, &session)
	if err != nil || !found {
		return nil, err
	}
	return &session, nil
}

func (r *RedisSnapshot) RemoveAppointment(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, appointmentKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", appointmentKeyPrefix+id, err)
	}
	return nil
}

// NopSnapshot discards snapshots when no cache is configured.
type NopSnapshot struct{}

func (NopSnapshot) PutAppointment(context.Context, models.Appointment) error { return nil }

func (NopSnapshot) PutSession(context.Context, models.Session) error { return nil }

func (NopSnapshot) GetAppointment(context.Context, string) (*models.Appointment, error) {
	return nil, nil
}

func (NopSnapshot) GetSession(context.Context, string) (*models.Session, error) { return nil, nil }

func (NopSnapshot) RemoveAppointment(context.Context, string) error { return nil }
