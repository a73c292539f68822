// Package client is the Go API client used by the patient and doctor apps. It keeps a
// local cache that is written only from server responses.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/config"
	"teleconsult-server/internal/models"
)

const apiPrefix = "/api/v1"

// envelope mirrors the server's response body.
type envelope struct {
	Status  int               `json:"status"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Code    string            `json:"code"`
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields"`
}

// Client talks to the consultation API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	cfg     config.ClientConfig
	cache   *Cache
	log     *zap.Logger
}

func New(baseURL, token string, cfg config.ClientConfig, log *zap.Logger) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		cache:   NewCache(),
		log:     log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "teleconsult-api",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Business errors mean the server is up.
		IsSuccessful: func(err error) bool {
			return err == nil || !unavailable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("client.Client breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Cache returns the client's local view.
func (c *Client) Cache() *Cache {
	return c.cache
}

func unavailable(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindTransient, apperrors.KindServiceUnavailable, apperrors.KindInternal:
		return true
	}
	return false
}

func (c *Client) newBackOff(ctx context.Context, retries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialRetryWait > 0 {
		b.InitialInterval = c.cfg.InitialRetryWait
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// idempotent reports whether repeating the request cannot create a second resource. The
// session endpoints are safe to repeat: start returns the existing session and end is a
// no-op once ended.
func idempotent(method, path string) bool {
	if method != http.MethodPost {
		return true
	}
	return strings.HasPrefix(path, "/session/")
}

// do sends one logical request. Transient failures of idempotent requests are retried
// with backoff inside a single breaker call; an open breaker short-circuits with
// ServiceUnavailable.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return apperrors.NewInternalError("failed to encode request", err)
		}
	}
	requestID := uuid.NewString()
	retries := c.cfg.MaxRetries
	if !idempotent(method, path) {
		retries = 0
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		attempt := 0
		return nil, backoff.Retry(func() error {
			attempt++
			err := c.send(ctx, method, path, requestID, payload, out)
			if err == nil {
				return nil
			}
			if apperrors.IsKind(err, apperrors.KindTransient) && retries > 0 {
				c.log.Debug("client.Client retrying request",
					zap.String("method", method),
					zap.String("path", path),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return err
			}
			return backoff.Permanent(err)
		}, c.newBackOff(ctx, retries))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.NewServiceUnavailableError("api temporarily unavailable", err)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path, requestID string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return apperrors.NewInternalError("failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NewTransientError("request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewTransientError("failed to read response", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return apperrors.NewTransientError(fmt.Sprintf("server returned %d", resp.StatusCode), nil)
		}
		return apperrors.NewInternalError("malformed response body", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return errorFromResponse(resp.StatusCode, env)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.NewInternalError("malformed response data", err)
	}
	return nil
}

func errorFromResponse(status int, env envelope) error {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return apperrors.NewTransientError(env.Error, nil)
	case status == http.StatusServiceUnavailable && env.Code == "":
		return apperrors.NewTransientError(env.Error, nil)
	}

	kind := apperrors.Kind(env.Code)
	if kind == "" {
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = apperrors.KindForbidden
		case http.StatusNotFound:
			kind = apperrors.KindNotFound
		case http.StatusBadRequest:
			kind = apperrors.KindValidation
		default:
			kind = apperrors.KindInternal
		}
	}
	message := env.Error
	if message == "" {
		message = env.Message
	}
	return &apperrors.AppError{Kind: kind, Message: message, Fields: env.Fields}
}

// fetchAppointments reads the caller's appointments without touching the cache.
func (c *Client) fetchAppointments(ctx context.Context) ([]models.Appointment, error) {
	var list []models.Appointment
	if err := c.do(ctx, http.MethodGet, "/appointments", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) fetchSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(id), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListAppointments fetches the caller's appointments and replaces the cached set.
func (c *Client) ListAppointments(ctx context.Context) ([]models.Appointment, error) {
	list, err := c.fetchAppointments(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.ReplaceAppointments(list)
	return list, nil
}

func (c *Client) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	return c.appointmentCall(ctx, http.MethodGet, "/appointments/"+url.PathEscape(id), nil)
}

// CreateAppointmentRequest is the booking payload.
type CreateAppointmentRequest struct {
	DoctorID         string `json:"doctorId"`
	Date             string `json:"date"`
	Time             string `json:"time"`
	ConsultationType string `json:"consultationType"`
	Reason           string `json:"reason,omitempty"`
}

func (c *Client) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (*models.Appointment, error) {
	return c.appointmentCall(ctx, http.MethodPost, "/appointments", req)
}

// UpdateStatus asks the server for confirmed or cancelled.
func (c *Client) UpdateStatus(ctx context.Context, id string, status models.AppointmentStatus, reason string) (*models.Appointment, error) {
	body := map[string]string{"status": string(status)}
	if reason != "" {
		body["reason"] = reason
	}
	return c.appointmentCall(ctx, http.MethodPatch, "/appointments/"+url.PathEscape(id)+"/status", body)
}

func (c *Client) ProposeReschedule(ctx context.Context, id, date, clock, reason string) (*models.Appointment, error) {
	body := map[string]string{"action": "propose", "date": date, "time": clock, "reason": reason}
	return c.appointmentCall(ctx, http.MethodPatch, "/appointments/"+url.PathEscape(id), body)
}

func (c *Client) RespondToReschedule(ctx context.Context, id string, accept bool) (*models.Appointment, error) {
	action := "decline"
	if accept {
		action = "accept"
	}
	return c.appointmentCall(ctx, http.MethodPatch, "/appointments/"+url.PathEscape(id), map[string]string{"action": action})
}

func (c *Client) appointmentCall(ctx context.Context, method, path string, body interface{}) (*models.Appointment, error) {
	var appointment models.Appointment
	if err := c.do(ctx, method, path, body, &appointment); err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) && method == http.MethodGet {
			c.cache.DeleteAppointment(path[strings.LastIndex(path, "/")+1:])
		}
		return nil, err
	}
	c.cache.PutAppointment(appointment)
	return &appointment, nil
}

func (c *Client) StartSession(ctx context.Context, appointmentID string) (*models.Session, error) {
	return c.sessionCall(ctx, "/session/start", map[string]string{"appointmentId": appointmentID})
}

// Heartbeat reports activity; the response carries the authoritative remaining time.
func (c *Client) Heartbeat(ctx context.Context, sessionID string) (*models.Session, error) {
	return c.sessionCall(ctx, "/session/heartbeat", map[string]string{"sessionId": sessionID})
}

func (c *Client) EndSession(ctx context.Context, sessionID string, reason models.EndReason) (*models.Session, error) {
	return c.sessionCall(ctx, "/session/end", map[string]string{"sessionId": sessionID, "reason": string(reason)})
}

func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := c.fetchSession(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.PutSession(*session)
	return session, nil
}

func (c *Client) sessionCall(ctx context.Context, path string, body interface{}) (*models.Session, error) {
	var session models.Session
	if err := c.do(ctx, http.MethodPost, path, body, &session); err != nil {
		return nil, err
	}
	c.cache.PutSession(session)
	return &session, nil
}

// ActiveSubscription returns the caller's subscription. It is not cached.
func (c *Client) ActiveSubscription(ctx context.Context) (*models.UserSubscription, error) {
	var subscription models.UserSubscription
	if err := c.do(ctx, http.MethodGet, "/subscription", nil, &subscription); err != nil {
		return nil, err
	}
	return &subscription, nil
}
