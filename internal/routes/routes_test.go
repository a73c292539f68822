package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	gormlogger "gorm.io/gorm/logger"

	"teleconsult-server/internal/config"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/notify"
	"teleconsult-server/internal/services"
	"teleconsult-server/internal/utils"
)

const secret = "test-secret"

type envelope struct {
	Status int               `json:"status"`
	Data   json.RawMessage   `json:"data"`
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

type server struct {
	t      *testing.T
	router *gin.Engine
	clock  interface {
		clockwork.Clock
		Advance(time.Duration)
	}
	tokens map[models.Role]string
	ids    map[models.Role]string
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := clockwork.NewFakeClockAt(time.Date(2026, time.March, 10, 8, 0, 0, 0, time.UTC))
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

	log := zaptest.NewLogger(t)
	cfg := &config.Config{
		JWTSecret: secret,
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		Session:   config.SessionConfig{DefaultMinutes: 10, GracePeriod: time.Minute},
		Wallet: config.WalletConfig{
			Rates:            config.DefaultRates(),
			WithdrawalLimits: config.DefaultWithdrawalLimits(),
			LocalCountry:     "malawi",
			LocalCurrency:    "MWK",
			DefaultCurrency:  "USD",
		},
	}

	notifier := notify.Nop{}
	appointments := services.NewAppointmentService(db, clock, time.UTC, notifier, log)
	credits := services.NewCreditLedger(db, clock, cfg.Subscription, notifier, log)
	wallets := services.NewWalletLedger(db, clock, cfg.Wallet, notifier, log)
	sessions := services.NewSessionService(db, clock, cfg.Session, appointments, wallets, notifier, log)

	router := gin.New()
	SetupRoutes(router, Services{
		DB:           db,
		Appointments: appointments,
		Sessions:     sessions,
		Credits:      credits,
		Wallets:      wallets,
	}, cfg, log)

	s := &server{t: t, router: router, clock: clock, tokens: map[models.Role]string{}, ids: map[models.Role]string{}}
	for _, u := range []models.User{
		{Role: models.RolePatient, FirstName: "Chisomo", LastName: "Banda"},
		{Role: models.RoleDoctor, FirstName: "Thoko", LastName: "Phiri", Country: "Malawi"},
		{Role: models.RoleAdmin, FirstName: "Ops", LastName: "Admin"},
	} {
		u := u
		u.ID = uuid.NewString()
		require.NoError(t, db.Create(&u).Error)
		token, err := utils.GenerateToken(u.ID, string(u.Role), secret, time.Hour)
		require.NoError(t, err)
		s.tokens[u.Role] = token
		s.ids[u.Role] = u.ID
	}
	return s
}

func (s *server) do(role models.Role, method, path string, body interface{}) (int, envelope) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token, ok := s.tokens[role]; ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func decode(t *testing.T, env envelope, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

type appointmentBody struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode"`
}

func TestConsultationFlowOverHTTP(t *testing.T) {
	s := newServer(t)

	code, env := s.do(models.RoleAdmin, http.MethodPost, "/api/v1/admin/plans", map[string]interface{}{
		"name": "Basic", "price": 1500000, "currency": "MWK", "durationDays": 30,
		"textSessions": 2, "voiceCalls": 1, "videoCalls": 1,
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var plan struct {
		ID string `json:"id"`
	}
	decode(t, env, &plan)

	code, env = s.do("", http.MethodGet, "/api/v1/plans", nil)
	require.Equal(t, http.StatusOK, code)
	var plans []map[string]interface{}
	decode(t, env, &plans)
	assert.Len(t, plans, 1)

	code, env = s.do(models.RolePatient, http.MethodPost, "/api/v1/subscription/purchase", map[string]string{
		"planId": plan.ID, "paymentReference": "pay-1",
	})
	require.Equal(t, http.StatusCreated, code, env.Error)

	code, env = s.do(models.RolePatient, http.MethodPost, "/api/v1/appointments", map[string]string{
		"doctorId": s.ids[models.RoleDoctor], "date": "2026-03-10", "time": "10:00",
		"consultationType": "text", "reason": "persistent cough",
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var appointment appointmentBody
	decode(t, env, &appointment)
	assert.Equal(t, "pending", appointment.Status)
	assert.Equal(t, 0, appointment.StatusCode)

	code, env = s.do(models.RoleDoctor, http.MethodPatch, "/api/v1/appointments/"+appointment.ID+"/status", map[string]interface{}{"status": 1})
	require.Equal(t, http.StatusOK, code, env.Error)
	decode(t, env, &appointment)
	assert.Equal(t, "confirmed", appointment.Status)

	code, env = s.do(models.RolePatient, http.MethodGet, "/api/v1/appointments?status=confirmed,0", nil)
	require.Equal(t, http.StatusOK, code)
	var listed []appointmentBody
	decode(t, env, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, 1, listed[0].StatusCode)

	code, env = s.do(models.RolePatient, http.MethodPost, "/api/v1/session/start", map[string]string{"appointmentId": appointment.ID})
	assert.Equal(t, http.StatusConflict, code, "too early to start")
	assert.Equal(t, "INVALID_STATE", env.Code)

	s.clock.Advance(2 * time.Hour)
	code, env = s.do(models.RolePatient, http.MethodPost, "/api/v1/session/start", map[string]string{"appointmentId": appointment.ID})
	require.Equal(t, http.StatusOK, code, env.Error)
	var session struct {
		ID                   string `json:"id"`
		RemainingTimeMinutes int    `json:"remainingTimeMinutes"`
	}
	decode(t, env, &session)
	assert.Equal(t, 10, session.RemainingTimeMinutes)

	s.clock.Advance(4 * time.Minute)
	code, env = s.do(models.RoleDoctor, http.MethodPost, "/api/v1/session/heartbeat", map[string]string{"sessionId": session.ID})
	require.Equal(t, http.StatusOK, code, env.Error)
	decode(t, env, &session)
	assert.Equal(t, 6, session.RemainingTimeMinutes)

	code, env = s.do(models.RoleDoctor, http.MethodPost, "/api/v1/session/end", map[string]string{"sessionId": session.ID})
	require.Equal(t, http.StatusOK, code, env.Error)

	code, env = s.do(models.RoleDoctor, http.MethodGet, "/api/v1/wallet", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	var wallet struct {
		Wallet struct {
			Balance  int64  `json:"balance"`
			Currency string `json:"currency"`
		} `json:"wallet"`
	}
	decode(t, env, &wallet)
	assert.Equal(t, int64(400000), wallet.Wallet.Balance)
	assert.Equal(t, "MWK", wallet.Wallet.Currency)

	code, env = s.do(models.RoleDoctor, http.MethodPost, "/api/v1/wallet/withdraw", map[string]interface{}{
		"amount": 900000, "method": "bank_transfer",
		"details": map[string]string{"bankName": "National Bank", "accountNumber": "1001234567"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", env.Code)

	code, env = s.do(models.RolePatient, http.MethodGet, "/api/v1/appointments/"+appointment.ID, nil)
	require.Equal(t, http.StatusOK, code)
	decode(t, env, &appointment)
	assert.Equal(t, "completed", appointment.Status)
	assert.Equal(t, 3, appointment.StatusCode)
}

func TestStatusPatchRejectsUnsupportedTargets(t *testing.T) {
	s := newServer(t)
	code, env := s.do(models.RolePatient, http.MethodPost, "/api/v1/appointments", map[string]string{
		"doctorId": s.ids[models.RoleDoctor], "date": "2026-03-10", "time": "10:00", "consultationType": "video",
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var appointment appointmentBody
	decode(t, env, &appointment)

	code, env = s.do(models.RoleDoctor, http.MethodPatch, "/api/v1/appointments/"+appointment.ID+"/status", map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Fields, "status")

	code, _ = s.do(models.RoleDoctor, http.MethodPatch, "/api/v1/appointments/"+appointment.ID+"/status", map[string]string{"status": "archived"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = s.do(models.RoleDoctor, http.MethodPatch, "/api/v1/appointments/"+appointment.ID+"/status", map[string]interface{}{"status": 2, "reason": "fully booked"})
	require.Equal(t, http.StatusOK, code, env.Error)
	decode(t, env, &appointment)
	assert.Equal(t, "cancelled", appointment.Status, "a doctor declining a request rejects it")
}

func TestAccessControl(t *testing.T) {
	s := newServer(t)

	code, _ := s.do("", http.MethodGet, "/api/v1/appointments", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(models.RolePatient, http.MethodGet, "/api/v1/wallet", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(models.RoleDoctor, http.MethodPost, "/api/v1/subscription/purchase", map[string]string{"planId": "x"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(models.RoleDoctor, http.MethodGet, "/api/v1/admin/wallet/audit", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(models.RoleAdmin, http.MethodGet, "/api/v1/admin/wallet/audit", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env := s.do(models.RolePatient, http.MethodGet, "/api/v1/users/doctors", nil)
	require.Equal(t, http.StatusOK, code)
	var doctors []map[string]interface{}
	decode(t, env, &doctors)
	assert.Len(t, doctors, 1)

	code, env = s.do("", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, http.StatusOK, env.Status)
	var health map[string]string
	decode(t, env, &health)
	assert.Equal(t, "UP", health["database"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
