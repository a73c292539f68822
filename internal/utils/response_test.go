package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult-server/internal/apperrors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func respond(err error) (*httptest.ResponseRecorder, ResponseData) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	FromError(c, err)

	var body ResponseData
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperrors.FieldError("date", "is required"), http.StatusBadRequest, string(apperrors.KindValidation)},
		{"invalid transition", apperrors.NewInvalidTransitionError("completed", "confirmed"), http.StatusConflict, string(apperrors.KindInvalidTransition)},
		{"expired", apperrors.NewExpiredError("slot has passed"), http.StatusGone, string(apperrors.KindExpired)},
		{"no credit", apperrors.NewInsufficientCreditError("text"), http.StatusPaymentRequired, string(apperrors.KindInsufficientCredit)},
		{"no balance", apperrors.NewInsufficientBalanceError("too much"), http.StatusUnprocessableEntity, string(apperrors.KindInsufficientBalance)},
		{"not found", apperrors.NewNotFoundError("appointment not found"), http.StatusNotFound, string(apperrors.KindNotFound)},
		{"forbidden", apperrors.NewForbiddenError("not yours"), http.StatusForbidden, string(apperrors.KindForbidden)},
		{"transient", apperrors.NewTransientError("db busy", nil), http.StatusServiceUnavailable, string(apperrors.KindTransient)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := respond(tt.err)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, tt.code, body.Code)
		})
	}

	t.Run("fields are surfaced", func(t *testing.T) {
		_, body := respond(apperrors.FieldError("date", "is required"))
		assert.Equal(t, map[string]string{"date": "is required"}, body.Fields)
	})

	t.Run("internal details are hidden", func(t *testing.T) {
		w, body := respond(apperrors.NewInternalError("failed to save", errors.New("disk I/O error")))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "internal server error", body.Error)
		assert.NotContains(t, w.Body.String(), "disk")
	})

	t.Run("plain errors are internal", func(t *testing.T) {
		w, body := respond(errors.New("boom"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, string(apperrors.KindInternal), body.Code)
	})
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("user-1", "doctor", "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "doctor", claims.Role)

	_, err = ValidateToken(token, "other-secret")
	assert.Error(t, err)

	expired, err := GenerateToken("user-1", "doctor", "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(expired, "secret")
	assert.Error(t, err)
}

func TestValidationFields(t *testing.T) {
	type request struct {
		DoctorID string `validate:"required"`
		Amount   int64  `validate:"gt=0"`
	}
	err := Validate(request{})
	require.Error(t, err)
	fields := ValidationFields(err)
	assert.Equal(t, "is required", fields["doctorId"])
	assert.Equal(t, "must be greater than 0", fields["amount"])

	assert.Nil(t, ValidationFields(errors.New("not a validation error")))
}
