package handlers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult-server/internal/models"
)

func TestStatusCodesRoundTrip(t *testing.T) {
	for _, status := range []models.AppointmentStatus{
		models.StatusPending,
		models.StatusConfirmed,
		models.StatusCancelled,
		models.StatusCompleted,
		models.StatusExpired,
		models.StatusRescheduleProposed,
	} {
		got, ok := StatusFromCode(StatusCode(status))
		require.True(t, ok, status)
		assert.Equal(t, status, got)
	}
	assert.Equal(t, 5, StatusCode(models.StatusRescheduleProposed))
	assert.Equal(t, -1, StatusCode("archived"))

	_, ok := StatusFromCode(9)
	assert.False(t, ok)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want models.AppointmentStatus
		ok   bool
	}{
		{"confirmed", models.StatusConfirmed, true},
		{" Cancelled ", models.StatusCancelled, true},
		{"4", models.StatusExpired, true},
		{"reschedule_proposed", models.StatusRescheduleProposed, true},
		{"7", "", false},
		{"archived", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseStatus(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestWireStatusAcceptsNamesAndCodes(t *testing.T) {
	var body UpdateAppointmentStatusRequest
	require.NoError(t, json.Unmarshal([]byte(`{"status":1}`), &body))
	assert.Equal(t, models.StatusConfirmed, body.Status.Status)

	require.NoError(t, json.Unmarshal([]byte(`{"status":"cancelled","reason":"travel"}`), &body))
	assert.Equal(t, models.StatusCancelled, body.Status.Status)
	assert.Equal(t, "travel", body.Reason)

	assert.Error(t, json.Unmarshal([]byte(`{"status":"archived"}`), &body))
	assert.Error(t, json.Unmarshal([]byte(`{"status":true}`), &body))
}

func TestAppointmentViewCarriesCode(t *testing.T) {
	view := appointmentView(&models.Appointment{BaseModel: models.BaseModel{ID: "a1"}, Status: models.StatusCompleted})
	raw, err := json.Marshal(view)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "a1", decoded["id"])
	assert.Equal(t, "completed", decoded["status"])
	assert.Equal(t, float64(3), decoded["statusCode"])

	assert.Empty(t, appointmentViews(nil))
}
