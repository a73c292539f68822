package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionRemainingAt(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	session := Session{StartedAt: start, AllottedMinutes: 10, RemainingTimeMinutes: 10}

	tests := []struct {
		name   string
		offset time.Duration
		stored int
		want   int
	}{
		{name: "just started", offset: 0, stored: 10, want: 10},
		{name: "partial minute is not consumed", offset: 59 * time.Second, stored: 10, want: 10},
		{name: "three minutes in", offset: 3 * time.Minute, stored: 10, want: 7},
		{name: "never above the stored value", offset: time.Minute, stored: 5, want: 5},
		{name: "clamped at zero", offset: 25 * time.Minute, stored: 10, want: 0},
		{name: "clock behind start", offset: -time.Minute, stored: 10, want: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := session
			s.RemainingTimeMinutes = tt.stored
			assert.Equal(t, tt.want, s.RemainingAt(start.Add(tt.offset)))
		})
	}
}

func TestSessionDurationAt(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	session := Session{StartedAt: start, AllottedMinutes: 10}

	assert.Equal(t, 0, session.DurationAt(start.Add(30*time.Second)))
	assert.Equal(t, 4, session.DurationAt(start.Add(4*time.Minute+10*time.Second)))
	assert.Equal(t, 10, session.DurationAt(start.Add(time.Hour)))
}

func TestPlanAllowance(t *testing.T) {
	plan := Plan{TextSessions: 5, VoiceCalls: 2, VideoCalls: 1, VideoCallMinutes: 30}
	assert.Equal(t, 5, plan.Allowance(ConsultationText))
	assert.Equal(t, 2, plan.Allowance(ConsultationVoice))
	assert.Equal(t, 1, plan.Allowance(ConsultationVideo))
	assert.Equal(t, 0, plan.Allowance(ConsultationType("fax")))
	assert.Equal(t, 30, plan.MinutesFor(ConsultationVideo))
	assert.Equal(t, 0, plan.MinutesFor(ConsultationText))

	_, _, ok := CreditColumns(ConsultationType("fax"))
	assert.False(t, ok)
	remaining, total, ok := CreditColumns(ConsultationVoice)
	assert.True(t, ok)
	assert.Equal(t, "voice_calls_remaining", remaining)
	assert.Equal(t, "total_voice_calls", total)
}
