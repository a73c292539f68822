package models

import "time"

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// EndReason records why a session stopped.
type EndReason string

const (
	EndManual    EndReason = "manual"
	EndTimeout   EndReason = "timeout"
	EndCancelled EndReason = "cancelled"
)

func (r EndReason) Valid() bool {
	switch r {
	case EndManual, EndTimeout, EndCancelled:
		return true
	}
	return false
}

// Session is the live consultation opened for a confirmed appointment.
type Session struct {
	BaseModel
	AppointmentID        string           `gorm:"size:36;uniqueIndex" json:"appointmentId"`
	PatientID            string           `gorm:"size:36;index" json:"patientId"`
	DoctorID             string           `gorm:"size:36;index" json:"doctorId"`
	SubscriptionID       string           `gorm:"size:36" json:"subscriptionId"`
	ConsultationType     ConsultationType `gorm:"size:10" json:"consultationType"`
	StartedAt            time.Time        `json:"startedAt"`
	LastActivityAt       time.Time        `json:"lastActivityAt"`
	AllottedMinutes      int              `json:"allottedMinutes"`
	RemainingTimeMinutes int              `json:"remainingTimeMinutes"`
	EndedAt              *time.Time       `json:"endedAt,omitempty"`
	DurationMinutes      int              `json:"durationMinutes"`
	Status               SessionStatus    `gorm:"size:10;index;default:'active'" json:"status"`
	EndReason            EndReason        `gorm:"size:10" json:"endReason,omitempty"`
	Billable             bool             `gorm:"default:false" json:"billable"`
	CreditRestored       bool             `gorm:"default:false" json:"creditRestored"`
	// CreditRestoredTo differs from SubscriptionID when the plan was renewed mid-session.
	CreditRestoredTo     string           `gorm:"size:36" json:"creditRestoredTo,omitempty"`
}

// RemainingAt computes the minutes left at now, never above the stored value and never
// below zero.
func (s *Session) RemainingAt(now time.Time) int {
	elapsed := int(now.Sub(s.StartedAt) / time.Minute)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := s.AllottedMinutes - elapsed
	if s.RemainingTimeMinutes < remaining {
		remaining = s.RemainingTimeMinutes
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// DurationAt is the whole minutes consumed by now, capped at the allotment.
func (s *Session) DurationAt(now time.Time) int {
	elapsed := int(now.Sub(s.StartedAt) / time.Minute)
	if elapsed < 0 {
		return 0
	}
	if elapsed > s.AllottedMinutes {
		return s.AllottedMinutes
	}
	return elapsed
}
