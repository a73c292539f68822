package models

import "time"

// Plan is an entry of the subscription catalogue.
type Plan struct {
	BaseModel
	Name               string `gorm:"size:100" json:"name"`
	Price              int64  `json:"price"`
	Currency           string `gorm:"size:3" json:"currency"`
	DurationDays       int    `json:"durationDays"`
	TextSessions       int    `json:"textSessions"`
	VoiceCalls         int    `json:"voiceCalls"`
	VideoCalls         int    `json:"videoCalls"`
	TextSessionMinutes int    `json:"textSessionMinutes"`
	VoiceCallMinutes   int    `json:"voiceCallMinutes"`
	VideoCallMinutes   int    `json:"videoCallMinutes"`
	IsActive           bool   `gorm:"default:true" json:"isActive"`
}

// Allowance returns the credits the plan grants for t.
func (p *Plan) Allowance(t ConsultationType) int {
	switch t {
	case ConsultationText:
		return p.TextSessions
	case ConsultationVoice:
		return p.VoiceCalls
	case ConsultationVideo:
		return p.VideoCalls
	}
	return 0
}

// MinutesFor returns the per-session allotment for t, 0 when the plan leaves it open.
func (p *Plan) MinutesFor(t ConsultationType) int {
	switch t {
	case ConsultationText:
		return p.TextSessionMinutes
	case ConsultationVoice:
		return p.VoiceCallMinutes
	case ConsultationVideo:
		return p.VideoCallMinutes
	}
	return 0
}

// UserSubscription holds a patient's remaining credits for one purchased plan.
type UserSubscription struct {
	BaseModel
	PatientID             string    `gorm:"size:36;index" json:"patientId"`
	PlanID                string    `gorm:"size:36" json:"planId"`
	PaymentReference      *string   `gorm:"size:100;uniqueIndex" json:"paymentReference,omitempty"`
	TextSessionsRemaining int       `json:"textSessionsRemaining"`
	VoiceCallsRemaining   int       `json:"voiceCallsRemaining"`
	VideoCallsRemaining   int       `json:"videoCallsRemaining"`
	TotalTextSessions     int       `json:"totalTextSessions"`
	TotalVoiceCalls       int       `json:"totalVoiceCalls"`
	TotalVideoCalls       int       `json:"totalVideoCalls"`
	ActivatedAt           time.Time `json:"activatedAt"`
	ExpiresAt             time.Time `gorm:"index" json:"expiresAt"`
	IsActive              bool      `gorm:"index" json:"isActive"`
}

// CreditColumns names the remaining and total columns for a consultation type.
func CreditColumns(t ConsultationType) (remaining, total string, ok bool) {
	switch t {
	case ConsultationText:
		return "text_sessions_remaining", "total_text_sessions", true
	case ConsultationVoice:
		return "voice_calls_remaining", "total_voice_calls", true
	case ConsultationVideo:
		return "video_calls_remaining", "total_video_calls", true
	}
	return "", "", false
}

// Remaining returns the credits left for t.
func (s *UserSubscription) Remaining(t ConsultationType) int {
	switch t {
	case ConsultationText:
		return s.TextSessionsRemaining
	case ConsultationVoice:
		return s.VoiceCallsRemaining
	case ConsultationVideo:
		return s.VideoCallsRemaining
	}
	return 0
}

// Total returns the credits originally granted for t.
func (s *UserSubscription) Total(t ConsultationType) int {
	switch t {
	case ConsultationText:
		return s.TotalTextSessions
	case ConsultationVoice:
		return s.TotalVoiceCalls
	case ConsultationVideo:
		return s.TotalVideoCalls
	}
	return 0
}
