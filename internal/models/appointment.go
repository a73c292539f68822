package models

import (
	"time"
)

// AppointmentStatus represents the status of an appointment
type AppointmentStatus string

const (
	StatusPending            AppointmentStatus = "pending"
	StatusConfirmed          AppointmentStatus = "confirmed"
	StatusCancelled          AppointmentStatus = "cancelled"
	StatusCompleted          AppointmentStatus = "completed"
	StatusExpired            AppointmentStatus = "expired"
	StatusRescheduleProposed AppointmentStatus = "reschedule_proposed"
)

var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:            {StatusConfirmed, StatusCancelled, StatusExpired},
	StatusConfirmed:          {StatusCompleted, StatusCancelled, StatusRescheduleProposed},
	StatusRescheduleProposed: {StatusConfirmed, StatusCancelled, StatusExpired},
}

// CanTransition reports whether the state graph has an edge from s to next.
func (s AppointmentStatus) CanTransition(next AppointmentStatus) bool {
	for _, allowed := range appointmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s AppointmentStatus) IsTerminal() bool {
	return len(appointmentTransitions[s]) == 0
}

// Valid reports whether s is one of the known statuses.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted, StatusExpired, StatusRescheduleProposed:
		return true
	}
	return false
}

// SourcesOf lists every status with an edge into target.
func SourcesOf(target AppointmentStatus) []AppointmentStatus {
	var sources []AppointmentStatus
	for from, targets := range appointmentTransitions {
		for _, to := range targets {
			if to == target {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// NonTerminalStatuses are the statuses cancellation is allowed from.
var NonTerminalStatuses = []AppointmentStatus{StatusPending, StatusConfirmed, StatusRescheduleProposed}

// DeletableStatuses are the statuses a doctor may remove an appointment in.
var DeletableStatuses = []AppointmentStatus{StatusPending, StatusCancelled, StatusExpired}

// ConsultationType is the channel a consultation runs over.
type ConsultationType string

const (
	ConsultationText  ConsultationType = "text"
	ConsultationVoice ConsultationType = "voice"
	ConsultationVideo ConsultationType = "video"
)

// ConsultationTypes lists the types in display order.
var ConsultationTypes = []ConsultationType{ConsultationText, ConsultationVoice, ConsultationVideo}

func (t ConsultationType) Valid() bool {
	switch t {
	case ConsultationText, ConsultationVoice, ConsultationVideo:
		return true
	}
	return false
}

// CancelledBy records which side ended an appointment early.
type CancelledBy string

const (
	CancelledByPatient CancelledBy = "patient"
	CancelledByDoctor  CancelledBy = "doctor"
	CancelledBySystem  CancelledBy = "system"
)

// Appointment represents a scheduled consultation between a patient and a doctor
type Appointment struct {
	BaseModel
	PatientID          string            `gorm:"size:36;index" json:"patientId"`
	DoctorID           string            `gorm:"size:36;index" json:"doctorId"`
	ScheduledDate      string            `gorm:"size:10" json:"scheduledDate"`
	ScheduledTime      string            `gorm:"size:5" json:"scheduledTime"`
	ScheduledAt        time.Time         `gorm:"index" json:"scheduledAt"`
	ConsultationType   ConsultationType  `gorm:"size:10" json:"consultationType"`
	Reason             string            `gorm:"size:255" json:"reason"`
	Status             AppointmentStatus `gorm:"size:20;index;default:'pending'" json:"status"`
	CancellationReason string            `gorm:"size:255" json:"cancellationReason,omitempty"`
	CancelledBy        CancelledBy       `gorm:"size:10" json:"cancelledBy,omitempty"`
	ReschedulePending  bool              `gorm:"default:false" json:"reschedulePending"`
	ProposedDate       string            `gorm:"size:10" json:"proposedDate,omitempty"`
	ProposedTime       string            `gorm:"size:5" json:"proposedTime,omitempty"`
	ProposedAt         *time.Time        `json:"proposedAt,omitempty"`
	RescheduleReason   string            `gorm:"size:255" json:"rescheduleReason,omitempty"`
	Version            int64             `gorm:"not null;default:1" json:"version"`
}

// ExpiryInstant is the moment past which a stale offer expires. A pending reschedule
// lapses at whichever of the original and proposed slots comes first.
func (a *Appointment) ExpiryInstant() time.Time {
	if a.Status == StatusRescheduleProposed && a.ProposedAt != nil && a.ProposedAt.Before(a.ScheduledAt) {
		return *a.ProposedAt
	}
	return a.ScheduledAt
}

// IsParticipant reports whether userID is the patient or the doctor of the appointment.
func (a *Appointment) IsParticipant(userID string) bool {
	return userID == a.PatientID || userID == a.DoctorID
}

// AppointmentTransition is the append-only audit log of status changes.
type AppointmentTransition struct {
	BaseModel
	AppointmentID string            `gorm:"size:36;index" json:"appointmentId"`
	FromStatus    AppointmentStatus `gorm:"size:20" json:"fromStatus"`
	ToStatus      AppointmentStatus `gorm:"size:20" json:"toStatus"`
	ActorID       string            `gorm:"size:36" json:"actorId"`
	ActorRole     Role              `gorm:"size:20" json:"actorRole"`
}
