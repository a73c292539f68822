package handlers

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"teleconsult-server/internal/models"
)

// Legacy clients send and expect numeric status codes. They only exist at this boundary.
var statusCodes = map[models.AppointmentStatus]int{
	models.StatusPending:            0,
	models.StatusConfirmed:          1,
	models.StatusCancelled:          2,
	models.StatusCompleted:          3,
	models.StatusExpired:            4,
	models.StatusRescheduleProposed: 5,
}

// StatusCode returns the numeric wire code of a status.
func StatusCode(status models.AppointmentStatus) int {
	code, ok := statusCodes[status]
	if !ok {
		return -1
	}
	return code
}

// StatusFromCode maps a numeric wire code back to its status.
func StatusFromCode(code int) (models.AppointmentStatus, bool) {
	for status, c := range statusCodes {
		if c == code {
			return status, true
		}
	}
	return "", false
}

// ParseStatus accepts a status name or its numeric code.
func ParseStatus(raw string) (models.AppointmentStatus, bool) {
	raw = strings.TrimSpace(raw)
	if code, err := strconv.Atoi(raw); err == nil {
		return StatusFromCode(code)
	}
	status := models.AppointmentStatus(strings.ToLower(raw))
	return status, status.Valid()
}

// WireStatus decodes a status sent either as a JSON string or a JSON number.
type WireStatus struct {
	Status models.AppointmentStatus
}

func (w *WireStatus) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var raw string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	} else {
		var code int
		if err := json.Unmarshal(data, &code); err != nil {
			return fmt.Errorf("status must be a string or an integer code")
		}
		raw = strconv.Itoa(code)
	}
	status, ok := ParseStatus(raw)
	if !ok {
		return fmt.Errorf("unknown status %q", raw)
	}
	w.Status = status
	return nil
}

// AppointmentView is the wire form of an appointment.
type AppointmentView struct {
	models.Appointment
	StatusCode int `json:"statusCode"`
}

func appointmentView(a *models.Appointment) AppointmentView {
	return AppointmentView{Appointment: *a, StatusCode: StatusCode(a.Status)}
}

func appointmentViews(list []models.Appointment) []AppointmentView {
	views := make([]AppointmentView, 0, len(list))
	for i := range list {
		views = append(views, appointmentView(&list[i]))
	}
	return views
}
