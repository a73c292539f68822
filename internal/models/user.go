package models

import "strings"

// Role enum
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleSystem  Role = "system"
)

// ParseRole normalizes the role claim handed over by the auth collaborator.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleDoctor:
		return RoleDoctor, true
	case RolePatient, "user":
		return RolePatient, true
	}
	return "", false
}

// User is the directory entry the auth collaborator keeps for each account. Only the
// fields the ledgers need are stored here.
type User struct {
	BaseModel
	Role      Role   `gorm:"size:20;index" json:"role"`
	FirstName string `gorm:"size:100" json:"firstName"`
	LastName  string `gorm:"size:100" json:"lastName"`
	Country   string `gorm:"size:100" json:"country,omitempty"`
}

// FullName joins first and last name for notification text.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is used for transitions driven by the reconciliation loop.
var SystemActor = Actor{ID: "system", Role: RoleSystem}
