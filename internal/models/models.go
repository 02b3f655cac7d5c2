package models

import (
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

var ErrUnknownRole = errors.New("unknown role")

type Role string

const (
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
	RoleDoctor  Role = "doctor"
)

// ParseRole maps raw input onto the closed role set. Empty input yields RolePatient.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RolePatient:
		return RolePatient, nil
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleDoctor:
		return RoleDoctor, nil
	default:
		return "", ErrUnknownRole
	}
}

func (r Role) IsValid() bool {
	switch r {
	case RolePatient, RoleAdmin, RoleDoctor:
		return true
	}
	return false
}

func (r Role) String() string {
	return string(r)
}

type SessionState int

const (
	LoggedOut SessionState = iota
	LoggedIn
)

func (s SessionState) String() string {
	if s == LoggedIn {
		return "logged_in"
	}
	return "logged_out"
}

// User is a stored patient record. PasswordHash and RefreshToken never leave the service layer.
type User struct {
	ID           uuid.UUID
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	Age          int
	Ailment      string
	RefreshToken *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u User) SessionState() SessionState {
	if u.RefreshToken == nil || *u.RefreshToken == "" {
		return LoggedOut
	}
	return LoggedIn
}

// View strips credential material from the record.
func (u User) View() UserView {
	return UserView{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		Age:       u.Age,
		Ailment:   u.Ailment,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

type UserView struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Age       int       `json:"age"`
	Ailment   string    `json:"ailment"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PatientUpdate carries the mutable profile fields; nil fields are left untouched.
type PatientUpdate struct {
	Name    *string
	Email   *string
	Role    *Role
	Age     *int
	Ailment *string
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
