package service

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"patient_service/internal/models"
)

// bcrypt ignores input past 72 bytes.
const maxPasswordBytes = 72

var emailRegexp = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Role     string
	Ailment  string
	Age      *int
}

type UpdatePatientInput struct {
	Name    *string
	Email   *string
	Role    *string
	Age     *int
	Ailment *string
}

// normalizeRegistration checks presence, email shape, password length and role,
// and returns the record fields in canonical form.
func normalizeRegistration(in RegisterInput, minPasswordLength int) (models.User, error) {
	name := strings.TrimSpace(in.Name)
	email := strings.TrimSpace(in.Email)
	ailment := strings.TrimSpace(in.Ailment)

	if name == "" || email == "" || in.Password == "" || ailment == "" || in.Age == nil {
		return models.User{}, newValidationError("", "Name, email, age, ailment and password are required")
	}
	if !emailRegexp.MatchString(email) {
		return models.User{}, newValidationError("email", "Please enter a valid email address")
	}
	// The minimum counts characters; the maximum counts bytes, which is bcrypt's input limit.
	if utf8.RuneCountInString(in.Password) < minPasswordLength {
		return models.User{}, newValidationError("password", fmt.Sprintf("Password must be at least %d characters", minPasswordLength))
	}
	if len(in.Password) > maxPasswordBytes {
		return models.User{}, newValidationError("password", fmt.Sprintf("Password must be at most %d bytes", maxPasswordBytes))
	}
	if *in.Age <= 0 {
		return models.User{}, newValidationError("age", "Age must be a positive number")
	}

	role, err := models.ParseRole(in.Role)
	if err != nil {
		return models.User{}, newValidationError("role", "Role must be one of patient, admin, doctor")
	}

	return models.User{
		Name:    name,
		Email:   models.NormalizeEmail(email),
		Role:    role,
		Age:     *in.Age,
		Ailment: ailment,
	}, nil
}

func normalizeUpdate(in UpdatePatientInput) (models.PatientUpdate, error) {
	var upd models.PatientUpdate

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return upd, newValidationError("name", "Name must not be empty")
		}
		upd.Name = &name
	}
	if in.Email != nil {
		email := strings.TrimSpace(*in.Email)
		if !emailRegexp.MatchString(email) {
			return upd, newValidationError("email", "Please enter a valid email address")
		}
		email = models.NormalizeEmail(email)
		upd.Email = &email
	}
	if in.Role != nil {
		role, err := models.ParseRole(*in.Role)
		if err != nil {
			return upd, newValidationError("role", "Role must be one of patient, admin, doctor")
		}
		upd.Role = &role
	}
	if in.Age != nil {
		if *in.Age <= 0 {
			return upd, newValidationError("age", "Age must be a positive number")
		}
		age := *in.Age
		upd.Age = &age
	}
	if in.Ailment != nil {
		ailment := strings.TrimSpace(*in.Ailment)
		if ailment == "" {
			return upd, newValidationError("ailment", "Ailment must not be empty")
		}
		upd.Ailment = &ailment
	}

	return upd, nil
}
