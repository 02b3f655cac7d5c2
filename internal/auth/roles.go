package auth

import (
	"errors"
	"slices"

	"patient_service/internal/models"
)

var ErrForbidden = errors.New("forbidden")

// CheckRole allows the request only when actual is one of required.
func CheckRole(required []models.Role, actual models.Role) error {
	if slices.Contains(required, actual) {
		return nil
	}
	return ErrForbidden
}
