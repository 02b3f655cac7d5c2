package storage

import (
	"context"
	"errors"
	"time"

	"patient_service/internal/models"

	"github.com/gofrs/uuid"
)

const usersTable = "users"

var (
	ErrNotFound    = errors.New("record not found")
	ErrEmailExists = errors.New("email already registered")
)

// Storage is the credential store behind the session manager and patient CRUD.
// Emails are expected to be normalized by the caller.
type Storage interface {
	// Пользователи
	CreateUser(ctx context.Context, user models.User) error
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	UpdateUser(ctx context.Context, userID uuid.UUID, upd models.PatientUpdate) (models.User, error)
	DeleteUser(ctx context.Context, userID uuid.UUID) error

	// Refresh-токены
	SetRefreshToken(ctx context.Context, userID uuid.UUID, token string) error
	// ClearRefreshToken unsets the token on whichever record currently holds it.
	// It reports false when no record matched.
	ClearRefreshToken(ctx context.Context, token string) (bool, error)

	Ping(ctx context.Context) error
	Close()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
