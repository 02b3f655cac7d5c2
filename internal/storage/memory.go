package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"patient_service/internal/models"

	"github.com/gofrs/uuid"
)

type MemoryStorage struct {
	mu    sync.RWMutex
	users map[uuid.UUID]models.User
	now   func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users: make(map[uuid.UUID]models.User),
		now:   time.Now,
	}
}

func (m *MemoryStorage) CreateUser(_ context.Context, user models.User) error {
	const op = "storage.memory.CreateUser"

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.ID]; ok {
		return fmt.Errorf("%s: duplicate id %s", op, user.ID)
	}
	if m.emailTaken(user.Email, uuid.Nil) {
		return fmt.Errorf("%s: %w", op, ErrEmailExists)
	}

	m.users[user.ID] = clone(user)

	return nil
}

func (m *MemoryStorage) GetUserByID(_ context.Context, userID uuid.UUID) (models.User, error) {
	const op = "storage.memory.GetUserByID"

	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return models.User{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return clone(user), nil
}

func (m *MemoryStorage) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	const op = "storage.memory.GetUserByEmail"

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.users {
		if user.Email == email {
			return clone(user), nil
		}
	}

	return models.User{}, fmt.Errorf("%s: %w", op, ErrNotFound)
}

func (m *MemoryStorage) ListUsers(_ context.Context) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]models.User, 0, len(m.users))
	for _, user := range m.users {
		users = append(users, clone(user))
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID.String() < users[j].ID.String()
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})

	return users, nil
}

func (m *MemoryStorage) UpdateUser(_ context.Context, userID uuid.UUID, upd models.PatientUpdate) (models.User, error) {
	const op = "storage.memory.UpdateUser"

	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return models.User{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	if upd.Email != nil {
		if m.emailTaken(*upd.Email, userID) {
			return models.User{}, fmt.Errorf("%s: %w", op, ErrEmailExists)
		}
		user.Email = *upd.Email
	}
	if upd.Name != nil {
		user.Name = *upd.Name
	}
	if upd.Role != nil {
		user.Role = *upd.Role
	}
	if upd.Age != nil {
		user.Age = *upd.Age
	}
	if upd.Ailment != nil {
		user.Ailment = *upd.Ailment
	}
	user.UpdatedAt = m.now().UTC()

	m.users[userID] = user

	return clone(user), nil
}

func (m *MemoryStorage) DeleteUser(_ context.Context, userID uuid.UUID) error {
	const op = "storage.memory.DeleteUser"

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	delete(m.users, userID)

	return nil
}

func (m *MemoryStorage) SetRefreshToken(_ context.Context, userID uuid.UUID, token string) error {
	const op = "storage.memory.SetRefreshToken"

	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	user.RefreshToken = &token
	m.users[userID] = user

	return nil
}

func (m *MemoryStorage) ClearRefreshToken(_ context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, user := range m.users {
		if user.RefreshToken != nil && *user.RefreshToken == token {
			user.RefreshToken = nil
			m.users[id] = user
			return true, nil
		}
	}

	return false, nil
}

func (m *MemoryStorage) Ping(context.Context) error { return nil }

func (m *MemoryStorage) Close() {}

// emailTaken must be called with m.mu held.
func (m *MemoryStorage) emailTaken(email string, except uuid.UUID) bool {
	for id, user := range m.users {
		if id != except && user.Email == email {
			return true
		}
	}
	return false
}

func clone(user models.User) models.User {
	if user.RefreshToken != nil {
		token := *user.RefreshToken
		user.RefreshToken = &token
	}
	return user
}
