package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"patient_service/internal/models"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUser(email string) models.User {
	now := time.Now().UTC().Truncate(time.Millisecond)

	return models.User{
		ID:           uuid.Must(uuid.NewV4()),
		Name:         "Test Patient",
		Email:        email,
		PasswordHash: "$2a$10$abcdefghijklmnopqrstuu",
		Role:         models.RolePatient,
		Age:          42,
		Ailment:      "flu",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// runStorageContract exercises behaviour every Storage backend must share.
func runStorageContract(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("create and get", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		u := newTestUser("ann-" + uuid.Must(uuid.NewV4()).String() + "@example.com")

		require.NoError(t, st.CreateUser(ctx, u))

		byID, err := st.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.Email, byID.Email)
		assert.Equal(t, u.PasswordHash, byID.PasswordHash)
		assert.Equal(t, models.RolePatient, byID.Role)
		assert.Equal(t, models.LoggedOut, byID.SessionState())

		byEmail, err := st.GetUserByEmail(ctx, u.Email)
		require.NoError(t, err)
		assert.Equal(t, u.ID, byEmail.ID)
	})

	t.Run("duplicate email", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		email := "dup-" + uuid.Must(uuid.NewV4()).String() + "@example.com"

		require.NoError(t, st.CreateUser(ctx, newTestUser(email)))
		assert.ErrorIs(t, st.CreateUser(ctx, newTestUser(email)), ErrEmailExists)
	})

	t.Run("not found", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		missing := uuid.Must(uuid.NewV4())

		_, err := st.GetUserByID(ctx, missing)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = st.GetUserByEmail(ctx, "nobody-"+missing.String()+"@example.com")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, st.DeleteUser(ctx, missing), ErrNotFound)
		assert.ErrorIs(t, st.SetRefreshToken(ctx, missing, "tok"), ErrNotFound)

		_, err = st.UpdateUser(ctx, missing, models.PatientUpdate{})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("refresh token set and clear", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		u := newTestUser("tok-" + uuid.Must(uuid.NewV4()).String() + "@example.com")
		require.NoError(t, st.CreateUser(ctx, u))

		require.NoError(t, st.SetRefreshToken(ctx, u.ID, "first-"+u.ID.String()))
		require.NoError(t, st.SetRefreshToken(ctx, u.ID, "second-"+u.ID.String()))

		got, err := st.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, got.RefreshToken)
		assert.Equal(t, "second-"+u.ID.String(), *got.RefreshToken)
		assert.Equal(t, models.LoggedIn, got.SessionState())

		cleared, err := st.ClearRefreshToken(ctx, "first-"+u.ID.String())
		require.NoError(t, err)
		assert.False(t, cleared, "superseded token must not clear the current one")

		cleared, err = st.ClearRefreshToken(ctx, "second-"+u.ID.String())
		require.NoError(t, err)
		assert.True(t, cleared)

		got, err = st.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LoggedOut, got.SessionState())

		cleared, err = st.ClearRefreshToken(ctx, "")
		require.NoError(t, err)
		assert.False(t, cleared)
	})

	t.Run("update and delete", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		u := newTestUser("upd-" + uuid.Must(uuid.NewV4()).String() + "@example.com")
		other := newTestUser("other-" + uuid.Must(uuid.NewV4()).String() + "@example.com")
		require.NoError(t, st.CreateUser(ctx, u))
		require.NoError(t, st.CreateUser(ctx, other))

		name := "Renamed"
		age := 43
		role := models.RoleDoctor
		updated, err := st.UpdateUser(ctx, u.ID, models.PatientUpdate{Name: &name, Age: &age, Role: &role})
		require.NoError(t, err)
		assert.Equal(t, "Renamed", updated.Name)
		assert.Equal(t, 43, updated.Age)
		assert.Equal(t, models.RoleDoctor, updated.Role)
		assert.Equal(t, u.Ailment, updated.Ailment)
		assert.Equal(t, u.Email, updated.Email)

		_, err = st.UpdateUser(ctx, u.ID, models.PatientUpdate{Email: &other.Email})
		assert.ErrorIs(t, err, ErrEmailExists)

		require.NoError(t, st.DeleteUser(ctx, u.ID))
		_, err = st.GetUserByID(ctx, u.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		u := newTestUser("list-" + uuid.Must(uuid.NewV4()).String() + "@example.com")
		require.NoError(t, st.CreateUser(ctx, u))

		users, err := st.ListUsers(ctx)
		require.NoError(t, err)

		var found bool
		for _, got := range users {
			if got.ID == u.ID {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("concurrent clear is exclusive", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		u := newTestUser("race-" + uuid.Must(uuid.NewV4()).String() + "@example.com")
		require.NoError(t, st.CreateUser(ctx, u))
		token := "race-" + u.ID.String()
		require.NoError(t, st.SetRefreshToken(ctx, u.ID, token))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			cleared int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.ClearRefreshToken(ctx, token)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					cleared++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, cleared)
	})
}
