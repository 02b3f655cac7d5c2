package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"patient_service/internal/auth"
	"patient_service/internal/events"
	"patient_service/internal/metrics"
	"patient_service/internal/models"
	"patient_service/internal/storage"

	"github.com/gofrs/uuid"
)

type Service interface {
	// Session
	Register(ctx context.Context, in RegisterInput) (RegisterResult, error)
	Login(ctx context.Context, email, password string) (Session, error)
	Refresh(ctx context.Context, refreshToken string) (string, error)
	Logout(ctx context.Context, refreshToken string) error
	Authenticate(accessToken string) (auth.Principal, error)

	// Patients
	ListPatients(ctx context.Context) ([]models.UserView, error)
	GetPatient(ctx context.Context, id uuid.UUID) (models.UserView, error)
	CreatePatient(ctx context.Context, in RegisterInput) (models.UserView, error)
	UpdatePatient(ctx context.Context, actor auth.Principal, id uuid.UUID, in UpdatePatientInput) (models.UserView, error)
	DeletePatient(ctx context.Context, id uuid.UUID) error
}

type RegisterResult struct {
	User        models.UserView
	AccessToken string
}

// Session is the outcome of a successful login. RefreshToken is meant for an HTTP-only cookie.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         models.UserView
}

type Config struct {
	MinPasswordLength int
}

type service struct {
	storage   storage.Storage
	hasher    *auth.PasswordHasher
	tokens    *auth.TokenIssuer
	events    events.Publisher
	log       *slog.Logger
	cfg       Config
	now       func() time.Time
	dummyHash string
}

func NewService(
	st storage.Storage,
	hasher *auth.PasswordHasher,
	tokens *auth.TokenIssuer,
	publisher events.Publisher,
	cfg Config,
	lgr *slog.Logger,
) *service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	// Unknown emails are checked against this digest so both login failures cost one bcrypt compare.
	dummyHash, err := hasher.Hash("no-such-user-placeholder")
	if err != nil {
		lgr.Warn("failed to prepare dummy password hash", slog.Any("error", err))
	}

	return &service{
		storage:   st,
		hasher:    hasher,
		tokens:    tokens,
		events:    publisher,
		log:       lgr,
		cfg:       cfg,
		now:       time.Now,
		dummyHash: dummyHash,
	}
}

func (s *service) Register(ctx context.Context, in RegisterInput) (res RegisterResult, err error) {
	const op = "service.Register"

	defer func() { metrics.ObserveAuth("register", err) }()

	user, err := s.createUser(ctx, in)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("%s: %w", op, err)
	}

	accessToken, err := s.tokens.IssueAccess(user.ID, user.Role)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("%s: %w", op, err)
	}

	s.publish(ctx, events.UserRegistered, user.ID, user.Role)

	return RegisterResult{User: user.View(), AccessToken: accessToken}, nil
}

func (s *service) Login(ctx context.Context, email, password string) (sess Session, err error) {
	const op = "service.Login"

	defer func() { metrics.ObserveAuth("login", err) }()

	if email == "" || password == "" {
		return Session{}, fmt.Errorf("%s: %w", op, newValidationError("", "Email and password are required"))
	}

	user, err := s.storage.GetUserByEmail(ctx, models.NormalizeEmail(email))
	if errors.Is(err, storage.ErrNotFound) {
		s.hasher.Verify(password, s.dummyHash)
		return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	if err != nil {
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return Session{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	accessToken, err := s.tokens.IssueAccess(user.ID, user.Role)
	if err != nil {
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	refreshToken, err := s.tokens.IssueRefresh(user.ID)
	if err != nil {
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	// Overwriting the stored token revokes whatever session this user had before.
	if err := s.storage.SetRefreshToken(ctx, user.ID, refreshToken); err != nil {
		return Session{}, fmt.Errorf("%s: %w", op, err)
	}

	s.publish(ctx, events.UserLoggedIn, user.ID, user.Role)

	return Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         user.View(),
	}, nil
}

func (s *service) Refresh(ctx context.Context, refreshToken string) (accessToken string, err error) {
	const op = "service.Refresh"

	defer func() { metrics.ObserveAuth("refresh", err) }()

	if refreshToken == "" {
		return "", fmt.Errorf("%s: %w", op, ErrUnauthenticated)
	}

	userID, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrForbidden)
	}

	user, err := s.storage.GetUserByID(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if user.SessionState() != models.LoggedIn ||
		subtle.ConstantTimeCompare([]byte(*user.RefreshToken), []byte(refreshToken)) != 1 {
		return "", fmt.Errorf("%s: %w", op, ErrForbidden)
	}

	accessToken, err = s.tokens.IssueAccess(user.ID, user.Role)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return accessToken, nil
}

// Logout clears the stored refresh token that matches the presented one.
// An unknown or empty token is not an error.
func (s *service) Logout(ctx context.Context, refreshToken string) (err error) {
	const op = "service.Logout"

	defer func() { metrics.ObserveAuth("logout", err) }()

	cleared, err := s.storage.ClearRefreshToken(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cleared {
		if userID, err := s.tokens.VerifyRefresh(refreshToken); err == nil {
			s.publish(ctx, events.UserLoggedOut, userID, "")
		}
	}

	return nil
}

func (s *service) Authenticate(accessToken string) (auth.Principal, error) {
	const op = "service.Authenticate"

	p, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("%s: %w", op, ErrUnauthenticated)
	}

	return p, nil
}

func (s *service) ListPatients(ctx context.Context) ([]models.UserView, error) {
	const op = "service.ListPatients"

	users, err := s.storage.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	views := make([]models.UserView, 0, len(users))
	for _, u := range users {
		views = append(views, u.View())
	}

	return views, nil
}

func (s *service) GetPatient(ctx context.Context, id uuid.UUID) (models.UserView, error) {
	const op = "service.GetPatient"

	user, err := s.storage.GetUserByID(ctx, id)
	if err != nil {
		return models.UserView{}, fmt.Errorf("%s: %w", op, mapStorageError(err))
	}

	return user.View(), nil
}

func (s *service) CreatePatient(ctx context.Context, in RegisterInput) (models.UserView, error) {
	const op = "service.CreatePatient"

	user, err := s.createUser(ctx, in)
	if err != nil {
		return models.UserView{}, fmt.Errorf("%s: %w", op, err)
	}

	return user.View(), nil
}

// UpdatePatient applies a partial update. Only admins may change a role.
func (s *service) UpdatePatient(ctx context.Context, actor auth.Principal, id uuid.UUID, in UpdatePatientInput) (models.UserView, error) {
	const op = "service.UpdatePatient"

	if in.Role != nil && actor.Role != models.RoleAdmin {
		return models.UserView{}, fmt.Errorf("%s: %w", op, ErrForbidden)
	}

	upd, err := normalizeUpdate(in)
	if err != nil {
		return models.UserView{}, fmt.Errorf("%s: %w", op, err)
	}

	user, err := s.storage.UpdateUser(ctx, id, upd)
	if err != nil {
		return models.UserView{}, fmt.Errorf("%s: %w", op, mapStorageError(err))
	}

	return user.View(), nil
}

func (s *service) DeletePatient(ctx context.Context, id uuid.UUID) error {
	const op = "service.DeletePatient"

	if err := s.storage.DeleteUser(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", op, mapStorageError(err))
	}

	return nil
}

func (s *service) createUser(ctx context.Context, in RegisterInput) (models.User, error) {
	user, err := normalizeRegistration(in, s.cfg.MinPasswordLength)
	if err != nil {
		return models.User{}, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return models.User{}, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return models.User{}, err
	}

	now := s.now().UTC()
	user.ID = id
	user.PasswordHash = hash
	user.CreatedAt = now
	user.UpdatedAt = now

	if err := s.storage.CreateUser(ctx, user); err != nil {
		return models.User{}, mapStorageError(err)
	}

	return user, nil
}

func (s *service) publish(ctx context.Context, typ events.Type, userID uuid.UUID, role models.Role) {
	err := s.events.Publish(ctx, events.Event{
		Type:       typ,
		UserID:     userID.String(),
		Role:       string(role),
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		s.log.Warn("failed to publish auth event",
			slog.String("type", string(typ)),
			slog.String("user_id", userID.String()),
			slog.Any("error", err),
		)
	}
}

func mapStorageError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrEmailExists):
		return ErrEmailExists
	default:
		return err
	}
}
