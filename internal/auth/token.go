package auth

import (
	"errors"
	"fmt"
	"time"

	"patient_service/internal/models"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
	guuid "github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	jwt.RegisteredClaims
}

// Principal is the identity carried by a verified access token.
type Principal struct {
	UserID uuid.UUID
	Role   models.Role
}

type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

type TokenIssuer struct {
	accessKey  []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(cfg TokenConfig) *TokenIssuer {
	return &TokenIssuer{
		accessKey:  []byte(cfg.AccessSecret),
		refreshKey: []byte(cfg.RefreshSecret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
}

// WithClock returns a copy of the issuer that reads time from now.
func (i *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	cp := *i
	cp.now = now
	return &cp
}

func (i *TokenIssuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

func (i *TokenIssuer) IssueAccess(userID uuid.UUID, role models.Role) (string, error) {
	const op = "auth.IssueAccess"

	claims := &Claims{
		Role:             role,
		RegisteredClaims: i.registered(userID, i.accessTTL),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.accessKey)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

func (i *TokenIssuer) IssueRefresh(userID uuid.UUID) (string, error) {
	const op = "auth.IssueRefresh"

	claims := &RefreshClaims{RegisteredClaims: i.registered(userID, i.refreshTTL)}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.refreshKey)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

func (i *TokenIssuer) VerifyAccess(tokenStr string) (Principal, error) {
	var claims Claims
	if err := i.parse(tokenStr, &claims, i.accessKey); err != nil {
		return Principal{}, err
	}

	userID, err := uuid.FromString(claims.Subject)
	if err != nil || !claims.Role.IsValid() {
		return Principal{}, ErrInvalidToken
	}

	return Principal{UserID: userID, Role: claims.Role}, nil
}

func (i *TokenIssuer) VerifyRefresh(tokenStr string) (uuid.UUID, error) {
	var claims RefreshClaims
	if err := i.parse(tokenStr, &claims, i.refreshKey); err != nil {
		return uuid.Nil, err
	}

	userID, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}

	return userID, nil
}

func (i *TokenIssuer) registered(userID uuid.UUID, ttl time.Duration) jwt.RegisteredClaims {
	now := i.now()

	return jwt.RegisteredClaims{
		Subject:   userID.String(),
		ID:        guuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

// parse collapses signature, structure, algorithm and expiry failures into ErrInvalidToken.
func (i *TokenIssuer) parse(tokenStr string, claims jwt.Claims, key []byte) error {
	if tokenStr == "" {
		return ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}

	return nil
}
