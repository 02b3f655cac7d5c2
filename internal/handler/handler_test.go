package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"patient_service/internal/auth"
	"patient_service/internal/events"
	"patient_service/internal/models"
	"patient_service/internal/service"
	"patient_service/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		CookieName:       "refreshToken",
		CookiePath:       "/api/auth/refresh-token",
		LogoutCookiePath: "/api/auth/logout",
		RefreshTTL:       7 * 24 * time.Hour,
		Development:      false,
		AllowedOrigins:   []string{"http://localhost:5173"},
	}
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	store := storage.NewMemoryStorage()
	tokens := auth.NewTokenIssuer(auth.TokenConfig{
		AccessSecret:  "handler-access",
		RefreshSecret: "handler-refresh",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
	})
	svc := service.NewService(store, auth.NewPasswordHasher(bcrypt.MinCost), tokens, events.NopPublisher{},
		service.Config{MinPasswordLength: 9}, discardLogger())

	return NewHandler(svc, store, testConfig(), discardLogger()).InitRoutes()
}

type request struct {
	method string
	path   string
	body   any
	token  string
	cookie *http.Cookie
	header map[string]string
}

func do(t *testing.T, router http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if r.body != nil {
		switch b := r.body.(type) {
		case string:
			body = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			body = bytes.NewReader(raw)
		}
	}

	req := httptest.NewRequest(r.method, r.path, body)
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if r.cookie != nil {
		req.AddCookie(r.cookie)
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())

	return out
}

func refreshCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()

	for _, c := range w.Result().Cookies() {
		if c.Name == "refreshToken" {
			return c
		}
	}
	t.Fatalf("refresh cookie not set")

	return nil
}

func cookieAt(t *testing.T, w *httptest.ResponseRecorder, path string) *http.Cookie {
	t.Helper()

	for _, c := range w.Result().Cookies() {
		if c.Name == "refreshToken" && c.Path == path {
			return c
		}
	}
	t.Fatalf("refresh cookie for %s not set", path)

	return nil
}

func registerBody(email, role string) map[string]any {
	return map[string]any{
		"name":     "Jane Doe",
		"email":    email,
		"password": "s3cretpass",
		"role":     role,
		"ailment":  "migraine",
		"age":      "34",
	}
}

func registerUser(t *testing.T, router http.Handler, email, role string) registerResponse {
	t.Helper()

	w := do(t, router, request{method: http.MethodPost, path: "/api/auth/register", body: registerBody(email, role)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	return decode[registerResponse](t, w)
}

func login(t *testing.T, router http.Handler, email string) (string, *http.Cookie) {
	t.Helper()

	w := do(t, router, request{method: http.MethodPost, path: "/api/auth/login", body: loginRequest{Email: email, Password: "s3cretpass"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	return decode[accessTokenResponse](t, w).AccessToken, refreshCookie(t, w)
}

func TestRegister(t *testing.T) {
	router := newTestRouter(t)

	w := do(t, router, request{method: http.MethodPost, path: "/api/auth/register", body: registerBody(" Jane@Example.com ", "")})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.NotContains(t, w.Body.String(), "s3cretpass")
	assert.NotContains(t, w.Body.String(), "password")

	res := decode[registerResponse](t, w)
	assert.Equal(t, "User registered successfully", res.Message)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, "jane@example.com", res.User.Email)
	assert.Equal(t, "patient", res.User.Role.String())
	assert.Equal(t, 34, res.User.Age)
}

func TestRegister_Errors(t *testing.T) {
	router := newTestRouter(t)
	registerUser(t, router, "jane@example.com", "")

	short := registerBody("short@example.com", "")
	short["password"] = "12345678"

	missing := registerBody("missing@example.com", "")
	delete(missing, "ailment")

	tests := []struct {
		name    string
		body    any
		status  int
		message string
	}{
		{name: "duplicate", body: registerBody("JANE@example.com", ""), status: http.StatusConflict, message: "Email already registered"},
		{name: "short password", body: short, status: http.StatusBadRequest, message: "Password must be at least 9 characters"},
		{name: "missing field", body: missing, status: http.StatusBadRequest, message: "Name, email, age, ailment and password are required"},
		{name: "bad email", body: registerBody("not-an-email", ""), status: http.StatusBadRequest, message: "Please enter a valid email address"},
		{name: "bad role", body: registerBody("role@example.com", "nurse"), status: http.StatusBadRequest},
		{name: "malformed json", body: "{", status: http.StatusBadRequest, message: "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, request{method: http.MethodPost, path: "/api/auth/register", body: tt.body})
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.message != "" {
				assert.Equal(t, tt.message, decode[errorResponse](t, w).Message)
			}
		})
	}
}

func TestLogin_SetsScopedHTTPOnlyCookie(t *testing.T) {
	router := newTestRouter(t)
	registerUser(t, router, "jane@example.com", "")

	access, cookie := login(t, router, "jane@example.com")

	assert.NotEmpty(t, access)
	assert.NotEmpty(t, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, "/api/auth/refresh-token", cookie.Path)
	assert.False(t, cookie.Secure)
	assert.Equal(t, int((7 * 24 * time.Hour).Seconds()), cookie.MaxAge)
}

func TestLogin_FailuresLookIdentical(t *testing.T) {
	router := newTestRouter(t)
	registerUser(t, router, "jane@example.com", "")

	wrong := do(t, router, request{method: http.MethodPost, path: "/api/auth/login", body: loginRequest{Email: "jane@example.com", Password: "wrong-pass"}})
	unknown := do(t, router, request{method: http.MethodPost, path: "/api/auth/login", body: loginRequest{Email: "ghost@example.com", Password: "s3cretpass"}})

	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.JSONEq(t, wrong.Body.String(), unknown.Body.String())
	assert.Empty(t, wrong.Result().Cookies())

	missing := do(t, router, request{method: http.MethodPost, path: "/api/auth/login", body: loginRequest{Email: "jane@example.com"}})
	assert.Equal(t, http.StatusBadRequest, missing.Code)
}

func TestRefreshAndLogoutFlow(t *testing.T) {
	router := newTestRouter(t)
	registerUser(t, router, "jane@example.com", "")
	access, cookie := login(t, router, "jane@example.com")

	w := do(t, router, request{method: http.MethodPost, path: "/api/auth/refresh-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, router, request{method: http.MethodPost, path: "/api/auth/refresh-token", cookie: &http.Cookie{Name: "refreshToken", Value: "garbage"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, request{method: http.MethodPost, path: "/api/auth/refresh-token", cookie: cookie})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	refreshed := decode[accessTokenResponse](t, w).AccessToken
	assert.NotEmpty(t, refreshed)
	assert.NotEqual(t, access, refreshed)

	w = do(t, router, request{method: http.MethodPost, path: "/api/auth/logout", cookie: cookie})
	require.Equal(t, http.StatusNoContent, w.Code)
	cleared := refreshCookie(t, w)
	assert.Empty(t, cleared.Value)
	assert.Equal(t, "/api/auth/refresh-token", cleared.Path)
	assert.Less(t, cleared.MaxAge, 0)

	w = do(t, router, request{method: http.MethodPost, path: "/api/auth/refresh-token", cookie: cookie})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// Browsers only send a path-scoped cookie to matching routes, so logout needs its own copy.
func TestLogout_CookieScopedToLogoutPathRevokesSession(t *testing.T) {
	router := newTestRouter(t)
	registerUser(t, router, "jane@example.com", "")

	w := do(t, router, request{method: http.MethodPost, path: "/api/auth/login", body: loginRequest{Email: "jane@example.com", Password: "s3cretpass"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	refresh := cookieAt(t, w, "/api/auth/refresh-token")
	logout := cookieAt(t, w, "/api/auth/logout")
	assert.Equal(t, refresh.Value, logout.Value)
	assert.True(t, logout.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, logout.SameSite)

	w = do(t, router, request{method: http.MethodPost, path: "/api/auth/logout", cookie: logout})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Less(t, cookieAt(t, w, "/api/auth/refresh-token").MaxAge, 0)
	assert.Less(t, cookieAt(t, w, "/api/auth/logout").MaxAge, 0)

	w = do(t, router, request{method: http.MethodPost, path: "/api/auth/refresh-token", cookie: refresh})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRefresh_SupersededByNewLogin(t *testing.T) {
	router := newTestRouter(t)
	registerUser(t, router, "jane@example.com", "")

	_, first := login(t, router, "jane@example.com")
	_, second := login(t, router, "jane@example.com")

	w := do(t, router, request{method: http.MethodPost, path: "/api/auth/refresh-token", cookie: first})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, request{method: http.MethodPost, path: "/api/auth/refresh-token", cookie: second})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogout_WithoutCookieStillSucceeds(t *testing.T) {
	router := newTestRouter(t)

	w := do(t, router, request{method: http.MethodPost, path: "/api/auth/logout"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, refreshCookie(t, w).Value)
}

func TestMe(t *testing.T) {
	router := newTestRouter(t)
	reg := registerUser(t, router, "jane@example.com", "doctor")

	w := do(t, router, request{method: http.MethodGet, path: "/api/auth/me"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, router, request{method: http.MethodGet, path: "/api/auth/me", header: map[string]string{"Authorization": "Token abc"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, router, request{method: http.MethodGet, path: "/api/auth/me", token: "not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, router, request{method: http.MethodGet, path: "/api/auth/me", token: reg.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	me := decode[models.UserView](t, w)
	assert.Equal(t, reg.User.ID, me.ID)
	assert.Equal(t, models.RoleDoctor, me.Role)
}

func TestPatients_RoleGate(t *testing.T) {
	router := newTestRouter(t)
	patient := registerUser(t, router, "patient@example.com", "patient")
	other := registerUser(t, router, "other@example.com", "patient")
	admin := registerUser(t, router, "admin@example.com", "admin")
	doctor := registerUser(t, router, "doctor@example.com", "doctor")

	w := do(t, router, request{method: http.MethodGet, path: "/api/patients", token: patient.AccessToken})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, request{method: http.MethodGet, path: "/api/patients"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, router, request{method: http.MethodGet, path: "/api/patients", token: doctor.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "password")

	w = do(t, router, request{method: http.MethodGet, path: "/api/patients/" + patient.User.ID.String(), token: patient.AccessToken})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, request{method: http.MethodGet, path: "/api/patients/" + other.User.ID.String(), token: patient.AccessToken})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, request{method: http.MethodGet, path: "/api/patients/not-a-uuid", token: admin.AccessToken})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, request{method: http.MethodDelete, path: "/api/patients/" + other.User.ID.String(), token: doctor.AccessToken})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPatients_AdminCRUD(t *testing.T) {
	router := newTestRouter(t)
	admin := registerUser(t, router, "admin@example.com", "admin")

	w := do(t, router, request{method: http.MethodPost, path: "/api/patients", token: admin.AccessToken, body: registerBody("new@example.com", "")})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[map[string]any](t, w)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	w = do(t, router, request{method: http.MethodPut, path: "/api/patients/" + id, token: admin.AccessToken, body: map[string]any{"ailment": "cold", "age": 35}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[map[string]any](t, w)
	assert.Equal(t, "cold", updated["ailment"])
	assert.EqualValues(t, 35, updated["age"])

	w = do(t, router, request{method: http.MethodDelete, path: "/api/patients/" + id, token: admin.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Patient deleted successfully", decode[messageResponse](t, w).Message)

	w = do(t, router, request{method: http.MethodDelete, path: "/api/patients/" + id, token: admin.AccessToken})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Patient not found", decode[errorResponse](t, w).Message)
}

func TestPatients_DoctorCannotChangeRole(t *testing.T) {
	router := newTestRouter(t)
	doctor := registerUser(t, router, "doc@example.com", "doctor")
	patient := registerUser(t, router, "pat@example.com", "")

	path := "/api/patients/" + patient.User.ID.String()

	w := do(t, router, request{method: http.MethodPut, path: path, token: doctor.AccessToken, body: map[string]any{"role": "admin"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, request{method: http.MethodGet, path: path, token: doctor.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.RolePatient, decode[models.UserView](t, w).Role)

	w = do(t, router, request{method: http.MethodPut, path: path, token: doctor.AccessToken, body: map[string]any{"ailment": "flu"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS(t *testing.T) {
	router := newTestRouter(t)

	w := do(t, router, request{method: http.MethodOptions, path: "/api/auth/login", header: map[string]string{"Origin": "http://localhost:5173"}})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = do(t, router, request{method: http.MethodOptions, path: "/api/auth/login", header: map[string]string{"Origin": "http://evil.example"}})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t)

	w := do(t, router, request{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(t, router, request{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, w.Code)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func TestHealth_Unavailable(t *testing.T) {
	router := NewHandler(nil, failingPinger{}, testConfig(), discardLogger()).InitRoutes()

	w := do(t, router, request{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type brokenService struct {
	service.Service
}

func (brokenService) Login(context.Context, string, string) (service.Session, error) {
	return service.Session{}, errors.New("connection refused")
}

func TestInternalErrorDetailOnlyInDevelopment(t *testing.T) {
	body := loginRequest{Email: "jane@example.com", Password: "s3cretpass"}

	prod := NewHandler(brokenService{}, nil, testConfig(), discardLogger()).InitRoutes()
	w := do(t, prod, request{method: http.MethodPost, path: "/api/auth/login", body: body})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decode[errorResponse](t, w)
	assert.Equal(t, "Login failed", resp.Message)
	assert.Empty(t, resp.Error)

	devCfg := testConfig()
	devCfg.Development = true
	dev := NewHandler(brokenService{}, nil, devCfg, discardLogger()).InitRoutes()
	w = do(t, dev, request{method: http.MethodPost, path: "/api/auth/login", body: body})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "connection refused", decode[errorResponse](t, w).Error)
}

func TestUnknownAPIRoute(t *testing.T) {
	router := newTestRouter(t)

	w := do(t, router, request{method: http.MethodGet, path: "/api/nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
