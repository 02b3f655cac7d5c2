package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"patient_service/internal/models"
	"patient_service/internal/service"

	"github.com/gin-gonic/gin"
)

// ageValue accepts both a JSON number and a numeric string, as HTML forms tend to send the latter.
type ageValue int

func (a *ageValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("age %q is not a number", s)
		}
		*a = ageValue(n)
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*a = ageValue(n)

	return nil
}

func (a *ageValue) intPtr() *int {
	if a == nil {
		return nil
	}
	n := int(*a)
	return &n
}

type registerRequest struct {
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Password string    `json:"password"`
	Role     string    `json:"role"`
	Ailment  string    `json:"ailment"`
	Age      *ageValue `json:"age"`
}

func (r registerRequest) toInput() service.RegisterInput {
	return service.RegisterInput{
		Name:     r.Name,
		Email:    r.Email,
		Password: r.Password,
		Role:     r.Role,
		Ailment:  r.Ailment,
		Age:      r.Age.intPtr(),
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	Message     string          `json:"message"`
	AccessToken string          `json:"accessToken"`
	User        models.UserView `json:"user"`
}

// POST /api/auth/register
func (h *Handler) Register(c *gin.Context) {
	const op = "handler.Register"

	log := h.log.With(slog.String("op", op))

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("failed to read request body", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, "invalid request body")

		return
	}

	res, err := h.serviceLayer.Register(c.Request.Context(), req.toInput())
	if err != nil {
		h.respondError(c, log, err, "Registration failed")

		return
	}

	log.Info("user registered", slog.String("user_id", res.User.ID.String()), slog.String("role", res.User.Role.String()))

	c.JSON(http.StatusCreated, registerResponse{
		Message:     "User registered successfully",
		AccessToken: res.AccessToken,
		User:        res.User,
	})
}

// POST /api/auth/login
func (h *Handler) Login(c *gin.Context) {
	const op = "handler.Login"

	log := h.log.With(slog.String("op", op))

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("failed to read request body", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, "invalid request body")

		return
	}

	sess, err := h.serviceLayer.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(c, log, err, "Login failed")

		return
	}

	h.setRefreshCookie(c, sess.RefreshToken)

	log.Info("user logged in", slog.String("user_id", sess.User.ID.String()))

	c.JSON(http.StatusOK, accessTokenResponse{AccessToken: sess.AccessToken})
}

// POST /api/auth/refresh-token
func (h *Handler) RefreshToken(c *gin.Context) {
	const op = "handler.RefreshToken"

	log := h.log.With(slog.String("op", op))

	token, _ := c.Cookie(h.cfg.CookieName)

	accessToken, err := h.serviceLayer.Refresh(c.Request.Context(), token)
	if err != nil {
		h.respondError(c, log, err, "Token refresh failed")

		return
	}

	c.JSON(http.StatusOK, accessTokenResponse{AccessToken: accessToken})
}

// POST /api/auth/logout
func (h *Handler) Logout(c *gin.Context) {
	const op = "handler.Logout"

	log := h.log.With(slog.String("op", op))

	token, _ := c.Cookie(h.cfg.CookieName)

	if err := h.serviceLayer.Logout(c.Request.Context(), token); err != nil {
		log.Error("failed to clear refresh token", slog.Any("error", err))
	}

	h.clearRefreshCookie(c)

	c.Status(http.StatusNoContent)
}

// GET /api/auth/me
func (h *Handler) Me(c *gin.Context) {
	const op = "handler.Me"

	log := h.log.With(slog.String("op", op))

	p, ok := principalFrom(c)
	if !ok {
		newErrorResponse(c, http.StatusUnauthorized, "invalid token")

		return
	}

	user, err := h.serviceLayer.GetPatient(c.Request.Context(), p.UserID)
	if err != nil {
		h.respondError(c, log, err, "Failed to load profile")

		return
	}

	c.JSON(http.StatusOK, user)
}

func (h *Handler) setRefreshCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	for _, path := range h.cookiePaths() {
		c.SetCookie(h.cfg.CookieName, token, int(h.cfg.RefreshTTL.Seconds()), path, "", h.cfg.CookieSecure, true)
	}
}

func (h *Handler) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	for _, path := range h.cookiePaths() {
		c.SetCookie(h.cfg.CookieName, "", -1, path, "", h.cfg.CookieSecure, true)
	}
}

// cookiePaths lists the refresh path first.
func (h *Handler) cookiePaths() []string {
	paths := []string{h.cfg.CookiePath}
	if h.cfg.LogoutCookiePath != "" && h.cfg.LogoutCookiePath != h.cfg.CookiePath {
		paths = append(paths, h.cfg.LogoutCookiePath)
	}

	return paths
}
