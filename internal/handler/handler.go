package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"patient_service/internal/models"
	"patient_service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ctxUserID    = "UserID"
	ctxRole      = "Role"
	ctxRequestID = "RequestID"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	CookieName string
	CookiePath string
	// LogoutCookiePath scopes a second copy of the refresh cookie so browsers send it to logout.
	LogoutCookiePath string
	CookieSecure     bool
	RefreshTTL       time.Duration
	Development      bool
	AllowedOrigins   []string
	StaticDir        string
}

type Handler struct {
	serviceLayer service.Service
	health       Pinger
	cfg          Config
	log          *slog.Logger
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

func newErrorResponse(c *gin.Context, statusCode int, errMessage string) {
	c.AbortWithStatusJSON(statusCode, errorResponse{Message: errMessage})
}

func NewHandler(srvc service.Service, health Pinger, cfg Config, lgr *slog.Logger) *Handler {
	return &Handler{
		serviceLayer: srvc,
		health:       health,
		cfg:          cfg,
		log:          lgr,
	}
}

func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()

	router.Use(
		requestID(),
		h.recovery(),
		h.requestLogger(),
		observeMetrics(),
		cors(h.cfg.AllowedOrigins),
		limitBody(maxBodyBytes),
	)

	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")

	auth := api.Group("/auth")
	{
		auth.POST("/register", h.Register)
		auth.POST("/login", h.Login)
		auth.POST("/refresh-token", h.RefreshToken)
		auth.POST("/logout", h.Logout)

		auth.GET("/me", h.AuthMiddleware(), h.Me)
	}

	patients := api.Group("/patients", h.AuthMiddleware())
	{
		patients.GET("", RequireRole(models.RoleAdmin, models.RoleDoctor), h.ListPatients)
		patients.GET("/:id", h.GetPatient)
		patients.POST("", RequireRole(models.RoleAdmin), h.CreatePatient)
		patients.PUT("/:id", RequireRole(models.RoleAdmin, models.RoleDoctor), h.UpdatePatient)
		patients.DELETE("/:id", RequireRole(models.RoleAdmin), h.DeletePatient)
	}

	router.NoRoute(h.noRoute())

	return router
}

// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	if h.health != nil {
		if err := h.health.Ping(c.Request.Context()); err != nil {
			h.log.Warn("health check failed", slog.Any("error", err))

			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})

			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// noRoute serves the built frontend for non-API GET requests when a static dir is configured.
func (h *Handler) noRoute() gin.HandlerFunc {
	var files http.Handler
	if h.cfg.StaticDir != "" {
		files = http.FileServer(gin.Dir(h.cfg.StaticDir, false))
	}

	return func(c *gin.Context) {
		if files != nil && c.Request.Method == http.MethodGet && !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			files.ServeHTTP(c.Writer, c.Request)

			return
		}

		newErrorResponse(c, http.StatusNotFound, "Not found")
	}
}

// respondError maps service errors onto HTTP statuses. Unexpected errors are logged and
// reported as a generic 500; in development the underlying message is included.
func (h *Handler) respondError(c *gin.Context, log *slog.Logger, err error, fallback string) {
	var verr *service.ValidationError

	switch {
	case errors.As(err, &verr):
		newErrorResponse(c, http.StatusBadRequest, verr.Message)
	case errors.Is(err, service.ErrEmailExists):
		newErrorResponse(c, http.StatusConflict, "Email already registered")
	case errors.Is(err, service.ErrInvalidCredentials):
		newErrorResponse(c, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, service.ErrUnauthenticated):
		newErrorResponse(c, http.StatusUnauthorized, "Unauthenticated")
	case errors.Is(err, service.ErrForbidden):
		newErrorResponse(c, http.StatusForbidden, "Forbidden")
	case errors.Is(err, service.ErrNotFound):
		newErrorResponse(c, http.StatusNotFound, "Patient not found")
	default:
		log.Error(fallback, slog.Any("error", err))

		resp := errorResponse{Message: fallback}
		if h.cfg.Development {
			resp.Error = err.Error()
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, resp)
	}
}
