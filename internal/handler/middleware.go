package handler

import (
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"patient_service/internal/auth"
	"patient_service/internal/metrics"
	"patient_service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	guuid "github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// AuthMiddleware verifies the bearer access token and stores its subject and role in the context.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			newErrorResponse(c, http.StatusUnauthorized, "empty authorization header")

			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			newErrorResponse(c, http.StatusUnauthorized, "invalid authorization header")

			return
		}

		p, err := h.serviceLayer.Authenticate(parts[1])
		if err != nil {
			newErrorResponse(c, http.StatusUnauthorized, "invalid token")

			return
		}

		c.Set(ctxUserID, p.UserID)
		c.Set(ctxRole, p.Role)

		c.Next()
	}
}

// RequireRole must run after AuthMiddleware.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get(ctxRole)
		actual, _ := role.(models.Role)

		if err := auth.CheckRole(roles, actual); err != nil {
			newErrorResponse(c, http.StatusForbidden, "Access denied")

			return
		}

		c.Next()
	}
}

func principalFrom(c *gin.Context) (auth.Principal, bool) {
	rawID, ok := c.Get(ctxUserID)
	if !ok {
		return auth.Principal{}, false
	}
	id, ok := rawID.(uuid.UUID)
	if !ok {
		return auth.Principal{}, false
	}

	rawRole, _ := c.Get(ctxRole)
	role, ok := rawRole.(models.Role)
	if !ok {
		return auth.Principal{}, false
	}

	return auth.Principal{UserID: id, Role: role}, true
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = guuid.NewString()
		}

		c.Set(ctxRequestID, id)
		c.Header("X-Request-ID", id)

		c.Next()
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		h.log.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("request_id", c.GetString(ctxRequestID)),
		)
	}
}

func (h *Handler) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		h.log.Error("panic recovered",
			slog.Any("panic", rec),
			slog.String("path", c.Request.URL.Path),
			slog.String("request_id", c.GetString(ctxRequestID)),
		)

		newErrorResponse(c, http.StatusInternalServerError, "Internal server error")
	})
}

func observeMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// cors allows credentialed requests from the configured origins only.
func cors(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && slices.Contains(allowedOrigins, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)

			return
		}

		c.Next()
	}
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}

		c.Next()
	}
}
