package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/talka/historico/internal/auth"
	"github.com/talka/historico/internal/cache"
	"github.com/talka/historico/internal/logger"
	"github.com/talka/historico/internal/ws"
)

// EventNotifier pushes archive events to websocket sessions.
type EventNotifier interface {
	NotifyUser(userID int64, event ws.Event)
	NotifyAdmins(event ws.Event)
	Disconnect(userID int64)
}

// Recorder receives business counters for /metrics.
type Recorder interface {
	ObserveUpload(conversations, messages int)
	ObserveDeletion(kind string)
	ObserveLogin(success bool)
}

type nopEvents struct{}

func (nopEvents) NotifyUser(int64, ws.Event) {}
func (nopEvents) NotifyAdmins(ws.Event)      {}
func (nopEvents) Disconnect(int64)           {}

type nopRecorder struct{}

func (nopRecorder) ObserveUpload(int, int) {}
func (nopRecorder) ObserveDeletion(string) {}
func (nopRecorder) ObserveLogin(bool)      {}

// Deps are the collaborators shared by all handlers. Nil Events, Recorder and
// Cache fall back to no-ops.
type Deps struct {
	Auth          *auth.Service
	Events        EventNotifier
	Recorder      Recorder
	Cache         cache.Cache
	Locale        string
	AdminPassword string
	MetricsTTL    time.Duration
	MaxUploadSize int64
}

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = nopEvents{}
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Cache == nil {
		d.Cache = cache.Noop{}
	}
	if d.MetricsTTL <= 0 {
		d.MetricsTTL = 30 * time.Second
	}
	if d.MaxUploadSize <= 0 {
		d.MaxUploadSize = 50 << 20
	}
	return d
}

const metricsCacheKey = "talka:admin-metrics"

// invalidateMetrics drops the cached admin metrics after a write.
func invalidateMetrics(ctx context.Context, c cache.Cache) {
	if _, err := c.Del(ctx, metricsCacheKey); err != nil {
		logger.Log.Warn("failed to invalidate metrics cache", "error", err)
	}
}

type AuthHandler struct {
	responder
	authSvc       *auth.Service
	recorder      Recorder
	adminPassword string
}

func NewAuthHandler(deps Deps) *AuthHandler {
	deps = deps.withDefaults()
	return &AuthHandler{
		responder:     responder{locale: deps.Locale},
		authSvc:       deps.Auth,
		recorder:      deps.Recorder,
		adminPassword: deps.AdminPassword,
	}
}

// Login authenticates a user and returns a token
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, http.StatusBadRequest, "username and password are required")
		return
	}

	user, token, err := h.authSvc.Login(c.Request.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		h.fail(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.recorder.ObserveLogin(false)
		h.fail(c, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		h.failInternal(c, "internal server error", err)
		return
	}

	h.recorder.ObserveLogin(true)
	logger.Log.Info("user logged in", "user_id", user.ID, "username", user.Username)

	c.JSON(http.StatusOK, LoginResponse{
		User: UserResponse{
			ID:       user.ID,
			Username: user.Username,
			UserType: user.UserType,
			IsAdmin:  user.IsAdmin(),
		},
		Token: token,
	})
}

// CreateAdmin ensures the admin account exists. It is disabled unless an
// admin password is configured.
func (h *AuthHandler) CreateAdmin(c *gin.Context) {
	if h.adminPassword == "" {
		h.fail(c, http.StatusNotFound, "admin bootstrap is disabled")
		return
	}

	created, err := h.authSvc.EnsureAdmin(c.Request.Context(), h.adminPassword)
	if err != nil {
		h.failInternal(c, "failed to create admin", err)
		return
	}
	if !created {
		c.JSON(http.StatusOK, gin.H{"message": "Admin user already exists"})
		return
	}
	logger.Log.Info("admin user created")
	c.JSON(http.StatusCreated, gin.H{"message": "Admin user created successfully"})
}

// AuthMiddleware validates the JWT and loads the caller. The token comes from
// the Authorization header or, for websockets, the token query parameter.
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimSpace(header[len("Bearer "):])
		}
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			h.fail(c, http.StatusUnauthorized, "missing authorization token")
			return
		}

		claims, err := h.authSvc.ValidateToken(token)
		if err != nil {
			h.fail(c, http.StatusUnauthorized, "invalid token")
			return
		}

		user, err := h.authSvc.GetUser(c.Request.Context(), claims.UserID)
		if errors.Is(err, auth.ErrUserNotFound) {
			h.fail(c, http.StatusUnauthorized, "user not found")
			return
		}
		if err != nil {
			h.failInternal(c, "failed to validate user", err)
			return
		}
		if !user.IsActive() {
			h.fail(c, http.StatusUnauthorized, "unauthorized")
			return
		}

		c.Set("user_id", user.ID)
		c.Set("username", user.Username)
		c.Set("is_admin", user.IsAdmin())
		c.Next()
	}
}

// RequireAdmin must run after AuthMiddleware.
func (h *AuthHandler) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isAdmin(c) {
			h.fail(c, http.StatusForbidden, "admin access required")
			return
		}
		c.Next()
	}
}
