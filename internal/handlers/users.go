package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/talka/historico/internal/auth"
	"github.com/talka/historico/internal/cache"
	"github.com/talka/historico/internal/logger"
	"github.com/talka/historico/internal/models"
	"github.com/talka/historico/internal/ws"
)

type UserHandler struct {
	responder
	authSvc  *auth.Service
	events   EventNotifier
	recorder Recorder
	cache    cache.Cache
}

func NewUserHandler(deps Deps) *UserHandler {
	deps = deps.withDefaults()
	return &UserHandler{
		responder: responder{locale: deps.Locale},
		authSvc:   deps.Auth,
		events:    deps.Events,
		recorder:  deps.Recorder,
		cache:     deps.Cache,
	}
}

// accountError maps validation errors from the auth service to 400.
func (h *UserHandler) accountError(c *gin.Context, fallback string, err error) {
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		h.fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrUserNotFound):
		h.fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrMissingCredentials),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrUsernameTooLong),
		errors.Is(err, auth.ErrInvalidUserType),
		errors.Is(err, auth.ErrInvalidStatus):
		h.fail(c, http.StatusBadRequest, err.Error())
	default:
		h.failInternal(c, fallback, err)
	}
}

func (h *UserHandler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := h.authSvc.CreateUser(c.Request.Context(), req.Username, req.Password, req.UserType)
	if err != nil {
		h.accountError(c, "failed to create user", err)
		return
	}

	invalidateMetrics(c.Request.Context(), h.cache)
	h.events.NotifyAdmins(ws.Event{Type: ws.EventUserCreated, UserID: user.ID})
	logger.Log.Info("user created", "user_id", user.ID, "username", user.Username, "by", callerID(c))

	c.JSON(http.StatusCreated, gin.H{
		"message": "User created successfully",
		"user":    user,
	})
}

// DeleteUser succeeds whether or not the id exists.
func (h *UserHandler) DeleteUser(c *gin.Context) {
	var req DeleteUserRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, http.StatusBadRequest, "user id is required")
		return
	}

	if err := h.authSvc.DeleteUser(c.Request.Context(), req.ID); err != nil {
		h.failInternal(c, "failed to delete user", err)
		return
	}

	invalidateMetrics(c.Request.Context(), h.cache)
	h.recorder.ObserveDeletion("user")
	h.events.Disconnect(req.ID)
	h.events.NotifyAdmins(ws.Event{Type: ws.EventUserDeleted, UserID: req.ID})
	logger.Log.Info("user deleted", "user_id", req.ID, "by", callerID(c))

	c.JSON(http.StatusOK, gin.H{"message": "User deleted successfully"})
}

func (h *UserHandler) ListUsers(c *gin.Context) {
	users, err := h.authSvc.ListUsers(c.Request.Context())
	if err != nil {
		h.failInternal(c, "failed to fetch users", err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *UserHandler) UpdateStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.authSvc.UpdateStatus(c.Request.Context(), req.UserID, req.Status); err != nil {
		h.accountError(c, "failed to update user status", err)
		return
	}

	invalidateMetrics(c.Request.Context(), h.cache)
	if req.Status == models.StatusInactive {
		h.events.Disconnect(req.UserID)
	}
	h.events.NotifyAdmins(ws.Event{Type: ws.EventUserStatus, UserID: req.UserID, Status: req.Status})
	logger.Log.Info("user status updated", "user_id", req.UserID, "status", req.Status, "by", callerID(c))

	c.JSON(http.StatusOK, gin.H{
		"message":   "User status updated successfully",
		"userId":    req.UserID,
		"newStatus": req.Status,
	})
}

func (h *UserHandler) UpdatePassword(c *gin.Context) {
	var req UpdatePasswordRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.authSvc.UpdatePassword(c.Request.Context(), req.UserID, req.NewPassword); err != nil {
		h.accountError(c, "failed to update password", err)
		return
	}

	invalidateMetrics(c.Request.Context(), h.cache)
	logger.Log.Info("user password updated", "user_id", req.UserID, "by", callerID(c))
	c.JSON(http.StatusOK, gin.H{"message": "Password updated successfully"})
}
