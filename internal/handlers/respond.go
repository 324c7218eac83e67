package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/talka/historico/internal/logger"
	"github.com/talka/historico/pkg/i18n"
)

// responder writes the JSON error envelope {"error": ..., "details": ...} in
// the caller's language.
type responder struct {
	locale string
}

func (r responder) localeFor(c *gin.Context) string {
	if lang := c.GetHeader("Accept-Language"); lang != "" {
		if i := strings.IndexAny(lang, ",;"); i >= 0 {
			lang = lang[:i]
		}
		return strings.TrimSpace(lang)
	}
	return r.locale
}

func (r responder) fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": i18n.Translate(r.localeFor(c), message)})
}

// failInternal logs err and answers 500 with err as details.
func (r responder) failInternal(c *gin.Context, message string, err error) {
	logger.Log.Error(message,
		"error", err,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"request_id", c.GetString("request_id"),
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   i18n.Translate(r.localeFor(c), message),
		"details": err.Error(),
	})
}

// bindJSON decodes the body into obj, rejecting unknown fields, then runs the
// struct's binding validation.
func bindJSON(c *gin.Context, obj any) error {
	if c.Request.Body == nil {
		return fmt.Errorf("empty body")
	}
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(obj); err != nil {
		return err
	}
	return binding.Validator.ValidateStruct(obj)
}

func callerID(c *gin.Context) int64 {
	return c.GetInt64("user_id")
}

func isAdmin(c *gin.Context) bool {
	return c.GetBool("is_admin")
}

// authorizeUser lets admins act on any user and everyone else only on
// themselves.
func (r responder) authorizeUser(c *gin.Context, userID int64) bool {
	if isAdmin(c) || callerID(c) == userID {
		return true
	}
	r.fail(c, http.StatusForbidden, "access denied")
	return false
}

// userIDParam reads a positive user id from the query string or form.
func (r responder) userIDParam(c *gin.Context, key string) (int64, bool) {
	raw := c.Query(key)
	if raw == "" {
		raw = c.PostForm(key)
	}
	if raw == "" {
		r.fail(c, http.StatusBadRequest, "user id is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		r.fail(c, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}
