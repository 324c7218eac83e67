package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/talka/historico/internal/archive"
	"github.com/talka/historico/internal/cache"
	"github.com/talka/historico/internal/logger"
	"github.com/talka/historico/internal/models"
	"github.com/talka/historico/internal/ws"
)

type ConversationHandler struct {
	responder
	store         *archive.Store
	events        EventNotifier
	recorder      Recorder
	cache         cache.Cache
	maxUploadSize int64
}

func NewConversationHandler(store *archive.Store, deps Deps) *ConversationHandler {
	deps = deps.withDefaults()
	return &ConversationHandler{
		responder:     responder{locale: deps.Locale},
		store:         store,
		events:        deps.Events,
		recorder:      deps.Recorder,
		cache:         deps.Cache,
		maxUploadSize: deps.MaxUploadSize,
	}
}

// DeleteConversation removes an owned conversation and its messages in one
// transaction.
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	var req DeleteConversationRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, http.StatusBadRequest, "invalid request")
		return
	}
	if !h.authorizeUser(c, req.UserID) {
		return
	}

	deleted, err := h.store.DeleteConversation(c.Request.Context(), req.ConversationID, req.UserID)
	if errors.Is(err, archive.ErrNotOwner) {
		h.fail(c, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		h.failInternal(c, "failed to delete conversation", err)
		return
	}

	h.afterWrite(c, "conversation", req.UserID, ws.Event{
		Type:           ws.EventConversationDeleted,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Count:          deleted,
	})

	c.JSON(http.StatusOK, gin.H{
		"message":         "Conversation deleted successfully",
		"deletedMessages": deleted,
	})
}

func (h *ConversationHandler) UploadConversations(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)

	var req UploadConversationsRequest
	if err := bindJSON(c, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(c, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		h.fail(c, http.StatusBadRequest, "invalid conversations payload")
		return
	}
	if !h.authorizeUser(c, req.UserID) {
		return
	}

	h.upload(c, req.UserID, req.Conversations)
}

// UploadChat imports a WhatsApp text export sent as multipart "file" or as
// the raw request body.
func (h *ConversationHandler) UploadChat(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)

	var (
		text string
		err  error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		text, err = h.readFormFile(c)
	} else {
		var raw []byte
		raw, err = io.ReadAll(c.Request.Body)
		text = string(raw)
	}
	if err != nil {
		h.uploadReadError(c, err)
		return
	}

	userID, ok := h.userIDParam(c, "userId")
	if !ok || !h.authorizeUser(c, userID) {
		return
	}
	if strings.TrimSpace(text) == "" {
		h.fail(c, http.StatusBadRequest, "file is required")
		return
	}

	conv, err := archive.ParseWhatsApp(text)
	if err != nil {
		if errors.Is(err, archive.ErrNoMessages) {
			h.fail(c, http.StatusBadRequest, err.Error())
			return
		}
		h.fail(c, http.StatusBadRequest, "invalid request")
		return
	}

	h.upload(c, userID, []models.Conversation{*conv})
}

// UploadCSV imports a CSV export grouped by chat_id.
func (h *ConversationHandler) UploadCSV(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)

	text, err := h.readFormFile(c)
	if err != nil {
		h.uploadReadError(c, err)
		return
	}
	userID, ok := h.userIDParam(c, "userId")
	if !ok || !h.authorizeUser(c, userID) {
		return
	}

	conversations, err := archive.ParseCSV(strings.NewReader(text), userID)
	if err != nil {
		logger.Log.Debug("csv import rejected", "error", err)
		h.failImport(c, err)
		return
	}

	h.upload(c, userID, conversations)
}

// failImport reports the first useful part of a parser error, such as
// "missing column: text".
func (h *ConversationHandler) failImport(c *gin.Context, err error) {
	msg := err.Error()
	if i := strings.Index(msg, "missing column"); i >= 0 {
		msg = msg[i:]
	} else if errors.Is(err, archive.ErrNoMessages) {
		msg = archive.ErrNoMessages.Error()
	} else {
		msg = archive.ErrInvalidImport.Error()
	}
	h.fail(c, http.StatusBadRequest, msg)
}

func (h *ConversationHandler) readFormFile(c *gin.Context) (string, error) {
	header, err := c.FormFile("file")
	if err != nil {
		return "", err
	}
	f, err := header.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (h *ConversationHandler) uploadReadError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || errors.Is(err, multipart.ErrMessageTooLarge) {
		h.fail(c, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	h.fail(c, http.StatusBadRequest, "file is required")
}

func (h *ConversationHandler) upload(c *gin.Context, userID int64, conversations []models.Conversation) {
	result, err := h.store.Upload(c.Request.Context(), userID, conversations)
	switch {
	case errors.Is(err, archive.ErrOwnedByOtherUser):
		h.fail(c, http.StatusForbidden, archive.ErrOwnedByOtherUser.Error())
		return
	case errors.Is(err, archive.ErrUserNotFound):
		h.fail(c, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, archive.ErrEmptyUpload):
		h.fail(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.failInternal(c, "failed to save conversations", err)
		return
	}

	h.recorder.ObserveUpload(result.Conversations, result.Messages)
	invalidateMetrics(c.Request.Context(), h.cache)
	h.events.NotifyUser(userID, ws.Event{
		Type:   ws.EventArchiveUploaded,
		UserID: userID,
		Count:  int64(result.Conversations),
	})
	logger.Log.Info("conversations uploaded",
		"user_id", userID,
		"conversations", result.Conversations,
		"messages", result.Messages,
		"by", callerID(c),
	)

	c.JSON(http.StatusOK, gin.H{
		"message":         "Conversations uploaded successfully",
		"conversations":   result.Conversations,
		"messages":        result.Messages,
		"conversationIds": result.ConversationIDs,
	})
}

func (h *ConversationHandler) GetConversations(c *gin.Context) {
	userID, ok := h.userIDParam(c, "userId")
	if !ok || !h.authorizeUser(c, userID) {
		return
	}

	limit, errLimit := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(archive.DefaultListLimit)))
	offset, errOffset := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if errLimit != nil || errOffset != nil {
		h.fail(c, http.StatusBadRequest, "invalid request")
		return
	}

	ctx := c.Request.Context()
	conversations, err := h.store.ListConversations(ctx, userID, limit, offset)
	if err != nil {
		h.failInternal(c, "failed to fetch conversations", err)
		return
	}
	total, err := h.store.CountConversations(ctx, userID)
	if err != nil {
		h.failInternal(c, "failed to count conversations", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": conversations,
		"total":         total,
	})
}

func (h *ConversationHandler) SearchConversations(c *gin.Context) {
	userID, ok := h.userIDParam(c, "userId")
	if !ok || !h.authorizeUser(c, userID) {
		return
	}
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		h.fail(c, http.StatusBadRequest, "search query is required")
		return
	}

	conversations, err := h.store.SearchConversations(c.Request.Context(), userID, query)
	if err != nil {
		h.failInternal(c, "failed to search conversations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *ConversationHandler) TotalConversations(c *gin.Context) {
	userID, ok := h.userIDParam(c, "userId")
	if !ok || !h.authorizeUser(c, userID) {
		return
	}

	total, err := h.store.CountConversations(c.Request.Context(), userID)
	if err != nil {
		h.failInternal(c, "failed to count conversations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total})
}

func (h *ConversationHandler) DeleteMessage(c *gin.Context) {
	var req DeleteMessageRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, http.StatusBadRequest, "invalid request")
		return
	}
	if !h.authorizeUser(c, req.UserID) {
		return
	}

	err := h.store.DeleteMessage(c.Request.Context(), req.MessageID, req.ConversationID, req.UserID)
	switch {
	case errors.Is(err, archive.ErrNotOwner):
		h.fail(c, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, archive.ErrMessageNotFound):
		h.fail(c, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.failInternal(c, "failed to delete message", err)
		return
	}

	h.afterWrite(c, "message", req.UserID, ws.Event{
		Type:           ws.EventMessageDeleted,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
	})
	c.JSON(http.StatusOK, gin.H{"message": "Message deleted successfully"})
}

func (h *ConversationHandler) ClearData(c *gin.Context) {
	var req ClearDataRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, http.StatusBadRequest, "user id is required")
		return
	}
	if !h.authorizeUser(c, req.UserID) {
		return
	}

	conversations, messages, err := h.store.ClearData(c.Request.Context(), req.UserID)
	if err != nil {
		h.failInternal(c, "failed to clear data", err)
		return
	}

	h.afterWrite(c, "clear", req.UserID, ws.Event{
		Type:   ws.EventArchiveCleared,
		UserID: req.UserID,
		Count:  conversations,
	})
	c.JSON(http.StatusOK, gin.H{
		"message":              "Data cleared successfully",
		"deletedConversations": conversations,
		"deletedMessages":      messages,
	})
}

func (h *ConversationHandler) afterWrite(c *gin.Context, kind string, userID int64, event ws.Event) {
	h.recorder.ObserveDeletion(kind)
	invalidateMetrics(c.Request.Context(), h.cache)
	h.events.NotifyUser(userID, event)
	logger.Log.Info("archive changed", "kind", kind, "user_id", userID, "by", callerID(c))
}
