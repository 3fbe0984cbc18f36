package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"k9notify/contracts/ws"
	"k9notify/internal/dispatcher"
	"k9notify/internal/model"
	"k9notify/pkg/outbox"
	"k9notify/pkg/trace"
)

// NotificationHandler serves the REST side of the notification API:
// settings, telemetry, and the admin send endpoint. Live delivery goes
// over the websocket channel.
type NotificationHandler struct {
	service       *dispatcher.Service
	pushServerKey string
	logger        *zap.Logger
}

func NewNotificationHandler(service *dispatcher.Service, pushServerKey string, logger *zap.Logger) *NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationHandler{service: service, pushServerKey: pushServerKey, logger: logger}
}

func (h *NotificationHandler) GetSettings(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	settings := h.service.Settings(c.Request.Context(), userID)
	c.JSON(http.StatusOK, model.SettingsToWire(settings))
}

func (h *NotificationHandler) UpdateSettings(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var payload ws.SettingsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed settings"})
		return
	}

	if err := h.service.UpdateSettings(c.Request.Context(), userID, payload); err != nil {
		h.logger.Error("failed to update settings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save settings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// List mirrors the websocket get_notifications request for REST
// consumers.
func (h *NotificationHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	unreadOnly := c.Query("unread_only") == "true"

	snap, err := h.service.Snapshot(c.Request.Context(), userID, limit, unreadOnly)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var body struct {
		NotificationID string `json:"notification_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "notification_id required"})
		return
	}

	change, err := h.service.MarkRead(c.Request.Context(), userID, body.NotificationID)
	if err != nil {
		if errors.Is(err, dispatcher.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		h.logger.Error("failed to mark read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark read"})
		return
	}

	c.JSON(http.StatusOK, change)
}

func (h *NotificationHandler) Test(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	n, err := h.service.Test(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to send test notification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send test notification"})
		return
	}

	c.JSON(http.StatusCreated, n)
}

func (h *NotificationHandler) ServerKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"public_key": h.pushServerKey})
}

func (h *NotificationHandler) Clicked(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var body struct {
		Action string `json:"action"`
	}
	// An empty body is fine; the action is optional.
	_ = c.ShouldBindJSON(&body)

	err := h.service.RecordClicked(c.Request.Context(), userID, c.Param("id"), body.Action)
	if err != nil {
		if errors.Is(err, dispatcher.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		h.logger.Error("failed to record click", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record interaction"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *NotificationHandler) Dismissed(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	err := h.service.RecordDismissed(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, dispatcher.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		h.logger.Error("failed to record dismissal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record interaction"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type sendRequest struct {
	UserID    int    `json:"user_id" binding:"required"`
	Category  string `json:"category" binding:"required"`
	Title     string `json:"title" binding:"required"`
	Message   string `json:"message"`
	Priority  string `json:"priority"`
	ActionURL string `json:"action_url"`
}

// Send lets operators inject a notification directly, bypassing the
// message queue.
func (h *NotificationHandler) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	n, err := h.service.Create(ctx, dispatcher.CreateInput{
		UserID:    req.UserID,
		Category:  req.Category,
		Title:     req.Title,
		Message:   req.Message,
		Priority:  req.Priority,
		ActionURL: req.ActionURL,
		TraceID:   trace.FromContext(ctx),
	})
	if err != nil {
		h.logger.Error("failed to send notification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send notification"})
		return
	}

	c.JSON(http.StatusCreated, n)
}

// OutboxHandler exposes manual replay of stuck outbox events.
type OutboxHandler struct {
	replay *outbox.ReplayService
	logger *zap.Logger
}

func NewOutboxHandler(replay *outbox.ReplayService, logger *zap.Logger) *OutboxHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxHandler{replay: replay, logger: logger}
}

func (h *OutboxHandler) ReplayEvent(c *gin.Context) {
	eventID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	if err := h.replay.ReplayEvent(c.Request.Context(), eventID); err != nil {
		h.logger.Error("replay failed", zap.Int64("event_id", eventID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "event_id": eventID})
}

func (h *OutboxHandler) ReplayFailed(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	replayed, err := h.replay.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("replay of failed events errored", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "replayed": replayed})
}
