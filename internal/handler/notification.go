package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pulsefeed/notification-engine/internal/domain"
	"github.com/pulsefeed/notification-engine/internal/service"
)

// NotificationHandler handles notification HTTP requests
type NotificationHandler struct {
	service  *service.NotificationService
	validate *validator.Validate
}

func NewNotificationHandler(service *service.NotificationService) *NotificationHandler {
	return &NotificationHandler{
		service:  service,
		validate: validator.New(),
	}
}

// RegisterRoutes registers notification routes
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Submit)
	r.Get("/", h.List)
	r.Get("/unread-count", h.UnreadCount)
	r.Get("/{id}", h.GetByID)
	r.Post("/{id}/read", h.MarkRead)
	r.Delete("/{id}", h.Cancel)
	r.Post("/flush", h.FlushBatches)
	r.Post("/throttle", h.Throttle)
}

// SubmitRequest is a producer's notification event.
type SubmitRequest struct {
	RecipientID    string                  `json:"recipient_id" validate:"required"`
	SenderID       string                  `json:"sender_id"`
	Type           domain.NotificationType `json:"type" validate:"required"`
	Title          string                  `json:"title" validate:"required,max=200"`
	Body           string                  `json:"body" validate:"required,max=2000"`
	ActionLink     string                  `json:"action_link,omitempty" validate:"omitempty,uri"`
	NoteID         string                  `json:"note_id,omitempty"`
	CommentID      string                  `json:"comment_id,omitempty"`
	ConversationID string                  `json:"conversation_id,omitempty"`
	Channels       domain.ChannelMask      `json:"channels,omitempty"`
	Priority       domain.Priority         `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	ScheduledAt    *time.Time              `json:"scheduled_at,omitempty"`
	GroupKey       string                  `json:"group_key,omitempty"`
	TemplateVars   map[string]string       `json:"template_vars,omitempty"`
	AllowBundling  *bool                   `json:"allow_bundling,omitempty"`
	RespectQuiet   *bool                   `json:"respect_quiet_hours,omitempty"`
}

// Submit accepts one notification event for delivery.
func (h *NotificationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := DecodeJSON(r, &req); err != nil {
		HandleError(w, err)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	if !req.Type.IsValid() {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown notification type", nil)
		return
	}

	out, err := h.service.Submit(r.Context(), service.SubmitInput{
		RecipientID:    req.RecipientID,
		SenderID:       req.SenderID,
		Type:           req.Type,
		Title:          req.Title,
		Body:           req.Body,
		ActionLink:     req.ActionLink,
		NoteID:         req.NoteID,
		CommentID:      req.CommentID,
		ConversationID: req.ConversationID,
		Channels:       req.Channels,
		Priority:       req.Priority,
		ScheduledAt:    req.ScheduledAt,
		GroupKey:       req.GroupKey,
		TemplateVars:   req.TemplateVars,
		AllowBundling:  req.AllowBundling,
		RespectQuiet:   req.RespectQuiet,
	})
	if err != nil {
		HandleError(w, err)
		return
	}

	status := http.StatusAccepted
	if out.Result != "accepted" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, map[string]any{
		"id":     out.ID,
		"result": out.Result,
		"status": out.Status,
	})
}

// List pages through the caller's notifications.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	recipientID := r.URL.Query().Get("recipient_id")
	if recipientID == "" {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "recipient_id is required", nil)
		return
	}

	filter := domain.ListFilter{}
	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.Status(s)
		filter.Status = &status
	}
	if t := r.URL.Query().Get("type"); t != "" {
		typ := domain.NotificationType(t)
		filter.Type = &typ
	}
	filter.UnreadOnly = r.URL.Query().Get("unread") == "true"
	filter.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	filter.PageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))

	result, err := h.service.List(r.Context(), recipientID, filter)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// UnreadCount returns the badge count for a recipient.
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	recipientID := r.URL.Query().Get("recipient_id")
	if recipientID == "" {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "recipient_id is required", nil)
		return
	}

	count, err := h.service.Unread(r.Context(), recipientID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"unread": count})
}

// GetByID returns one notification.
func (h *NotificationHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid notification id", nil)
		return
	}
	recipientID := r.URL.Query().Get("recipient_id")
	if recipientID == "" {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "recipient_id is required", nil)
		return
	}

	n, err := h.service.Get(r.Context(), recipientID, id)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, n)
}

// MarkRead acknowledges a delivered notification.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid notification id", nil)
		return
	}
	recipientID := r.URL.Query().Get("recipient_id")
	if recipientID == "" {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "recipient_id is required", nil)
		return
	}

	if err := h.service.MarkRead(r.Context(), recipientID, id); err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusRead)})
}

// Cancel withdraws a pending notification.
func (h *NotificationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid notification id", nil)
		return
	}
	recipientID := r.URL.Query().Get("recipient_id")
	if recipientID == "" {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "recipient_id is required", nil)
		return
	}

	if err := h.service.Cancel(r.Context(), recipientID, id); err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusCancelled)})
}

// FlushBatchesRequest forces open digests to flush for a user.
type FlushBatchesRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (h *NotificationHandler) FlushBatches(w http.ResponseWriter, r *http.Request) {
	var req FlushBatchesRequest
	if err := DecodeJSON(r, &req); err != nil {
		HandleError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	h.service.FlushBatches(req.UserID)
	JSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// ThrottleRequest administratively pauses deliveries to a user.
type ThrottleRequest struct {
	UserID string    `json:"user_id" validate:"required"`
	Until  time.Time `json:"until" validate:"required"`
}

func (h *NotificationHandler) Throttle(w http.ResponseWriter, r *http.Request) {
	var req ThrottleRequest
	if err := DecodeJSON(r, &req); err != nil {
		HandleError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	h.service.Throttle(req.UserID, req.Until)
	JSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "throttled_until": req.Until})
}
