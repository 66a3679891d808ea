package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pulsefeed/notification-engine/internal/domain"
	"github.com/pulsefeed/notification-engine/internal/service"
)

// PreferenceHandler handles preference HTTP requests
type PreferenceHandler struct {
	service  *service.PreferenceService
	validate *validator.Validate
}

func NewPreferenceHandler(service *service.PreferenceService) *PreferenceHandler {
	return &PreferenceHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *PreferenceHandler) RegisterRoutes(r chi.Router) {
	r.Get("/{userId}", h.Get)
	r.Put("/{userId}", h.Update)
	r.Post("/{userId}/block/{senderId}", h.BlockSender)
	r.Delete("/{userId}/block/{senderId}", h.UnblockSender)
}

func (h *PreferenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	prefs, err := h.service.Get(r.Context(), userID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, prefs)
}

// UpdatePreferencesRequest is the full preference document.
type UpdatePreferencesRequest struct {
	TypeEnabled       map[domain.NotificationType]bool               `json:"type_enabled,omitempty"`
	ChannelOverrides  map[domain.NotificationType]domain.ChannelMask `json:"channel_overrides,omitempty"`
	HourlyCaps        map[domain.NotificationType]int                `json:"hourly_caps,omitempty"`
	DailyCaps         map[domain.NotificationType]int                `json:"daily_caps,omitempty"`
	QuietHoursEnabled bool                                           `json:"quiet_hours_enabled"`
	QuietStart        string                                         `json:"quiet_start,omitempty"`
	QuietEnd          string                                         `json:"quiet_end,omitempty"`
	Timezone          string                                         `json:"timezone,omitempty"`
	BatchingEnabled   bool                                           `json:"batching_enabled"`
	BatchWindowSec    int                                            `json:"batch_window_seconds,omitempty" validate:"omitempty,min=0,max=86400"`
	BlockedSenders    []string                                       `json:"blocked_senders,omitempty"`
}

func (h *PreferenceHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	var req UpdatePreferencesRequest
	if err := DecodeJSON(r, &req); err != nil {
		HandleError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	prefs := &domain.Preferences{
		UserID:            userID,
		TypeEnabled:       req.TypeEnabled,
		ChannelOverrides:  req.ChannelOverrides,
		HourlyCaps:        req.HourlyCaps,
		DailyCaps:         req.DailyCaps,
		QuietHoursEnabled: req.QuietHoursEnabled,
		QuietStart:        req.QuietStart,
		QuietEnd:          req.QuietEnd,
		Timezone:          req.Timezone,
		BatchingEnabled:   req.BatchingEnabled,
		BatchWindow:       time.Duration(req.BatchWindowSec) * time.Second,
		BlockedSenders:    req.BlockedSenders,
	}

	if err := h.service.Update(r.Context(), prefs); err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, prefs)
}

func (h *PreferenceHandler) BlockSender(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	senderID := chi.URLParam(r, "senderId")

	if err := h.service.BlockSender(r.Context(), userID, senderID); err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"blocked": senderID})
}

func (h *PreferenceHandler) UnblockSender(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	senderID := chi.URLParam(r, "senderId")

	if err := h.service.UnblockSender(r.Context(), userID, senderID); err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"unblocked": senderID})
}
