package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pulsefeed/notification-engine/internal/domain"
	"github.com/pulsefeed/notification-engine/internal/service"
)

// DeviceHandler handles device registration HTTP requests
type DeviceHandler struct {
	service  *service.DeviceService
	validate *validator.Validate
}

func NewDeviceHandler(service *service.DeviceService) *DeviceHandler {
	return &DeviceHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *DeviceHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Register)
	r.Get("/", h.List)
	r.Delete("/{deviceId}", h.Deactivate)
}

// RegisterDeviceRequest registers or refreshes a push target.
type RegisterDeviceRequest struct {
	UserID    string          `json:"user_id" validate:"required"`
	DeviceID  string          `json:"device_id" validate:"required"`
	PushToken string          `json:"push_token" validate:"required"`
	Platform  domain.Platform `json:"platform" validate:"required,oneof=ios android web"`
}

func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := DecodeJSON(r, &req); err != nil {
		HandleError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	reg := &domain.DeviceRegistration{
		UserID:    req.UserID,
		DeviceID:  req.DeviceID,
		PushToken: req.PushToken,
		Platform:  req.Platform,
	}
	if err := h.service.Register(r.Context(), reg); err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusCreated, reg)
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "user_id is required", nil)
		return
	}

	devices, err := h.service.ListActive(r.Context(), userID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, devices)
}

func (h *DeviceHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "user_id is required", nil)
		return
	}
	deviceID := chi.URLParam(r, "deviceId")

	if err := h.service.Deactivate(r.Context(), userID, deviceID); err != nil {
		HandleError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"deactivated": deviceID})
}
