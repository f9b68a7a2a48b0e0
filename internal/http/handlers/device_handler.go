package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"vendpoint/internal/devicetoken"
	"vendpoint/internal/service"
)

// DeviceHandler holds the endpoints the embedded controller polls and posts.
type DeviceHandler struct {
	machine *service.VendingMachine
	auth    *devicetoken.Authenticator
	logger  *zap.Logger
}

// NewDeviceHandler builds handler set.
func NewDeviceHandler(machine *service.VendingMachine, auth *devicetoken.Authenticator, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		machine: machine,
		auth:    auth,
		logger:  logger,
	}
}

type deviceAuth struct {
	DeviceID string `json:"deviceId"`
	Token    string `json:"token"`
}

type sensorRequest struct {
	deviceAuth
	Triggered bool `json:"triggered"`
}

type rotationRequest struct {
	deviceAuth
	Rotation int `json:"rotation"`
}

type connectivityRequest struct {
	deviceAuth
	Online bool `json:"online"`
}

// HandleCommand handles GET /device/command. Pure read against the durable
// store; never mutates state.
func (h *DeviceHandler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeQuery(w, r) {
		return
	}
	command, err := h.machine.MotorCommand(r.Context())
	if err != nil {
		h.logger.Error("motor command read failed", zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"motor": command})
}

// HandleSensor handles POST /device/sensor: a physical trigger settles, its
// absence refunds.
func (h *DeviceHandler) HandleSensor(w http.ResponseWriter, r *http.Request) {
	var req sensorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid json")
		return
	}
	if !h.authorize(w, req.deviceAuth) {
		return
	}

	if err := h.machine.ReportSensor(r.Context(), req.Triggered); err != nil {
		h.logger.Warn("sensor report failed", zap.Bool("triggered", req.Triggered), zap.Error(err))
		writeServiceError(w, err)
		return
	}

	if req.Triggered {
		writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refund_triggered", "reason": "sensor not triggered"})
}

// HandleRotation handles POST /device/rotation.
func (h *DeviceHandler) HandleRotation(w http.ResponseWriter, r *http.Request) {
	var req rotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid json")
		return
	}
	if !h.authorize(w, req.deviceAuth) {
		return
	}

	refunded, err := h.machine.ReportRotation(r.Context(), req.Rotation)
	if err != nil {
		h.logger.Warn("rotation report failed", zap.Int("rotation", req.Rotation), zap.Error(err))
		writeServiceError(w, err)
		return
	}

	if refunded {
		writeJSON(w, http.StatusOK, map[string]string{"status": "refund_triggered", "reason": "rotation limit exceeded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accumulated"})
}

// HandleConnectivity handles POST /device/connectivity.
func (h *DeviceHandler) HandleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid json")
		return
	}
	if !h.authorize(w, req.deviceAuth) {
		return
	}

	if err := h.machine.ReportConnectivity(r.Context(), req.Online); err != nil {
		h.logger.Warn("connectivity report failed", zap.Bool("online", req.Online), zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus handles GET /status: a store-backed projection for device UI.
func (h *DeviceHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeQuery(w, r) {
		return
	}
	snapshot, err := h.machine.Display(r.Context())
	if err != nil {
		h.logger.Error("status read failed", zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *DeviceHandler) authorize(w http.ResponseWriter, auth deviceAuth) bool {
	if !h.auth.Verify(auth.DeviceID, auth.Token) {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return false
	}
	return true
}

func (h *DeviceHandler) authorizeQuery(w http.ResponseWriter, r *http.Request) bool {
	return h.authorize(w, deviceAuth{
		DeviceID: r.URL.Query().Get("deviceId"),
		Token:    r.URL.Query().Get("token"),
	})
}
