package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"vendpoint/internal/models"
	"vendpoint/internal/password"
	"vendpoint/internal/service"
	"vendpoint/internal/token"
)

// AuditReader exposes the append-only audit log for operators.
type AuditReader interface {
	RecentAudit(ctx context.Context, limit int) ([]models.AuditEntry, error)
}

// AdminHandler holds operator endpoints.
type AdminHandler struct {
	machine      *service.VendingMachine
	tokens       *token.Service
	hasher       *password.BcryptHasher
	audit        AuditReader
	username     string
	passwordHash string
	logger       *zap.Logger
}

// NewAdminHandler builds handler set.
func NewAdminHandler(
	machine *service.VendingMachine,
	tokens *token.Service,
	hasher *password.BcryptHasher,
	audit AuditReader,
	username, passwordHash string,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		machine:      machine,
		tokens:       tokens,
		hasher:       hasher,
		audit:        audit,
		username:     username,
		passwordHash: passwordHash,
		logger:       logger,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type setStockRequest struct {
	Count int `json:"count"`
}

// HandleLogin handles POST /admin/login.
func (h *AdminHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid json")
		return
	}

	if req.Username != h.username || h.hasher.Compare(h.passwordHash, req.Password) != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid credentials")
		return
	}

	jwt, err := h.tokens.Generate(req.Username)
	if err != nil {
		h.logger.Error("token generation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": jwt})
}

// HandleSetStock handles POST /admin/stock.
func (h *AdminHandler) HandleSetStock(w http.ResponseWriter, r *http.Request) {
	var req setStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid json")
		return
	}

	if err := h.machine.SetStock(r.Context(), req.Count); err != nil {
		h.logger.Warn("set stock failed", zap.Int("count", req.Count), zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "stockCount": req.Count})
}

// HandleReset handles POST /admin/reset.
func (h *AdminHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.machine.Reset(r.Context()); err != nil {
		h.logger.Error("reset failed", zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleAudit handles GET /admin/audit.
func (h *AdminHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, CodeValidation, "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	entries, err := h.audit.RecentAudit(r.Context(), limit)
	if err != nil {
		h.logger.Error("audit read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
