package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"vendpoint/internal/service"
)

type refundRequest struct {
	PaymentID string `json:"paymentId"`
	Reason    string `json:"reason"`
}

// NewRefundHandler returns POST /refund handler. Refund issuance is
// at-most-once per payment id; duplicates come back as DUPLICATE_REFUND.
func NewRefundHandler(machine *service.VendingMachine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refundRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid json")
			return
		}
		if req.PaymentID == "" {
			writeError(w, http.StatusBadRequest, CodeValidation, "paymentId is required")
			return
		}

		if err := machine.Refund(r.Context(), req.PaymentID, req.Reason); err != nil {
			logger.Warn("refund failed", zap.String("payment_id", req.PaymentID), zap.Error(err))
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
	}
}
