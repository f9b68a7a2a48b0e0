package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"vendpoint/internal/service"
)

type verifyPaymentRequest struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

// NewPaymentVerifyHandler returns POST /payment/verify handler. The signature
// is recomputed against the machine's own active order, so the supplied
// orderId is informational only.
func NewPaymentVerifyHandler(machine *service.VendingMachine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "failed", "code": CodeValidation})
			return
		}

		if err := machine.VerifyPayment(r.Context(), req.PaymentID, req.Signature); err != nil {
			if errors.Is(err, service.ErrSignatureInvalid) {
				logger.Warn("payment signature rejected", zap.String("payment_id", req.PaymentID))
				writeJSON(w, http.StatusBadRequest, map[string]string{"status": "failed", "code": CodeSignatureInvalid})
				return
			}
			logger.Warn("payment verification failed", zap.Error(err))
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}
