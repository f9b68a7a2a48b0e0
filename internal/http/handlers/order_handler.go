package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"vendpoint/internal/service"
)

// NewOrderHandler returns POST /order handler.
func NewOrderHandler(machine *service.VendingMachine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := machine.CreateOrder(r.Context())
		if err != nil {
			logger.Warn("order creation failed", zap.Error(err))
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"orderId":  result.OrderID,
			"amount":   result.Amount,
			"currency": result.Currency,
		})
	}
}
