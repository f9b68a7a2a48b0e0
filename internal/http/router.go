package httpserver

import "net/http"

// Routes groups handlers.
type Routes struct {
	Order              http.HandlerFunc
	PaymentVerify      http.HandlerFunc
	DeviceCommand      http.HandlerFunc
	DeviceSensor       http.HandlerFunc
	DeviceRotation     http.HandlerFunc
	DeviceConnectivity http.HandlerFunc
	DeviceStream       http.HandlerFunc
	Refund             http.HandlerFunc
	Status             http.HandlerFunc
	AdminLogin         http.HandlerFunc
	AdminStock         http.HandlerFunc
	AdminReset         http.HandlerFunc
	AdminAudit         http.HandlerFunc
	Health             http.HandlerFunc
}

// NewRouter registers endpoints. Each path is registered exactly once; the
// store-backed machine handlers are the single source of truth.
func NewRouter(routes Routes) http.Handler {
	mux := http.NewServeMux()
	register(mux, "/order", http.MethodPost, routes.Order)
	register(mux, "/payment/verify", http.MethodPost, routes.PaymentVerify)
	register(mux, "/device/command", http.MethodGet, routes.DeviceCommand)
	register(mux, "/device/sensor", http.MethodPost, routes.DeviceSensor)
	register(mux, "/device/rotation", http.MethodPost, routes.DeviceRotation)
	register(mux, "/device/connectivity", http.MethodPost, routes.DeviceConnectivity)
	register(mux, "/device/stream", http.MethodGet, routes.DeviceStream)
	register(mux, "/refund", http.MethodPost, routes.Refund)
	register(mux, "/status", http.MethodGet, routes.Status)
	register(mux, "/admin/login", http.MethodPost, routes.AdminLogin)
	register(mux, "/admin/stock", http.MethodPost, routes.AdminStock)
	register(mux, "/admin/reset", http.MethodPost, routes.AdminReset)
	register(mux, "/admin/audit", http.MethodGet, routes.AdminAudit)
	register(mux, "/health", http.MethodGet, routes.Health)
	return mux
}

func register(mux *http.ServeMux, path, expected string, handler http.HandlerFunc) {
	if handler == nil {
		return
	}
	mux.Handle(path, method(expected, handler))
}

func method(expected string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}
