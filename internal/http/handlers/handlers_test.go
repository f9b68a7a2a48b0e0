package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"vendpoint/internal/clients"
	"vendpoint/internal/devicetoken"
	"vendpoint/internal/models"
	"vendpoint/internal/service"
)

type memStore struct {
	mu sync.Mutex
	st models.TransactionState
}

func (s *memStore) Load(ctx context.Context) (*models.TransactionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.st
	return &st, nil
}

func (s *memStore) Save(ctx context.Context, st *models.TransactionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = *st
	return nil
}

func (s *memStore) AppendAudit(ctx context.Context, eventType, message string) error {
	return nil
}

type stubGateway struct {
	mu          sync.Mutex
	secret      string
	refundCalls int
}

func (g *stubGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (string, error) {
	return "order_test", nil
}

func (g *stubGateway) FetchPayment(ctx context.Context, paymentID string) (clients.GatewayPayment, error) {
	return clients.GatewayPayment{ID: paymentID, Amount: 100, Status: "captured"}, nil
}

func (g *stubGateway) Refund(ctx context.Context, paymentID string, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	return nil
}

func (g *stubGateway) VerifySignature(orderID, paymentID, signature string) bool {
	return clients.VerifySignature(orderID, paymentID, signature, g.secret)
}

func newMachine(stock int) (*service.VendingMachine, *memStore, *stubGateway) {
	store := &memStore{st: models.TransactionState{StockCount: stock, Phase: models.PhaseReady}}
	gateway := &stubGateway{secret: "secret"}
	machine := service.NewVendingMachine(store, nil, gateway, nil, nil, service.Config{
		Amount:        100,
		Currency:      "INR",
		RotationLimit: 3,
	}, zap.NewNop())
	return machine, store, gateway
}

func TestDeviceCommandRequiresToken(t *testing.T) {
	machine, _, _ := newMachine(10)
	auth := devicetoken.NewAuthenticator("device-secret", "")
	handler := NewDeviceHandler(machine, auth, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/device/command?deviceId=esp32-01&token=bogus", nil)
	rec := httptest.NewRecorder()
	handler.HandleCommand(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "phase") {
		t.Fatalf("unauthorized response must not leak state: %s", rec.Body.String())
	}
}

func TestDeviceCommandFollowsPhase(t *testing.T) {
	machine, store, gateway := newMachine(10)
	auth := devicetoken.NewAuthenticator("device-secret", "")
	handler := NewDeviceHandler(machine, auth, zap.NewNop())
	token := devicetoken.Generate("esp32-01", "device-secret")

	get := func() string {
		req := httptest.NewRequest(http.MethodGet, "/device/command?deviceId=esp32-01&token="+token, nil)
		rec := httptest.NewRecorder()
		handler.HandleCommand(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body["motor"]
	}

	if got := get(); got != "stop" {
		t.Fatalf("expected stop while READY, got %s", got)
	}

	result, err := machine.CreateOrder(context.Background())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	sig := clients.SignPayload(result.OrderID, "pay_1", gateway.secret)
	if err := machine.VerifyPayment(context.Background(), "pay_1", sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got := get(); got != "start" {
		t.Fatalf("expected start while DISPENSING, got %s", got)
	}

	if err := machine.ReportSensor(context.Background(), true); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := get(); got != "stop" {
		t.Fatalf("expected stop after settle, got %s", got)
	}
	if store.st.StockCount != 9 {
		t.Fatalf("expected stock 9, got %d", store.st.StockCount)
	}
}

func TestPaymentVerifyRejectsForeignSignature(t *testing.T) {
	machine, _, _ := newMachine(10)
	handler := NewPaymentVerifyHandler(machine, zap.NewNop())

	if _, err := machine.CreateOrder(context.Background()); err != nil {
		t.Fatalf("create order: %v", err)
	}

	sig := clients.SignPayload("order_test", "pay_1", "wrong-secret")
	body := `{"orderId":"order_test","paymentId":"pay_1","signature":"` + sig + `"}`
	req := httptest.NewRequest(http.MethodPost, "/payment/verify", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "failed" || resp["code"] != CodeSignatureInvalid {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestRefundEndpointRejectsDuplicate(t *testing.T) {
	machine, _, gateway := newMachine(10)
	handler := NewRefundHandler(machine, zap.NewNop())

	result, err := machine.CreateOrder(context.Background())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	sig := clients.SignPayload(result.OrderID, "pay_1", gateway.secret)
	if err := machine.VerifyPayment(context.Background(), "pay_1", sig); err != nil {
		t.Fatalf("verify: %v", err)
	}

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/refund", strings.NewReader(`{"paymentId":"pay_1","reason":"jam"}`))
		rec := httptest.NewRecorder()
		handler(rec, req)
		return rec
	}

	if rec := post(); rec.Code != http.StatusOK {
		t.Fatalf("first refund expected 200, got %d", rec.Code)
	}
	rec := post()
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second refund expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), CodeDuplicateRefund) {
		t.Fatalf("expected DUPLICATE_REFUND code, got %s", rec.Body.String())
	}
	if gateway.refundCalls != 1 {
		t.Fatalf("expected exactly one gateway refund call, got %d", gateway.refundCalls)
	}
}
