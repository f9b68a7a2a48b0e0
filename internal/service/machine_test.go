package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"vendpoint/internal/clients"
	"vendpoint/internal/models"
)

type fakeStore struct {
	mu     sync.Mutex
	st     models.TransactionState
	audits []string
}

func newFakeStore(stock int) *fakeStore {
	return &fakeStore{
		st: models.TransactionState{
			StockCount: stock,
			Phase:      models.PhaseReady,
		},
	}
}

func (s *fakeStore) Load(ctx context.Context) (*models.TransactionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.st
	return &st, nil
}

func (s *fakeStore) Save(ctx context.Context, st *models.TransactionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = *st
	return nil
}

func (s *fakeStore) AppendAudit(ctx context.Context, eventType, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, eventType+": "+message)
	return nil
}

func (s *fakeStore) state() models.TransactionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *fakeStore) set(st models.TransactionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = st
}

func (s *fakeStore) hasAudit(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.audits {
		if strings.Contains(a, substr) {
			return true
		}
	}
	return false
}

type fakeGateway struct {
	mu          sync.Mutex
	secret      string
	nextOrderID string
	createErr   error
	refundErr   error
	fetchErr    error
	fetchAmount int64
	orderCalls  int
	refundCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		secret:      "test_key_secret",
		nextOrderID: "order_abc123",
		fetchAmount: 100,
	}
}

func (g *fakeGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.orderCalls++
	return g.nextOrderID, nil
}

func (g *fakeGateway) FetchPayment(ctx context.Context, paymentID string) (clients.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return clients.GatewayPayment{}, g.fetchErr
	}
	return clients.GatewayPayment{ID: paymentID, Amount: g.fetchAmount, Status: "captured"}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, paymentID string, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	return g.refundErr
}

func (g *fakeGateway) VerifySignature(orderID, paymentID, signature string) bool {
	return clients.VerifySignature(orderID, paymentID, signature, g.secret)
}

func (g *fakeGateway) refunds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refundCalls
}

func (g *fakeGateway) setRefundErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundErr = err
}

type fakeNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *fakeNotifier) Notify(ctx context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subjects)
}

func newTestMachine(store *fakeStore, gateway *fakeGateway, notifier Notifier) *VendingMachine {
	return NewVendingMachine(store, nil, gateway, notifier, nil, Config{
		Amount:            100,
		Currency:          "INR",
		RotationLimit:     3,
		LowStockThreshold: 5,
	}, zap.NewNop())
}

func payAndDispense(t *testing.T, m *VendingMachine, gateway *fakeGateway, paymentID string) {
	t.Helper()
	result, err := m.CreateOrder(context.Background())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	sig := clients.SignPayload(result.OrderID, paymentID, gateway.secret)
	if err := m.VerifyPayment(context.Background(), paymentID, sig); err != nil {
		t.Fatalf("verify payment: %v", err)
	}
}

func TestCreateOrderAllocatesGatewayOrder(t *testing.T) {
	store := newFakeStore(10)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)

	result, err := m.CreateOrder(context.Background())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if result.OrderID != "order_abc123" {
		t.Fatalf("unexpected order id %s", result.OrderID)
	}
	if result.Amount != 100 || result.Currency != "INR" {
		t.Fatalf("unexpected price %d %s", result.Amount, result.Currency)
	}
	if got := store.state().Phase; got != models.PhaseOrderCreated {
		t.Fatalf("expected phase ORDER_CREATED, got %s", got)
	}
}

func TestCreateOrderGatewayFailureLeavesReady(t *testing.T) {
	store := newFakeStore(10)
	gateway := newFakeGateway()
	gateway.createErr = errors.New("boom")
	m := newTestMachine(store, gateway, nil)

	_, err := m.CreateOrder(context.Background())
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := store.state().Phase; got != models.PhaseReady {
		t.Fatalf("expected phase READY, got %s", got)
	}
}

func TestCreateOrderRejectedWhileTransactionActive(t *testing.T) {
	store := newFakeStore(10)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)
	payAndDispense(t, m, gateway, "pay_1")

	if _, err := m.CreateOrder(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestVerifyPaymentAdvancesToDispensing(t *testing.T) {
	store := newFakeStore(10)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)

	payAndDispense(t, m, gateway, "pay_1")

	st := store.state()
	if st.Phase != models.PhaseDispensing {
		t.Fatalf("expected phase DISPENSING, got %s", st.Phase)
	}
	if st.ActivePaymentID != "pay_1" {
		t.Fatalf("expected active payment pay_1, got %q", st.ActivePaymentID)
	}
	if st.RotationCount != 0 {
		t.Fatalf("expected rotation count reset, got %d", st.RotationCount)
	}
}

func TestVerifyPaymentRejectsForeignSignature(t *testing.T) {
	store := newFakeStore(10)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)

	result, err := m.CreateOrder(context.Background())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	sig := clients.SignPayload(result.OrderID, "pay_1", "some_other_secret")
	err = m.VerifyPayment(context.Background(), "pay_1", sig)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	st := store.state()
	if st.Phase != models.PhaseOrderCreated {
		t.Fatalf("phase must be unchanged, got %s", st.Phase)
	}
	if st.ActivePaymentID != "" {
		t.Fatalf("payment id must not be stored, got %q", st.ActivePaymentID)
	}
}

func TestVerifyPaymentRejectsShortPayment(t *testing.T) {
	store := newFakeStore(10)
	gateway := newFakeGateway()
	gateway.fetchAmount = 50
	m := NewVendingMachine(store, nil, gateway, nil, nil, Config{
		Amount:        100,
		Currency:      "INR",
		RotationLimit: 3,
		VerifyAmount:  true,
	}, zap.NewNop())

	result, err := m.CreateOrder(context.Background())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	sig := clients.SignPayload(result.OrderID, "pay_1", gateway.secret)
	if err := m.VerifyPayment(context.Background(), "pay_1", sig); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if got := store.state().Phase; got != models.PhaseOrderCreated {
		t.Fatalf("phase must be unchanged, got %s", got)
	}
}

func TestMotorCommandReflectsPhase(t *testing.T) {
	store := newFakeStore(10)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)

	command, err := m.MotorCommand(context.Background())
	if err != nil {
		t.Fatalf("motor command: %v", err)
	}
	if command != MotorStop {
		t.Fatalf("expected stop while READY, got %s", command)
	}

	st := store.state()
	st.Phase = models.PhasePaid
	store.set(st)
	if command, _ = m.MotorCommand(context.Background()); command != MotorStart {
		t.Fatalf("expected start while PAID, got %s", command)
	}

	st.Phase = models.PhaseDispensing
	st.ActivePaymentID = "pay_1"
	store.set(st)
	if command, _ = m.MotorCommand(context.Background()); command != MotorStart {
		t.Fatalf("expected start while DISPENSING, got %s", command)
	}

	if err := m.ReportSensor(context.Background(), true); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if command, _ = m.MotorCommand(context.Background()); command != MotorStop {
		t.Fatalf("expected stop after settle, got %s", command)
	}
}

func TestSensorTriggeredSettlesAndDecrementsStock(t *testing.T) {
	store := newFakeStore(20)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)

	payAndDispense(t, m, gateway, "pay_1")
	if err := m.ReportSensor(context.Background(), true); err != nil {
		t.Fatalf("sensor report: %v", err)
	}

	st := store.state()
	if st.StockCount != 19 {
		t.Fatalf("expected stock 19, got %d", st.StockCount)
	}
	if st.Phase != models.PhaseReady {
		t.Fatalf("expected phase READY, got %s", st.Phase)
	}
	if st.ActivePaymentID != "" {
		t.Fatalf("expected payment id cleared, got %q", st.ActivePaymentID)
	}
	if gateway.refunds() != 0 {
		t.Fatalf("no refund expected, got %d", gateway.refunds())
	}
}

func TestStockDecrementsAtMostOncePerPayment(t *testing.T) {
	store := newFakeStore(20)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)

	payAndDispense(t, m, gateway, "pay_1")
	if err := m.ReportSensor(context.Background(), true); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if got := store.state().StockCount; got != 19 {
		t.Fatalf("expected stock 19, got %d", got)
	}

	// a replayed completion for the same payment must not decrement again
	st := store.state()
	st.Phase = models.PhaseDispensing
	st.ActivePaymentID = "pay_1"
	store.set(st)
	if err := m.ReportSensor(context.Background(), true); err != nil {
		t.Fatalf("replayed settle: %v", err)
	}
	if got := store.state().StockCount; got != 19 {
		t.Fatalf("expected stock to remain 19, got %d", got)
	}
}

func TestSensorFaultRefundsKeepingStock(t *testing.T) {
	store := newFakeStore(20)
	gateway := newFakeGateway()
	notifier := &fakeNotifier{}
	m := newTestMachine(store, gateway, notifier)

	payAndDispense(t, m, gateway, "pay_1")
	if err := m.ReportSensor(context.Background(), false); err != nil {
		t.Fatalf("sensor report: %v", err)
	}

	st := store.state()
	if st.Phase != models.PhaseRefunded {
		t.Fatalf("expected phase REFUNDED, got %s", st.Phase)
	}
	if st.StockCount != 20 {
		t.Fatalf("expected stock untouched at 20, got %d", st.StockCount)
	}
	if gateway.refunds() != 1 {
		t.Fatalf("expected exactly one refund call, got %d", gateway.refunds())
	}
	if st.RefundedPaymentID != "pay_1" {
		t.Fatalf("expected refund marker for pay_1, got %q", st.RefundedPaymentID)
	}

	waitFor(t, 500*time.Millisecond, func() bool { return notifier.count() >= 1 })
}

func TestRefundIsIdempotentPerPayment(t *testing.T) {
	store := newFakeStore(20)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)

	payAndDispense(t, m, gateway, "pay_1")
	if err := m.Refund(context.Background(), "pay_1", "manual"); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	if err := m.Refund(context.Background(), "pay_1", "manual"); !errors.Is(err, ErrDuplicateRefund) {
		t.Fatalf("expected ErrDuplicateRefund, got %v", err)
	}
	if gateway.refunds() != 1 {
		t.Fatalf("expected exactly one refund call, got %d", gateway.refunds())
	}
}

func TestRefundWithoutActivePaymentRejected(t *testing.T) {
	store := newFakeStore(20)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)

	if err := m.Refund(context.Background(), "pay_1", "manual"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if gateway.refunds() != 0 {
		t.Fatalf("no refund call expected, got %d", gateway.refunds())
	}
}

func TestRotationLimitForcesRefund(t *testing.T) {
	store := newFakeStore(20)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)

	payAndDispense(t, m, gateway, "pay_1")

	for i := 0; i < 3; i++ {
		refunded, err := m.ReportRotation(context.Background(), 1)
		if err != nil {
			t.Fatalf("rotation %d: %v", i+1, err)
		}
		if refunded {
			t.Fatalf("rotation %d must not refund yet", i+1)
		}
	}

	refunded, err := m.ReportRotation(context.Background(), 1)
	if err != nil {
		t.Fatalf("fourth rotation: %v", err)
	}
	if !refunded {
		t.Fatalf("fourth rotation must force the refund path")
	}
	if got := store.state().Phase; got != models.PhaseRefunded {
		t.Fatalf("expected phase REFUNDED, got %s", got)
	}
	if gateway.refunds() != 1 {
		t.Fatalf("expected exactly one refund call, got %d", gateway.refunds())
	}
	if !store.hasAudit("rotation limit exceeded") {
		t.Fatalf("expected audit with rotation limit reason, audits: %v", store.audits)
	}
}

func TestRotationRejectedOutsideDispense(t *testing.T) {
	store := newFakeStore(20)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)

	if _, err := m.ReportRotation(context.Background(), 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := m.ReportRotation(context.Background(), 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for non-positive rotation, got %v", err)
	}
}

func TestFailedRefundStaysDispensingAndCanRetry(t *testing.T) {
	store := newFakeStore(20)
	gateway := newFakeGateway()
	gateway.setRefundErr(errors.New("gateway down"))
	m := newTestMachine(store, gateway, nil)

	payAndDispense(t, m, gateway, "pay_1")
	if err := m.ReportSensor(context.Background(), false); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := store.state().Phase; got != models.PhaseDispensing {
		t.Fatalf("failed refund must stay DISPENSING, got %s", got)
	}

	gateway.setRefundErr(nil)
	if err := m.ReportSensor(context.Background(), false); err != nil {
		t.Fatalf("retry refund: %v", err)
	}
	if got := store.state().Phase; got != models.PhaseRefunded {
		t.Fatalf("expected phase REFUNDED after retry, got %s", got)
	}
	if gateway.refunds() != 2 {
		t.Fatalf("expected two refund attempts, got %d", gateway.refunds())
	}
}

func TestConnectivityRoundTripRestoresPhase(t *testing.T) {
	store := newFakeStore(20)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)

	payAndDispense(t, m, gateway, "pay_1")

	if err := m.ReportConnectivity(context.Background(), false); err != nil {
		t.Fatalf("go inactive: %v", err)
	}
	st := store.state()
	if st.Phase != models.PhaseInactive {
		t.Fatalf("expected phase INACTIVE, got %s", st.Phase)
	}
	if st.InactiveSince == nil {
		t.Fatalf("expected inactive timestamp")
	}
	if st.ActivePaymentID != "pay_1" {
		t.Fatalf("payment fields must not change, got %q", st.ActivePaymentID)
	}

	if err := m.ReportConnectivity(context.Background(), true); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	st = store.state()
	if st.Phase != models.PhaseDispensing {
		t.Fatalf("expected prior phase DISPENSING restored, got %s", st.Phase)
	}
	if st.InactiveSince != nil {
		t.Fatalf("expected inactive timestamp cleared")
	}
}

func TestLowStockTriggersNotification(t *testing.T) {
	store := newFakeStore(5)
	gateway := newFakeGateway()
	notifier := &fakeNotifier{}
	m := newTestMachine(store, gateway, notifier)

	payAndDispense(t, m, gateway, "pay_1")
	if err := m.ReportSensor(context.Background(), true); err != nil {
		t.Fatalf("settle: %v", err)
	}

	waitFor(t, 500*time.Millisecond, func() bool { return notifier.count() == 1 })
}

func TestSetStockRejectsNegative(t *testing.T) {
	store := newFakeStore(20)
	m := newTestMachine(store, newFakeGateway(), nil)

	if err := m.SetStock(context.Background(), -1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := m.SetStock(context.Background(), 42); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	if got := store.state().StockCount; got != 42 {
		t.Fatalf("expected stock 42, got %d", got)
	}
}

func TestResetForcesReadyKeepingRefundMarker(t *testing.T) {
	store := newFakeStore(20)
	gateway := newFakeGateway()
	m := newTestMachine(store, gateway, nil)

	payAndDispense(t, m, gateway, "pay_1")
	if err := m.ReportSensor(context.Background(), false); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := m.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}

	st := store.state()
	if st.Phase != models.PhaseReady {
		t.Fatalf("expected phase READY, got %s", st.Phase)
	}
	if st.RefundedPaymentID != "pay_1" {
		t.Fatalf("refund marker must survive reset, got %q", st.RefundedPaymentID)
	}

	// the same payment id can still not be refunded twice after reset
	st.Phase = models.PhaseDispensing
	st.ActivePaymentID = "pay_1"
	store.set(st)
	if err := m.Refund(context.Background(), "pay_1", "manual"); !errors.Is(err, ErrDuplicateRefund) {
		t.Fatalf("expected ErrDuplicateRefund across reset, got %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
