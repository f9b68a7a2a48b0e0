package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"vendpoint/internal/clients"
	"vendpoint/internal/models"
	"vendpoint/internal/redisstore"
)

// StateStore is the durable single source of truth. Every transition is
// written through before the cache mirror is refreshed.
type StateStore interface {
	Load(ctx context.Context) (*models.TransactionState, error)
	Save(ctx context.Context, st *models.TransactionState) error
	AppendAudit(ctx context.Context, eventType, message string) error
}

// PaymentGateway wraps the payment provider's order/verify/refund calls.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string) (string, error)
	FetchPayment(ctx context.Context, paymentID string) (clients.GatewayPayment, error)
	Refund(ctx context.Context, paymentID string, amount int64) error
	VerifySignature(orderID, paymentID, signature string) bool
}

// Notifier delivers alerts. Failures never propagate into the request path.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Broadcaster pushes display snapshots to connected device displays.
type Broadcaster interface {
	Broadcast(snapshot models.DisplaySnapshot)
}

// Config holds machine policy knobs.
type Config struct {
	Amount            int64
	Currency          string
	RotationLimit     int
	LowStockThreshold int
	VerifyAmount      bool
}

// MotorCommand values returned to the polling device.
const (
	MotorStart = "start"
	MotorStop  = "stop"
)

const notifyTimeout = 15 * time.Second

// VendingMachine owns all phase transitions, idempotency checks and stock
// arithmetic. Exactly one transaction is in flight per deployment, so a
// single mutex serializes every read-modify-write against the store; gateway
// and mail round trips never hold it.
type VendingMachine struct {
	mu       sync.Mutex
	store    StateStore
	cache    *redisstore.StateCache
	gateway  PaymentGateway
	notifier Notifier
	caster   Broadcaster
	logger   *zap.Logger
	cfg      Config

	// activeOrderID is the in-flight gateway order reference. It only
	// needs to survive as long as the process plus the cache mirror: a
	// crash mid-order loses nothing, a fresh order is always recreatable.
	activeOrderID  string
	refundInFlight bool
}

// NewVendingMachine builds the machine. Cache, notifier and caster may be nil.
func NewVendingMachine(
	store StateStore,
	cache *redisstore.StateCache,
	gateway PaymentGateway,
	notifier Notifier,
	caster Broadcaster,
	cfg Config,
	logger *zap.Logger,
) *VendingMachine {
	if cfg.RotationLimit <= 0 {
		cfg.RotationLimit = 3
	}
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	return &VendingMachine{
		store:    store,
		cache:    cache,
		gateway:  gateway,
		notifier: notifier,
		caster:   caster,
		logger:   logger,
		cfg:      cfg,
	}
}

// Restore repopulates the ephemeral order id from the cache mirror after a
// process restart.
func (m *VendingMachine) Restore(ctx context.Context) {
	if m.cache == nil {
		return
	}
	cached, err := m.cache.Get(ctx)
	if err != nil {
		m.logger.Debug("no cached state to restore", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.activeOrderID = cached.ActiveOrderID
	m.mu.Unlock()
}

// OrderResult is returned to the paying client.
type OrderResult struct {
	OrderID  string
	Amount   int64
	Currency string
}

// CreateOrder allocates a gateway order for the configured price. The phase
// must be READY both before and after the gateway round trip.
func (m *VendingMachine) CreateOrder(ctx context.Context) (OrderResult, error) {
	var result OrderResult

	m.mu.Lock()
	st, err := m.store.Load(ctx)
	if err != nil {
		m.mu.Unlock()
		return result, err
	}
	if st.Phase != models.PhaseReady {
		m.mu.Unlock()
		return result, fmt.Errorf("%w: phase %s", ErrInvalidTransition, st.Phase)
	}
	m.mu.Unlock()

	receipt := fmt.Sprintf("order_%d", time.Now().UnixMilli())
	orderID, err := m.gateway.CreateOrder(ctx, m.cfg.Amount, m.cfg.Currency, receipt)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err = m.store.Load(ctx)
	if err != nil {
		return result, err
	}
	// a concurrent request may have won the race while the lock was released
	if st.Phase != models.PhaseReady {
		return result, fmt.Errorf("%w: phase %s", ErrInvalidTransition, st.Phase)
	}

	st.Phase = models.PhaseOrderCreated
	m.activeOrderID = orderID
	if err := m.commit(ctx, st, models.AuditOrderCreated, orderID); err != nil {
		m.activeOrderID = ""
		return result, err
	}

	return OrderResult{OrderID: orderID, Amount: m.cfg.Amount, Currency: m.cfg.Currency}, nil
}

// VerifyPayment validates the checkout signature against the active order,
// optionally cross-checks the paid amount, and advances the machine to
// DISPENSING in a single commit. The device observes the new phase on its
// next poll as the motor-start command.
func (m *VendingMachine) VerifyPayment(ctx context.Context, paymentID, signature string) error {
	if paymentID == "" || signature == "" {
		return fmt.Errorf("%w: payment id and signature are required", ErrValidation)
	}

	m.mu.Lock()
	st, err := m.store.Load(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if st.Phase != models.PhaseOrderCreated || m.activeOrderID == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: phase %s", ErrInvalidTransition, st.Phase)
	}
	orderID := m.activeOrderID
	m.mu.Unlock()

	if !m.gateway.VerifySignature(orderID, paymentID, signature) {
		return ErrSignatureInvalid
	}

	if m.cfg.VerifyAmount {
		payment, err := m.gateway.FetchPayment(ctx, paymentID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		if payment.Amount < m.cfg.Amount {
			return fmt.Errorf("%w: got %d, want %d", ErrAmountMismatch, payment.Amount, m.cfg.Amount)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err = m.store.Load(ctx)
	if err != nil {
		return err
	}
	if st.Phase != models.PhaseOrderCreated {
		return fmt.Errorf("%w: phase %s", ErrInvalidTransition, st.Phase)
	}

	st.Phase = models.PhaseDispensing
	st.ActivePaymentID = paymentID
	st.RotationCount = 0
	m.audit(ctx, models.AuditPaymentVerified, paymentID)
	return m.commit(ctx, st, "", "")
}

// MotorCommand is a pure function of the current phase, read from the
// durable store so the device never acts on a stale mirror.
func (m *VendingMachine) MotorCommand(ctx context.Context) (string, error) {
	st, err := m.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if st.Phase == models.PhasePaid || st.Phase == models.PhaseDispensing {
		return MotorStart, nil
	}
	return MotorStop, nil
}

// ReportSensor resolves the dispensing attempt: a physical trigger settles
// the transaction, its absence refunds it.
func (m *VendingMachine) ReportSensor(ctx context.Context, triggered bool) error {
	if triggered {
		return m.settle(ctx)
	}
	return m.issueRefund(ctx, "sensor not triggered", "")
}

// ReportRotation accumulates device-reported motor rotations. Crossing the
// configured limit forces the refund path without a sensor report.
func (m *VendingMachine) ReportRotation(ctx context.Context, rotation int) (bool, error) {
	if rotation <= 0 {
		return false, fmt.Errorf("%w: rotation must be positive", ErrValidation)
	}

	m.mu.Lock()
	st, err := m.store.Load(ctx)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	if st.Phase != models.PhaseDispensing {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: phase %s", ErrInvalidTransition, st.Phase)
	}

	st.RotationCount += rotation
	if st.RotationCount <= m.cfg.RotationLimit {
		err = m.commit(ctx, st, "", "")
		m.mu.Unlock()
		return false, err
	}
	if err := m.commit(ctx, st, "", ""); err != nil {
		m.mu.Unlock()
		return false, err
	}
	m.mu.Unlock()

	if err := m.issueRefund(ctx, "rotation limit exceeded", ""); err != nil {
		return false, err
	}
	return true, nil
}

// Refund issues an at-most-once refund for the given payment id. A repeat
// request for an already refunded payment fails with ErrDuplicateRefund.
func (m *VendingMachine) Refund(ctx context.Context, paymentID, reason string) error {
	if paymentID == "" {
		return fmt.Errorf("%w: payment id is required", ErrValidation)
	}
	if reason == "" {
		reason = "manual refund"
	}
	return m.issueRefund(ctx, reason, paymentID)
}

// issueRefund performs the fault path. wantPaymentID pins the refund to a
// specific payment; empty means whatever payment is active. The gateway call
// happens without the lock; the phase only flips to REFUNDED after the
// gateway confirms, so a failed refund stays at DISPENSING and can be
// retried without double-refunding.
func (m *VendingMachine) issueRefund(ctx context.Context, reason, wantPaymentID string) error {
	m.mu.Lock()
	st, err := m.store.Load(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if wantPaymentID != "" && st.RefundedPaymentID == wantPaymentID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRefund, wantPaymentID)
	}
	if st.Phase != models.PhaseDispensing || st.ActivePaymentID == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: no dispensing payment to refund", ErrInvalidTransition)
	}
	if wantPaymentID != "" && wantPaymentID != st.ActivePaymentID {
		m.mu.Unlock()
		return fmt.Errorf("%w: payment id does not match active payment", ErrValidation)
	}
	if m.refundInFlight {
		m.mu.Unlock()
		return fmt.Errorf("%w: refund already in flight", ErrDuplicateRefund)
	}
	paymentID := st.ActivePaymentID
	m.refundInFlight = true
	m.mu.Unlock()

	m.notifyAsync("Dispense fault detected",
		fmt.Sprintf("Dispensing failed (%s). Refunding payment %s.", reason, paymentID))

	refundErr := m.gateway.Refund(ctx, paymentID, m.cfg.Amount)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refundInFlight = false

	if refundErr != nil {
		m.audit(ctx, models.AuditRefundFailed, fmt.Sprintf("%s: %v", paymentID, refundErr))
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, refundErr)
	}

	st, err = m.store.Load(ctx)
	if err != nil {
		return err
	}
	st.Phase = models.PhaseRefunded
	st.RefundedPaymentID = paymentID
	st.ActivePaymentID = ""
	st.RotationCount = 0
	m.activeOrderID = ""
	if err := m.commit(ctx, st, models.AuditRefunded, fmt.Sprintf("%s: %s", paymentID, reason)); err != nil {
		return err
	}

	m.notifyAsync("Refund issued",
		fmt.Sprintf("Payment %s refunded: %s. Machine is out of service until reset.", paymentID, reason))
	return nil
}

// settle commits the stock deduction. SETTLED is transient bookkeeping: the
// same commit returns the machine to READY for the next transaction. Stock
// decrements at most once per payment id.
func (m *VendingMachine) settle(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	if st.Phase != models.PhaseDispensing || st.ActivePaymentID == "" {
		return fmt.Errorf("%w: no dispensing payment to settle", ErrInvalidTransition)
	}

	paymentID := st.ActivePaymentID
	if st.SettledPaymentID != paymentID && st.StockCount > 0 {
		st.StockCount--
	}
	st.SettledPaymentID = paymentID
	st.ActivePaymentID = ""
	st.RotationCount = 0
	st.Phase = models.PhaseReady
	m.activeOrderID = ""
	m.audit(ctx, models.AuditSettled, paymentID)
	if err := m.commit(ctx, st, "", ""); err != nil {
		return err
	}

	if st.StockCount < m.cfg.LowStockThreshold {
		m.notifyAsync("Low stock alert",
			fmt.Sprintf("Stock is critically low: %d units remaining.", st.StockCount))
	}
	return nil
}

// ReportConnectivity parks the machine in INACTIVE on a connectivity-loss
// report and restores the prior phase on reconnect. Stock and payment fields
// are untouched either way.
func (m *VendingMachine) ReportConnectivity(ctx context.Context, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	if !online {
		if st.Phase == models.PhaseInactive {
			return nil
		}
		now := time.Now().UTC()
		st.PriorPhase = st.Phase
		st.Phase = models.PhaseInactive
		st.InactiveSince = &now
		return m.commit(ctx, st, models.AuditInactive, string(st.PriorPhase))
	}

	if st.Phase != models.PhaseInactive {
		return nil
	}
	restored := st.PriorPhase
	if restored == "" || !restored.Valid() {
		restored = models.PhaseReady
	}
	st.Phase = restored
	st.PriorPhase = ""
	st.InactiveSince = nil
	return m.commit(ctx, st, models.AuditRecovered, string(restored))
}

// Display is the read-only projection for device-side UI, read from the
// durable store rather than the cache.
func (m *VendingMachine) Display(ctx context.Context) (models.DisplaySnapshot, error) {
	st, err := m.store.Load(ctx)
	if err != nil {
		return models.DisplaySnapshot{}, err
	}
	return st.Snapshot(), nil
}

// SetStock sets the stock level directly (administrative).
func (m *VendingMachine) SetStock(ctx context.Context, count int) error {
	if count < 0 {
		return fmt.Errorf("%w: stock count must not be negative", ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	st.StockCount = count
	return m.commit(ctx, st, models.AuditStockSet, fmt.Sprintf("%d", count))
}

// Reset forces the machine back to READY and clears all transaction
// correlation. Settled/refunded payment markers survive so idempotency
// checks still hold across resets.
func (m *VendingMachine) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	st.Phase = models.PhaseReady
	st.PriorPhase = ""
	st.ActivePaymentID = ""
	st.RotationCount = 0
	st.InactiveSince = nil
	m.activeOrderID = ""
	return m.commit(ctx, st, models.AuditReset, "")
}

// commit writes the state through the store, then refreshes the cache mirror
// and pushes the new snapshot to connected displays. Cache and broadcast are
// best-effort; the store write is the transition. Callers hold the lock.
func (m *VendingMachine) commit(ctx context.Context, st *models.TransactionState, auditType, auditMsg string) error {
	if err := m.store.Save(ctx, st); err != nil {
		return err
	}
	if auditType != "" {
		m.audit(ctx, auditType, auditMsg)
	}
	if m.cache != nil {
		cacheErr := m.cache.Save(ctx, redisstore.CachedState{
			StockCount:    st.StockCount,
			Phase:         st.Phase,
			ActiveOrderID: m.activeOrderID,
			PaymentID:     st.ActivePaymentID,
			RotationCount: st.RotationCount,
			UpdatedAt:     time.Now().UTC(),
		})
		if cacheErr != nil {
			m.logger.Warn("failed to refresh state cache", zap.Error(cacheErr))
		}
	}
	if m.caster != nil {
		m.caster.Broadcast(st.Snapshot())
	}
	return nil
}

func (m *VendingMachine) audit(ctx context.Context, eventType, message string) {
	if err := m.store.AppendAudit(ctx, eventType, message); err != nil {
		m.logger.Warn("failed to append audit entry", zap.String("type", eventType), zap.Error(err))
	}
}

func (m *VendingMachine) notifyAsync(subject, body string) {
	if m.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := m.notifier.Notify(ctx, subject, body); err != nil {
			m.logger.Warn("notification delivery failed", zap.String("subject", subject), zap.Error(err))
		}
	}()
}
