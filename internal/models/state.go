package models

import "time"

// Phase is the position of the current transaction in its lifecycle.
type Phase string

// Lifecycle phases.
const (
	PhaseReady        Phase = "READY"
	PhaseOrderCreated Phase = "ORDER_CREATED"
	PhasePaid         Phase = "PAID"
	PhaseDispensing   Phase = "DISPENSING"
	PhaseSettled      Phase = "SETTLED"
	PhaseRefunded     Phase = "REFUNDED"
	PhaseInactive     Phase = "INACTIVE"
	PhaseError        Phase = "ERROR"
)

// allowedTransitions maps a phase to the phases reachable from it.
// INACTIVE restores whatever phase was recorded before the outage, so it
// may transition anywhere; administrative reset bypasses the table entirely.
var allowedTransitions = map[Phase][]Phase{
	PhaseReady:        {PhaseOrderCreated, PhaseInactive},
	PhaseOrderCreated: {PhasePaid, PhaseDispensing, PhaseInactive},
	PhasePaid:         {PhaseDispensing, PhaseInactive},
	PhaseDispensing:   {PhaseSettled, PhaseRefunded, PhaseInactive},
	PhaseSettled:      {PhaseReady},
	PhaseRefunded:     {PhaseInactive},
	PhaseInactive:     nil, // any
	PhaseError:        {PhaseInactive},
}

// CanTransition reports whether moving from one phase to another is allowed.
func CanTransition(from, to Phase) bool {
	if from == PhaseInactive {
		return true
	}
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := allowedTransitions[p]
	return ok
}

// Active reports whether a non-terminal transaction is in flight.
func (p Phase) Active() bool {
	return p == PhaseOrderCreated || p == PhasePaid || p == PhaseDispensing
}

// TransactionState is the single durable record of the machine. The in-flight
// gateway order id is deliberately absent: it lives in the cache only, since a
// fresh order can always be recreated after a crash.
type TransactionState struct {
	StockCount        int        `db:"stock_count" json:"stock_count"`
	Phase             Phase      `db:"phase" json:"phase"`
	PriorPhase        Phase      `db:"prior_phase" json:"prior_phase"`
	ActivePaymentID   string     `db:"active_payment_id" json:"active_payment_id"`
	RotationCount     int        `db:"rotation_count" json:"rotation_count"`
	InactiveSince     *time.Time `db:"inactive_since" json:"inactive_since,omitempty"`
	SettledPaymentID  string     `db:"settled_payment_id" json:"settled_payment_id"`
	RefundedPaymentID string     `db:"refunded_payment_id" json:"refunded_payment_id"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// DisplaySnapshot is the read-only projection served to device displays.
type DisplaySnapshot struct {
	StockCount int   `json:"stockCount"`
	Phase      Phase `json:"phase"`
	Active     bool  `json:"active"`
}

// Snapshot projects the state for device-side UI.
func (s *TransactionState) Snapshot() DisplaySnapshot {
	return DisplaySnapshot{
		StockCount: s.StockCount,
		Phase:      s.Phase,
		Active:     s.Phase.Active(),
	}
}

// Audit event types appended alongside every committed transition.
const (
	AuditOrderCreated    = "order_created"
	AuditPaymentVerified = "payment_verified"
	AuditSettled         = "settled"
	AuditRefunded        = "refunded"
	AuditRefundFailed    = "refund_failed"
	AuditInactive        = "inactive"
	AuditRecovered       = "recovered"
	AuditStockSet        = "stock_set"
	AuditReset           = "reset"
)

// AuditEntry is one row of the append-only audit log.
type AuditEntry struct {
	Type      string    `db:"type" json:"type"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
