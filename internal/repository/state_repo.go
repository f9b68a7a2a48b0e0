package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"vendpoint/internal/models"
)

// ErrStateNotFound indicates the singleton state row is missing.
var ErrStateNotFound = errors.New("state row not found")

// StateRepository persists the single machine state row and the audit log.
type StateRepository struct {
	db *sql.DB
}

// NewStateRepository returns repository.
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

// Bootstrap creates the schema if needed and seeds the state row with the
// configured initial stock. Seeding is a no-op when the row already exists.
func (r *StateRepository) Bootstrap(ctx context.Context, initialStock int) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS vending_state (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			stock_count INT NOT NULL CHECK (stock_count >= 0),
			phase TEXT NOT NULL,
			prior_phase TEXT NOT NULL DEFAULT '',
			active_payment_id TEXT NOT NULL DEFAULT '',
			rotation_count INT NOT NULL DEFAULT 0,
			inactive_since TIMESTAMPTZ,
			settled_payment_id TEXT NOT NULL DEFAULT '',
			refunded_payment_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	const seed = `
		INSERT INTO vending_state (id, stock_count, phase)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, seed, initialStock, models.PhaseReady)
	return err
}

// Load reads the state row. An unrecognized stored phase surfaces as ERROR so
// the machine refuses to act on it until an administrator resets.
func (r *StateRepository) Load(ctx context.Context) (*models.TransactionState, error) {
	const query = `
		SELECT stock_count, phase, prior_phase, active_payment_id, rotation_count,
		       inactive_since, settled_payment_id, refunded_payment_id, updated_at
		FROM vending_state
		WHERE id = 1
	`
	var (
		st       models.TransactionState
		inactive sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query).Scan(
		&st.StockCount,
		&st.Phase,
		&st.PriorPhase,
		&st.ActivePaymentID,
		&st.RotationCount,
		&inactive,
		&st.SettledPaymentID,
		&st.RefundedPaymentID,
		&st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	if inactive.Valid {
		t := inactive.Time
		st.InactiveSince = &t
	}
	if !st.Phase.Valid() {
		st.Phase = models.PhaseError
	}
	return &st, nil
}

// Save writes the full state row through.
func (r *StateRepository) Save(ctx context.Context, st *models.TransactionState) error {
	const query = `
		UPDATE vending_state
		SET stock_count = $1,
		    phase = $2,
		    prior_phase = $3,
		    active_payment_id = $4,
		    rotation_count = $5,
		    inactive_since = $6,
		    settled_payment_id = $7,
		    refunded_payment_id = $8,
		    updated_at = NOW()
		WHERE id = 1
	`
	var inactive sql.NullTime
	if st.InactiveSince != nil {
		inactive = sql.NullTime{Time: st.InactiveSince.UTC(), Valid: true}
	}
	result, err := r.db.ExecContext(ctx, query,
		st.StockCount,
		st.Phase,
		st.PriorPhase,
		st.ActivePaymentID,
		st.RotationCount,
		inactive,
		st.SettledPaymentID,
		st.RefundedPaymentID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStateNotFound
	}
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendAudit records one audit event. Audit failures do not affect machine
// correctness and are handled as best-effort by the caller.
func (r *StateRepository) AppendAudit(ctx context.Context, eventType, message string) error {
	const query = `INSERT INTO audit_log (type, message) VALUES ($1, $2)`
	_, err := r.db.ExecContext(ctx, query, eventType, message)
	return err
}

// RecentAudit returns the last N audit entries, newest first.
func (r *StateRepository) RecentAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT type, message, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.Type, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
