package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Claim states.
const (
	ClaimStatePending   = "PENDING"
	ClaimStateFulfilled = "FULFILLED"
	ClaimStateResidual  = "RESIDUAL"
)

/// Claim is one row of the dedup table: a canonical external-side-effect key
// mapped to the external record created for it.
type Claim struct {
	Namespace   string    `json:"namespace"`
	Key         string    `json:"key"`
	State       string    `json:"state"`
	ExternalRef string    `json:"external_ref,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GetClaim loads a claim; nil when the key was never claimed.
func (s *Store) GetClaim(ctx context.Context, namespace, key string) (*Claim, error) {
	var c Claim
	err := s.db.QueryRowContext(ctx, `
		SELECT namespace, key, state, external_ref, outcome, created_at, updated_at
		FROM dedup_claims
		WHERE namespace = ? AND key = ?;
	`, namespace, key).Scan(&c.Namespace, &c.Key, &c.State, &c.ExternalRef, &c.Outcome, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return &c, nil
}

// InsertPendingClaim records that a caller holds the key and is about to
// create the external record. Fails if the key already has a row.
func (s *Store) InsertPendingClaim(ctx context.Context, namespace, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dedup_claims (namespace, key, state) VALUES (?, ?, ?);
		`, namespace, key, ClaimStatePending)
		if err != nil {
			return fmt.Errorf("insert pending claim: %w", err)
		}
		return nil
	})
}

// FulfillClaim records the external reference produced for a claimed key.
// outcome is "created", "already_exists", or "unknown".
func (s *Store) FulfillClaim(ctx context.Context, namespace, key, externalRef, outcome string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dedup_claims
		SET state = ?, external_ref = ?, outcome = ?, updated_at = CURRENT_TIMESTAMP
		WHERE namespace = ? AND key = ?;
	`, ClaimStateFulfilled, externalRef, outcome, namespace, key)
	if err != nil {
		return fmt.Errorf("fulfill claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fulfill claim rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("fulfill claim %s/%s: no pending row", namespace, key)
	}
	return nil
}

// DeleteClaim reopens an abandoned key so another caller may claim it.
func (s *Store) DeleteClaim(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM dedup_claims WHERE namespace = ? AND key = ? AND state = ?;
	`, namespace, key, ClaimStatePending)
	if err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	return nil
}

// MarkResidualClaim records a duplicate that slipped past the race window.
// Residuals are reconciled out-of-band; they are recorded, never hidden.
func (s *Store) MarkResidualClaim(ctx context.Context, namespace, key, externalRef string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_claims (namespace, key, state, external_ref)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE
		SET state = excluded.state, external_ref = excluded.external_ref, updated_at = CURRENT_TIMESTAMP;
	`, namespace, key, ClaimStateResidual, externalRef)
	if err != nil {
		return fmt.Errorf("mark residual claim: %w", err)
	}
	return nil
}

// ListClaims returns every claim row, for checkpointing.
func (s *Store) ListClaims(ctx context.Context) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, key, state, external_ref, outcome, created_at, updated_at
		FROM dedup_claims
		ORDER BY namespace, key;
	`)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	var out []Claim
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.Namespace, &c.Key, &c.State, &c.ExternalRef, &c.Outcome, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RestoreClaim reinserts a checkpointed claim row, replacing any existing row.
func (s *Store) RestoreClaim(ctx context.Context, c Claim) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_claims (namespace, key, state, external_ref, outcome)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE
		SET state = excluded.state, external_ref = excluded.external_ref,
		    outcome = excluded.outcome, updated_at = CURRENT_TIMESTAMP;
	`, c.Namespace, c.Key, c.State, c.ExternalRef, c.Outcome)
	if err != nil {
		return fmt.Errorf("restore claim: %w", err)
	}
	return nil
}
