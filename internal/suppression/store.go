package suppression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the pgx subset store methods run against, so a transaction can
// stand in for the pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists the per-tenant suppression registry and reads consent
// records. Suppressions block all sends to a phone until explicitly removed;
// consent records are append-only evidence this store never mutates beyond
// appending.
type Store struct {
	pool Querier
}

func NewStore(pool Querier) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// Entry is one suppression row for operator review.
type Entry struct {
	TenantID  uuid.UUID
	Phone     string
	Source    string
	CreatedAt time.Time
}

// Insert adds a suppression for (tenant, phone). Idempotent: re-inserting an
// existing suppression refreshes the source and succeeds.
func (s *Store) Insert(ctx context.Context, q Querier, tenantID uuid.UUID, phone, source string) error {
	if q == nil {
		q = s.pool
	}
	query := `
		INSERT INTO suppressions (tenant_id, phone_e164, source)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, phone_e164) DO UPDATE
		SET source = EXCLUDED.source,
			updated_at = now()
	`
	if _, err := q.Exec(ctx, query, tenantID, phone, source); err != nil {
		return fmt.Errorf("suppression: insert: %w", err)
	}
	return nil
}

// Remove deletes a suppression so the phone becomes sendable again.
func (s *Store) Remove(ctx context.Context, q Querier, tenantID uuid.UUID, phone string) error {
	if q == nil {
		q = s.pool
	}
	query := `
		DELETE FROM suppressions
		WHERE tenant_id = $1 AND phone_e164 = $2
	`
	if _, err := q.Exec(ctx, query, tenantID, phone); err != nil {
		return fmt.Errorf("suppression: remove: %w", err)
	}
	return nil
}

// IsSuppressed reports whether (tenant, phone) is in the registry.
func (s *Store) IsSuppressed(ctx context.Context, tenantID uuid.UUID, phone string) (bool, error) {
	query := `
		SELECT 1 FROM suppressions
		WHERE tenant_id = $1 AND phone_e164 = $2
	`
	var exists int
	if err := s.pool.QueryRow(ctx, query, tenantID, phone).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("suppression: check: %w", err)
	}
	return true, nil
}

// List returns the tenant's suppressions, newest first.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]Entry, error) {
	query := `
		SELECT tenant_id, phone_e164, source, created_at
		FROM suppressions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("suppression: list: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TenantID, &e.Phone, &e.Source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("suppression: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordConsent appends a grant or revoke consent record.
func (s *Store) RecordConsent(ctx context.Context, q Querier, tenantID uuid.UUID, phone, action, source string) error {
	if action != "grant" && action != "revoke" {
		return fmt.Errorf("suppression: invalid consent action %q", action)
	}
	if q == nil {
		q = s.pool
	}
	query := `
		INSERT INTO consent_records (tenant_id, phone_e164, action, source)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := q.Exec(ctx, query, tenantID, phone, action, source); err != nil {
		return fmt.Errorf("suppression: record consent: %w", err)
	}
	return nil
}

// HasConsent reports whether the latest consent record for (tenant, phone) is
// a grant.
func (s *Store) HasConsent(ctx context.Context, tenantID uuid.UUID, phone string) (bool, error) {
	query := `
		SELECT action
		FROM consent_records
		WHERE tenant_id = $1 AND phone_e164 = $2
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1
	`
	var action string
	if err := s.pool.QueryRow(ctx, query, tenantID, phone).Scan(&action); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("suppression: check consent: %w", err)
	}
	return action == "grant", nil
}
