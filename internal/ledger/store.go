package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx used by store methods, so callers can pass a
// transaction in place of the pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool surface the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNotFound is returned when a message lookup matches nothing.
var ErrNotFound = errors.New("ledger: message not found")

// Store persists messages and their append-only event log in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// MessageRecord mirrors one row of the messages table.
type MessageRecord struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	CampaignID        *uuid.UUID
	EnrollmentID      *uuid.UUID
	ConversationID    string
	Direction         string
	From              string
	To                string
	Body              string
	Media             []string
	Status            Status
	ProviderMessageID string
	SendAttempts      int
	NextRetryAt       *time.Time
	CreatedAt         time.Time
}

// EventRecord mirrors one row of the message_events table.
type EventRecord struct {
	ID                uuid.UUID
	MessageID         uuid.UUID
	EventType         EventType
	Reason            string
	ProviderMessageID string
	OccurredAt        time.Time
}

func (s *Store) InsertMessage(ctx context.Context, q Querier, rec MessageRecord) (uuid.UUID, error) {
	if q == nil {
		q = s.pool
	}
	if rec.Media == nil {
		rec.Media = []string{}
	}
	media, err := json.Marshal(rec.Media)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ledger: marshal media: %w", err)
	}
	status := rec.Status
	if status == "" {
		status = StatusQueued
	}
	query := `
		INSERT INTO messages (
			tenant_id, campaign_id, enrollment_id, conversation_id, direction,
			from_e164, to_e164, body, media, status,
			provider_message_id, send_attempts, next_retry_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id
	`
	var id uuid.UUID
	if err := q.QueryRow(ctx, query, rec.TenantID, rec.CampaignID, rec.EnrollmentID, rec.ConversationID, rec.Direction,
		rec.From, rec.To, rec.Body, media, string(status),
		rec.ProviderMessageID, rec.SendAttempts, rec.NextRetryAt).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("ledger: insert message: %w", err)
	}
	return id, nil
}

// AppendEvent records a ledger event. Returns false when the same
// (message_id, event_type) pair was already recorded: duplicate application of
// a terminal event is a no-op by construction.
func (s *Store) AppendEvent(ctx context.Context, q Querier, messageID uuid.UUID, event EventType, reason, providerMessageID string) (bool, error) {
	if q == nil {
		q = s.pool
	}
	query := `
		INSERT INTO message_events (message_id, event_type, reason, provider_message_id)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		ON CONFLICT (message_id, event_type) DO NOTHING
	`
	ct, err := q.Exec(ctx, query, messageID, string(event), reason, providerMessageID)
	if err != nil {
		return false, fmt.Errorf("ledger: append event: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// TransitionStatus moves a message to the target status only when its current
// status is a legal prior state. Returns false when the guard rejected the
// edge, which callers treat as "someone else already settled this message".
func (s *Store) TransitionStatus(ctx context.Context, q Querier, messageID uuid.UUID, to Status) (bool, error) {
	if q == nil {
		q = s.pool
	}
	priors := priorStatusStrings(to)
	if len(priors) == 0 {
		return false, ErrInvalidTransition
	}
	query := `
		UPDATE messages
		SET status = $2,
			next_retry_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = ANY($3)
	`
	ct, err := q.Exec(ctx, query, messageID, string(to), priors)
	if err != nil {
		return false, fmt.Errorf("ledger: transition status: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func priorStatusStrings(to Status) []string {
	priors := PriorStates(to)
	out := make([]string, 0, len(priors))
	for _, p := range priors {
		out = append(out, string(p))
	}
	return out
}

// SetProviderMessageID stores the provider's id for an outbound message.
func (s *Store) SetProviderMessageID(ctx context.Context, q Querier, messageID uuid.UUID, providerMessageID string) error {
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return nil
	}
	if q == nil {
		q = s.pool
	}
	query := `
		UPDATE messages
		SET provider_message_id = $2
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, messageID, providerMessageID); err != nil {
		return fmt.Errorf("ledger: set provider message id: %w", err)
	}
	return nil
}

// GetByProviderID looks up an outbound message by the provider's message id.
func (s *Store) GetByProviderID(ctx context.Context, providerMessageID string) (MessageRecord, error) {
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return MessageRecord{}, ErrNotFound
	}
	query := `
		SELECT id, tenant_id, campaign_id, enrollment_id, conversation_id, direction,
			from_e164, to_e164, body, media, status,
			provider_message_id, send_attempts, next_retry_at, created_at
		FROM messages
		WHERE provider_message_id = $1
		LIMIT 1
	`
	return s.scanMessage(s.pool.QueryRow(ctx, query, providerMessageID))
}

// GetByID looks up a message by its UUID.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (MessageRecord, error) {
	query := `
		SELECT id, tenant_id, campaign_id, enrollment_id, conversation_id, direction,
			from_e164, to_e164, body, media, status,
			provider_message_id, send_attempts, next_retry_at, created_at
		FROM messages
		WHERE id = $1
	`
	return s.scanMessage(s.pool.QueryRow(ctx, query, id))
}

func (s *Store) scanMessage(row pgx.Row) (MessageRecord, error) {
	var rec MessageRecord
	var media []byte
	var status string
	var nextRetry sql.NullTime
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.CampaignID, &rec.EnrollmentID, &rec.ConversationID, &rec.Direction,
		&rec.From, &rec.To, &rec.Body, &media, &status,
		&rec.ProviderMessageID, &rec.SendAttempts, &nextRetry, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MessageRecord{}, ErrNotFound
		}
		return MessageRecord{}, fmt.Errorf("ledger: scan message: %w", err)
	}
	if len(media) > 0 {
		if err := json.Unmarshal(media, &rec.Media); err != nil {
			return MessageRecord{}, fmt.Errorf("ledger: decode media: %w", err)
		}
	}
	rec.Status = Status(status)
	if nextRetry.Valid {
		value := nextRetry.Time
		rec.NextRetryAt = &value
	}
	return rec, nil
}

// ScheduleRetry bumps the attempt counter and parks the message until the
// next retry becomes due. The status stays queued; the retry worker owns the
// re-check.
func (s *Store) ScheduleRetry(ctx context.Context, q Querier, messageID uuid.UUID, nextRetry time.Time) error {
	if q == nil {
		q = s.pool
	}
	query := `
		UPDATE messages
		SET send_attempts = send_attempts + 1,
			next_retry_at = $2,
			updated_at = now()
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, messageID, nextRetry); err != nil {
		return fmt.Errorf("ledger: schedule retry: %w", err)
	}
	return nil
}

// ListRetryCandidates returns queued outbound messages whose retry is due and
// whose attempt budget is not exhausted.
func (s *Store) ListRetryCandidates(ctx context.Context, limit, maxAttempts int) ([]MessageRecord, error) {
	query := `
		SELECT id, tenant_id, campaign_id, enrollment_id, conversation_id, direction,
			from_e164, to_e164, body, media, status,
			provider_message_id, send_attempts, next_retry_at, created_at
		FROM messages
		WHERE direction = 'outbound'
			AND status = 'queued'
			AND send_attempts > 0
			AND send_attempts < $1
			AND next_retry_at IS NOT NULL
			AND next_retry_at <= now()
		ORDER BY next_retry_at, created_at
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list retry candidates: %w", err)
	}
	defer rows.Close()
	var results []MessageRecord
	for rows.Next() {
		rec, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// PhonesForCampaign returns the destination numbers already ledgered for a
// campaign. The scheduler consults it when re-claiming a blast so a crashed
// tick never sends twice to the same contact. Quiet-hours blocks are left
// out of the set: that block lifts when the tenant's window opens, and the
// next tick inside the window re-attempts the member.
func (s *Store) PhonesForCampaign(ctx context.Context, campaignID uuid.UUID) (map[string]struct{}, error) {
	query := `
		SELECT DISTINCT m.to_e164
		FROM messages m
		WHERE m.campaign_id = $1 AND m.direction = 'outbound'
			AND NOT (m.status = 'blocked' AND EXISTS (
				SELECT 1 FROM message_events e
				WHERE e.message_id = m.id AND e.reason = 'QUIET_HOURS'
			))
	`
	rows, err := s.pool.Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("ledger: phones for campaign: %w", err)
	}
	defer rows.Close()
	phones := make(map[string]struct{})
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, fmt.Errorf("ledger: scan phone: %w", err)
		}
		phones[phone] = struct{}{}
	}
	return phones, rows.Err()
}

// ListEvents returns the event log for one message, oldest first.
func (s *Store) ListEvents(ctx context.Context, messageID uuid.UUID) ([]EventRecord, error) {
	query := `
		SELECT id, message_id, event_type, COALESCE(reason, ''), COALESCE(provider_message_id, ''), occurred_at
		FROM message_events
		WHERE message_id = $1
		ORDER BY occurred_at, id
	`
	rows, err := s.pool.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list events: %w", err)
	}
	defer rows.Close()
	var events []EventRecord
	for rows.Next() {
		var rec EventRecord
		var eventType string
		if err := rows.Scan(&rec.ID, &rec.MessageID, &eventType, &rec.Reason, &rec.ProviderMessageID, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		rec.EventType = EventType(eventType)
		events = append(events, rec)
	}
	return events, rows.Err()
}
