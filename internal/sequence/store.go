package sequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Status is the enrollment lifecycle state. processing is the claim marker a
// stepper worker holds while advancing one enrollment.
type Status string

const (
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusExited     Status = "exited"
)

// Enrollment binds one contact to one drip campaign with a step cursor.
type Enrollment struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	CampaignID       uuid.UUID
	ContactID        uuid.UUID
	Phone            string
	Status           Status
	CurrentStepOrder int
	NextDueAt        *time.Time
	ExitReason       string
	CreatedAt        time.Time
}

// Due reports whether the enrollment's next step has come due at now. The
// boundary is inclusive: a step scheduled for T fires at T, never a second
// earlier. A nil NextDueAt means the step is immediately due.
func (e Enrollment) Due(now time.Time) bool {
	return e.NextDueAt == nil || !e.NextDueAt.After(now)
}

// ErrNotClaimed is returned when a cursor update targets an enrollment that
// is no longer held by this worker.
var ErrNotClaimed = errors.New("sequence: enrollment not claimed")

type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists sequence enrollments.
type Store struct {
	db Querier
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

// Enroll inserts active enrollments for the given contacts, due for the
// campaign's first step after its delay. Contacts already enrolled in the
// campaign are skipped. Returns the number of new enrollments.
func (s *Store) Enroll(ctx context.Context, tenantID, campaignID uuid.UUID, contactIDs []uuid.UUID) (int, error) {
	if len(contactIDs) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		WITH first_step AS (
			SELECT step_order, delay_minutes
			FROM campaign_steps
			WHERE campaign_id = $2
			ORDER BY step_order
			LIMIT 1
		)
		INSERT INTO sequence_enrollments
			(tenant_id, campaign_id, contact_id, phone_e164, status, current_step_order, next_due_at)
		SELECT $1, $2, c.id, c.phone_e164, 'active', fs.step_order,
			now() + fs.delay_minutes * interval '1 minute'
		FROM contacts c, first_step fs
		WHERE c.id = ANY($3) AND c.tenant_id = $1
		ON CONFLICT (campaign_id, contact_id) DO NOTHING`,
		tenantID, campaignID, contactIDs)
	if err != nil {
		return 0, fmt.Errorf("sequence: enroll: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const enrollmentColumns = `id, tenant_id, campaign_id, contact_id, phone_e164, status, current_step_order, next_due_at, COALESCE(exit_reason, ''), created_at`

// ClaimDue atomically claims up to limit enrollments whose next step has come
// due, skipping enrollments of paused campaigns. Stale processing claims
// older than claimTTL are reclaimed.
func (s *Store) ClaimDue(ctx context.Context, limit int, claimTTL time.Duration) ([]Enrollment, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE sequence_enrollments SET status = 'processing', claimed_at = now()
		WHERE id IN (
			SELECT e.id FROM sequence_enrollments e
			JOIN campaigns c ON c.id = e.campaign_id
			WHERE ((e.status = 'active' AND e.next_due_at <= now())
				OR (e.status = 'processing' AND e.claimed_at < now() - $2::interval))
				AND c.status NOT IN ('paused', 'draft')
			ORDER BY e.next_due_at
			LIMIT $1
			FOR UPDATE OF e SKIP LOCKED
		)
		RETURNING `+enrollmentColumns,
		limit, claimTTL.String())
	if err != nil {
		return nil, fmt.Errorf("sequence: claim due: %w", err)
	}
	defer rows.Close()
	return scanEnrollments(rows)
}

// Advance moves a claimed enrollment's cursor to the next step and returns it
// to the active pool.
func (s *Store) Advance(ctx context.Context, id uuid.UUID, nextStepOrder int, nextDueAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sequence_enrollments
		SET status = 'active', current_step_order = $2, next_due_at = $3, claimed_at = NULL
		WHERE id = $1 AND status = 'processing'`,
		id, nextStepOrder, nextDueAt)
	if err != nil {
		return fmt.Errorf("sequence: advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Release returns a claimed enrollment to active without touching its cursor,
// so a transient failure is retried on the next tick.
func (s *Store) Release(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sequence_enrollments
		SET status = 'active', claimed_at = NULL
		WHERE id = $1 AND status = 'processing'`,
		id)
	if err != nil {
		return fmt.Errorf("sequence: release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Finish terminates a claimed enrollment as completed or exited.
func (s *Store) Finish(ctx context.Context, id uuid.UUID, status Status, exitReason string) error {
	if status != StatusCompleted && status != StatusExited {
		return fmt.Errorf("sequence: finish with non-terminal status %q", status)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE sequence_enrollments
		SET status = $2, exit_reason = NULLIF($3, ''), next_due_at = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'processing'`,
		id, string(status), exitReason)
	if err != nil {
		return fmt.Errorf("sequence: finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// ExitActiveForContact terminates every live enrollment for the phone, used
// when an inbound STOP arrives. Returns the number of enrollments exited.
func (s *Store) ExitActiveForContact(ctx context.Context, q Querier, tenantID uuid.UUID, phone, reason string) (int, error) {
	if q == nil {
		q = s.db
	}
	tag, err := q.Exec(ctx, `
		UPDATE sequence_enrollments
		SET status = 'exited', exit_reason = $3, next_due_at = NULL, claimed_at = NULL
		WHERE tenant_id = $1 AND phone_e164 = $2 AND status IN ('active', 'processing')`,
		tenantID, phone, reason)
	if err != nil {
		return 0, fmt.Errorf("sequence: exit for contact: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Counts summarizes a campaign's enrollments.
type Counts struct {
	Total int
	Live  int
}

// CountForCampaign reports how many enrollments exist for a campaign and how
// many are still live (active or processing). The scheduler uses it to decide
// when a drip campaign is finished.
func (s *Store) CountForCampaign(ctx context.Context, campaignID uuid.UUID) (Counts, error) {
	var c Counts
	err := s.db.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE status IN ('active', 'processing'))
		FROM sequence_enrollments
		WHERE campaign_id = $1`,
		campaignID).Scan(&c.Total, &c.Live)
	if err != nil {
		return Counts{}, fmt.Errorf("sequence: count for campaign: %w", err)
	}
	return c, nil
}

func scanEnrollments(rows pgx.Rows) ([]Enrollment, error) {
	var out []Enrollment
	for rows.Next() {
		var e Enrollment
		var status string
		var due sql.NullTime
		if err := rows.Scan(&e.ID, &e.TenantID, &e.CampaignID, &e.ContactID, &e.Phone, &status, &e.CurrentStepOrder, &due, &e.ExitReason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sequence: scan enrollment: %w", err)
		}
		e.Status = Status(status)
		if due.Valid {
			value := due.Time
			e.NextDueAt = &value
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
