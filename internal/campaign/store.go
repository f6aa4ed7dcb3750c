package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a campaign id does not exist for the tenant.
	ErrNotFound = errors.New("campaign not found")
	// ErrInvalidState is returned when a lifecycle operation does not apply to
	// the campaign's current status (e.g. scheduling a running campaign).
	ErrInvalidState = errors.New("campaign is not in a valid state for this operation")
)

// Querier is the subset of pgx behavior the store needs, satisfied by
// *pgxpool.Pool and by pgxmock in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists campaigns and their steps.
type Store struct {
	db Querier
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

const campaignColumns = `id, tenant_id, name, type, status, segment_id, from_number, start_at, created_at`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Type, &c.Status, &c.SegmentID, &c.FromNumber, &c.StartAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	return &c, nil
}

// Create inserts a draft campaign and its steps.
func (s *Store) Create(ctx context.Context, c *Campaign, steps []Step) (*Campaign, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO campaigns (tenant_id, name, type, status, segment_id, from_number, start_at)
		 VALUES ($1, $2, $3, 'draft', $4, $5, $6)
		 RETURNING `+campaignColumns,
		c.TenantID, c.Name, c.Type, c.SegmentID, c.FromNumber, c.StartAt)
	created, err := scanCampaign(row)
	if err != nil {
		return nil, fmt.Errorf("insert campaign: %w", err)
	}
	for i := range steps {
		_, err := s.db.Exec(ctx,
			`INSERT INTO campaign_steps (campaign_id, step_order, delay_minutes, body_template, media_url)
			 VALUES ($1, $2, $3, $4, $5)`,
			created.ID, steps[i].StepOrder, steps[i].DelayMinutes, steps[i].BodyTemplate, steps[i].MediaURL)
		if err != nil {
			return nil, fmt.Errorf("insert campaign step %d: %w", steps[i].StepOrder, err)
		}
	}
	return created, nil
}

// Get returns a campaign scoped to the tenant.
func (s *Store) Get(ctx context.Context, tenantID, id uuid.UUID) (*Campaign, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	return scanCampaign(row)
}

// ListSteps returns the campaign's steps ordered by step_order.
func (s *Store) ListSteps(ctx context.Context, campaignID uuid.UUID) ([]Step, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, campaign_id, step_order, delay_minutes, body_template, COALESCE(media_url, '')
		 FROM campaign_steps WHERE campaign_id = $1 ORDER BY step_order`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("query campaign steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.ID, &st.CampaignID, &st.StepOrder, &st.DelayMinutes, &st.BodyTemplate, &st.MediaURL); err != nil {
			return nil, fmt.Errorf("scan campaign step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// Schedule flips draft -> scheduled with an optional start time. A nil startAt
// means the campaign is eligible on the next scheduler tick.
func (s *Store) Schedule(ctx context.Context, tenantID, id uuid.UUID, startAt *time.Time) error {
	return s.transition(ctx, tenantID, id,
		`UPDATE campaigns SET status = 'scheduled', start_at = $3, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND status = 'draft'`, startAt)
}

// Pause stops further sends for a scheduled or running campaign. A campaign
// currently claimed by a worker is paused too; the worker observes the flip
// on release.
func (s *Store) Pause(ctx context.Context, tenantID, id uuid.UUID) error {
	return s.transition(ctx, tenantID, id,
		`UPDATE campaigns SET status = 'paused', updated_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND status IN ('scheduled', 'running', 'in_progress')`)
}

// Resume returns a paused campaign to running.
func (s *Store) Resume(ctx context.Context, tenantID, id uuid.UUID) error {
	return s.transition(ctx, tenantID, id,
		`UPDATE campaigns SET status = 'running', updated_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND status = 'paused'`)
}

func (s *Store) transition(ctx context.Context, tenantID, id uuid.UUID, sql string, extra ...any) error {
	args := append([]any{id, tenantID}, extra...)
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, tenantID, id); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

// ClaimDue atomically claims up to limit campaigns that are ready for a
// scheduler pass: scheduled campaigns whose start time has arrived, running
// campaigns, and stale in_progress claims older than claimTTL (a crashed
// worker's claim). FOR UPDATE SKIP LOCKED keeps concurrent workers from
// blocking on each other's rows.
func (s *Store) ClaimDue(ctx context.Context, limit int, claimTTL time.Duration) ([]Campaign, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE campaigns SET status = 'in_progress', claimed_at = now(), updated_at = now()
		 WHERE id IN (
		   SELECT id FROM campaigns
		   WHERE (status = 'scheduled' AND (start_at IS NULL OR start_at <= now()))
		      OR status = 'running'
		      OR (status = 'in_progress' AND claimed_at < now() - $2::interval)
		   ORDER BY created_at
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+campaignColumns,
		limit, claimTTL.String())
	if err != nil {
		return nil, fmt.Errorf("claim due campaigns: %w", err)
	}
	defer rows.Close()

	var claimed []Campaign
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Type, &c.Status, &c.SegmentID, &c.FromNumber, &c.StartAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claimed campaign: %w", err)
		}
		claimed = append(claimed, c)
	}
	return claimed, rows.Err()
}

// Release returns a claimed campaign to the given status. It only applies
// while the claim is still held, so a reclaimed stale campaign is not
// clobbered by the original worker finishing late.
func (s *Store) Release(ctx context.Context, id uuid.UUID, to Status) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE campaigns SET status = $2, claimed_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'in_progress'`,
		id, to)
	if err != nil {
		return fmt.Errorf("release campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}
