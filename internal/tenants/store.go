package tenants

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Settings is the tenant configuration the engine reads: compliance window,
// sending cadence, and the provisioned sender number. Tenant CRUD lives
// outside the engine.
type Settings struct {
	ID                uuid.UUID
	Name              string
	Timezone          string
	QuietHoursStart   string
	QuietHoursEnd     string
	ConsentRequired   bool
	SendRatePerMinute int
	SendJitterMinMs   int
	SendJitterMaxMs   int
	FromNumber        string
	CompanyName       string
	AgentName         string
}

// ErrNotFound is returned when no tenant matches.
var ErrNotFound = errors.New("tenants: not found")

type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads tenant settings from Postgres.
type Store struct {
	pool Querier
}

func NewStore(pool Querier) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

const settingsColumns = `
	id, name, timezone, quiet_hours_start, quiet_hours_end, consent_required,
	send_rate_per_minute, send_jitter_min_ms, send_jitter_max_ms,
	from_e164, company_name, agent_name
`

// GetSettings fetches one tenant's settings.
func (s *Store) GetSettings(ctx context.Context, tenantID uuid.UUID) (Settings, error) {
	query := `SELECT ` + settingsColumns + ` FROM tenants WHERE id = $1`
	return s.scan(s.pool.QueryRow(ctx, query, tenantID))
}

// LookupByNumber resolves a tenant from its provisioned sender number, used
// to route inbound webhooks.
func (s *Store) LookupByNumber(ctx context.Context, number string) (Settings, error) {
	query := `SELECT ` + settingsColumns + ` FROM tenants WHERE from_e164 = $1 LIMIT 1`
	return s.scan(s.pool.QueryRow(ctx, query, number))
}

func (s *Store) scan(row pgx.Row) (Settings, error) {
	var set Settings
	err := row.Scan(&set.ID, &set.Name, &set.Timezone, &set.QuietHoursStart, &set.QuietHoursEnd, &set.ConsentRequired,
		&set.SendRatePerMinute, &set.SendJitterMinMs, &set.SendJitterMaxMs,
		&set.FromNumber, &set.CompanyName, &set.AgentName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Settings{}, ErrNotFound
		}
		return Settings{}, fmt.Errorf("tenants: scan settings: %w", err)
	}
	return set, nil
}
