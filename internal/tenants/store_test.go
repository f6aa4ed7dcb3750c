package tenants

import (
	"context"
	"testing"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func settingsRows(id uuid.UUID) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "name", "timezone", "quiet_hours_start", "quiet_hours_end", "consent_required",
		"send_rate_per_minute", "send_jitter_min_ms", "send_jitter_max_ms",
		"from_e164", "company_name", "agent_name",
	}).AddRow(id, "Glow Labs", "America/Chicago", "20:00", "08:00", true,
		30, 250, 1500, "+15550009999", "Glow Labs", "Dana")
}

func TestGetSettings(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := &Store{pool: mock}
	tenantID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM tenants WHERE id").
		WithArgs(tenantID).
		WillReturnRows(settingsRows(tenantID))

	set, err := store.GetSettings(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if set.Timezone != "America/Chicago" || set.SendRatePerMinute != 30 || !set.ConsentRequired {
		t.Fatalf("settings = %+v", set)
	}
}

func TestLookupByNumber(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := &Store{pool: mock}
	tenantID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM tenants WHERE from_e164").
		WithArgs("+15550009999").
		WillReturnRows(settingsRows(tenantID))
	set, err := store.LookupByNumber(context.Background(), "+15550009999")
	if err != nil || set.ID != tenantID {
		t.Fatalf("lookup: %+v err=%v", set, err)
	}

	mock.ExpectQuery("SELECT (.+) FROM tenants WHERE from_e164").
		WithArgs("+15550000000").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	if _, err := store.LookupByNumber(context.Background(), "+15550000000"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
