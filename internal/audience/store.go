package audience

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SegmentKind distinguishes frozen member lists from tag filters.
type SegmentKind string

const (
	SegmentStatic  SegmentKind = "static"
	SegmentDynamic SegmentKind = "dynamic"
)

// Segment is a read-only view of a segment definition. Segment CRUD lives
// outside the engine; this store only reads.
type Segment struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string
	Kind     SegmentKind
	TagIDs   []uuid.UUID
}

// Member is one resolvable audience entry.
type Member struct {
	ContactID uuid.UUID
	Phone     string
}

// ErrSegmentNotFound signals the referenced segment no longer exists.
var ErrSegmentNotFound = errors.New("audience: segment not found")

type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads segment definitions and membership from Postgres.
type Store struct {
	pool Querier
}

func NewStore(pool Querier) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// GetSegment fetches a segment definition with its tag filter.
func (s *Store) GetSegment(ctx context.Context, segmentID uuid.UUID) (Segment, error) {
	query := `
		SELECT s.id, s.tenant_id, s.name, s.kind,
			COALESCE(array_agg(st.tag_id) FILTER (WHERE st.tag_id IS NOT NULL), '{}')
		FROM segments s
		LEFT JOIN segment_tags st ON st.segment_id = s.id
		WHERE s.id = $1
		GROUP BY s.id
	`
	var seg Segment
	var kind string
	if err := s.pool.QueryRow(ctx, query, segmentID).Scan(&seg.ID, &seg.TenantID, &seg.Name, &kind, &seg.TagIDs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Segment{}, ErrSegmentNotFound
		}
		return Segment{}, fmt.Errorf("audience: get segment: %w", err)
	}
	seg.Kind = SegmentKind(kind)
	return seg, nil
}

// ListStaticMembers returns the frozen member list captured at segment
// creation, in capture order.
func (s *Store) ListStaticMembers(ctx context.Context, segmentID uuid.UUID) ([]Member, error) {
	query := `
		SELECT sm.contact_id, c.phone_e164
		FROM segment_members sm
		JOIN contacts c ON c.id = sm.contact_id
		WHERE sm.segment_id = $1
		ORDER BY sm.position, sm.contact_id
	`
	rows, err := s.pool.Query(ctx, query, segmentID)
	if err != nil {
		return nil, fmt.Errorf("audience: list static members: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

// ListContactsByTags re-evaluates a tag filter against current contact/tag
// state. OR semantics: a contact with any of the tags matches.
func (s *Store) ListContactsByTags(ctx context.Context, tenantID uuid.UUID, tagIDs []uuid.UUID) ([]Member, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT DISTINCT ON (c.id) c.id, c.phone_e164
		FROM contacts c
		JOIN contact_tags ct ON ct.contact_id = c.id
		WHERE c.tenant_id = $1 AND ct.tag_id = ANY($2)
		ORDER BY c.id
	`
	rows, err := s.pool.Query(ctx, query, tenantID, tagIDs)
	if err != nil {
		return nil, fmt.Errorf("audience: list contacts by tags: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

func scanMembers(rows pgx.Rows) ([]Member, error) {
	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ContactID, &m.Phone); err != nil {
			return nil, fmt.Errorf("audience: scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// GetContactVars returns the template variables for one contact merged with
// tenant-level vars: firstName, lastName, phone plus any tenant attributes.
func (s *Store) GetContactVars(ctx context.Context, contactID uuid.UUID) (map[string]string, error) {
	query := `
		SELECT c.first_name, c.last_name, c.phone_e164, t.company_name, t.agent_name
		FROM contacts c
		JOIN tenants t ON t.id = c.tenant_id
		WHERE c.id = $1
	`
	var firstName, lastName, phone, companyName, agentName string
	if err := s.pool.QueryRow(ctx, query, contactID).Scan(&firstName, &lastName, &phone, &companyName, &agentName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("audience: contact %s: %w", contactID, pgx.ErrNoRows)
		}
		return nil, fmt.Errorf("audience: get contact vars: %w", err)
	}
	return map[string]string{
		"firstName":   firstName,
		"lastName":    lastName,
		"phone":       phone,
		"companyName": companyName,
		"agentName":   agentName,
	}, nil
}
