package audience

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/outreachly/campaign-engine/pkg/logging"
)

// ResolutionError marks a resolution failure the scheduler should treat as
// retryable: skip the tick for this campaign, try again next cycle.
type ResolutionError struct {
	SegmentID uuid.UUID
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("audience: resolve segment %s: %v", e.SegmentID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type segmentReader interface {
	GetSegment(ctx context.Context, segmentID uuid.UUID) (Segment, error)
	ListStaticMembers(ctx context.Context, segmentID uuid.UUID) ([]Member, error)
	ListContactsByTags(ctx context.Context, tenantID uuid.UUID, tagIDs []uuid.UUID) ([]Member, error)
}

// Resolver expands a segment reference into an ordered, phone-deduplicated
// member list. STATIC segments return the frozen list captured at creation;
// DYNAMIC segments re-run their tag filter on every call.
type Resolver struct {
	store  segmentReader
	logger *logging.Logger
}

func NewResolver(store segmentReader, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{store: store, logger: logger.Component("audience")}
}

// Resolve returns the segment's current audience. A missing segment yields an
// empty list and a ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, segmentID uuid.UUID) ([]Member, error) {
	seg, err := r.store.GetSegment(ctx, segmentID)
	if err != nil {
		if errors.Is(err, ErrSegmentNotFound) {
			r.logger.Warn("segment missing", "segment_id", segmentID)
		}
		return nil, &ResolutionError{SegmentID: segmentID, Err: err}
	}

	var members []Member
	switch seg.Kind {
	case SegmentStatic:
		members, err = r.store.ListStaticMembers(ctx, segmentID)
	case SegmentDynamic:
		members, err = r.store.ListContactsByTags(ctx, seg.TenantID, seg.TagIDs)
	default:
		err = fmt.Errorf("unknown segment kind %q", seg.Kind)
	}
	if err != nil {
		return nil, &ResolutionError{SegmentID: segmentID, Err: err}
	}
	return dedupeByPhone(members), nil
}

// dedupeByPhone keeps the first occurrence of each phone, preserving order.
func dedupeByPhone(members []Member) []Member {
	seen := make(map[string]struct{}, len(members))
	out := members[:0]
	for _, m := range members {
		if m.Phone == "" {
			continue
		}
		if _, dup := seen[m.Phone]; dup {
			continue
		}
		seen[m.Phone] = struct{}{}
		out = append(out, m)
	}
	return out
}
