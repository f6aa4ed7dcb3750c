package audience

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

type fakeSegmentReader struct {
	segments map[uuid.UUID]Segment
	static   map[uuid.UUID][]Member
	byTags   []Member
	tagCalls int
}

func (f *fakeSegmentReader) GetSegment(_ context.Context, id uuid.UUID) (Segment, error) {
	seg, ok := f.segments[id]
	if !ok {
		return Segment{}, ErrSegmentNotFound
	}
	return seg, nil
}

func (f *fakeSegmentReader) ListStaticMembers(_ context.Context, id uuid.UUID) ([]Member, error) {
	return f.static[id], nil
}

func (f *fakeSegmentReader) ListContactsByTags(_ context.Context, _ uuid.UUID, _ []uuid.UUID) ([]Member, error) {
	f.tagCalls++
	return f.byTags, nil
}

func TestResolveStaticReturnsFrozenList(t *testing.T) {
	segID := uuid.New()
	members := []Member{
		{ContactID: uuid.New(), Phone: "+15550000001"},
		{ContactID: uuid.New(), Phone: "+15550000002"},
	}
	store := &fakeSegmentReader{
		segments: map[uuid.UUID]Segment{segID: {ID: segID, Kind: SegmentStatic}},
		static:   map[uuid.UUID][]Member{segID: members},
	}
	r := NewResolver(store, nil)

	got, err := r.Resolve(context.Background(), segID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 || got[0].Phone != "+15550000001" {
		t.Fatalf("got %+v", got)
	}
	if store.tagCalls != 0 {
		t.Fatal("static resolution must not run the tag filter")
	}
}

func TestResolveDynamicReEvaluatesEachCall(t *testing.T) {
	segID := uuid.New()
	store := &fakeSegmentReader{
		segments: map[uuid.UUID]Segment{segID: {ID: segID, Kind: SegmentDynamic, TagIDs: []uuid.UUID{uuid.New()}}},
		byTags:   []Member{{ContactID: uuid.New(), Phone: "+15550000001"}},
	}
	r := NewResolver(store, nil)

	for i := 1; i <= 3; i++ {
		if _, err := r.Resolve(context.Background(), segID); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if store.tagCalls != i {
			t.Fatalf("tag filter runs = %d, want %d", store.tagCalls, i)
		}
	}
}

func TestResolveDeduplicatesByPhone(t *testing.T) {
	segID := uuid.New()
	first := uuid.New()
	store := &fakeSegmentReader{
		segments: map[uuid.UUID]Segment{segID: {ID: segID, Kind: SegmentStatic}},
		static: map[uuid.UUID][]Member{segID: {
			{ContactID: first, Phone: "+15550000001"},
			{ContactID: uuid.New(), Phone: "+15550000002"},
			{ContactID: uuid.New(), Phone: "+15550000001"},
			{ContactID: uuid.New(), Phone: ""},
		}},
	}
	r := NewResolver(store, nil)

	got, err := r.Resolve(context.Background(), segID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d members, want 2", len(got))
	}
	if got[0].ContactID != first {
		t.Fatal("dedupe must keep the first occurrence")
	}
}

func TestResolveMissingSegment(t *testing.T) {
	store := &fakeSegmentReader{segments: map[uuid.UUID]Segment{}}
	r := NewResolver(store, nil)

	got, err := r.Resolve(context.Background(), uuid.New())
	if got != nil {
		t.Fatalf("expected empty result, got %+v", got)
	}
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if !errors.Is(err, ErrSegmentNotFound) {
		t.Fatalf("expected wrapped ErrSegmentNotFound, got %v", err)
	}
}
