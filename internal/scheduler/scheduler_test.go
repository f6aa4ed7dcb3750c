package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/outreachly/campaign-engine/internal/audience"
	"github.com/outreachly/campaign-engine/internal/campaign"
	"github.com/outreachly/campaign-engine/internal/compliance"
	"github.com/outreachly/campaign-engine/internal/dispatch"
	"github.com/outreachly/campaign-engine/internal/sequence"
	"github.com/outreachly/campaign-engine/internal/tenants"
)

type fakeCampaignStore struct {
	due      []campaign.Campaign
	steps    []campaign.Step
	released map[uuid.UUID]campaign.Status
}

func (f *fakeCampaignStore) ClaimDue(_ context.Context, _ int, _ time.Duration) ([]campaign.Campaign, error) {
	due := f.due
	f.due = nil
	return due, nil
}

func (f *fakeCampaignStore) Release(_ context.Context, id uuid.UUID, to campaign.Status) error {
	if f.released == nil {
		f.released = make(map[uuid.UUID]campaign.Status)
	}
	f.released[id] = to
	return nil
}

func (f *fakeCampaignStore) ListSteps(_ context.Context, _ uuid.UUID) ([]campaign.Step, error) {
	return f.steps, nil
}

type fakeResolver struct {
	members []audience.Member
	err     error
}

func (f *fakeResolver) Resolve(_ context.Context, _ uuid.UUID) ([]audience.Member, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.members, nil
}

type fakeTenants struct{ settings tenants.Settings }

func (f *fakeTenants) GetSettings(_ context.Context, _ uuid.UUID) (tenants.Settings, error) {
	return f.settings, nil
}

type fakeVars struct{}

func (fakeVars) GetContactVars(_ context.Context, _ uuid.UUID) (map[string]string, error) {
	return map[string]string{"firstName": "Ada"}, nil
}

type fakePipeline struct {
	mu       sync.Mutex
	requests []dispatch.SendRequest
	blocked  compliance.BlockReason
}

func (f *fakePipeline) Send(_ context.Context, req dispatch.SendRequest) (dispatch.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.blocked != "" {
		return dispatch.Outcome{MessageID: uuid.New(), Blocked: true, Reason: f.blocked}, nil
	}
	return dispatch.Outcome{MessageID: uuid.New()}, nil
}

func (f *fakePipeline) sentTo() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, req := range f.requests {
		out[req.To]++
	}
	return out
}

type fakeSentPhones struct{ phones map[string]struct{} }

func (f *fakeSentPhones) PhonesForCampaign(_ context.Context, _ uuid.UUID) (map[string]struct{}, error) {
	if f.phones == nil {
		return map[string]struct{}{}, nil
	}
	return f.phones, nil
}

type fakeCounter struct{ counts sequence.Counts }

func (f *fakeCounter) CountForCampaign(_ context.Context, _ uuid.UUID) (sequence.Counts, error) {
	return f.counts, nil
}

type fakeStepper struct{ calls int }

func (f *fakeStepper) ProcessDue(_ context.Context) int {
	f.calls++
	return 0
}

func blastCampaign() campaign.Campaign {
	return campaign.Campaign{
		ID:         uuid.New(),
		TenantID:   uuid.New(),
		Name:       "spring promo",
		Type:       campaign.TypeBlast,
		Status:     campaign.StatusInProgress,
		SegmentID:  uuid.New(),
		FromNumber: "+15550001111",
	}
}

func newFixture(store *fakeCampaignStore, resolver *fakeResolver, pipeline *fakePipeline, sent *fakeSentPhones, counter *fakeCounter, stepper *fakeStepper) *Scheduler {
	return New(Config{
		Campaigns:   store,
		Resolver:    resolver,
		Tenants:     &fakeTenants{settings: tenants.Settings{ID: uuid.New(), Timezone: "UTC", SendRatePerMinute: 600, FromNumber: "+15550009999", CompanyName: "Acme"}},
		Vars:        fakeVars{},
		Pipeline:    pipeline,
		SentPhones:  sent,
		Enrollments: counter,
		Stepper:     stepper,
		WorkerCount: 2,
	})
}

func TestTickSendsBlastAndCompletes(t *testing.T) {
	c := blastCampaign()
	store := &fakeCampaignStore{
		due:   []campaign.Campaign{c},
		steps: []campaign.Step{{StepOrder: 1, BodyTemplate: "Hi {{firstName}} from {{companyName}}"}},
	}
	resolver := &fakeResolver{members: []audience.Member{
		{ContactID: uuid.New(), Phone: "+15551110001"},
		{ContactID: uuid.New(), Phone: "+15551110002"},
		{ContactID: uuid.New(), Phone: "+15551110003"},
	}}
	pipeline := &fakePipeline{}
	stepper := &fakeStepper{}
	s := newFixture(store, resolver, pipeline, &fakeSentPhones{}, &fakeCounter{}, stepper)

	s.Tick(context.Background())

	require.Len(t, pipeline.requests, 3)
	require.Equal(t, campaign.StatusCompleted, store.released[c.ID])
	require.Equal(t, 1, stepper.calls)

	req := pipeline.requests[0]
	require.Equal(t, c.ID, *req.CampaignID)
	require.Equal(t, c.FromNumber, req.From)
	require.Equal(t, "Acme", req.Vars["companyName"])
}

func TestTickSkipsAlreadyLedgeredPhones(t *testing.T) {
	c := blastCampaign()
	store := &fakeCampaignStore{
		due:   []campaign.Campaign{c},
		steps: []campaign.Step{{StepOrder: 1, BodyTemplate: "hello"}},
	}
	resolver := &fakeResolver{members: []audience.Member{
		{ContactID: uuid.New(), Phone: "+15551110001"},
		{ContactID: uuid.New(), Phone: "+15551110002"},
	}}
	pipeline := &fakePipeline{}
	sent := &fakeSentPhones{phones: map[string]struct{}{"+15551110001": {}}}
	s := newFixture(store, resolver, pipeline, sent, &fakeCounter{}, &fakeStepper{})

	s.Tick(context.Background())

	counts := pipeline.sentTo()
	require.Zero(t, counts["+15551110001"], "already-ledgered phone must not be re-sent")
	require.Equal(t, 1, counts["+15551110002"])
	require.Equal(t, campaign.StatusCompleted, store.released[c.ID])
}

func TestTickQuietHoursBlockKeepsBlastRunning(t *testing.T) {
	c := blastCampaign()
	store := &fakeCampaignStore{
		due:   []campaign.Campaign{c},
		steps: []campaign.Step{{StepOrder: 1, BodyTemplate: "hello"}},
	}
	resolver := &fakeResolver{members: []audience.Member{
		{ContactID: uuid.New(), Phone: "+15551110001"},
	}}
	pipeline := &fakePipeline{blocked: compliance.BlockQuietHours}
	s := newFixture(store, resolver, pipeline, &fakeSentPhones{}, &fakeCounter{}, &fakeStepper{})

	s.Tick(context.Background())

	// Quiet hours lifts; the first tick inside the window re-attempts the
	// member, so the campaign must not settle as completed.
	require.Len(t, pipeline.requests, 1)
	require.Equal(t, campaign.StatusRunning, store.released[c.ID])
}

func TestTickSuppressedBlockCompletesBlast(t *testing.T) {
	c := blastCampaign()
	store := &fakeCampaignStore{
		due:   []campaign.Campaign{c},
		steps: []campaign.Step{{StepOrder: 1, BodyTemplate: "hello"}},
	}
	resolver := &fakeResolver{members: []audience.Member{
		{ContactID: uuid.New(), Phone: "+15551110001"},
	}}
	pipeline := &fakePipeline{blocked: compliance.BlockSuppressed}
	s := newFixture(store, resolver, pipeline, &fakeSentPhones{}, &fakeCounter{}, &fakeStepper{})

	s.Tick(context.Background())

	require.Equal(t, campaign.StatusCompleted, store.released[c.ID], "a suppression block settles permanently")
}

func TestTickResolutionErrorRetriesNextCycle(t *testing.T) {
	c := blastCampaign()
	store := &fakeCampaignStore{due: []campaign.Campaign{c}}
	resolver := &fakeResolver{err: &audience.ResolutionError{SegmentID: c.SegmentID, Err: audience.ErrSegmentNotFound}}
	pipeline := &fakePipeline{}
	s := newFixture(store, resolver, pipeline, &fakeSentPhones{}, &fakeCounter{}, &fakeStepper{})

	s.Tick(context.Background())

	require.Empty(t, pipeline.requests)
	require.Equal(t, campaign.StatusRunning, store.released[c.ID], "campaign stays eligible for the next tick")
}

func TestTickDripCompletesWhenEnrollmentsDone(t *testing.T) {
	c := blastCampaign()
	c.Type = campaign.TypeDrip
	store := &fakeCampaignStore{due: []campaign.Campaign{c}}
	s := newFixture(store, &fakeResolver{}, &fakePipeline{}, &fakeSentPhones{}, &fakeCounter{counts: sequence.Counts{Total: 5, Live: 0}}, &fakeStepper{})

	s.Tick(context.Background())

	require.Equal(t, campaign.StatusCompleted, store.released[c.ID])
}

func TestTickDripStaysRunningWhileLive(t *testing.T) {
	c := blastCampaign()
	c.Type = campaign.TypeDrip
	store := &fakeCampaignStore{due: []campaign.Campaign{c}}
	s := newFixture(store, &fakeResolver{}, &fakePipeline{}, &fakeSentPhones{}, &fakeCounter{counts: sequence.Counts{Total: 5, Live: 2}}, &fakeStepper{})

	s.Tick(context.Background())

	require.Equal(t, campaign.StatusRunning, store.released[c.ID])
}

func TestTickDripWithNoEnrollmentsStaysRunning(t *testing.T) {
	c := blastCampaign()
	c.Type = campaign.TypeDrip
	store := &fakeCampaignStore{due: []campaign.Campaign{c}}
	s := newFixture(store, &fakeResolver{}, &fakePipeline{}, &fakeSentPhones{}, &fakeCounter{}, &fakeStepper{})

	s.Tick(context.Background())

	require.Equal(t, campaign.StatusRunning, store.released[c.ID])
}
