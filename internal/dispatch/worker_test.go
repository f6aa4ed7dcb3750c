package dispatch

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/outreachly/campaign-engine/internal/ledger"
	"github.com/outreachly/campaign-engine/internal/observability/metrics"
	"github.com/outreachly/campaign-engine/internal/ratelimit"
	"github.com/outreachly/campaign-engine/internal/telnyxclient"
	"github.com/outreachly/campaign-engine/internal/tenants"
)

type fakeDeliveryStore struct {
	records     map[uuid.UUID]ledger.MessageRecord
	transitions []ledger.Status
	events      []ledger.EventType
	providerIDs []string
	retries     []time.Time
}

func newFakeDeliveryStore(recs ...ledger.MessageRecord) *fakeDeliveryStore {
	s := &fakeDeliveryStore{records: make(map[uuid.UUID]ledger.MessageRecord)}
	for _, r := range recs {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeDeliveryStore) GetByID(_ context.Context, id uuid.UUID) (ledger.MessageRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return ledger.MessageRecord{}, ledger.ErrNotFound
	}
	return rec, nil
}

func (s *fakeDeliveryStore) TransitionStatus(_ context.Context, _ ledger.Querier, id uuid.UUID, to ledger.Status) (bool, error) {
	s.transitions = append(s.transitions, to)
	rec := s.records[id]
	rec.Status = to
	s.records[id] = rec
	return true, nil
}

func (s *fakeDeliveryStore) AppendEvent(_ context.Context, _ ledger.Querier, _ uuid.UUID, event ledger.EventType, _, _ string) (bool, error) {
	s.events = append(s.events, event)
	return true, nil
}

func (s *fakeDeliveryStore) SetProviderMessageID(_ context.Context, _ ledger.Querier, _ uuid.UUID, providerMessageID string) error {
	s.providerIDs = append(s.providerIDs, providerMessageID)
	return nil
}

func (s *fakeDeliveryStore) ScheduleRetry(_ context.Context, _ ledger.Querier, id uuid.UUID, nextRetry time.Time) error {
	s.retries = append(s.retries, nextRetry)
	rec := s.records[id]
	rec.SendAttempts++
	rec.NextRetryAt = &nextRetry
	s.records[id] = rec
	return nil
}

func (s *fakeDeliveryStore) ListRetryCandidates(_ context.Context, _, maxAttempts int) ([]ledger.MessageRecord, error) {
	var due []ledger.MessageRecord
	for _, rec := range s.records {
		if rec.Status == ledger.StatusQueued && rec.SendAttempts > 0 && rec.SendAttempts < maxAttempts {
			due = append(due, rec)
		}
	}
	return due, nil
}

type fakeProvider struct {
	resp   *telnyxclient.MessageResponse
	err    error
	calls  int
	onSend func()
}

func (f *fakeProvider) SendMessage(_ context.Context, _ telnyxclient.SendMessageRequest) (*telnyxclient.MessageResponse, error) {
	f.calls++
	if f.onSend != nil {
		f.onSend()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakePacer struct {
	tenantIDs []string
	rates     []int
	err       error
	onWait    func()
}

func (f *fakePacer) Wait(_ context.Context, tenantID string, settings ratelimit.Settings) error {
	f.tenantIDs = append(f.tenantIDs, tenantID)
	f.rates = append(f.rates, settings.RatePerMinute)
	if f.onWait != nil {
		f.onWait()
	}
	return f.err
}

type errTenants struct{}

func (errTenants) GetSettings(_ context.Context, _ uuid.UUID) (tenants.Settings, error) {
	return tenants.Settings{}, errors.New("db down")
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func queuedMessage() ledger.MessageRecord {
	return ledger.MessageRecord{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		From:     "+15550001111",
		To:       "+15557654321",
		Body:     "hello",
		Status:   ledger.StatusQueued,
	}
}

func newWorkerFixture(store *fakeDeliveryStore, provider *fakeProvider) *Worker {
	return NewWorker(WorkerConfig{
		Queue:       NewMemoryQueue(8),
		Store:       store,
		Provider:    provider,
		Limiter:     &fakePacer{},
		Tenants:     &fakeTenants{settings: testTenant()},
		Metrics:     metrics.NewCampaignMetrics(prometheus.NewRegistry()),
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
	})
}

func TestDeliverSuccessMarksSent(t *testing.T) {
	rec := queuedMessage()
	store := newFakeDeliveryStore(rec)
	provider := &fakeProvider{resp: &telnyxclient.MessageResponse{ID: "prov-1", Status: "queued"}}
	w := newWorkerFixture(store, provider)

	w.Deliver(context.Background(), rec.ID)

	require.Equal(t, []ledger.Status{ledger.StatusSent}, store.transitions)
	require.Equal(t, []ledger.EventType{ledger.EventSent}, store.events)
	require.Equal(t, []string{"prov-1"}, store.providerIDs)
	require.Empty(t, store.retries)
}

func TestDeliverTransientFailureSchedulesRetry(t *testing.T) {
	rec := queuedMessage()
	store := newFakeDeliveryStore(rec)
	provider := &fakeProvider{err: timeoutErr{}}
	w := newWorkerFixture(store, provider)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	w.Deliver(context.Background(), rec.ID)

	require.Empty(t, store.transitions)
	require.Empty(t, store.events)
	require.Equal(t, []time.Time{base.Add(time.Minute)}, store.retries)
}

func TestDeliverBackoffDoubles(t *testing.T) {
	rec := queuedMessage()
	rec.SendAttempts = 1
	store := newFakeDeliveryStore(rec)
	provider := &fakeProvider{err: timeoutErr{}}
	w := newWorkerFixture(store, provider)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	w.Deliver(context.Background(), rec.ID)

	require.Equal(t, []time.Time{base.Add(2 * time.Minute)}, store.retries)
}

func TestDeliverPermanentFailureFinalizes(t *testing.T) {
	rec := queuedMessage()
	store := newFakeDeliveryStore(rec)
	provider := &fakeProvider{err: errors.New("telnyxclient: invalid destination (status=422)")}
	w := newWorkerFixture(store, provider)

	w.Deliver(context.Background(), rec.ID)

	require.Equal(t, []ledger.Status{ledger.StatusFailed}, store.transitions)
	require.Equal(t, []ledger.EventType{ledger.EventFailed}, store.events)
	require.Empty(t, store.retries)
}

func TestDeliverExhaustedAttemptsFinalizes(t *testing.T) {
	rec := queuedMessage()
	rec.SendAttempts = 2 // next attempt is the third and last
	store := newFakeDeliveryStore(rec)
	provider := &fakeProvider{err: timeoutErr{}}
	w := newWorkerFixture(store, provider)

	w.Deliver(context.Background(), rec.ID)

	require.Equal(t, []ledger.Status{ledger.StatusFailed}, store.transitions)
	require.Empty(t, store.retries)
}

func TestDeliverSkipsSettledMessage(t *testing.T) {
	rec := queuedMessage()
	rec.Status = ledger.StatusDelivered
	store := newFakeDeliveryStore(rec)
	provider := &fakeProvider{resp: &telnyxclient.MessageResponse{ID: "prov-1"}}
	w := newWorkerFixture(store, provider)

	w.Deliver(context.Background(), rec.ID)

	require.Zero(t, provider.calls)
	require.Empty(t, store.transitions)
}

func TestDeliverAdmitsBeforeProviderCall(t *testing.T) {
	rec := queuedMessage()
	store := newFakeDeliveryStore(rec)
	var order []string
	pacer := &fakePacer{onWait: func() { order = append(order, "admit") }}
	provider := &fakeProvider{
		resp:   &telnyxclient.MessageResponse{ID: "prov-1", Status: "queued"},
		onSend: func() { order = append(order, "send") },
	}
	tenant := testTenant()
	w := NewWorker(WorkerConfig{
		Queue:       NewMemoryQueue(8),
		Store:       store,
		Provider:    provider,
		Limiter:     pacer,
		Tenants:     &fakeTenants{settings: tenant},
		Metrics:     metrics.NewCampaignMetrics(prometheus.NewRegistry()),
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
	})

	w.Deliver(context.Background(), rec.ID)

	require.Equal(t, []string{"admit", "send"}, order)
	require.Equal(t, []string{rec.TenantID.String()}, pacer.tenantIDs)
	require.Equal(t, []int{tenant.SendRatePerMinute}, pacer.rates)
}

func TestRetryDrainPacesEachAttempt(t *testing.T) {
	tenantID := uuid.New()
	var recs []ledger.MessageRecord
	for i := 0; i < 5; i++ {
		rec := queuedMessage()
		rec.TenantID = tenantID
		rec.SendAttempts = 1
		recs = append(recs, rec)
	}
	store := newFakeDeliveryStore(recs...)
	pacer := &fakePacer{}
	provider := &fakeProvider{resp: &telnyxclient.MessageResponse{ID: "prov-1", Status: "queued"}}
	w := NewWorker(WorkerConfig{
		Queue:       NewMemoryQueue(8),
		Store:       store,
		Provider:    provider,
		Limiter:     pacer,
		Tenants:     &fakeTenants{settings: testTenant()},
		Metrics:     metrics.NewCampaignMetrics(prometheus.NewRegistry()),
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
	})
	retry := NewRetryWorker(store, w, nil)

	retry.drain(context.Background())

	// A backlog of due retries for one tenant still takes one admission per
	// provider call.
	require.Equal(t, 5, provider.calls)
	require.Len(t, pacer.tenantIDs, 5)
	for _, id := range pacer.tenantIDs {
		require.Equal(t, tenantID.String(), id)
	}
}

func TestDeliverPacerErrorLeavesMessageQueued(t *testing.T) {
	rec := queuedMessage()
	store := newFakeDeliveryStore(rec)
	pacer := &fakePacer{err: context.Canceled}
	provider := &fakeProvider{resp: &telnyxclient.MessageResponse{ID: "prov-1"}}
	w := NewWorker(WorkerConfig{
		Queue:       NewMemoryQueue(8),
		Store:       store,
		Provider:    provider,
		Limiter:     pacer,
		Tenants:     &fakeTenants{settings: testTenant()},
		Metrics:     metrics.NewCampaignMetrics(prometheus.NewRegistry()),
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
	})

	w.Deliver(context.Background(), rec.ID)

	require.Zero(t, provider.calls)
	require.Empty(t, store.transitions)
	require.Empty(t, store.retries)
	require.Equal(t, ledger.StatusQueued, store.records[rec.ID].Status)
}

func TestDeliverSettingsFailureSchedulesRetry(t *testing.T) {
	rec := queuedMessage()
	store := newFakeDeliveryStore(rec)
	provider := &fakeProvider{resp: &telnyxclient.MessageResponse{ID: "prov-1"}}
	w := NewWorker(WorkerConfig{
		Queue:       NewMemoryQueue(8),
		Store:       store,
		Provider:    provider,
		Limiter:     &fakePacer{},
		Tenants:     errTenants{},
		Metrics:     metrics.NewCampaignMetrics(prometheus.NewRegistry()),
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
	})
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	w.Deliver(context.Background(), rec.ID)

	require.Zero(t, provider.calls)
	require.Equal(t, []time.Time{base.Add(time.Minute)}, store.retries)
}

func TestRetryWorkerDrainsDueCandidates(t *testing.T) {
	rec := queuedMessage()
	rec.SendAttempts = 1
	store := newFakeDeliveryStore(rec)
	provider := &fakeProvider{resp: &telnyxclient.MessageResponse{ID: "prov-2", Status: "queued"}}
	w := newWorkerFixture(store, provider)
	retry := NewRetryWorker(store, w, nil)

	retry.drain(context.Background())

	require.Equal(t, 1, provider.calls)
	require.Equal(t, []ledger.Status{ledger.StatusSent}, store.transitions)
}

func TestWorkerRunConsumesQueue(t *testing.T) {
	rec := queuedMessage()
	store := newFakeDeliveryStore(rec)
	provider := &fakeProvider{resp: &telnyxclient.MessageResponse{ID: "prov-3", Status: "queued"}}
	queue := NewMemoryQueue(8)
	w := NewWorker(WorkerConfig{
		Queue:       queue,
		Store:       store,
		Provider:    provider,
		Metrics:     metrics.NewCampaignMetrics(prometheus.NewRegistry()),
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
	})

	pub := NewPublisher(queue)
	require.NoError(t, pub.Publish(context.Background(), rec.ID))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return provider.calls == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	require.Equal(t, []ledger.Status{ledger.StatusSent}, store.transitions)
}
