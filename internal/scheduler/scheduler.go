package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/outreachly/campaign-engine/internal/audience"
	"github.com/outreachly/campaign-engine/internal/campaign"
	"github.com/outreachly/campaign-engine/internal/compliance"
	"github.com/outreachly/campaign-engine/internal/dispatch"
	"github.com/outreachly/campaign-engine/internal/sequence"
	"github.com/outreachly/campaign-engine/internal/tenants"
	"github.com/outreachly/campaign-engine/pkg/logging"
)

type campaignStore interface {
	ClaimDue(ctx context.Context, limit int, claimTTL time.Duration) ([]campaign.Campaign, error)
	Release(ctx context.Context, id uuid.UUID, to campaign.Status) error
	ListSteps(ctx context.Context, campaignID uuid.UUID) ([]campaign.Step, error)
}

type audienceResolver interface {
	Resolve(ctx context.Context, segmentID uuid.UUID) ([]audience.Member, error)
}

type tenantReader interface {
	GetSettings(ctx context.Context, tenantID uuid.UUID) (tenants.Settings, error)
}

type varsReader interface {
	GetContactVars(ctx context.Context, contactID uuid.UUID) (map[string]string, error)
}

type sendPipeline interface {
	Send(ctx context.Context, req dispatch.SendRequest) (dispatch.Outcome, error)
}

type sentPhonesReader interface {
	PhonesForCampaign(ctx context.Context, campaignID uuid.UUID) (map[string]struct{}, error)
}

type enrollmentCounter interface {
	CountForCampaign(ctx context.Context, campaignID uuid.UUID) (sequence.Counts, error)
}

type stepProcessor interface {
	ProcessDue(ctx context.Context) int
}

// Scheduler is the recurring tick loop: it claims due campaigns, fans each
// blast audience out through the dispatch pipeline with bounded concurrency,
// and drives the sequence stepper. The campaign row's in_progress status is
// the cross-process mutex; a claim held by a crashed worker ages out via the
// claim TTL.
type Scheduler struct {
	campaigns   campaignStore
	resolver    audienceResolver
	tenants     tenantReader
	vars        varsReader
	pipeline    sendPipeline
	sentPhones  sentPhonesReader
	enrollments enrollmentCounter
	stepper     stepProcessor
	logger      *logging.Logger
	interval    time.Duration
	claimTTL    time.Duration
	claimLimit  int
	workerCount int
}

type Config struct {
	Campaigns   campaignStore
	Resolver    audienceResolver
	Tenants     tenantReader
	Vars        varsReader
	Pipeline    sendPipeline
	SentPhones  sentPhonesReader
	Enrollments enrollmentCounter
	Stepper     stepProcessor
	Logger      *logging.Logger
	Interval    time.Duration
	ClaimTTL    time.Duration
	ClaimLimit  int
	WorkerCount int
}

func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}
	claimLimit := cfg.ClaimLimit
	if claimLimit <= 0 {
		claimLimit = 10
	}
	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 4
	}
	return &Scheduler{
		campaigns:   cfg.Campaigns,
		resolver:    cfg.Resolver,
		tenants:     cfg.Tenants,
		vars:        cfg.Vars,
		pipeline:    cfg.Pipeline,
		sentPhones:  cfg.SentPhones,
		enrollments: cfg.Enrollments,
		stepper:     cfg.Stepper,
		logger:      logger.Component("scheduler"),
		interval:    interval,
		claimTTL:    claimTTL,
		claimLimit:  claimLimit,
		workerCount: workerCount,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. A failure on one campaign never stops the
// loop or the other campaigns.
func (s *Scheduler) Tick(ctx context.Context) {
	claimed, err := s.campaigns.ClaimDue(ctx, s.claimLimit, s.claimTTL)
	if err != nil {
		s.logger.Error("claim due campaigns failed", "error", err)
	}
	for _, c := range claimed {
		if ctx.Err() != nil {
			return
		}
		s.process(ctx, c)
	}
	if s.stepper != nil {
		s.stepper.ProcessDue(ctx)
	}
}

func (s *Scheduler) process(ctx context.Context, c campaign.Campaign) {
	switch c.Type {
	case campaign.TypeBlast:
		s.processBlast(ctx, c)
	case campaign.TypeDrip:
		s.processDrip(ctx, c)
	default:
		s.logger.Error("unknown campaign type", "campaign_id", c.ID, "type", c.Type)
		s.release(ctx, c.ID, campaign.StatusPaused)
	}
}

// processBlast sends the campaign's single step to every resolvable audience
// member not already ledgered, then completes the campaign.
func (s *Scheduler) processBlast(ctx context.Context, c campaign.Campaign) {
	logger := s.logger.WithTenant(c.TenantID.String())

	members, err := s.resolver.Resolve(ctx, c.SegmentID)
	if err != nil {
		var resErr *audience.ResolutionError
		if errors.As(err, &resErr) {
			// Skip the tick; the campaign stays eligible and retries next cycle.
			logger.Warn("audience resolution failed, retrying next tick", "error", err, "campaign_id", c.ID)
			s.release(ctx, c.ID, campaign.StatusRunning)
			return
		}
		logger.Error("resolve audience failed", "error", err, "campaign_id", c.ID)
		s.release(ctx, c.ID, campaign.StatusRunning)
		return
	}

	settings, err := s.tenants.GetSettings(ctx, c.TenantID)
	if err != nil {
		logger.Error("load tenant settings failed", "error", err, "campaign_id", c.ID)
		s.release(ctx, c.ID, campaign.StatusRunning)
		return
	}
	steps, err := s.campaigns.ListSteps(ctx, c.ID)
	if err != nil || len(steps) == 0 {
		logger.Error("load campaign steps failed", "error", err, "campaign_id", c.ID)
		s.release(ctx, c.ID, campaign.StatusRunning)
		return
	}
	step := steps[0]

	already, err := s.sentPhones.PhonesForCampaign(ctx, c.ID)
	if err != nil {
		logger.Error("load ledgered phones failed", "error", err, "campaign_id", c.ID)
		s.release(ctx, c.ID, campaign.StatusRunning)
		return
	}

	var media []string
	if step.MediaURL != "" {
		media = []string{step.MediaURL}
	}

	// Bounded fan-out: the pool caps how many members are in flight at once.
	sem := make(chan struct{}, s.workerCount)
	var wg sync.WaitGroup
	var deferred atomic.Int64
	for _, member := range members {
		if ctx.Err() != nil {
			break
		}
		if _, done := already[member.Phone]; done {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(m audience.Member) {
			defer wg.Done()
			defer func() { <-sem }()
			if s.sendTo(ctx, c, settings, step, m, media) {
				deferred.Add(1)
			}
		}(member)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// Shutting down mid-blast; leave the campaign running so the ledger
		// dedupe resumes it next claim.
		s.release(context.WithoutCancel(ctx), c.ID, campaign.StatusRunning)
		return
	}
	if n := deferred.Load(); n > 0 {
		// Quiet hours is a transient block: the campaign stays running and
		// the first tick inside the tenant's window re-attempts these members.
		s.release(ctx, c.ID, campaign.StatusRunning)
		logger.Info("blast deferred by quiet hours", "campaign_id", c.ID, "deferred", n)
		return
	}
	s.release(ctx, c.ID, campaign.StatusCompleted)
	logger.Info("blast completed", "campaign_id", c.ID, "audience_size", len(members))
}

// sendTo dispatches one member and reports whether the only thing standing in
// the way was the tenant's quiet-hours window.
func (s *Scheduler) sendTo(ctx context.Context, c campaign.Campaign, settings tenants.Settings, step campaign.Step, m audience.Member, media []string) bool {
	vars, err := s.vars.GetContactVars(ctx, m.ContactID)
	if err != nil {
		s.logger.Error("load contact vars failed", "error", err, "contact_id", m.ContactID)
		vars = map[string]string{}
	}
	if settings.CompanyName != "" {
		vars["companyName"] = settings.CompanyName
	}
	if settings.AgentName != "" {
		vars["agentName"] = settings.AgentName
	}
	campaignID := c.ID
	from := c.FromNumber
	if from == "" {
		from = settings.FromNumber
	}
	outcome, err := s.pipeline.Send(ctx, dispatch.SendRequest{
		Tenant:       settings,
		CampaignID:   &campaignID,
		From:         from,
		To:           m.Phone,
		BodyTemplate: step.BodyTemplate,
		Vars:         vars,
		Media:        media,
	})
	if err != nil {
		s.logger.Error("blast send failed", "error", err, "campaign_id", c.ID, "to", m.Phone)
		return false
	}
	return outcome.Blocked && outcome.Reason == compliance.BlockQuietHours
}

// processDrip promotes a claimed drip campaign back to running, or completes
// it once every enrollment has finished. Step dispatch itself is driven by
// the stepper off the enrollment cursors.
func (s *Scheduler) processDrip(ctx context.Context, c campaign.Campaign) {
	counts, err := s.enrollments.CountForCampaign(ctx, c.ID)
	if err != nil {
		s.logger.Error("count enrollments failed", "error", err, "campaign_id", c.ID)
		s.release(ctx, c.ID, campaign.StatusRunning)
		return
	}
	if counts.Total > 0 && counts.Live == 0 {
		s.release(ctx, c.ID, campaign.StatusCompleted)
		s.logger.Info("drip completed", "campaign_id", c.ID, "enrollments", counts.Total)
		return
	}
	s.release(ctx, c.ID, campaign.StatusRunning)
}

func (s *Scheduler) release(ctx context.Context, id uuid.UUID, to campaign.Status) {
	if err := s.campaigns.Release(ctx, id, to); err != nil {
		if errors.Is(err, campaign.ErrInvalidState) {
			// An operator paused the campaign while we held the claim.
			s.logger.Info("campaign state changed during tick", "campaign_id", id)
			return
		}
		s.logger.Error("release campaign failed", "error", err, "campaign_id", id)
	}
}
