package sequence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/outreachly/campaign-engine/internal/campaign"
	"github.com/outreachly/campaign-engine/internal/dispatch"
	"github.com/outreachly/campaign-engine/internal/observability/metrics"
	"github.com/outreachly/campaign-engine/internal/tenants"
	"github.com/outreachly/campaign-engine/pkg/logging"
)

type enrollmentStore interface {
	ClaimDue(ctx context.Context, limit int, claimTTL time.Duration) ([]Enrollment, error)
	Advance(ctx context.Context, id uuid.UUID, nextStepOrder int, nextDueAt time.Time) error
	Release(ctx context.Context, id uuid.UUID) error
	Finish(ctx context.Context, id uuid.UUID, status Status, exitReason string) error
}

type campaignReader interface {
	ListSteps(ctx context.Context, campaignID uuid.UUID) ([]campaign.Step, error)
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

// Stepper advances due drip enrollments: re-run the compliance gate, dispatch
// the current step, move the cursor. Blocked contacts exit immediately rather
// than staying queued forever.
type Stepper struct {
	store     enrollmentStore
	campaigns campaignReader
	tenants   tenantReader
	vars      varsReader
	pipeline  sendPipeline
	metrics   *metrics.CampaignMetrics
	logger    *logging.Logger
	claimTTL  time.Duration
	batchSize int
	now       func() time.Time
}

type StepperConfig struct {
	Store     enrollmentStore
	Campaigns campaignReader
	Tenants   tenantReader
	Vars      varsReader
	Pipeline  sendPipeline
	Metrics   *metrics.CampaignMetrics
	Logger    *logging.Logger
	ClaimTTL  time.Duration
	BatchSize int
}

func NewStepper(cfg StepperConfig) *Stepper {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Stepper{
		store:     cfg.Store,
		campaigns: cfg.Campaigns,
		tenants:   cfg.Tenants,
		vars:      cfg.Vars,
		pipeline:  cfg.Pipeline,
		metrics:   cfg.Metrics,
		logger:    logger.Component("sequence_stepper"),
		claimTTL:  claimTTL,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// ProcessDue claims and advances one batch of due enrollments. Returns the
// number of enrollments processed. A failure on one enrollment never stops
// the batch.
func (s *Stepper) ProcessDue(ctx context.Context) int {
	claimed, err := s.store.ClaimDue(ctx, s.batchSize, s.claimTTL)
	if err != nil {
		s.logger.Error("claim due enrollments failed", "error", err)
		return 0
	}
	for _, enr := range claimed {
		if ctx.Err() != nil {
			// Shutting down; put the claim back so another worker picks it up.
			if relErr := s.store.Release(context.WithoutCancel(ctx), enr.ID); relErr != nil {
				s.logger.Error("release on shutdown failed", "error", relErr, "enrollment_id", enr.ID)
			}
			continue
		}
		s.step(ctx, enr)
	}
	return len(claimed)
}

func (s *Stepper) step(ctx context.Context, enr Enrollment) {
	logger := s.logger.WithTenant(enr.TenantID.String())

	// The claim query filters on the database clock; re-check against ours
	// so a drifted replica never fires a step early.
	if !enr.Due(s.now()) {
		s.release(ctx, enr.ID)
		return
	}

	settings, err := s.tenants.GetSettings(ctx, enr.TenantID)
	if err != nil {
		logger.Error("load tenant settings failed", "error", err, "enrollment_id", enr.ID)
		s.release(ctx, enr.ID)
		return
	}
	steps, err := s.campaigns.ListSteps(ctx, enr.CampaignID)
	if err != nil {
		logger.Error("load campaign steps failed", "error", err, "enrollment_id", enr.ID)
		s.release(ctx, enr.ID)
		return
	}
	current, next, ok := locateStep(steps, enr.CurrentStepOrder)
	if !ok {
		// Cursor points past the end; treat as completed.
		s.finish(ctx, enr.ID, StatusCompleted, "")
		return
	}

	vars, err := s.vars.GetContactVars(ctx, enr.ContactID)
	if err != nil {
		logger.Error("load contact vars failed", "error", err, "enrollment_id", enr.ID)
		s.release(ctx, enr.ID)
		return
	}
	if settings.CompanyName != "" {
		vars["companyName"] = settings.CompanyName
	}
	if settings.AgentName != "" {
		vars["agentName"] = settings.AgentName
	}

	var media []string
	if current.MediaURL != "" {
		media = []string{current.MediaURL}
	}
	campaignID := enr.CampaignID
	enrollmentID := enr.ID
	outcome, err := s.pipeline.Send(ctx, dispatch.SendRequest{
		Tenant:       settings,
		CampaignID:   &campaignID,
		EnrollmentID: &enrollmentID,
		To:           enr.Phone,
		BodyTemplate: current.BodyTemplate,
		Vars:         vars,
		Media:        media,
	})
	if err != nil {
		logger.Error("step dispatch failed", "error", err, "enrollment_id", enr.ID, "step_order", current.StepOrder)
		s.release(ctx, enr.ID)
		return
	}
	if outcome.Blocked {
		s.finish(ctx, enr.ID, StatusExited, string(outcome.Reason))
		logger.Info("enrollment exited",
			"enrollment_id", enr.ID,
			"step_order", current.StepOrder,
			"reason", outcome.Reason,
		)
		return
	}

	if next == nil {
		s.finish(ctx, enr.ID, StatusCompleted, "")
		logger.Info("enrollment completed", "enrollment_id", enr.ID)
		return
	}
	due := s.now().Add(time.Duration(next.DelayMinutes) * time.Minute)
	if err := s.store.Advance(ctx, enr.ID, next.StepOrder, due); err != nil {
		logger.Error("advance enrollment failed", "error", err, "enrollment_id", enr.ID)
	}
}

func (s *Stepper) release(ctx context.Context, id uuid.UUID) {
	if err := s.store.Release(ctx, id); err != nil {
		s.logger.Error("release enrollment failed", "error", err, "enrollment_id", id)
	}
}

func (s *Stepper) finish(ctx context.Context, id uuid.UUID, status Status, reason string) {
	if err := s.store.Finish(ctx, id, status, reason); err != nil {
		s.logger.Error("finish enrollment failed", "error", err, "enrollment_id", id)
		return
	}
	outcome := string(status)
	if status == StatusExited && reason != "" {
		outcome = reason
	}
	s.metrics.ObserveEnrollmentExit(outcome)
}

// locateStep finds the step the cursor points at and the one after it.
func locateStep(steps []campaign.Step, cursor int) (current campaign.Step, next *campaign.Step, ok bool) {
	for i, st := range steps {
		if st.StepOrder == cursor {
			if i+1 < len(steps) {
				return st, &steps[i+1], true
			}
			return st, nil, true
		}
	}
	return campaign.Step{}, nil, false
}
