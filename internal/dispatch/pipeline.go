package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/outreachly/campaign-engine/internal/campaign"
	"github.com/outreachly/campaign-engine/internal/compliance"
	"github.com/outreachly/campaign-engine/internal/ledger"
	"github.com/outreachly/campaign-engine/internal/observability/metrics"
	"github.com/outreachly/campaign-engine/internal/templates"
	"github.com/outreachly/campaign-engine/internal/tenants"
	"github.com/outreachly/campaign-engine/pkg/logging"
)

type ledgerStore interface {
	InsertMessage(ctx context.Context, q ledger.Querier, rec ledger.MessageRecord) (uuid.UUID, error)
	AppendEvent(ctx context.Context, q ledger.Querier, messageID uuid.UUID, event ledger.EventType, reason, providerMessageID string) (bool, error)
}

type suppressionChecker interface {
	IsSuppressed(ctx context.Context, tenantID uuid.UUID, phone string) (bool, error)
}

type consentChecker interface {
	HasConsent(ctx context.Context, tenantID uuid.UUID, phone string) (bool, error)
}

type tenantReader interface {
	GetSettings(ctx context.Context, tenantID uuid.UUID) (tenants.Settings, error)
}

type jobPublisher interface {
	Publish(ctx context.Context, messageID uuid.UUID) error
}

// SendRequest is one audience member's send, assembled by the scheduler,
// stepper, or operator API.
type SendRequest struct {
	Tenant       tenants.Settings
	CampaignID   *uuid.UUID
	EnrollmentID *uuid.UUID
	From         string
	To           string
	BodyTemplate string
	Vars         map[string]string
	Media        []string
}

// Outcome reports what the pipeline did with one send.
type Outcome struct {
	MessageID uuid.UUID
	Blocked   bool
	Reason    compliance.BlockReason
}

// Pipeline runs every outbound send through the same stages regardless of
// origin: compliance gate, template rendering, ledger insert, then the
// dispatch queue. The queued row lands before the pipeline returns, so the
// campaign dedupe set covers the message while it waits for a send slot;
// rate pacing itself happens in the dispatch worker at provider-call time.
type Pipeline struct {
	ledger      ledgerStore
	suppression suppressionChecker
	consent     consentChecker
	tenants     tenantReader
	renderer    *templates.Renderer
	publisher   jobPublisher
	metrics     *metrics.CampaignMetrics
	logger      *logging.Logger
}

type PipelineConfig struct {
	Ledger      ledgerStore
	Suppression suppressionChecker
	Consent     consentChecker
	Tenants     tenantReader
	Renderer    *templates.Renderer
	Publisher   jobPublisher
	Metrics     *metrics.CampaignMetrics
	Logger      *logging.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Pipeline{
		ledger:      cfg.Ledger,
		suppression: cfg.Suppression,
		consent:     cfg.Consent,
		tenants:     cfg.Tenants,
		renderer:    cfg.Renderer,
		publisher:   cfg.Publisher,
		metrics:     cfg.Metrics,
		logger:      logger.Component("dispatch_pipeline"),
	}
}

// Send evaluates compliance for the contact, renders the body, and hands the
// message to the dispatch queue. Blocked sends are still ledgered so the
// campaign report accounts for every member.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (Outcome, error) {
	decision, err := p.evaluate(ctx, req.Tenant, req.To)
	if err != nil {
		return Outcome{}, err
	}
	if !decision.Allow {
		id, err := p.recordBlocked(ctx, req, decision.Reason)
		if err != nil {
			return Outcome{}, err
		}
		p.metrics.ObserveBlocked(string(decision.Reason))
		return Outcome{MessageID: id, Blocked: true, Reason: decision.Reason}, nil
	}

	body := p.renderer.Render(req.BodyTemplate, req.Vars)
	from := strings.TrimSpace(req.From)
	if from == "" {
		from = req.Tenant.FromNumber
	}
	id, err := p.enqueue(ctx, ledger.MessageRecord{
		TenantID:     req.Tenant.ID,
		CampaignID:   req.CampaignID,
		EnrollmentID: req.EnrollmentID,
		Direction:    "outbound",
		From:         from,
		To:           req.To,
		Body:         body,
		Media:        req.Media,
		Status:       ledger.StatusQueued,
	})
	if err != nil {
		return Outcome{}, err
	}
	p.metrics.ObserveOutbound(string(ledger.StatusQueued))
	return Outcome{MessageID: id}, nil
}

// SendNow is the operator API entry point: it loads tenant settings and runs
// the standard pipeline for a single ad-hoc message.
func (p *Pipeline) SendNow(ctx context.Context, req campaign.SendNowRequest) (uuid.UUID, string, error) {
	settings, err := p.tenants.GetSettings(ctx, req.TenantID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("dispatch: load tenant settings: %w", err)
	}
	outcome, err := p.Send(ctx, SendRequest{
		Tenant:       settings,
		From:         req.From,
		To:           req.To,
		BodyTemplate: req.Body,
		Vars: templates.ContactVars(map[string]string{
			"companyName": settings.CompanyName,
			"agentName":   settings.AgentName,
		}),
		Media: req.Media,
	})
	if err != nil {
		return uuid.Nil, "", err
	}
	if outcome.Blocked {
		return outcome.MessageID, "blocked:" + string(outcome.Reason), nil
	}
	return outcome.MessageID, string(ledger.StatusQueued), nil
}

// EnqueueDirect ledgers and queues a message without running the compliance
// gate. Used for compliance acknowledgements (STOP/HELP replies), which must
// go out even to a just-suppressed contact.
func (p *Pipeline) EnqueueDirect(ctx context.Context, rec ledger.MessageRecord) (uuid.UUID, error) {
	rec.Direction = "outbound"
	rec.Status = ledger.StatusQueued
	return p.enqueue(ctx, rec)
}

func (p *Pipeline) evaluate(ctx context.Context, tenant tenants.Settings, to string) (compliance.Decision, error) {
	quiet, err := compliance.ParseQuietHours(tenant.QuietHoursStart, tenant.QuietHoursEnd, tenant.Timezone)
	if err != nil {
		return compliance.Decision{}, fmt.Errorf("dispatch: tenant %s quiet hours: %w", tenant.ID, err)
	}
	suppressed, err := p.suppression.IsSuppressed(ctx, tenant.ID, to)
	if err != nil {
		return compliance.Decision{}, fmt.Errorf("dispatch: suppression lookup: %w", err)
	}
	state := compliance.ContactState{Phone: to, Suppressed: suppressed}
	if tenant.ConsentRequired && !suppressed {
		granted, err := p.consent.HasConsent(ctx, tenant.ID, to)
		if err != nil {
			return compliance.Decision{}, fmt.Errorf("dispatch: consent lookup: %w", err)
		}
		state.ConsentGranted = granted
	}
	settings := compliance.Settings{QuietHours: quiet, ConsentRequired: tenant.ConsentRequired}
	return compliance.Evaluate(settings, state, time.Now().UTC()), nil
}

func (p *Pipeline) recordBlocked(ctx context.Context, req SendRequest, reason compliance.BlockReason) (uuid.UUID, error) {
	id, err := p.ledger.InsertMessage(ctx, nil, ledger.MessageRecord{
		TenantID:     req.Tenant.ID,
		CampaignID:   req.CampaignID,
		EnrollmentID: req.EnrollmentID,
		Direction:    "outbound",
		From:         req.Tenant.FromNumber,
		To:           req.To,
		Body:         req.BodyTemplate,
		Media:        req.Media,
		Status:       ledger.StatusBlocked,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("dispatch: ledger blocked message: %w", err)
	}
	event := ledger.EventBlocked
	if reason == compliance.BlockSuppressed {
		event = ledger.EventSuppressed
	}
	if _, err := p.ledger.AppendEvent(ctx, nil, id, event, string(reason), ""); err != nil {
		return uuid.Nil, err
	}
	p.logger.Info("send blocked", "tenant_id", req.Tenant.ID, "to", req.To, "reason", reason)
	return id, nil
}

func (p *Pipeline) enqueue(ctx context.Context, rec ledger.MessageRecord) (uuid.UUID, error) {
	id, err := p.ledger.InsertMessage(ctx, nil, rec)
	if err != nil {
		return uuid.Nil, fmt.Errorf("dispatch: ledger message: %w", err)
	}
	if err := p.publisher.Publish(ctx, id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
