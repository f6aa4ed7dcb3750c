package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outreachly/campaign-engine/internal/compliance"
	"github.com/outreachly/campaign-engine/internal/ledger"
	"github.com/outreachly/campaign-engine/internal/observability/metrics"
	"github.com/outreachly/campaign-engine/internal/sequence"
	"github.com/outreachly/campaign-engine/internal/suppression"
	"github.com/outreachly/campaign-engine/internal/tenants"
	"github.com/outreachly/campaign-engine/pkg/logging"
)

type signatureVerifier interface {
	VerifyWebhookSignature(timestamp, signature string, payload []byte) error
}

type processedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

type messageLedger interface {
	GetByProviderID(ctx context.Context, providerMessageID string) (ledger.MessageRecord, error)
	TransitionStatus(ctx context.Context, q ledger.Querier, messageID uuid.UUID, to ledger.Status) (bool, error)
	AppendEvent(ctx context.Context, q ledger.Querier, messageID uuid.UUID, event ledger.EventType, reason, providerMessageID string) (bool, error)
	InsertMessage(ctx context.Context, q ledger.Querier, rec ledger.MessageRecord) (uuid.UUID, error)
}

type tenantLookup interface {
	LookupByNumber(ctx context.Context, number string) (tenants.Settings, error)
}

type suppressor interface {
	Insert(ctx context.Context, q suppression.Querier, tenantID uuid.UUID, phone, source string) error
}

type enrollmentExiter interface {
	ExitActiveForContact(ctx context.Context, q sequence.Querier, tenantID uuid.UUID, phone, reason string) (int, error)
}

type ackSender interface {
	EnqueueDirect(ctx context.Context, rec ledger.MessageRecord) (uuid.UUID, error)
}

// Handler reconciles asynchronous provider callbacks into the delivery
// ledger, suppression registry, and sequence enrollments.
type Handler struct {
	verifier    signatureVerifier
	processed   processedTracker
	ledger      messageLedger
	tenants     tenantLookup
	suppression suppressor
	enrollments enrollmentExiter
	acks        ackSender
	detector    *compliance.Detector
	logger      *logging.Logger
	metrics     *metrics.CampaignMetrics
	stopAck     string
	helpAck     string
}

type HandlerConfig struct {
	Verifier    signatureVerifier
	Processed   processedTracker
	Ledger      messageLedger
	Tenants     tenantLookup
	Suppression suppressor
	Enrollments enrollmentExiter
	Acks        ackSender
	Logger      *logging.Logger
	Metrics     *metrics.CampaignMetrics
	StopAck     string
	HelpAck     string
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		verifier:    cfg.Verifier,
		processed:   cfg.Processed,
		ledger:      cfg.Ledger,
		tenants:     cfg.Tenants,
		suppression: cfg.Suppression,
		enrollments: cfg.Enrollments,
		acks:        cfg.Acks,
		detector:    compliance.NewDetector(),
		logger:      logger.Component("webhook"),
		metrics:     cfg.Metrics,
		stopAck:     defaultString(cfg.StopAck, "You have been opted out and will receive no further messages. Reply HELP for info."),
		helpAck:     defaultString(cfg.HelpAck, "Reply STOP to opt out."),
	}
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// HandleMessages processes provider message webhooks: inbound messages and
// delivery receipts. Signature verification is a precondition; an invalid
// signature rejects with no side effects.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.verifier.VerifyWebhookSignature(r.Header.Get("Telnyx-Timestamp"), r.Header.Get("Telnyx-Signature"), body); err != nil {
		h.logger.Warn("invalid webhook signature", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	evt, err := parseEvent(body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if processed, err := h.processed.AlreadyProcessed(r.Context(), "telnyx", evt.ID); err != nil {
		h.logger.Error("processed lookup failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if processed {
		w.WriteHeader(http.StatusOK)
		return
	}

	var handlerErr error
	switch evt.EventType {
	case "message.received":
		handlerErr = h.handleInbound(r.Context(), evt)
	case "message.finalized", "message.sent", "message.delivery_status":
		handlerErr = h.handleStatus(r.Context(), evt)
	default:
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if handlerErr != nil {
		h.logger.Error("webhook handling failed", "error", handlerErr, "event_type", evt.EventType)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	h.metrics.ObserveWebhookLatency(evt.EventType, time.Since(start).Seconds())
	if _, err := h.processed.MarkProcessed(r.Context(), "telnyx", evt.ID); err != nil {
		h.logger.Error("failed to mark event processed", "error", err, "event_id", evt.ID)
	}
	w.WriteHeader(http.StatusOK)
}

// handleStatus maps a delivery receipt onto the message's guarded state
// machine. Unknown provider ids and duplicate receipts are acknowledged
// without effect so the provider stops redelivering.
func (h *Handler) handleStatus(ctx context.Context, evt providerEvent) error {
	var payload statusPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return fmt.Errorf("decode status payload: %w", err)
	}
	providerID := payload.ProviderMessageID()
	status, event, terminal := mapProviderStatus(payload.Status())
	if !terminal {
		h.metrics.ObserveInbound(evt.EventType, "ignored")
		return nil
	}

	rec, err := h.ledger.GetByProviderID(ctx, providerID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			h.logger.Warn("receipt for unknown message", "provider_message_id", providerID, "status", payload.Status())
			h.metrics.ObserveInbound(evt.EventType, "unknown")
			return nil
		}
		return fmt.Errorf("lookup message %s: %w", providerID, err)
	}

	applied, err := h.ledger.TransitionStatus(ctx, nil, rec.ID, status)
	if err != nil {
		return fmt.Errorf("transition %s to %s: %w", rec.ID, status, err)
	}
	if applied {
		reason := ""
		if status == ledger.StatusFailed {
			reason = payload.FailureReason()
		}
		if _, err := h.ledger.AppendEvent(ctx, nil, rec.ID, event, reason, providerID); err != nil {
			return fmt.Errorf("append %s event: %w", event, err)
		}
		h.metrics.ObserveOutbound(string(status))
	}
	h.metrics.ObserveInbound(evt.EventType, string(status))
	return nil
}

// handleInbound ledgers the contact's reply and runs STOP/HELP keyword
// handling: STOP suppresses the phone, exits live enrollments, and sends the
// opt-out acknowledgement.
func (h *Handler) handleInbound(ctx context.Context, evt providerEvent) error {
	var payload messagePayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return fmt.Errorf("decode inbound payload: %w", err)
	}
	from := NormalizeE164(payload.FromNumber())
	to := NormalizeE164(payload.ToNumber())
	if from == "" || to == "" {
		return errors.New("missing phone numbers in payload")
	}
	tenant, err := h.tenants.LookupByNumber(ctx, to)
	if err != nil {
		if errors.Is(err, tenants.ErrNotFound) {
			h.logger.Warn("inbound for unknown number", "to", to)
			h.metrics.ObserveInbound(evt.EventType, "unknown_number")
			return nil
		}
		return fmt.Errorf("lookup tenant for %s: %w", to, err)
	}

	if _, err := h.ledger.InsertMessage(ctx, nil, ledger.MessageRecord{
		TenantID:          tenant.ID,
		ConversationID:    fmt.Sprintf("sms:%s:%s", tenant.ID, from),
		Direction:         "inbound",
		From:              from,
		To:                to,
		Body:              payload.Text,
		Media:             payload.MediaURLs,
		Status:            ledger.StatusDelivered,
		ProviderMessageID: payload.ID,
	}); err != nil {
		return fmt.Errorf("insert inbound message: %w", err)
	}

	stop := h.detector.IsStop(payload.Text)
	help := h.detector.IsHelp(payload.Text)
	if stop {
		if err := h.suppression.Insert(ctx, nil, tenant.ID, from, "STOP"); err != nil {
			return fmt.Errorf("record suppression: %w", err)
		}
		exited, err := h.enrollments.ExitActiveForContact(ctx, nil, tenant.ID, from, "OPT_OUT")
		if err != nil {
			return fmt.Errorf("exit enrollments: %w", err)
		}
		if exited > 0 {
			h.metrics.ObserveEnrollmentExit("OPT_OUT")
		}
		h.logger.Info("contact opted out", "tenant_id", tenant.ID, "phone", from, "enrollments_exited", exited)
		h.sendAck(ctx, tenant.ID, to, from, h.stopAck)
	} else if help {
		h.sendAck(ctx, tenant.ID, to, from, h.helpAck)
	}
	h.metrics.ObserveInbound(evt.EventType, "received")
	return nil
}

func (h *Handler) sendAck(ctx context.Context, tenantID uuid.UUID, from, to, body string) {
	if h.acks == nil || body == "" {
		return
	}
	if _, err := h.acks.EnqueueDirect(ctx, ledger.MessageRecord{
		TenantID: tenantID,
		From:     from,
		To:       to,
		Body:     body,
	}); err != nil {
		h.logger.Error("failed to queue acknowledgement", "error", err, "to", to)
	}
}

// mapProviderStatus translates a provider delivery status into a ledger edge.
// Non-terminal statuses (queued, sending, sent) are acknowledged but change
// nothing; the SENT edge is owned by the dispatch worker.
func mapProviderStatus(status string) (ledger.Status, ledger.EventType, bool) {
	switch strings.ToLower(status) {
	case "delivered":
		return ledger.StatusDelivered, ledger.EventDelivered, true
	case "failed", "undelivered", "sending_failed", "delivery_failed":
		return ledger.StatusFailed, ledger.EventFailed, true
	default:
		return "", "", false
	}
}

type providerEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

func parseEvent(body []byte) (providerEvent, error) {
	var wrapper struct {
		Data providerEvent `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Data.ID != "" {
		return wrapper.Data, nil
	}
	var evt providerEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return providerEvent{}, err
	}
	if evt.ID == "" {
		return providerEvent{}, errors.New("missing event id")
	}
	return evt, nil
}

type messagePayload struct {
	ID        string   `json:"id"`
	Direction string   `json:"direction"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls"`
	From      struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"from"`
	To []struct {
		PhoneNumber string `json:"phone_number"`
		Status      string `json:"status"`
	} `json:"to"`
}

func (p messagePayload) FromNumber() string {
	return strings.TrimSpace(p.From.PhoneNumber)
}

func (p messagePayload) ToNumber() string {
	if len(p.To) > 0 {
		return strings.TrimSpace(p.To[0].PhoneNumber)
	}
	return ""
}

type statusPayload struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	RawStatus string `json:"status"`
	To        []struct {
		Status string `json:"status"`
	} `json:"to"`
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// ProviderMessageID prefers the explicit message_id field, falling back to
// the payload id used by message.finalized events.
func (p statusPayload) ProviderMessageID() string {
	if v := strings.TrimSpace(p.MessageID); v != "" {
		return v
	}
	return strings.TrimSpace(p.ID)
}

func (p statusPayload) Status() string {
	if p.RawStatus != "" {
		return p.RawStatus
	}
	if len(p.To) > 0 {
		return p.To[0].Status
	}
	return ""
}

func (p statusPayload) FailureReason() string {
	if len(p.Errors) == 0 {
		return p.Status()
	}
	e := p.Errors[0]
	if e.Detail != "" {
		return e.Detail
	}
	if e.Title != "" {
		return e.Title
	}
	return e.Code
}
