package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/outreachly/campaign-engine/internal/tenancy"
	"github.com/outreachly/campaign-engine/pkg/logging"
)

// enroller adds contacts to a drip campaign. Implemented by the sequence
// enrollment store.
type enroller interface {
	Enroll(ctx context.Context, tenantID, campaignID uuid.UUID, contactIDs []uuid.UUID) (int, error)
}

// SendNowRequest is an operator-initiated single send that still runs the
// full compliance and rendering pipeline.
type SendNowRequest struct {
	TenantID uuid.UUID
	To       string
	From     string
	Body     string
	Media    []string
}

type sendNowSender interface {
	SendNow(ctx context.Context, req SendNowRequest) (messageID uuid.UUID, status string, err error)
}

// Handler exposes the operator API for campaign lifecycle management.
type Handler struct {
	store    *Store
	enroller enroller
	sender   sendNowSender
	logger   *logging.Logger
}

func NewHandler(store *Store, enr enroller, sender sendNowSender, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, enroller: enr, sender: sender, logger: logger.Component("campaign_api")}
}

type stepRequest struct {
	StepOrder    int    `json:"step_order"`
	DelayMinutes int    `json:"delay_minutes"`
	BodyTemplate string `json:"body_template"`
	MediaURL     string `json:"media_url"`
}

type createCampaignRequest struct {
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	SegmentID  string        `json:"segment_id"`
	FromNumber string        `json:"from_number"`
	Steps      []stepRequest `json:"steps"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	segmentID, err := uuid.Parse(req.SegmentID)
	if err != nil {
		http.Error(w, "invalid segment_id", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.FromNumber) == "" {
		http.Error(w, "name and from_number required", http.StatusBadRequest)
		return
	}
	ctype := Type(req.Type)
	if ctype != TypeBlast && ctype != TypeDrip {
		http.Error(w, "type must be blast or drip", http.StatusBadRequest)
		return
	}
	if len(req.Steps) == 0 {
		http.Error(w, "at least one step required", http.StatusBadRequest)
		return
	}
	if ctype == TypeBlast && len(req.Steps) != 1 {
		http.Error(w, "blast campaigns have exactly one step", http.StatusBadRequest)
		return
	}
	steps := make([]Step, 0, len(req.Steps))
	for _, s := range req.Steps {
		if strings.TrimSpace(s.BodyTemplate) == "" {
			http.Error(w, "step body_template required", http.StatusBadRequest)
			return
		}
		if s.DelayMinutes < 0 {
			http.Error(w, "delay_minutes must be >= 0", http.StatusBadRequest)
			return
		}
		steps = append(steps, Step{
			StepOrder:    s.StepOrder,
			DelayMinutes: s.DelayMinutes,
			BodyTemplate: s.BodyTemplate,
			MediaURL:     s.MediaURL,
		})
	}
	created, err := h.store.Create(r.Context(), &Campaign{
		TenantID:   tenantID,
		Name:       req.Name,
		Type:       ctype,
		SegmentID:  segmentID,
		FromNumber: req.FromNumber,
	}, steps)
	if err != nil {
		h.logger.Error("create campaign failed", "error", err)
		http.Error(w, "failed to create campaign", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	c, err := h.store.Get(r.Context(), tenantID, id)
	if err != nil {
		respondStoreErr(w, h.logger, err)
		return
	}
	steps, err := h.store.ListSteps(r.Context(), c.ID)
	if err != nil {
		h.logger.Error("list steps failed", "error", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign": c, "steps": steps})
}

type scheduleRequest struct {
	StartAt *time.Time `json:"start_at"`
}

func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	var req scheduleRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if err := h.store.Schedule(r.Context(), tenantID, id, req.StartAt); err != nil {
		respondStoreErr(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(StatusScheduled)})
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.store.Pause, StatusPaused)
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.store.Resume, StatusRunning)
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID, uuid.UUID) error, to Status) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), tenantID, id); err != nil {
		respondStoreErr(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(to)})
}

type enrollRequest struct {
	ContactIDs []string `json:"contact_ids"`
}

func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.ContactIDs) == 0 {
		http.Error(w, "contact_ids required", http.StatusBadRequest)
		return
	}
	c, err := h.store.Get(r.Context(), tenantID, id)
	if err != nil {
		respondStoreErr(w, h.logger, err)
		return
	}
	if c.Type != TypeDrip {
		http.Error(w, "only drip campaigns accept enrollments", http.StatusConflict)
		return
	}
	contactIDs := make([]uuid.UUID, 0, len(req.ContactIDs))
	for _, raw := range req.ContactIDs {
		cid, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid contact id: "+raw, http.StatusBadRequest)
			return
		}
		contactIDs = append(contactIDs, cid)
	}
	enrolled, err := h.enroller.Enroll(r.Context(), tenantID, id, contactIDs)
	if err != nil {
		h.logger.Error("enroll failed", "error", err, "campaign_id", id)
		http.Error(w, "enroll failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"enrolled": enrolled})
}

type sendNowBody struct {
	To    string   `json:"to"`
	From  string   `json:"from"`
	Body  string   `json:"body"`
	Media []string `json:"media_urls"`
}

// SendNow performs a single operator-initiated send through the same
// compliance gate, rate limiter, and ledger as campaign traffic.
func (h *Handler) SendNow(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}
	var req sendNowBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Body) == "" {
		http.Error(w, "to and body required", http.StatusBadRequest)
		return
	}
	msgID, status, err := h.sender.SendNow(r.Context(), SendNowRequest{
		TenantID: tenantID,
		To:       req.To,
		From:     req.From,
		Body:     req.Body,
		Media:    req.Media,
	})
	if err != nil {
		h.logger.Error("send-now failed", "error", err)
		http.Error(w, "send failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message_id": msgID, "status": status})
}

func tenantFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw, ok := tenancy.TenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, "tenant not resolved", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "invalid tenant id", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return id, true
}

func respondStoreErr(w http.ResponseWriter, logger *logging.Logger, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "campaign not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidState):
		http.Error(w, "campaign is not in a valid state for this operation", http.StatusConflict)
	default:
		logger.Error("campaign store error", "error", err)
		http.Error(w, "db error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
