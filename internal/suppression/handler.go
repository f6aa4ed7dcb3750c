package suppression

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outreachly/campaign-engine/internal/tenancy"
	"github.com/outreachly/campaign-engine/pkg/logging"
)

// registry is the mutation surface the handler needs, satisfied by both
// Store and CachedRegistry.
type registry interface {
	Insert(ctx context.Context, q Querier, tenantID uuid.UUID, phone, source string) error
	Remove(ctx context.Context, q Querier, tenantID uuid.UUID, phone string) error
}

type lister interface {
	List(ctx context.Context, tenantID uuid.UUID, limit int) ([]Entry, error)
}

// Handler exposes the suppression registry to operators.
type Handler struct {
	registry registry
	lister   lister
	logger   *logging.Logger
}

func NewHandler(reg registry, lister lister, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{registry: reg, lister: lister, logger: logger.Component("suppression_api")}
}

type entryResponse struct {
	Phone     string    `json:"phone"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	entries, err := h.lister.List(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("suppression list failed", "error", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{Phone: e.Phone, Source: e.Source, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"suppressions": out})
}

type mutateRequest struct {
	Phone string `json:"phone"`
}

// Add suppresses a phone manually, recording the operator as the source.
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}
	var req mutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Phone) == "" {
		http.Error(w, "phone is required", http.StatusBadRequest)
		return
	}
	if err := h.registry.Insert(r.Context(), nil, tenantID, strings.TrimSpace(req.Phone), "MANUAL"); err != nil {
		h.logger.Error("suppression insert failed", "error", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "suppressed"})
}

// Delete removes a suppression so the phone can be messaged again. Phones
// suppressed by STOP should only be removed with renewed consent on file.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}
	var req mutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Phone) == "" {
		http.Error(w, "phone is required", http.StatusBadRequest)
		return
	}
	if err := h.registry.Remove(r.Context(), nil, tenantID, strings.TrimSpace(req.Phone)); err != nil {
		h.logger.Error("suppression remove failed", "error", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
