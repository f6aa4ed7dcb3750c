package assist

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Handler exposes the polisher to operators drafting campaign copy.
type Handler struct {
	polisher *Polisher
}

func NewHandler(polisher *Polisher) *Handler {
	return &Handler{polisher: polisher}
}

type polishRequest struct {
	Body string `json:"body"`
	Tone string `json:"tone"`
}

type polishResponse struct {
	Body string `json:"body"`
}

func (h *Handler) Polish(w http.ResponseWriter, r *http.Request) {
	var req polishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		http.Error(w, "body is required", http.StatusBadRequest)
		return
	}
	polished := h.polisher.Polish(r.Context(), req.Body, req.Tone)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(polishResponse{Body: polished})
}
