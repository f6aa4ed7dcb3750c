package campaign

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/outreachly/campaign-engine/internal/tenancy"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

type fakeEnroller struct {
	enrolled int
	err      error
	gotIDs   []uuid.UUID
}

func (f *fakeEnroller) Enroll(_ context.Context, _, _ uuid.UUID, contactIDs []uuid.UUID) (int, error) {
	f.gotIDs = contactIDs
	return f.enrolled, f.err
}

type fakeSender struct {
	msgID  uuid.UUID
	status string
	err    error
	got    SendNowRequest
}

func (f *fakeSender) SendNow(_ context.Context, req SendNowRequest) (uuid.UUID, string, error) {
	f.got = req
	return f.msgID, f.status, f.err
}

func newTestRouter(h *Handler, tenantID uuid.UUID) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := tenancy.WithTenantID(req.Context(), tenantID.String())
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Post("/campaigns", h.Create)
	r.Get("/campaigns/{campaignID}", h.Get)
	r.Post("/campaigns/{campaignID}/schedule", h.Schedule)
	r.Post("/campaigns/{campaignID}/pause", h.Pause)
	r.Post("/campaigns/{campaignID}/resume", h.Resume)
	r.Post("/campaigns/{campaignID}/enroll", h.Enroll)
	r.Post("/messages/send-now", h.SendNow)
	return r
}

func TestHandlerCreateValidatesType(t *testing.T) {
	mock := newMock(t)
	h := NewHandler(NewStore(mock), &fakeEnroller{}, &fakeSender{}, nil)
	router := newTestRouter(h, uuid.New())

	body, _ := json.Marshal(map[string]any{
		"name":        "promo",
		"type":        "broadcast",
		"segment_id":  uuid.New().String(),
		"from_number": "+15550001111",
		"steps":       []map[string]any{{"step_order": 1, "body_template": "hi"}},
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/campaigns", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerCreateBlastRejectsMultipleSteps(t *testing.T) {
	mock := newMock(t)
	h := NewHandler(NewStore(mock), &fakeEnroller{}, &fakeSender{}, nil)
	router := newTestRouter(h, uuid.New())

	body, _ := json.Marshal(map[string]any{
		"name":        "promo",
		"type":        "blast",
		"segment_id":  uuid.New().String(),
		"from_number": "+15550001111",
		"steps": []map[string]any{
			{"step_order": 1, "body_template": "hi"},
			{"step_order": 2, "body_template": "again"},
		},
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/campaigns", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerScheduleConflict(t *testing.T) {
	mock := newMock(t)
	tenantID := uuid.New()
	h := NewHandler(NewStore(mock), &fakeEnroller{}, &fakeSender{}, nil)
	router := newTestRouter(h, tenantID)

	id := uuid.New()
	mock.ExpectExec(`UPDATE campaigns SET status = 'scheduled'`).
		WithArgs(id, tenantID, (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .* FROM campaigns`).
		WithArgs(id, tenantID).
		WillReturnRows(campaignRow(Campaign{ID: id, TenantID: tenantID, Type: TypeBlast, Status: StatusCompleted, SegmentID: uuid.New(), CreatedAt: time.Now()}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/campaigns/"+id.String()+"/schedule", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlerEnrollOnlyDrip(t *testing.T) {
	mock := newMock(t)
	tenantID := uuid.New()
	enr := &fakeEnroller{enrolled: 2}
	h := NewHandler(NewStore(mock), enr, &fakeSender{}, nil)
	router := newTestRouter(h, tenantID)

	id := uuid.New()
	mock.ExpectQuery(`SELECT .* FROM campaigns`).
		WithArgs(id, tenantID).
		WillReturnRows(campaignRow(Campaign{ID: id, TenantID: tenantID, Type: TypeBlast, Status: StatusDraft, SegmentID: uuid.New(), CreatedAt: time.Now()}))

	body, _ := json.Marshal(map[string]any{"contact_ids": []string{uuid.New().String()}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/campaigns/"+id.String()+"/enroll", bytes.NewReader(body)))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Nil(t, enr.gotIDs)
}

func TestHandlerEnrollDrip(t *testing.T) {
	mock := newMock(t)
	tenantID := uuid.New()
	enr := &fakeEnroller{enrolled: 2}
	h := NewHandler(NewStore(mock), enr, &fakeSender{}, nil)
	router := newTestRouter(h, tenantID)

	id := uuid.New()
	mock.ExpectQuery(`SELECT .* FROM campaigns`).
		WithArgs(id, tenantID).
		WillReturnRows(campaignRow(Campaign{ID: id, TenantID: tenantID, Type: TypeDrip, Status: StatusRunning, SegmentID: uuid.New(), CreatedAt: time.Now()}))

	c1, c2 := uuid.New(), uuid.New()
	body, _ := json.Marshal(map[string]any{"contact_ids": []string{c1.String(), c2.String()}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/campaigns/"+id.String()+"/enroll", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []uuid.UUID{c1, c2}, enr.gotIDs)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp["enrolled"])
}

func TestHandlerSendNow(t *testing.T) {
	mock := newMock(t)
	tenantID := uuid.New()
	sender := &fakeSender{msgID: uuid.New(), status: "sent"}
	h := NewHandler(NewStore(mock), &fakeEnroller{}, sender, nil)
	router := newTestRouter(h, tenantID)

	body, _ := json.Marshal(map[string]any{"to": "+15557654321", "body": "hello there"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages/send-now", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, tenantID, sender.got.TenantID)
	require.Equal(t, "+15557654321", sender.got.To)
}

func TestHandlerMissingTenant(t *testing.T) {
	mock := newMock(t)
	h := NewHandler(NewStore(mock), &fakeEnroller{}, &fakeSender{}, nil)
	r := chi.NewRouter()
	r.Post("/messages/send-now", h.SendNow)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages/send-now", bytes.NewReader([]byte(`{}`))))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
