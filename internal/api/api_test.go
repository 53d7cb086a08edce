package api_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/outagewatch/internal/api"
	"github.com/shaharia-lab/outagewatch/internal/dispatch"
	"github.com/shaharia-lab/outagewatch/internal/service"
	svcmocks "github.com/shaharia-lab/outagewatch/internal/service/mocks"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// testHarness bundles the mocks and router used by every test.
type testHarness struct {
	outageSvc       *svcmocks.MockOutageService
	notificationSvc *svcmocks.MockNotificationService
	router          chi.Router
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	outageSvc := new(svcmocks.MockOutageService)
	notificationSvc := new(svcmocks.MockNotificationService)
	t.Cleanup(func() {
		outageSvc.AssertExpectations(t)
		notificationSvc.AssertExpectations(t)
	})

	srv := api.New(outageSvc, notificationSvc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	srv.Mount(r)

	return &testHarness{outageSvc: outageSvc, notificationSvc: notificationSvc, router: r}
}

func (h *testHarness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body["error"]
}

// ---------- Outage events ----------

func TestOutageEvent(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	payload := `{"event":"created","outage":{"id":"o-1","type":"WATER","status":"SCHEDULED","start_time":"2026-03-02T08:00:00Z","area_id":"A1","version":3}}`

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "accepted", body: payload, wantStatus: http.StatusAccepted},
		{name: "invalid json", body: `{"event":`, wantStatus: http.StatusBadRequest, wantError: "invalid JSON body"},
		{
			name: "validation", body: payload,
			err:        &service.ValidationError{Field: "outage", Message: "area is required"},
			wantStatus: http.StatusBadRequest, wantError: `invalid outage: area is required`,
		},
		{
			name: "queue full", body: payload,
			err:        &service.UnavailableError{Err: dispatch.ErrQueueFull},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "unexpected", body: payload, err: errors.New("boom"),
			wantStatus: http.StatusInternalServerError, wantError: "failed to apply outage event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.name != "invalid json" {
				expected := &storage.Outage{ID: "o-1", Type: storage.OutageWater, Status: storage.OutageScheduled,
					StartTime: start, AreaID: "A1", Version: 3}
				call := h.outageSvc.On("ApplyEvent", mock.Anything, service.OutageEvent{Event: service.EventCreated, Outage: expected})
				if tt.err != nil {
					call.Return(nil, tt.err)
				} else {
					call.Return(expected, nil)
				}
			}

			w := h.do(httptest.NewRequest(http.MethodPost, "/outages/events", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantStatus, w.Code)
			switch {
			case tt.wantStatus == http.StatusAccepted:
				var body map[string]any
				require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
				assert.Equal(t, "o-1", body["outage_id"])
				assert.Equal(t, float64(3), body["version"])
			case tt.wantStatus == http.StatusServiceUnavailable:
				assert.Equal(t, "5", w.Header().Get("Retry-After"))
			case tt.wantError != "":
				assert.Equal(t, tt.wantError, decodeError(t, w))
			}
		})
	}
}

// ---------- Notifications ----------

func TestListNotifications(t *testing.T) {
	t.Run("filters and default limit", func(t *testing.T) {
		h := newHarness(t)
		filter := storage.NotificationFilter{OutageID: "o-1", UserID: "u-1", Status: storage.StatusSent, Limit: 50}
		h.notificationSvc.On("List", mock.Anything, filter).
			Return([]storage.Notification{{ID: "n-1"}, {ID: "n-2"}}, nil)

		w := h.do(httptest.NewRequest(http.MethodGet, "/notifications?outage_id=o-1&user_id=u-1&status=SENT", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var got []storage.Notification
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Len(t, got, 2)
	})

	t.Run("limit is capped", func(t *testing.T) {
		h := newHarness(t)
		h.notificationSvc.On("List", mock.Anything, storage.NotificationFilter{Limit: 500}).
			Return([]storage.Notification{}, nil)

		w := h.do(httptest.NewRequest(http.MethodGet, "/notifications?limit=10000", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("invalid status", func(t *testing.T) {
		h := newHarness(t)
		h.notificationSvc.On("List", mock.Anything, storage.NotificationFilter{Status: "LOST", Limit: 50}).
			Return(nil, &service.ValidationError{Field: "status", Message: `unknown status "LOST"`})

		w := h.do(httptest.NewRequest(http.MethodGet, "/notifications?status=LOST", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetNotification(t *testing.T) {
	h := newHarness(t)
	h.notificationSvc.On("Get", mock.Anything, "n-1").Return(&storage.Notification{ID: "n-1", Status: storage.StatusSent}, nil)
	h.notificationSvc.On("Get", mock.Anything, "nope").Return(nil, &service.NotFoundError{Resource: "notification", ID: "nope"})

	w := h.do(httptest.NewRequest(http.MethodGet, "/notifications/n-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got storage.Notification
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, storage.StatusSent, got.Status)

	w = h.do(httptest.NewRequest(http.MethodGet, "/notifications/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, `notification "nope" not found`, decodeError(t, w))
}

func TestConfirmDelivered(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		h := newHarness(t)
		h.notificationSvc.On("ConfirmDelivered", mock.Anything, "n-1", "").
			Return(&storage.Notification{ID: "n-1", Status: storage.StatusDelivered}, nil)

		w := h.do(httptest.NewRequest(http.MethodPost, "/notifications/n-1/delivered", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("named operator", func(t *testing.T) {
		h := newHarness(t)
		h.notificationSvc.On("ConfirmDelivered", mock.Anything, "n-1", "ops-7").
			Return(&storage.Notification{ID: "n-1", Status: storage.StatusDelivered}, nil)

		w := h.do(httptest.NewRequest(http.MethodPost, "/notifications/n-1/delivered", strings.NewReader(`{"operator":"ops-7"}`)))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("not sent yet", func(t *testing.T) {
		h := newHarness(t)
		h.notificationSvc.On("ConfirmDelivered", mock.Anything, "n-2", "").
			Return(nil, &service.ConflictError{Resource: "notification", ID: "n-2", Reason: "not sent yet or already failed"})

		w := h.do(httptest.NewRequest(http.MethodPost, "/notifications/n-2/delivered", nil))
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		h := newHarness(t)
		w := h.do(httptest.NewRequest(http.MethodPost, "/notifications/n-1/delivered", strings.NewReader(`{`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDeliveryReceipt(t *testing.T) {
	h := newHarness(t)
	h.notificationSvc.On("ConfirmReceipt", mock.Anything, storage.ChannelSMS, "gw-1").
		Return(&storage.Notification{ID: "n-1", Status: storage.StatusDelivered}, nil)
	h.notificationSvc.On("ConfirmReceipt", mock.Anything, storage.ChannelSMS, "gw-unknown").
		Return(nil, &service.NotFoundError{Resource: "notification", ID: "gw-unknown"})

	w := h.do(httptest.NewRequest(http.MethodPost, "/delivery-receipts",
		strings.NewReader(`{"channel":"SMS","provider_message_id":"gw-1"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(httptest.NewRequest(http.MethodPost, "/delivery-receipts",
		strings.NewReader(`{"channel":"SMS","provider_message_id":"gw-unknown"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(httptest.NewRequest(http.MethodPost, "/delivery-receipts", strings.NewReader(`nope`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ---------- Audit & version ----------

func TestListAudit(t *testing.T) {
	h := newHarness(t)
	h.notificationSvc.On("ListAudit", mock.Anything, 5).
		Return([]storage.AuditEntry{{ID: 1, Action: "notification.sent"}}, nil)
	h.notificationSvc.On("ListAudit", mock.Anything, 50).
		Return(nil, &service.UnavailableError{Err: storage.ErrUnavailable, RetryAfter: 1500 * time.Millisecond})

	w := h.do(httptest.NewRequest(http.MethodGet, "/audit?limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got []storage.AuditEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "notification.sent", got[0].Action)

	w = h.do(httptest.NewRequest(http.MethodGet, "/audit?limit=abc", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	w := h.do(httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "dev", body["version"])
}
