package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

func newTestHandlers(counters *fakeCounters, durable *fakeDurable, tables *fakeTableAdmin) *Handlers {
	cfg := Config{
		EventID:      testEventID,
		GracePeriod:  60 * time.Second,
		ResetTimeout: time.Minute,
	}
	reconcile := NewReconcileService(counters, durable, &fakeNotifier{}, cfg)
	reconcile.now = func() time.Time { return time.Unix(1000, 0) }
	reset := NewResetService(counters, tables, cfg)
	return NewHandlers(reconcile, reset, counters, cfg)
}

func doJSON(t *testing.T, h echo.HandlerFunc, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	require.NoError(t, h(c))
	return rec
}

func TestResetEndpointCompletes(t *testing.T) {
	counters := newFakeCounters()
	counters.values[KeyServingCounter] = 42
	tables := &fakeTableAdmin{}
	h := newTestHandlers(counters, newFakeDurable(), tables)

	rec := doJSON(t, h.Reset, http.MethodPost, "/api/v1/reset",
		`{"event_id":"`+testEventID+`"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message":"Reset completed"}`, rec.Body.String())
	require.Equal(t, 1, tables.rebuilds)
	require.Zero(t, counters.value(KeyServingCounter))
}

func TestResetEndpointRejectsInvalidEventID(t *testing.T) {
	counters := newFakeCounters()
	counters.values[KeyServingCounter] = 42
	tables := &fakeTableAdmin{}
	h := newTestHandlers(counters, newFakeDurable(), tables)

	rec := doJSON(t, h.Reset, http.MethodPost, "/api/v1/reset",
		`{"event_id":"someone-else"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"Invalid event ID"}`, rec.Body.String())
	require.Zero(t, tables.rebuilds)
	require.EqualValues(t, 42, counters.value(KeyServingCounter))
}

func TestResetEndpointReportsRebuildFailure(t *testing.T) {
	counters := newFakeCounters()
	tables := &fakeTableAdmin{rebuildErr: errors.New("schema timeout")}
	h := newTestHandlers(counters, newFakeDurable(), tables)

	rec := doJSON(t, h.Reset, http.MethodPost, "/api/v1/reset",
		`{"event_id":"`+testEventID+`"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.EqualValues(t, 1, counters.value(KeyResetInProgress))
}

func TestReconcileEndpoint(t *testing.T) {
	counters := newFakeCounters()
	durable := newFakeDurable()
	durable.issuances = []Issuance{{EventID: testEventID, ServingCounter: 5, IssueTime: 900}}
	durable.seedEntry(PositionEntry{RequestID: "req-5", QueuePosition: 5, EntryTime: 880})
	h := newTestHandlers(counters, durable, &fakeTableAdmin{})

	rec := doJSON(t, h.Reconcile, http.MethodPost, "/api/v1/reconcile", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message":"Reconcile completed"}`, rec.Body.String())
	require.EqualValues(t, 5, counters.value(KeyMaxQueuePositionExpired))
}

func TestReconcileEndpointReportsStoreFailure(t *testing.T) {
	counters := newFakeCounters()
	durable := newFakeDurable()
	durable.listErr = errors.New("connection refused")
	h := newTestHandlers(counters, durable, &fakeTableAdmin{})

	rec := doJSON(t, h.Reconcile, http.MethodPost, "/api/v1/reconcile", "")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestIncrementEndpoint(t *testing.T) {
	counters := newFakeCounters()
	durable := newFakeDurable()
	h := newTestHandlers(counters, durable, &fakeTableAdmin{})

	rec := doJSON(t, h.IncrementServingCounter, http.MethodPost, "/api/v1/serving-counter/increment",
		`{"event_id":"`+testEventID+`","increment_by":4}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"serving_counter":4}`, rec.Body.String())

	_, ok := durable.issuanceAt(4)
	require.True(t, ok)
}

func TestIncrementEndpointRejectsInvalidEventID(t *testing.T) {
	counters := newFakeCounters()
	h := newTestHandlers(counters, newFakeDurable(), &fakeTableAdmin{})

	rec := doJSON(t, h.IncrementServingCounter, http.MethodPost, "/api/v1/serving-counter/increment",
		`{"event_id":"someone-else","increment_by":4}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"Invalid event ID"}`, rec.Body.String())
	require.Zero(t, counters.value(KeyServingCounter))
}

func TestIncrementEndpointRejectsNonPositive(t *testing.T) {
	h := newTestHandlers(newFakeCounters(), newFakeDurable(), &fakeTableAdmin{})

	rec := doJSON(t, h.IncrementServingCounter, http.MethodPost, "/api/v1/serving-counter/increment",
		`{"event_id":"`+testEventID+`","increment_by":0}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIncrementEndpointConflictsDuringReset(t *testing.T) {
	counters := newFakeCounters()
	counters.values[KeyResetInProgress] = 1
	h := newTestHandlers(counters, newFakeDurable(), &fakeTableAdmin{})

	rec := doJSON(t, h.IncrementServingCounter, http.MethodPost, "/api/v1/serving-counter/increment",
		`{"event_id":"`+testEventID+`","increment_by":4}`)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCountersEndpoint(t *testing.T) {
	counters := newFakeCounters()
	counters.values[KeyQueueCounter] = 17
	counters.values[KeyServingCounter] = 11
	counters.values[KeyMaxQueuePositionExpired] = 5
	h := newTestHandlers(counters, newFakeDurable(), &fakeTableAdmin{})

	rec := doJSON(t, h.GetCounters, http.MethodGet, "/api/v1/counters", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var snap CounterSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, CounterSnapshot{
		QueueCounter:            17,
		ServingCounter:          11,
		MaxQueuePositionExpired: 5,
	}, snap)
}
