package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/nightowl/pkg/backlog"
)

func newHandlerTestStores() (*backlog.MemStore, *MemStore) {
	bl := backlog.NewMemStore()
	return bl, NewMemStore(bl, time.Hour)
}

func newHandlerTestRouter(store Store) chi.Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(store, logger)
	router := chi.NewRouter()
	router.Mount("/runs", h.Routes())
	return router
}

func seedReadyTicket(t *testing.T, bl *backlog.MemStore, id string) {
	t.Helper()
	if _, err := bl.Create(context.Background(), backlog.NewTicketInput{ID: id, IdempotencyKey: id}); err != nil {
		t.Fatalf("seed ticket %s: %v", id, err)
	}
}

func TestHandleDispatch_EmptyBody(t *testing.T) {
	_, sv := newHandlerTestStores()
	router := newHandlerTestRouter(sv)

	r := httptest.NewRequest(http.MethodPost, "/runs/", strings.NewReader(""))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleDispatch_MissingRequiredFields(t *testing.T) {
	_, sv := newHandlerTestStores()
	router := newHandlerTestRouter(sv)

	body := `{"ticket_id":"ENG-1"}`
	r := httptest.NewRequest(http.MethodPost, "/runs/", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}
}

func TestHandleDispatch_Success(t *testing.T) {
	bl, sv := newHandlerTestStores()
	router := newHandlerTestRouter(sv)
	seedReadyTicket(t, bl, "ENG-1")

	body := `{"ticket_id":"ENG-1","owner":"dispatcher","harness":"codex","max_minutes":45,"max_tokens":120000}`
	r := httptest.NewRequest(http.MethodPost, "/runs/", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var run Run
	if err := json.Unmarshal(w.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if run.State != StateClaimed {
		t.Errorf("expected dispatched run to be CLAIMED, got %v", run.State)
	}
}

func TestHandleDispatch_ConflictOnAlreadyClaimedTicket(t *testing.T) {
	bl, sv := newHandlerTestStores()
	router := newHandlerTestRouter(sv)
	seedReadyTicket(t, bl, "ENG-2")

	if _, ok, err := bl.Claim(context.Background(), "ENG-2", "rival", time.Hour); err != nil || !ok {
		t.Fatalf("rival claim: ok=%v err=%v", ok, err)
	}

	body := `{"ticket_id":"ENG-2","owner":"dispatcher","harness":"codex","max_minutes":45,"max_tokens":1000}`
	r := httptest.NewRequest(http.MethodPost, "/runs/", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusConflict, w.Body.String())
	}
}

func TestHandleGet_NotFound(t *testing.T) {
	_, sv := newHandlerTestStores()
	router := newHandlerTestRouter(sv)

	r := httptest.NewRequest(http.MethodGet, "/runs/does-not-exist", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleListEvents_ReturnsRunClaimedEvent(t *testing.T) {
	bl, sv := newHandlerTestStores()
	router := newHandlerTestRouter(sv)
	seedReadyTicket(t, bl, "ENG-3")
	run := dispatchOrFail(t, sv, "ENG-3", Budget{MaxMinutes: 45, MaxTokens: 1000})

	r := httptest.NewRequest(http.MethodGet, "/runs/"+run.ID+"/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	var events []RunEvent
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "run_claimed" {
		t.Fatalf("expected a single run_claimed event, got %v", events)
	}
}

func TestHandleMonitor_InvalidTransitionConflicts(t *testing.T) {
	bl, sv := newHandlerTestStores()
	router := newHandlerTestRouter(sv)
	seedReadyTicket(t, bl, "ENG-4")
	run := dispatchOrFail(t, sv, "ENG-4", Budget{MaxMinutes: 45, MaxTokens: 1000})

	// CLAIMED -> SUCCEEDED skips RUNNING and is not an allowed transition.
	body := `{"new_state":"SUCCEEDED"}`
	r := httptest.NewRequest(http.MethodPost, "/runs/"+run.ID+"/transition", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusConflict, w.Body.String())
	}
}

func TestHandleMonitor_SuccessfulTransition(t *testing.T) {
	bl, sv := newHandlerTestStores()
	router := newHandlerTestRouter(sv)
	seedReadyTicket(t, bl, "ENG-5")
	run := dispatchOrFail(t, sv, "ENG-5", Budget{MaxMinutes: 45, MaxTokens: 1000})

	body := `{"new_state":"RUNNING"}`
	r := httptest.NewRequest(http.MethodPost, "/runs/"+run.ID+"/transition", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	var got Run
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.State != StateRunning {
		t.Errorf("expected run to be RUNNING, got %v", got.State)
	}
}

func TestHandleEnforceLimits_NotFound(t *testing.T) {
	_, sv := newHandlerTestStores()
	router := newHandlerTestRouter(sv)

	r := httptest.NewRequest(http.MethodPost, "/runs/does-not-exist/limits", strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleEnforceLimits_TimesOutOnMaxTokens(t *testing.T) {
	bl, sv := newHandlerTestStores()
	router := newHandlerTestRouter(sv)
	seedReadyTicket(t, bl, "ENG-6")
	run := dispatchOrFail(t, sv, "ENG-6", Budget{MaxMinutes: 45, MaxTokens: 100})

	body := `{"token_count":500}`
	r := httptest.NewRequest(http.MethodPost, "/runs/"+run.ID+"/limits", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	var got Run
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.State != StateTimedOut {
		t.Errorf("expected run to time out on max_tokens, got %v", got.State)
	}
}

func TestHandleRecoverStale_MissingTimeout(t *testing.T) {
	_, sv := newHandlerTestStores()
	router := newHandlerTestRouter(sv)

	r := httptest.NewRequest(http.MethodPost, "/runs/recover-stale", strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}
}

func TestHandleRecoverStale_RecoversStaleRuns(t *testing.T) {
	bl, sv := newHandlerTestStores()
	router := newHandlerTestRouter(sv)
	seedReadyTicket(t, bl, "ENG-7")
	run := dispatchOrFail(t, sv, "ENG-7", Budget{MaxMinutes: 45, MaxTokens: 1000})

	sv.mu.Lock()
	stale := sv.runs[run.ID]
	stale.HeartbeatAt = time.Now().UTC().Add(-time.Hour)
	sv.runs[run.ID] = stale
	sv.mu.Unlock()

	body := `{"heartbeat_timeout_seconds":60}`
	r := httptest.NewRequest(http.MethodPost, "/runs/recover-stale", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp struct {
		Recovered []string `json:"recovered"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Recovered) != 1 || resp.Recovered[0] != run.ID {
		t.Fatalf("expected run %s to be recovered, got %v", run.ID, resp.Recovered)
	}
}
