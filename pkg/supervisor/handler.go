package supervisor

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/nightowl/internal/errs"
	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/internal/telemetry"
)

// OnAwaitingApproval is invoked after a transition lands a run in
// AWAITING_APPROVAL, so the caller can post an outbound approval prompt
// without pkg/supervisor needing to import pkg/notify (which itself depends
// on Store, and would otherwise create an import cycle).
type OnAwaitingApproval func(ctx context.Context, run Run)

// Handler exposes run dispatch, monitoring, and recovery over HTTP for the
// dispatcher loop and agent-harness callbacks.
type Handler struct {
	store              Store
	logger             *slog.Logger
	onAwaitingApproval OnAwaitingApproval
}

// NewHandler creates a supervisor Handler.
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// WithApprovalHook attaches a callback fired whenever a transition lands a
// run in AWAITING_APPROVAL.
func (h *Handler) WithApprovalHook(hook OnAwaitingApproval) *Handler {
	h.onAwaitingApproval = hook
	return h
}

// Routes returns a chi.Router with the run-supervisor HTTP surface mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleDispatch)
	r.Get("/{runID}", h.handleGet)
	r.Get("/{runID}/events", h.handleListEvents)
	r.Post("/{runID}/transition", h.handleMonitor)
	r.Post("/{runID}/limits", h.handleEnforceLimits)
	r.Post("/recover-stale", h.handleRecoverStale)
	return r
}

type dispatchRequest struct {
	TicketID   string `json:"ticket_id" validate:"required"`
	Owner      string `json:"owner" validate:"required"`
	Harness    string `json:"harness" validate:"required"`
	MaxMinutes int    `json:"max_minutes" validate:"required,gt=0"`
	MaxTokens  int    `json:"max_tokens" validate:"required,gt=0"`
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	run, ok, err := h.store.Dispatch(r.Context(), req.TicketID, req.Owner, req.Harness, Budget{
		MaxMinutes: req.MaxMinutes,
		MaxTokens:  req.MaxTokens,
	})
	if err != nil {
		h.respondErr(w, "dispatching run", err)
		return
	}
	if !ok {
		telemetry.TicketClaimContentionTotal.Inc()
		httpserver.RespondError(w, http.StatusConflict, "conflict", "ticket is not claimable")
		return
	}
	telemetry.TicketsClaimedTotal.WithLabelValues(req.Harness).Inc()
	httpserver.Respond(w, http.StatusCreated, run)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, found, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, "fetching run", err)
		return
	}
	if !found {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, run)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	events, err := h.store.ListEvents(r.Context(), id)
	if err != nil {
		h.respondErr(w, "listing run events", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, events)
}

type transitionRequest struct {
	NewState   State          `json:"new_state" validate:"required"`
	TokenDelta int            `json:"token_delta"`
	Payload    map[string]any `json:"payload"`
}

func (h *Handler) handleMonitor(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "runID")
	fromRun, _, _ := h.store.Get(r.Context(), id)
	run, ok, err := h.store.Monitor(r.Context(), id, req.NewState, req.TokenDelta, req.Payload)
	if err != nil {
		h.respondErr(w, "transitioning run", err)
		return
	}
	if !ok {
		httpserver.RespondError(w, http.StatusConflict, "invalid_transition", "transition is not allowed from the run's current state")
		return
	}
	telemetry.RunTransitionsTotal.WithLabelValues(string(fromRun.State), string(run.State)).Inc()
	if IsTerminal(run.State) {
		telemetry.TicketsTerminalTotal.WithLabelValues(terminalTicketStatus(run.State)).Inc()
	}
	if run.State == StateAwaitingApproval && h.onAwaitingApproval != nil {
		h.onAwaitingApproval(r.Context(), run)
	}
	httpserver.Respond(w, http.StatusOK, run)
}

func terminalTicketStatus(s State) string {
	if s == StateSucceeded {
		return "COMPLETED"
	}
	return "FAILED"
}

type enforceLimitsRequest struct {
	TokenCount *int `json:"token_count"`
}

func (h *Handler) handleEnforceLimits(w http.ResponseWriter, r *http.Request) {
	var req enforceLimitsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "runID")
	run, found, err := h.store.EnforceLimits(r.Context(), id, req.TokenCount)
	if err != nil {
		h.respondErr(w, "enforcing run limits", err)
		return
	}
	if !found {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if run.State == StateTimedOut {
		telemetry.RunLimitViolationsTotal.WithLabelValues(limitKind(run)).Inc()
	}
	httpserver.Respond(w, http.StatusOK, run)
}

func limitKind(run Run) string {
	if run.ErrorMessage != nil && strings.Contains(*run.ErrorMessage, "max_minutes") {
		return "max_minutes"
	}
	return "max_tokens"
}

type recoverStaleRequest struct {
	HeartbeatTimeoutSeconds int `json:"heartbeat_timeout_seconds" validate:"required,gt=0"`
}

func (h *Handler) handleRecoverStale(w http.ResponseWriter, r *http.Request) {
	var req recoverStaleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ids, err := h.store.RecoverStale(r.Context(), time.Duration(req.HeartbeatTimeoutSeconds)*time.Second)
	if err != nil {
		h.respondErr(w, "recovering stale runs", err)
		return
	}
	telemetry.RunsRecoveredTotal.Add(float64(len(ids)))
	httpserver.Respond(w, http.StatusOK, map[string]any{"recovered": ids})
}

func (h *Handler) respondErr(w http.ResponseWriter, action string, err error) {
	kind := errs.KindOf(err)
	h.logger.Error(action, "error", err, "kind", kind)
	switch kind {
	case errs.KindValidation:
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
	default:
		httpserver.RespondError(w, http.StatusServiceUnavailable, "supervisor_unavailable", "run supervisor store error")
	}
}
