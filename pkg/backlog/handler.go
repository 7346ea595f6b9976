package backlog

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/nightowl/internal/errs"
	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/internal/telemetry"
)

// Handler exposes the backlog operations over HTTP for dispatcher and
// harness-adapter callers.
type Handler struct {
	store    Store
	leaseTTL time.Duration
	logger   *slog.Logger
}

// NewHandler creates a backlog Handler.
func NewHandler(store Store, leaseTTL time.Duration, logger *slog.Logger) *Handler {
	return &Handler{store: store, leaseTTL: leaseTTL, logger: logger}
}

// Routes returns a chi.Router with the backlog's HTTP surface mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/ready", h.handleFetchReady)
	r.Get("/{ticketID}", h.handleGet)
	r.Post("/{ticketID}/claim", h.handleClaim)
	r.Post("/{ticketID}/heartbeat", h.handleHeartbeat)
	r.Post("/{ticketID}/complete", h.handleComplete)
	r.Post("/{ticketID}/fail", h.handleFail)
	return r
}

type createTicketRequest struct {
	Source             string   `json:"source" validate:"required"`
	Type               string   `json:"type" validate:"required"`
	Priority           Priority `json:"priority" validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
	Repo               string   `json:"repo" validate:"required"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	IdempotencyKey     string   `json:"idempotency_key" validate:"required"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.store.Create(r.Context(), NewTicketInput{
		Source:             req.Source,
		Type:               req.Type,
		Priority:           req.Priority,
		Repo:               req.Repo,
		AcceptanceCriteria: req.AcceptanceCriteria,
		IdempotencyKey:     req.IdempotencyKey,
	})
	if err != nil {
		h.respondErr(w, "creating ticket", err)
		return
	}
	telemetry.TicketsCreatedTotal.Inc()
	httpserver.Respond(w, http.StatusCreated, t)
}

func (h *Handler) handleFetchReady(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	tickets, err := h.store.FetchReady(r.Context(), params.PageSize)
	if err != nil {
		h.respondErr(w, "fetching ready tickets", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, tickets)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketID")
	t, found, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, "fetching ticket", err)
		return
	}
	if !found {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "ticket not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, t)
}

type claimRequest struct {
	Owner string `json:"owner" validate:"required"`
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "ticketID")

	// Best-effort observation of whether this claim is reclaiming an expired
	// lease, purely for the lease_expired_total metric; the authoritative
	// decision is made inside the atomic conditional update below.
	before, found, _ := h.store.Get(r.Context(), id)
	wasExpiredClaim := found && before.Status == StatusClaimed &&
		before.LeaseExpiresAt != nil && before.LeaseExpiresAt.Before(time.Now().UTC())

	lease, ok, err := h.store.Claim(r.Context(), id, req.Owner, h.leaseTTL)
	if err != nil {
		h.respondErr(w, "claiming ticket", err)
		return
	}
	if !ok {
		telemetry.TicketClaimContentionTotal.Inc()
		httpserver.RespondError(w, http.StatusConflict, "conflict", "ticket is not claimable")
		return
	}
	if wasExpiredClaim {
		telemetry.LeaseExpiredTotal.Inc()
	}
	httpserver.Respond(w, http.StatusOK, lease)
}

type heartbeatRequest struct {
	LeaseToken string `json:"lease_token" validate:"required"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "ticketID")
	lease, ok, err := h.store.Heartbeat(r.Context(), id, req.LeaseToken, h.leaseTTL)
	if err != nil {
		h.respondErr(w, "extending lease", err)
		return
	}
	if !ok {
		httpserver.RespondError(w, http.StatusConflict, "conflict", "lease is not valid")
		return
	}
	httpserver.Respond(w, http.StatusOK, lease)
}

type terminalRequest struct {
	LeaseToken string `json:"lease_token" validate:"required"`
	Reason     string `json:"reason"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req terminalRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "ticketID")
	t, ok, err := h.store.Complete(r.Context(), id, req.LeaseToken)
	if err != nil {
		h.respondErr(w, "completing ticket", err)
		return
	}
	if !ok {
		httpserver.RespondError(w, http.StatusConflict, "conflict", "lease is not valid")
		return
	}
	telemetry.TicketsTerminalTotal.WithLabelValues(string(StatusCompleted)).Inc()
	httpserver.Respond(w, http.StatusOK, t)
}

func (h *Handler) handleFail(w http.ResponseWriter, r *http.Request) {
	var req terminalRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "ticketID")
	t, ok, err := h.store.Fail(r.Context(), id, req.LeaseToken, req.Reason)
	if err != nil {
		h.respondErr(w, "failing ticket", err)
		return
	}
	if !ok {
		httpserver.RespondError(w, http.StatusConflict, "conflict", "lease is not valid")
		return
	}
	telemetry.TicketsTerminalTotal.WithLabelValues(string(StatusFailed)).Inc()
	httpserver.Respond(w, http.StatusOK, t)
}

func (h *Handler) respondErr(w http.ResponseWriter, action string, err error) {
	kind := errs.KindOf(err)
	h.logger.Error(action, "error", err, "kind", kind)
	switch kind {
	case errs.KindValidation:
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
	default:
		httpserver.RespondError(w, http.StatusServiceUnavailable, "backlog_unavailable", "backlog store error")
	}
}
