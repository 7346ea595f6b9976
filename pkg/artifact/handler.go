package artifact

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/nightowl/internal/httpserver"
)

// Handler exposes recording and read access to run artifacts. Upload
// mechanics (storing the underlying diff/log content) are out of scope;
// callers record a URL pointing at wherever the content already lives.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates an artifact Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router expecting to be mounted under a path carrying
// a {runID} URL parameter, e.g. /runs/{runID}/artifacts.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleRecord)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	artifacts, err := h.store.ListForRun(r.Context(), runID)
	if err != nil {
		h.logger.Error("listing artifacts", "error", err, "run_id", runID)
		httpserver.RespondError(w, http.StatusServiceUnavailable, "artifact_unavailable", "failed to list artifacts")
		return
	}
	httpserver.Respond(w, http.StatusOK, artifacts)
}

type recordArtifactRequest struct {
	TicketID string `json:"ticket_id" validate:"required"`
	Kind     string `json:"kind" validate:"required"`
	URL      string `json:"url" validate:"required,url"`
}

// handleRecord lets the harness adapter's collect_artifacts step persist a
// produced output (diff, log, PR link) once a run finishes.
func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordArtifactRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	runID := chi.URLParam(r, "runID")
	a, err := h.store.Record(r.Context(), runID, req.TicketID, req.Kind, req.URL)
	if err != nil {
		h.logger.Error("recording artifact", "error", err, "run_id", runID)
		httpserver.RespondError(w, http.StatusServiceUnavailable, "artifact_unavailable", "failed to record artifact")
		return
	}
	httpserver.Respond(w, http.StatusCreated, a)
}
