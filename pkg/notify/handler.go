package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	goslack "github.com/slack-go/slack"

	"github.com/wisbric/nightowl/internal/audit"
	"github.com/wisbric/nightowl/pkg/supervisor"
)

// Handler receives Slack interaction callbacks for Approve/Reject button
// clicks and drives the corresponding run transition through Store.
type Handler struct {
	store         supervisor.Store
	signingSecret string
	logger        *slog.Logger
	auditWriter   *audit.Writer
	provider      Provider
	refs          RefStore
}

// NewHandler creates a notify interaction Handler. auditWriter may be nil,
// in which case approval decisions are not recorded to the audit log.
// provider and refs may also be nil, in which case the posted approval
// message is never updated with its outcome.
func NewHandler(store supervisor.Store, signingSecret string, logger *slog.Logger, auditWriter *audit.Writer, provider Provider, refs RefStore) *Handler {
	return &Handler{store: store, signingSecret: signingSecret, logger: logger, auditWriter: auditWriter, provider: provider, refs: refs}
}

// Routes returns a chi.Router with the Slack interactions webhook mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(VerifySlackSignature(h.signingSecret))
	r.Post("/interactions", h.handleInteractions)
	return r
}

func (h *Handler) handleInteractions(w http.ResponseWriter, r *http.Request) {
	payload := r.FormValue("payload")
	if payload == "" {
		http.Error(w, "missing payload", http.StatusBadRequest)
		return
	}

	var ic goslack.InteractionCallback
	if err := json.Unmarshal([]byte(payload), &ic); err != nil {
		h.logger.Error("parsing interaction callback", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if ic.Type == goslack.InteractionTypeBlockActions {
		h.handleBlockActions(r, ic)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleBlockActions(r *http.Request, ic goslack.InteractionCallback) {
	for _, action := range ic.ActionCallback.BlockActions {
		switch action.ActionID {
		case "approve_run":
			h.transitionRun(r, action.Value, supervisor.StateRunning, ic.User.ID)
		case "reject_run":
			h.transitionRun(r, action.Value, supervisor.StateCanceled, ic.User.ID)
		}
	}
}

func (h *Handler) transitionRun(r *http.Request, runID string, newState supervisor.State, decidedBy string) {
	_, ok, err := h.store.Monitor(r.Context(), runID, newState, 0, map[string]any{"decided_by": decidedBy})
	if err != nil {
		h.logger.Error("transitioning run from approval decision", "run_id", runID, "error", err)
		return
	}
	if !ok {
		h.logger.Warn("approval decision transition was rejected", "run_id", runID, "new_state", newState)
		return
	}
	if h.auditWriter != nil {
		detail, _ := json.Marshal(map[string]any{"new_state": newState})
		h.auditWriter.LogFromRequest(r, decidedBy, "approval_decision", "run", runID, detail)
	}
	h.updateApprovalMessage(r.Context(), runID, newState == supervisor.StateRunning, decidedBy)
}

func (h *Handler) updateApprovalMessage(ctx context.Context, runID string, approved bool, decidedBy string) {
	if h.provider == nil || h.refs == nil {
		return
	}
	ref, ok := h.refs.Get(runID)
	if !ok {
		return
	}
	if err := h.provider.UpdateApprovalOutcome(ctx, ref, approved, decidedBy); err != nil {
		h.logger.Error("updating approval message", "run_id", runID, "error", err)
	}
}
