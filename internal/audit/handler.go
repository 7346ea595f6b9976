package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/nightowl/internal/db"
	"github.com/wisbric/nightowl/internal/errs"
	"github.com/wisbric/nightowl/internal/httpserver"
)

// LogEntry is a single row read back from the audit_log table.
type LogEntry struct {
	ID         int64           `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	IPAddress  *string         `json:"ip_address,omitempty"`
	UserAgent  *string         `json:"user_agent,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Handler provides read-only HTTP access to the audit log.
type Handler struct {
	pool   db.DBTX
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(pool db.DBTX, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

// handleList returns audit log entries ordered oldest-first, keyset-paginated
// by id. A request with no "after" cursor starts from the
// beginning of the log.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	entries, err := h.list(r.Context(), params.After, params.Limit+1)
	if err != nil {
		h.logger.Error("listing audit log", "error", err, "kind", errs.KindOf(err))
		httpserver.RespondError(w, http.StatusServiceUnavailable, "audit_unavailable", "failed to list audit log")
		return
	}
	page := httpserver.NewCursorPage(entries, params.Limit, func(e LogEntry) int64 { return e.ID })
	httpserver.Respond(w, http.StatusOK, page)
}

func (h *Handler) list(ctx context.Context, after int64, limit int) ([]LogEntry, error) {
	const q = `
		SELECT id, actor, action, resource, resource_id, detail, ip_address, user_agent, created_at
		FROM audit_log
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`

	rows, err := h.pool.Query(ctx, q, after, limit)
	if err != nil {
		return nil, errs.Unavailable("querying audit log", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Resource, &e.ResourceID, &e.Detail, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, errs.Unavailable("scanning audit log entry", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
