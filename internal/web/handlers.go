package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/weaver/internal/bridge"
	"github.com/hpungsan/weaver/internal/errors"
	"github.com/hpungsan/weaver/internal/router"
	"github.com/hpungsan/weaver/internal/service"
	"github.com/hpungsan/weaver/internal/tab"
)

// maxMessageBytes caps a POST /api/messages body.
const maxMessageBytes = 1 << 20

// Handlers contains HTTP route handlers for the JSON API.
type Handlers struct {
	svc     *service.Service
	bridge  *bridge.Bridge
	version string
	log     zerolog.Logger
}

// messageRequest is the body of POST /api/messages. A body without a
// "message" field is taken as the message itself.
type messageRequest struct {
	Message json.RawMessage `json:"message"`
	Sender  *router.Sender  `json:"sender,omitempty"`
}

// HandleMessage handles POST /api/messages: route one protocol message.
func (h *Handlers) HandleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		renderError(w, errors.NewInvalidRequest("request body too large or unreadable"))
		return
	}

	var in messageRequest
	if err := json.Unmarshal(body, &in); err != nil {
		renderError(w, errors.NewInvalidRequest("invalid JSON body"))
		return
	}
	msg := in.Message
	if len(bytes.TrimSpace(msg)) == 0 {
		msg = body
	}
	var sender router.Sender
	if in.Sender != nil {
		sender = *in.Sender
	}

	resp := h.svc.Router().Dispatch(r.Context(), msg, sender)
	status := http.StatusOK
	if er, ok := resp.(router.ErrorResponse); ok {
		status = errors.StatusOf(er.Code)
	}
	renderJSON(w, status, resp)
}

// HandleTabs handles GET /api/tabs: every record, or domain groups with ?group=true.
func (h *Handlers) HandleTabs(w http.ResponseWriter, r *http.Request) {
	if parseBoolParam(r, "group") {
		h.HandleGroups(w, r)
		return
	}
	records := h.svc.Handlers().Records()
	if !parseBoolParam(r, "include_closed") {
		open := make([]tab.Record, 0, len(records))
		for _, rec := range records {
			if !rec.Closed() {
				open = append(open, rec)
			}
		}
		records = open
	}
	if records == nil {
		records = []tab.Record{}
	}
	renderJSON(w, http.StatusOK, map[string]any{"tabs": records, "count": len(records)})
}

// HandleTab handles GET /api/tabs/{id}: one record.
func (h *Handlers) HandleTab(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		renderError(w, errors.NewInvalidRequest("tab id must be a positive integer"))
		return
	}
	rec, err := h.svc.Handlers().TabData(&id)
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, rec)
}

// HandleGroups handles GET /api/groups: open tabs grouped by domain.
func (h *Handlers) HandleGroups(w http.ResponseWriter, _ *http.Request) {
	groups := h.svc.Handlers().Groups()
	if groups == nil {
		groups = []tab.Group{}
	}
	renderJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

// HandleMetrics handles GET /api/metrics: aggregate tab metrics.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	renderJSON(w, http.StatusOK, h.svc.Handlers().Metrics())
}

// HandleSettings handles GET /api/settings.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Handlers().Settings(r.Context())
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, s)
}

// HandleHibernated handles GET /api/hibernated: tabs closed by hard hibernation.
func (h *Handlers) HandleHibernated(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Handlers().HibernatedTabs(r.Context())
	if err != nil {
		renderError(w, err)
		return
	}
	if list == nil {
		list = []tab.HibernatedTab{}
	}
	renderJSON(w, http.StatusOK, list)
}

// HandlePurge handles POST /api/purge: drop stale records now.
func (h *Handlers) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		renderError(w, errors.NewInvalidRequest("invalid form data"))
		return
	}
	if r.FormValue("confirm") != "true" {
		renderError(w, errors.NewInvalidRequest("confirm parameter must be \"true\""))
		return
	}

	n, err := h.svc.Purge(r.Context())
	if err != nil {
		if _, ok := errors.As(err); !ok {
			err = errors.NewHostUnavailable("query", err)
		}
		renderError(w, err)
		return
	}
	h.log.Info().Int("purged", n).Msg("purge requested over http")
	renderJSON(w, http.StatusOK, map[string]any{"purged": n})
}

// HandleHealth handles GET /api/health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	if !h.svc.Ready() {
		status = http.StatusServiceUnavailable
	}
	renderJSON(w, status, map[string]any{
		"ready":     h.svc.Ready(),
		"connected": h.bridge.Connected(),
		"records":   h.svc.Cache().Len(),
		"version":   h.version,
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

// renderError writes err as a JSON error body. Internal details are never exposed.
func renderError(w http.ResponseWriter, err error) {
	wErr, ok := errors.As(err)
	if !ok {
		wErr = errors.NewInternal(err)
	}

	errorObj := map[string]any{
		"code":    string(wErr.Code),
		"message": wErr.Message,
		"status":  wErr.Status,
	}
	if wErr.Code != errors.ErrInternal && wErr.Details != nil {
		errorObj["details"] = wErr.Details
	}
	renderJSON(w, wErr.Status, map[string]any{"error": errorObj})
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// parseBoolParam parses a boolean query parameter.
func parseBoolParam(r *http.Request, name string) bool {
	s := r.URL.Query().Get(name)
	return s == "true" || s == "1"
}
