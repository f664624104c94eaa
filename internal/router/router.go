// Package router is the request/response surface UI collaborators use to read
// tab state and ask for hibernate and restore actions.
//
// A message is a JSON object with a "type" field and type-specific fields,
// e.g. {"type":"HIBERNATE_TAB","tabId":12}. Dispatch never panics and never
// returns a Go error: every failure becomes {"success":false,"error":...,"code":...}.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hpungsan/weaver/internal/browser"
	"github.com/hpungsan/weaver/internal/errors"
	"github.com/rs/zerolog"
)

// Message types.
const (
	TypeGetTabData       = "GET_TAB_DATA"
	TypeHibernateTab     = "HIBERNATE_TAB"
	TypeRestoreTab       = "RESTORE_TAB"
	TypeUpdateActivity   = "UPDATE_TAB_ACTIVITY"
	TypeGetMetrics       = "GET_PERFORMANCE_METRICS"
	TypeFormDataDetected = "FORM_DATA_DETECTED"
	TypePageActivity     = "PAGE_ACTIVITY"
	TypeGetTabGroups     = "GET_TAB_GROUPS"
	TypeHibernateAll     = "HIBERNATE_ALL"
	TypeRestoreAll       = "RESTORE_ALL"
	TypeGetSettings      = "GET_SETTINGS"
	TypeSaveSettings     = "SAVE_SETTINGS"
	TypeGetHibernated    = "GET_HIBERNATED_TABS"
	TypeSwitchToTab      = "SWITCH_TO_TAB"
	TypeProtectTab       = "PROTECT_TAB"
	TypeUnprotectTab     = "UNPROTECT_TAB"
	TypeGetProtected     = "GET_PROTECTED_TABS"
	TypeHibernateCurrent = "HIBERNATE_CURRENT"
	TypeRunCheck         = "RUN_HIBERNATION_CHECK"
)

// Sender identifies who sent a message. Content scripts carry their tab.
type Sender struct {
	Tab     *browser.Tab `json:"tab,omitempty"`
	FrameID int          `json:"frameId,omitempty"`
	URL     string       `json:"url,omitempty"`
}

// Request is a decoded envelope passed to handlers.
type Request struct {
	Type    string
	Payload json.RawMessage
	Sender  Sender
}

// HandlerFunc handles one message type. The returned value is encoded as the response.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// ErrorResponse is the structured failure returned for every error.
type ErrorResponse struct {
	Success bool             `json:"success"`
	Error   string           `json:"error"`
	Code    errors.ErrorCode `json:"code,omitempty"`
}

// handlerRegistry maps message types to handler factories.
var handlerRegistry = map[string]func(*Handlers) HandlerFunc{
	TypeGetTabData:       func(h *Handlers) HandlerFunc { return h.handleGetTabData },
	TypeHibernateTab:     func(h *Handlers) HandlerFunc { return h.handleHibernateTab },
	TypeRestoreTab:       func(h *Handlers) HandlerFunc { return h.handleRestoreTab },
	TypeUpdateActivity:   func(h *Handlers) HandlerFunc { return h.handleUpdateActivity },
	TypeGetMetrics:       func(h *Handlers) HandlerFunc { return h.handleGetMetrics },
	TypeFormDataDetected: func(h *Handlers) HandlerFunc { return h.handleFormData },
	TypePageActivity:     func(h *Handlers) HandlerFunc { return h.handlePageActivity },
	TypeGetTabGroups:     func(h *Handlers) HandlerFunc { return h.handleGetTabGroups },
	TypeHibernateAll:     func(h *Handlers) HandlerFunc { return h.handleHibernateAll },
	TypeRestoreAll:       func(h *Handlers) HandlerFunc { return h.handleRestoreAll },
	TypeGetSettings:      func(h *Handlers) HandlerFunc { return h.handleGetSettings },
	TypeSaveSettings:     func(h *Handlers) HandlerFunc { return h.handleSaveSettings },
	TypeGetHibernated:    func(h *Handlers) HandlerFunc { return h.handleGetHibernated },
	TypeSwitchToTab:      func(h *Handlers) HandlerFunc { return h.handleSwitchToTab },
	TypeProtectTab:       func(h *Handlers) HandlerFunc { return h.handleProtect },
	TypeUnprotectTab:     func(h *Handlers) HandlerFunc { return h.handleUnprotect },
	TypeGetProtected:     func(h *Handlers) HandlerFunc { return h.handleGetProtected },
	TypeHibernateCurrent: func(h *Handlers) HandlerFunc { return h.handleHibernateCurrent },
	TypeRunCheck:         func(h *Handlers) HandlerFunc { return h.handleRunCheck },
}

// Types returns every known message type, sorted.
func Types() []string {
	out := make([]string, 0, len(handlerRegistry))
	for t := range handlerRegistry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Router dispatches messages to handlers.
type Router struct {
	h        *Handlers
	handlers map[string]HandlerFunc
	log      zerolog.Logger
}

// New builds a router over the given operations.
func New(h *Handlers) *Router {
	r := &Router{
		h:        h,
		handlers: make(map[string]HandlerFunc, len(handlerRegistry)),
		log:      h.log,
	}
	for t, factory := range handlerRegistry {
		r.handlers[t] = factory(h)
	}
	return r
}

// Handlers returns the typed operations behind the router.
func (r *Router) Handlers() *Handlers {
	return r.h
}

// Dispatch decodes raw and runs the matching handler. It always returns a
// JSON-encodable response.
func (r *Router) Dispatch(ctx context.Context, raw json.RawMessage, sender Sender) (resp any) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return r.errorResponse("", errors.NewInvalidRequest("message must be a JSON object with a type"))
	}

	handler, ok := r.handlers[envelope.Type]
	if !ok {
		return r.errorResponse(envelope.Type, errors.NewUnknownMessage(envelope.Type))
	}

	defer func() {
		if p := recover(); p != nil {
			resp = r.errorResponse(envelope.Type, errors.NewInternal(fmt.Errorf("panic: %v", p)))
		}
	}()

	out, err := handler(ctx, Request{Type: envelope.Type, Payload: raw, Sender: sender})
	if err != nil {
		return r.errorResponse(envelope.Type, err)
	}
	return out
}

func (r *Router) errorResponse(msgType string, err error) ErrorResponse {
	we, ok := errors.As(err)
	if !ok {
		we = errors.NewInternal(err)
	}

	ev := r.log.Warn()
	if we.Code == errors.ErrInternal {
		ev = r.log.Error()
	}
	ev.Str("type", msgType).Str("code", string(we.Code)).Interface("details", we.Details).Msg(we.Message)

	return ErrorResponse{Success: false, Error: we.Message, Code: we.Code}
}

// decode unmarshals the message payload into T.
func decode[T any](req Request) (T, error) {
	var out T
	if len(req.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(req.Payload, &out); err != nil {
		return out, errors.NewInvalidRequest(fmt.Sprintf("invalid %s payload: %v", req.Type, err))
	}
	return out, nil
}
