package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/weaver/internal/errors"
	"github.com/hpungsan/weaver/internal/hibernation"
	"github.com/hpungsan/weaver/internal/router"
	"github.com/hpungsan/weaver/internal/tab"
)

// Handlers adapts the tab operations to MCP tool calls.
type Handlers struct {
	ops *router.Handlers
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(ops *router.Handlers) *Handlers {
	return &Handlers{ops: ops}
}

// Request types for each tool

// TabRequest identifies one tab.
type TabRequest struct {
	TabID int `json:"tab_id"`
}

// GetDataRequest represents the arguments for tab_get_data.
type GetDataRequest struct {
	TabID *int `json:"tab_id,omitempty"`
}

// HibernateRequest represents the arguments for tab_hibernate.
type HibernateRequest struct {
	TabID int      `json:"tab_id"`
	Mode  tab.Mode `json:"mode,omitempty"`
}

// HibernateAllRequest represents the arguments for tab_hibernate_all.
type HibernateAllRequest struct {
	WindowID *int     `json:"window_id,omitempty"`
	Mode     tab.Mode `json:"mode,omitempty"`
}

// SettingsSaveRequest represents the arguments for settings_save.
type SettingsSaveRequest struct {
	Settings json.RawMessage `json:"settings"`
}

// TabResult is returned by tools acting on one tab.
type TabResult struct {
	TabID      int      `json:"tab_id"`
	Hibernated bool     `json:"hibernated"`
	Mode       tab.Mode `json:"mode,omitempty"`
	URL        string   `json:"url,omitempty"`
	Title      string   `json:"title,omitempty"`
}

// BulkResult is returned by the bulk tools.
type BulkResult struct {
	hibernation.BulkResult
	Message string `json:"message"`
}

// ProtectResult is returned by tab_protect and tab_unprotect.
type ProtectResult struct {
	TabID     int   `json:"tab_id"`
	Protected bool  `json:"protected"`
	All       []int `json:"protected_tabs"`
}

func tabResult(r tab.Record) TabResult {
	return TabResult{
		TabID:      r.TabID,
		Hibernated: r.Hibernated,
		Mode:       r.HibernationMode,
		URL:        r.URL,
		Title:      r.Title,
	}
}

// HandleGetData handles the tab_get_data tool call.
func (h *Handlers) HandleGetData(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[GetDataRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	data, err := h.ops.TabData(input.TabID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(data)
}

// HandleHibernate handles the tab_hibernate tool call.
func (h *Handlers) HandleHibernate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HibernateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	rec, err := h.ops.HibernateTab(ctx, input.TabID, input.Mode)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(tabResult(rec))
}

// HandleRestore handles the tab_restore tool call.
func (h *Handlers) HandleRestore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TabRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	rec, err := h.ops.RestoreTab(ctx, input.TabID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(tabResult(rec))
}

// HandleHibernateAll handles the tab_hibernate_all tool call.
func (h *Handlers) HandleHibernateAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HibernateAllRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	res, err := h.ops.HibernateAll(ctx, hibernation.BulkOptions{WindowID: input.WindowID, Mode: input.Mode})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(BulkResult{BulkResult: res, Message: res.Message("hibernate")})
}

// HandleRestoreAll handles the tab_restore_all tool call.
func (h *Handlers) HandleRestoreAll(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := h.ops.RestoreAll(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(BulkResult{BulkResult: res, Message: res.Message("restore")})
}

// HandleMetrics handles the tab_metrics tool call.
func (h *Handlers) HandleMetrics(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(h.ops.Metrics())
}

// HandleGroups handles the tab_groups tool call.
func (h *Handlers) HandleGroups(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	groups := h.ops.Groups()
	if groups == nil {
		groups = []tab.Group{}
	}
	return successResult(map[string]any{"groups": groups})
}

// HandleProtect handles the tab_protect tool call.
func (h *Handlers) HandleProtect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TabRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	if err := h.ops.Protect(ctx, input.TabID); err != nil {
		return errorResult(err), nil
	}
	return successResult(ProtectResult{TabID: input.TabID, Protected: true, All: h.ops.ProtectedTabs()})
}

// HandleUnprotect handles the tab_unprotect tool call.
func (h *Handlers) HandleUnprotect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TabRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	if err := h.ops.Unprotect(ctx, input.TabID); err != nil {
		return errorResult(err), nil
	}
	return successResult(ProtectResult{TabID: input.TabID, Protected: false, All: h.ops.ProtectedTabs()})
}

// HandleSettingsGet handles the settings_get tool call.
func (h *Handlers) HandleSettingsGet(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := h.ops.Settings(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(s)
}

// HandleSettingsSave handles the settings_save tool call.
func (h *Handlers) HandleSettingsSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SettingsSaveRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if len(input.Settings) == 0 || string(input.Settings) == "null" {
		return errorResult(errors.NewInvalidRequest("settings is required")), nil
	}

	s, err := tab.DecodeSettings(input.Settings)
	if err != nil {
		return errorResult(errors.NewInvalidRequest("invalid settings: " + err.Error())), nil
	}
	saved, err := h.ops.SaveSettings(ctx, s)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(saved)
}

// HandleCheck handles the hibernation_check tool call.
func (h *Handlers) HandleCheck(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := h.ops.RunCheck(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(res)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Note: Internal error details are not exposed to prevent leaking sensitive info.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if wErr, ok := errors.As(err); ok {
		message := wErr.Message
		// Keep the context added by wrappers, e.g. "restore 12: NOT_FOUND: ..."
		if wErr.Code != errors.ErrInternal && err != error(wErr) {
			if prefix := strings.TrimSuffix(err.Error(), wErr.Error()); prefix != err.Error() {
				message = prefix + wErr.Message
			}
		}
		errorObj := map[string]any{
			"code":    wErr.Code,
			"message": message,
			"status":  wErr.Status,
		}
		if wErr.Code != errors.ErrInternal && wErr.Details != nil {
			errorObj["details"] = wErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
