package mcp

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/weaver/internal/config"
	"github.com/hpungsan/weaver/internal/router"
)

// KnownTypes lists all valid type names.
var KnownTypes = []string{"tab", "settings", "hibernation"}

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"tab_get_data": {
		def:     getDataToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGetData },
	},
	"tab_hibernate": {
		def:     hibernateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHibernate },
	},
	"tab_restore": {
		def:     restoreToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRestore },
	},
	"tab_hibernate_all": {
		def:     hibernateAllToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHibernateAll },
	},
	"tab_restore_all": {
		def:     restoreAllToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRestoreAll },
	},
	"tab_metrics": {
		def:     metricsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleMetrics },
	},
	"tab_groups": {
		def:     groupsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGroups },
	},
	"tab_protect": {
		def:     protectToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleProtect },
	},
	"tab_unprotect": {
		def:     unprotectToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleUnprotect },
	},
	"settings_get": {
		def:     settingsGetToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSettingsGet },
	},
	"settings_save": {
		def:     settingsSaveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSettingsSave },
	},
	"hibernation_check": {
		def:     checkToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCheck },
	},
}

// AllToolNames returns every valid tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// ValidateDisabledTypes returns a list of unknown type names from the given list.
func ValidateDisabledTypes(names []string) []string {
	known := make(map[string]bool, len(KnownTypes))
	for _, t := range KnownTypes {
		known[t] = true
	}

	unknown := make([]string, 0)
	for _, name := range names {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// GetTypeForTool extracts the type name from a tool name.
// Tool names follow the pattern "type_action" (e.g., "tab_hibernate" → "tab").
func GetTypeForTool(toolName string) string {
	if idx := strings.Index(toolName, "_"); idx > 0 {
		return toolName[:idx]
	}
	return ""
}

// ExpandTypesToTools returns all tool names belonging to the given types.
func ExpandTypesToTools(types []string) []string {
	if len(types) == 0 {
		return nil
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	tools := make([]string, 0)
	for name := range toolRegistry {
		if typeSet[GetTypeForTool(name)] {
			tools = append(tools, name)
		}
	}
	sort.Strings(tools)
	return tools
}

// NewServer creates an MCP server exposing the tab operations of ops.
// Tools listed in cfg.DisabledTools or belonging to cfg.DisabledTypes
// are excluded from registration.
func NewServer(ops *router.Handlers, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"weaver",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	h := NewHandlers(ops)

	disabled := make(map[string]bool)
	for _, tool := range ExpandTypesToTools(cfg.DisabledTypes) {
		disabled[tool] = true
	}
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run serves the MCP tools over stdio until stdin closes or ctx is cancelled.
func Run(ctx context.Context, ops *router.Handlers, cfg *config.Config, version string) error {
	s := NewServer(ops, cfg, version)
	return server.NewStdioServer(s).Listen(ctx, os.Stdin, os.Stdout)
}
