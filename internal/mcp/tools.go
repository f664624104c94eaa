package mcp

import "github.com/mark3labs/mcp-go/mcp"

var modeOption = mcp.WithString("mode",
	mcp.Description("Hibernation mechanism: 'discard' unloads the page and keeps the tab (default), "+
		"'close' closes the tab and keeps an entry to recreate it by URL."),
	mcp.Enum("discard", "close"),
)

var getDataToolDef = mcp.NewTool("tab_get_data",
	mcp.WithDescription(
		"Get the tracked metadata of one tab, or of every tracked tab keyed by id when tab_id is omitted.",
	),
	mcp.WithNumber("tab_id",
		mcp.Description("Browser tab id"),
	),
)

var hibernateToolDef = mcp.NewTool("tab_hibernate",
	mcp.WithDescription(
		"Hibernate one tab now. Protected tabs are refused with POLICY_VIOLATION.",
	),
	mcp.WithNumber("tab_id",
		mcp.Required(),
		mcp.Description("Browser tab id"),
	),
	modeOption,
)

var restoreToolDef = mcp.NewTool("tab_restore",
	mcp.WithDescription(
		"Restore a hibernated tab. A tab closed by hard hibernation is recreated and gets a new id.",
	),
	mcp.WithNumber("tab_id",
		mcp.Required(),
		mcp.Description("Browser tab id of the hibernated tab"),
	),
)

var hibernateAllToolDef = mcp.NewTool("tab_hibernate_all",
	mcp.WithDescription(
		"Hibernate every eligible tab, optionally limited to one window. Active, pinned, audible, "+
			"protected and whitelisted tabs and tabs with unsaved form data are skipped.",
	),
	mcp.WithNumber("window_id",
		mcp.Description("Limit the run to this window"),
	),
	modeOption,
)

var restoreAllToolDef = mcp.NewTool("tab_restore_all",
	mcp.WithDescription("Restore every hibernated tab."),
)

var metricsToolDef = mcp.NewTool("tab_metrics",
	mcp.WithDescription(
		"Get aggregate tab metrics: tabs managed, hibernated count and estimated memory saved in MB.",
	),
)

var groupsToolDef = mcp.NewTool("tab_groups",
	mcp.WithDescription("List open tabs grouped by registrable domain, largest group first."),
)

var protectToolDef = mcp.NewTool("tab_protect",
	mcp.WithDescription("Exempt a tab from automatic, manual and bulk hibernation."),
	mcp.WithNumber("tab_id",
		mcp.Required(),
		mcp.Description("Browser tab id"),
	),
)

var unprotectToolDef = mcp.NewTool("tab_unprotect",
	mcp.WithDescription("Remove a tab's hibernation exemption."),
	mcp.WithNumber("tab_id",
		mcp.Required(),
		mcp.Description("Browser tab id"),
	),
)

var settingsGetToolDef = mcp.NewTool("settings_get",
	mcp.WithDescription("Get the hibernation settings, or the defaults when none were saved."),
)

var settingsSaveToolDef = mcp.NewTool("settings_save",
	mcp.WithDescription(
		"Save hibernation settings. Fields left out take their default value. "+
			"timeThreshold (minutes) must be at least 1 and domain patterns must be valid globs.",
	),
	mcp.WithObject("settings",
		mcp.Required(),
		mcp.Description(`Settings object, e.g. {"hibernation":{"enabled":true,"timeThreshold":30,`+
			`"whitelistedDomains":["mail.example.com"],"blacklistedDomains":["*.news.example"]}}`),
	),
)

var checkToolDef = mcp.NewTool("hibernation_check",
	mcp.WithDescription(
		"Run one automatic hibernation cycle now and report how many tabs were evaluated and hibernated.",
	),
)
