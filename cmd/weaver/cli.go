package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/weaver/internal/cache"
	"github.com/hpungsan/weaver/internal/config"
	"github.com/hpungsan/weaver/internal/errors"
	"github.com/hpungsan/weaver/internal/kv"
	"github.com/hpungsan/weaver/internal/logging"
	"github.com/hpungsan/weaver/internal/tab"
)

// appEnv holds what every command needs. It is nil for --help and --version.
type appEnv struct {
	baseDir string
	db      *sql.DB
	cfg     *config.Config
	log     *logging.Logger
}

func (e *appEnv) store() *kv.Store {
	return kv.NewSQL(e.db)
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(env *appEnv) *cli.App {
	app := &cli.App{
		Name:    "weaver",
		Usage:   "Tab hibernation and activity tracking for the browser extension",
		Version: Version,
		Description: "Without a command weaver serves MCP tools on stdio and runs the extension bridge,\n" +
			"the HTTP API and the hibernation scheduler in the background.\n" +
			"Global flags --dir and --config must come before the command.",
		Commands: []*cli.Command{
			tabsCmd(env),
			metricsCmd(env),
			settingsCmd(env),
			hibernatedCmd(env),
			protectCmd(env, true),
			protectCmd(env, false),
			purgeCmd(env),
			serveCmd(env),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// tabsCmd creates the tabs command.
func tabsCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "tabs",
		Usage: "List tracked tabs from the persisted store",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "group", Aliases: []string{"g"}, Usage: "Group open tabs by domain"},
			&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "Include closed tabs awaiting purge"},
		},
		Action: func(c *cli.Context) error {
			records, err := loadRecords(c.Context, env.store())
			if err != nil {
				return outputError(err)
			}

			if c.Bool("group") {
				return outputJSON(map[string]any{"groups": nonNil(tab.GroupByDomain(records))})
			}

			if !c.Bool("all") {
				open := make([]tab.Record, 0, len(records))
				for _, r := range records {
					if !r.Closed() {
						open = append(open, r)
					}
				}
				records = open
			}
			return outputJSON(map[string]any{"tabs": nonNil(records), "count": len(records)})
		},
	}
}

// metricsCmd creates the metrics command.
func metricsCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "Show aggregate tab metrics",
		Action: func(c *cli.Context) error {
			records, err := loadRecords(c.Context, env.store())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(tab.ComputeMetrics(records, time.Now()))
		},
	}
}

// settingsCmd creates the settings command with show and set subcommands.
func settingsCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "settings",
		Usage: "Show or change hibernation settings",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the current settings",
				Action: func(c *cli.Context) error {
					s, err := env.store().LoadSettings(c.Context)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(s)
				},
			},
			{
				Name:  "set",
				Usage: "Change settings (a full JSON document may be piped via stdin)",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "enabled", Usage: "Enable automatic hibernation"},
					&cli.IntFlag{Name: "threshold", Aliases: []string{"t"}, Usage: "Minutes of inactivity before hibernation"},
					&cli.BoolFlag{Name: "exclude-pinned", Usage: "Never hibernate pinned tabs"},
					&cli.BoolFlag{Name: "exclude-audible", Usage: "Never hibernate tabs playing audio"},
					&cli.BoolFlag{Name: "exclude-forms", Usage: "Never hibernate tabs with unsaved form data"},
					&cli.StringFlag{Name: "whitelist", Usage: "Comma-separated domain patterns never hibernated"},
					&cli.StringFlag{Name: "blacklist", Usage: "Comma-separated domain patterns hibernated regardless of use"},
				},
				Action: func(c *cli.Context) error {
					store := env.store()
					s, err := store.LoadSettings(c.Context)
					if err != nil {
						return outputError(err)
					}

					if stdinHasData() {
						data, err := readStdin()
						if err != nil {
							return outputError(errors.NewInternal(err))
						}
						if data != "" {
							if s, err = tab.DecodeSettings([]byte(data)); err != nil {
								return outputError(errors.NewInvalidRequest("invalid settings: " + err.Error()))
							}
						}
					}

					applySettingsFlags(c, &s.Hibernation)
					if err := s.Validate(); err != nil {
						return outputError(err)
					}
					if err := store.SaveSettings(c.Context, s); err != nil {
						return outputError(err)
					}
					return outputJSON(s)
				},
			},
		},
	}
}

func applySettingsFlags(c *cli.Context, h *tab.HibernationSettings) {
	if c.IsSet("enabled") {
		h.Enabled = c.Bool("enabled")
	}
	if c.IsSet("threshold") {
		h.TimeThresholdMinutes = c.Int("threshold")
	}
	if c.IsSet("exclude-pinned") {
		h.ExcludePinned = c.Bool("exclude-pinned")
	}
	if c.IsSet("exclude-audible") {
		h.ExcludeAudible = c.Bool("exclude-audible")
	}
	if c.IsSet("exclude-forms") {
		h.ExcludeWithForms = c.Bool("exclude-forms")
	}
	if c.IsSet("whitelist") {
		h.WhitelistedDomains = nonNil(parseList(c.String("whitelist")))
	}
	if c.IsSet("blacklist") {
		h.BlacklistedDomains = nonNil(parseList(c.String("blacklist")))
	}
}

// hibernatedCmd creates the hibernated command.
func hibernatedCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "hibernated",
		Usage: "List tabs closed by hard hibernation",
		Action: func(c *cli.Context) error {
			list, err := env.store().LoadHibernatedTabs(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(nonNil(list))
		},
	}
}

// protectCmd creates the protect or unprotect command.
func protectCmd(env *appEnv, protect bool) *cli.Command {
	name, usage := "protect", "Exempt a tab from hibernation"
	if !protect {
		name, usage = "unprotect", "Remove a tab's hibernation exemption"
	}
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<tab-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one tab id is required"))
			}
			id, err := strconv.Atoi(c.Args().First())
			if err != nil || id <= 0 {
				return outputError(errors.NewInvalidRequest("tab id must be a positive integer"))
			}

			p := cache.NewProtected(env.store())
			if err := p.Load(c.Context); err != nil {
				return outputError(err)
			}
			if protect {
				err = p.Add(c.Context, id)
			} else {
				err = p.Remove(c.Context, id)
			}
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{
				"tab_id":         id,
				"protected":      protect,
				"protected_tabs": nonNil(p.IDs()),
			})
		},
	}
}

// purgeCmd creates the purge command.
func purgeCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Remove records of closed tabs not used within the retention period",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "older-than", Usage: "Retention override in days (e.g., 7d)"},
		},
		Action: func(c *cli.Context) error {
			retention := env.cfg.Retention.Std()
			if olderThan := c.String("older-than"); olderThan != "" {
				days, err := parseDuration(olderThan)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				retention = time.Duration(days) * 24 * time.Hour
			}

			n, err := purgeOffline(c.Context, env, retention)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{
				"purged":    n,
				"retention": retention.String(),
			})
		},
	}
}

// purgeOffline purges without a browser: URLs of records not marked closed
// count as live, so only closed tabs can be dropped. Protection of dropped
// tabs is removed with them.
func purgeOffline(ctx context.Context, env *appEnv, retention time.Duration) (int, error) {
	c := cache.New(env.store(), cache.WithLogger(env.log.Component("cache")))
	if err := c.Load(ctx); err != nil {
		return 0, err
	}

	var live []string
	for _, r := range c.Records() {
		if !r.Closed() {
			live = append(live, r.URL)
		}
	}
	removed := c.PurgeStaleIDs(retention, live)
	if err := c.Close(ctx); err != nil {
		return 0, err
	}

	p := cache.NewProtected(env.store())
	if err := p.Load(ctx); err != nil {
		return 0, err
	}
	if _, err := p.RemoveAll(ctx, removed); err != nil {
		return 0, err
	}
	return len(removed), nil
}

// serveCmd creates the serve command.
func serveCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the extension bridge, HTTP API and hibernation scheduler without MCP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Usage: "HTTP bind address (overrides config)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "HTTP port (overrides config)"},
			&cli.BoolFlag{Name: "log-stderr", Usage: "Log to stderr instead of the log file"},
		},
		Action: func(c *cli.Context) error {
			if bind := c.String("bind"); bind != "" {
				env.cfg.HTTPBind = bind
			}
			if c.IsSet("port") {
				env.cfg.HTTPPort = c.Int("port")
			}
			if c.Bool("log-stderr") {
				env.log = logging.NewWriter(os.Stderr, env.cfg.LogLevel)
			}
			if err := runServer(env, false); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// Helper functions

// loadRecords returns the persisted records sorted by tab id.
func loadRecords(ctx context.Context, store *kv.Store) ([]tab.Record, error) {
	data, err := store.LoadTabData(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]tab.Record, 0, len(data))
	for _, r := range data {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TabID < records[j].TabID })
	return records, nil
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if wErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", wErr.Code, wErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads all content from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// parseList splits a comma-separated string into trimmed, non-empty items.
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			items = append(items, t)
		}
	}
	return items
}

// parseDuration parses "7d" format to days.
func parseDuration(s string) (int, error) {
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		if days < 0 {
			return 0, fmt.Errorf("duration must be non-negative")
		}
		return days, nil
	}
	return 0, fmt.Errorf("duration must end with 'd' (days), e.g., 7d")
}

// nonNil turns a nil slice into an empty one so it encodes as [].
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
