package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/weaver/internal/config"
	"github.com/hpungsan/weaver/internal/db"
	"github.com/hpungsan/weaver/internal/logging"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"tabs": true, "metrics": true, "settings": true, "hibernated": true,
	"protect": true, "unprotect": true, "purge": true, "serve": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode(args []string) bool {
	if len(args) < 2 {
		return false // No args → MCP server
	}
	arg := args[1]
	// Known subcommand → CLI
	if cliCommands[arg] {
		return true
	}
	// --help or --version → CLI
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v"
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion(args []string) bool {
	if len(args) < 2 {
		return false
	}
	arg := args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// globalFlags are accepted before the subcommand because the store is opened
// before the CLI app runs.
type globalFlags struct {
	dir        string
	configPath string
}

// splitGlobalFlags removes leading --dir and --config flags from args.
func splitGlobalFlags(args []string) (globalFlags, []string, error) {
	var g globalFlags
	if len(args) == 0 {
		return g, args, nil
	}
	rest := []string{args[0]}
	i := 1
	for ; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		var dst *string
		switch name {
		case "--dir":
			dst = &g.dir
		case "--config":
			dst = &g.configPath
		}
		if dst == nil {
			break
		}
		if !hasValue {
			if i+1 >= len(args) {
				return g, nil, fmt.Errorf("flag %s requires a value", name)
			}
			i++
			value = args[i]
		}
		*dst = value
	}
	return g, append(rest, args[i:]...), nil
}

// resolveBaseDir picks the state directory: --dir, then WEAVER_DIR, then ~/.weaver.
func resolveBaseDir(flagDir string) (string, error) {
	if flagDir != "" {
		return flagDir, nil
	}
	if env := os.Getenv("WEAVER_DIR"); env != "" {
		return env, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".weaver"), nil
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
  __      _____  __ ___   _____ _ __
  \ \ /\ / / _ \/ _' \ \ / / _ \ '__|
   \ V  V /  __/ (_| |\ V /  __/ |
    \_/\_/ \___|\__,_| \_/ \___|_|

  Tab hibernation and activity tracking

  Usage: weaver <command> [options]
         weaver --help

  MCP server mode requires piped input.`)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	global, args, err := splitGlobalFlags(os.Args)
	if err != nil {
		fail("%v", err)
	}

	// No args + interactive terminal → show banner and exit
	if len(args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before DB init (no DB needed)
	if isHelpOrVersion(args) {
		if err := newCLIApp(nil).Run(args); err != nil {
			fail("%v", err)
		}
		return
	}

	baseDir, err := resolveBaseDir(global.dir)
	if err != nil {
		fail("%v", err)
	}

	cfg, err := config.LoadWithOverride(baseDir, global.configPath)
	if err != nil {
		fail("failed to load config: %v", err)
	}

	database, err := db.Init(baseDir)
	if err != nil {
		fail("failed to initialize database: %v", err)
	}
	defer database.Close()
	db.ConfigurePool(database, cfg)

	log, err := logging.New(baseDir, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v; logging to stderr\n", err)
	}
	defer log.Close()

	env := &appEnv{baseDir: baseDir, db: database, cfg: cfg, log: log}

	// CLI mode: known subcommand
	if isCLIMode(args) {
		if err := newCLIApp(env).Run(args); err != nil {
			fail("%v", err)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if len(args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", args[1])
		fmt.Fprintf(os.Stderr, "Run 'weaver --help' for usage.\n")
		os.Exit(1)
	}

	// MCP server mode (default): tools on stdio, bridge and scheduler in the background.
	if err := runServer(env, true); err != nil {
		fail("%v", err)
	}
}
