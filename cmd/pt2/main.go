package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configEnv overrides the default --config value.
const configEnv = "PT2_CONFIG"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "backend":
		return runBackendNoun(args)
	case "config":
		return runConfigNoun(args)
	case "request":
		return runRequestNoun(args)

	case "start":
		return runStart(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: pt2 version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("pt2 %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv(configEnv)); p != "" {
		return p
	}
	return "config.yaml"
}

func printUsage() {
	fmt.Print(`pt2 - public transport information backend manager

Usage:
  pt2 <noun> <action> [flags]

Nouns:
  system    Daemon lifecycle
  backend   Discovered information backends
  config    Configuration and integrity
  request   Journaled requests

System Commands:
  system start      Start the manager, autostart backends and serve the API

Backend Commands:
  backend list              Show discovered backends
  backend query <id> <op> <arg>
                            Launch a backend, run one operation and print the result

Config Commands:
  config check      Validate syntax, integrity and backend wiring
  config lock       Authorize current state (write .checksums)

Request Commands:
  request list      Show recent requests and their outcome
  request inspect <id>
                    Show one request with its result

General:
  watch             Real-time backend monitor (TUI)
  version           Show version information
  help              Show this help message

The config path defaults to $PT2_CONFIG, then ./config.yaml.
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runBackendNoun(args []string) int {
	if len(args) < 1 {
		printBackendNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printBackendNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printBackendListHelp()
			return 0
		}
		return runBackendList(actionArgs)
	case "query":
		if hasHelpFlag(actionArgs) {
			printBackendQueryHelp()
			return 0
		}
		return runBackendQuery(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown backend action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pt2 system <action>")
	fmt.Fprintln(w, "Actions: start, watch")
}

func printBackendNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pt2 backend <action>")
	fmt.Fprintln(w, "Actions: list, query")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pt2 config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printSystemStartHelp() {
	fmt.Println("Usage: pt2 system start [--config PATH]")
	fmt.Println("Start the backend manager in the foreground.")
}

func printBackendListHelp() {
	fmt.Println("Usage: pt2 backend list [--config PATH] [--country CODE] [--json]")
	fmt.Println("Show discovered backends, optionally only those serving a country.")
}

func printBackendQueryHelp() {
	fmt.Println("Usage: pt2 backend query <id> <operation> <argument> [--config PATH] [--timeout DURATION]")
	fmt.Println("Launch a backend, issue one request and print the reply as JSON.")
	fmt.Println()
	fmt.Println("The argument is a partial name for the suggestion operations and a")
	fmt.Println("station JSON object for real_time_rides_from_station.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: pt2 config check [--config PATH] [--json]")
	fmt.Println("Validate configuration syntax, integrity and backend wiring.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: pt2 config lock [--config PATH] [--dry-run]")
	fmt.Println("Authorize the current configuration by writing its BLAKE3 checksum.")
}

func printWatchHelp() {
	fmt.Println("Usage: pt2 watch [flags]")
	fmt.Println()
	fmt.Println("Real-time backend monitor.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or PT2_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate backends")
}
