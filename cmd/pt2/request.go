package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mattjoyce/pt2/internal/config"
	"github.com/mattjoyce/pt2/internal/inspect"
	"github.com/mattjoyce/pt2/internal/requestlog"
)

func runRequestNoun(args []string) int {
	if len(args) < 1 {
		printRequestNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printRequestNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	switch action {
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printRequestInspectHelp()
			return 0
		}
		return runRequestInspect(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			printRequestListHelp()
			return 0
		}
		return runRequestList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown request action: %s\n", action)
		return 1
	}
}

func openJournalForTool(configPath string) (*requestlog.Journal, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	j, err := requestlog.Open(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open request log: %w", err)
	}
	return j, nil
}

func runRequestInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")

	flagArgs, positionals := splitFlagsAndPositionals(args, map[string]bool{"--config": true, "-config": true})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: pt2 request inspect <request_id> [--config PATH] [--json]")
		return 1
	}

	j, err := openJournalForTool(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = j.Close() }()

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(context.Background(), j, positionals[0])
	} else {
		out, err = inspect.BuildReport(context.Background(), j, positionals[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func runRequestList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	backendID := fs.String("backend", "", "Only list requests of this backend")
	limit := fs.Int("limit", 20, "Maximum number of requests")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	j, err := openJournalForTool(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = j.Close() }()

	entries, err := j.List(context.Background(), *backendID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		for i := range entries {
			entries[i].Result = nil
		}
		if entries == nil {
			entries = []requestlog.Entry{}
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Println("No requests recorded.")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tBACKEND\tOPERATION\tSTATUS\tID")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Backend, e.Operation, e.Status, e.ID)
	}
	_ = w.Flush()
	return 0
}

func printRequestNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pt2 request <action>")
	fmt.Fprintln(w, "Actions: inspect, list")
}

func printRequestInspectHelp() {
	fmt.Println("Usage: pt2 request inspect <request_id> [--config PATH] [--json]")
	fmt.Println("Show a journaled request, its result and recent requests on the same backend.")
}

func printRequestListHelp() {
	fmt.Println("Usage: pt2 request list [--config PATH] [--backend ID] [--limit N] [--json]")
	fmt.Println("Show the most recent journaled requests, newest first.")
}
