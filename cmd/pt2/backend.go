package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/pt2/internal/config"
	"github.com/mattjoyce/pt2/internal/discovery"
	"github.com/mattjoyce/pt2/internal/log"
	"github.com/mattjoyce/pt2/internal/manager"
	"github.com/mattjoyce/pt2/internal/protocol"
	"github.com/mattjoyce/pt2/internal/transit"
)

// loadForTool loads config and discovers backends with logs on stderr, so
// stdout carries only command output.
func loadForTool(configPath string) (*config.Config, *discovery.Registry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log.SetupWriter(cfg.Service.LogLevel, os.Stderr)
	registry, err := discovery.Discover(cfg.BackendsDir, log.WithComponent("discovery"))
	if err != nil {
		return nil, nil, fmt.Errorf("backend discovery failed: %w", err)
	}
	return cfg, registry, nil
}

func runBackendList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	country := fs.String("country", "", "Only list backends serving this country")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, registry, err := loadForTool(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	mgr := manager.New(manager.Options{})
	defer mgr.Close()
	if err := mgr.Load(registry, cfg, manager.ProcessFactory(cfg.Service)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load backends: %v\n", err)
		return 1
	}
	backends := mgr.List(*country)

	if *jsonOut {
		data, err := json.MarshalIndent(backends, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(backends) == 0 {
		fmt.Println("No backends found.")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTIFIER\tNAME\tCOUNTRY\tCITIES\tAUTOSTART\tVERSION")
	for _, b := range backends {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			b.Identifier, b.Name, dash(b.Country), dash(strings.Join(b.Cities, ", ")), b.Autostart, dash(b.Version))
	}
	_ = w.Flush()
	return 0
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runBackendQuery(args []string) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	timeout := fs.Duration("timeout", 30*time.Second, "How long to wait for the backend")

	flagArgs, positionals := splitFlagsAndPositionals(args, map[string]bool{
		"--config": true, "-config": true, "--timeout": true, "-timeout": true,
	})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 3 {
		fmt.Fprintln(os.Stderr, "Usage: pt2 backend query <id> <operation> <argument> [--config PATH] [--timeout DURATION]")
		return 1
	}
	id, op, arg := positionals[0], positionals[1], positionals[2]

	params, err := queryParams(op, arg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, registry, err := loadForTool(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	info, ok := registry.Get(id)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown backend: %s\n", id)
		return 1
	}

	bc := cfg.Backend(id)
	mgr := manager.New(manager.Options{})
	defer mgr.Close()
	if err := mgr.Add(info, bc, manager.ProcessFactory(cfg.Service)(info, bc)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load backend: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = mgr.Shutdown(shutdownCtx)
	}()

	if err := mgr.Launch(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to launch %s: %v\n", id, err)
		return 1
	}

	// Requests issued while launching are queued until the backend registers.
	ev, err := mgr.Call(ctx, id, op, params)
	var reqErr *manager.RequestError
	switch {
	case errors.As(err, &reqErr):
		fmt.Fprintf(os.Stderr, "Backend answered with %s: %s\n", reqErr.ErrorID, reqErr.Message)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		if snap, derr := mgr.Describe(id); derr == nil && snap.LastError != "" {
			fmt.Fprintf(os.Stderr, "Backend %s: %s\n", snap.Status, snap.LastError)
		}
		return 1
	}

	var out any = ev.RawResult
	if len(ev.RawResult) == 0 {
		out = []any{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// queryParams builds the request parameters of op from a command line
// argument.
func queryParams(op, arg string) (any, error) {
	switch op {
	case protocol.OpSuggestedStations:
		return protocol.SuggestedStationsParams{PartialStation: arg}, nil
	case protocol.OpSuggestedLines:
		return protocol.SuggestedLinesParams{PartialLine: arg}, nil
	case protocol.OpRidesFromStation:
		var station transit.Station
		if err := json.Unmarshal([]byte(arg), &station); err != nil {
			return nil, fmt.Errorf("station argument must be a JSON object: %w", err)
		}
		return protocol.RidesFromStationParams{Station: station}, nil
	}
	return nil, fmt.Errorf("unknown operation %q (known: %s)", op,
		strings.Join(protocol.DefaultOperations().Names(), ", "))
}

// splitFlagsAndPositionals lets flags follow positional arguments.
func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	flags := make([]string, 0, len(args))
	positionals := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positionals = append(positionals, arg)
			continue
		}

		flags = append(flags, arg)
		if strings.Contains(arg, "=") {
			continue
		}
		if takesValue[arg] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return flags, positionals
}
