// Command pt2-provider hosts a built-in provider as a pt2 backend. The manager
// launches it with --plugin and --identifier and the backend's configured
// arguments.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/pt2/internal/channel"
	"github.com/mattjoyce/pt2/internal/log"
	"github.com/mattjoyce/pt2/internal/provider"
	"github.com/mattjoyce/pt2/internal/provider/localdb"
	"github.com/mattjoyce/pt2/internal/provider/testprovider"
)

// dialTimeout bounds how long the runtime waits for the manager's endpoint.
const dialTimeout = 10 * time.Second

// logLevelEnv sets the runtime's log level.
const logLevelEnv = "PT2_LOG_LEVEL"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// options are the parsed command line. Arguments the runtime does not know
// are kept in extra for the provider.
type options struct {
	plugin     string
	identifier string
	extra      map[string]string
}

// parseArgs reads --key value pairs. A flag followed by another flag or by
// nothing is a boolean set to "true".
func parseArgs(args []string) (options, error) {
	opts := options{extra: make(map[string]string)}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return opts, fmt.Errorf("unexpected argument %q", arg)
		}
		key := strings.TrimLeft(arg, "-")
		value := "true"
		if k, v, ok := strings.Cut(key, "="); ok {
			key, value = k, v
		} else if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			i++
			value = args[i]
		}
		if key == "" {
			return opts, fmt.Errorf("empty flag name")
		}
		switch key {
		case "plugin":
			opts.plugin = value
		case "identifier":
			opts.identifier = value
		default:
			opts.extra[key] = value
		}
	}
	if opts.plugin == "" {
		return opts, fmt.Errorf("--plugin is required (known: %s)", strings.Join(pluginNames(), ", "))
	}
	if opts.identifier == "" {
		return opts, fmt.Errorf("--identifier is required")
	}
	return opts, nil
}

type factory func(ctx context.Context, extra map[string]string) (provider.Provider, func(), error)

var plugins = map[string]factory{
	testprovider.Name: func(context.Context, map[string]string) (provider.Provider, func(), error) {
		return testprovider.New(), func() {}, nil
	},
	localdb.Name: func(ctx context.Context, extra map[string]string) (provider.Provider, func(), error) {
		path := extra["db"]
		if path == "" {
			return nil, nil, fmt.Errorf("localdb needs --db <path>")
		}
		p, err := localdb.Open(ctx, localdb.Options{
			Path:             path,
			IdentifierPrefix: extra["prefix"],
			CompanyName:      extra["company"],
			Copyright:        extra["copyright"],
		})
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	},
}

func pluginNames() []string {
	names := make([]string, 0, len(plugins))
	for name := range plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "pt2-provider: %v\n", err)
		return 2
	}

	level := os.Getenv(logLevelEnv)
	if v, ok := opts.extra["log-level"]; ok {
		level = v
	}
	log.SetupWriter(level, stderr)
	logger := log.WithComponent("provider").With("plugin", opts.plugin)

	newProvider, ok := plugins[opts.plugin]
	if !ok {
		logger.Error("unknown plugin", "known", pluginNames())
		return 2
	}
	p, closeProvider, err := newProvider(ctx, opts.extra)
	if err != nil {
		logger.Error("failed to start provider", "error", err)
		return 1
	}
	defer closeProvider()

	dir := os.Getenv(channel.SocketDirEnv)
	if dir == "" {
		logger.Error("socket directory not set", "env", channel.SocketDirEnv)
		return 1
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := channel.Dial(dialCtx, dir, opts.identifier)
	cancel()
	if err != nil {
		logger.Error("failed to reach manager", "error", err)
		return 1
	}
	defer func() { _ = conn.Close() }()

	if err := provider.NewRuntime(p).Serve(ctx, conn); err != nil {
		logger.Error("runtime stopped", "error", err)
		return 1
	}
	return 0
}
