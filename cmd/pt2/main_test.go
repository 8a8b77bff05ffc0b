package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pt2/internal/channel"
	"github.com/mattjoyce/pt2/internal/manager"
	"github.com/mattjoyce/pt2/internal/protocol"
	"github.com/mattjoyce/pt2/internal/provider"
	"github.com/mattjoyce/pt2/internal/provider/testprovider"
	"github.com/mattjoyce/pt2/internal/requestlog"
	"github.com/mattjoyce/pt2/internal/transit"
)

// helperEnv makes the test binary act as a pt2-provider hosting the test
// provider.
const helperEnv = "PT2_CLI_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperProvider(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runHelperProvider(args []string) int {
	fs := flag.NewFlagSet("helper", flag.ContinueOnError)
	identifier := fs.String("identifier", "", "endpoint name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	conn, err := channel.Dial(ctx, os.Getenv(channel.SocketDirEnv), *identifier)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		return 1
	}
	defer conn.Close()
	if err := provider.NewRuntime(testprovider.New()).Serve(context.Background(), conn); err != nil {
		return 1
	}
	return 0
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	stdoutCh := make(chan []byte, 1)
	stderrCh := make(chan []byte, 1)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdout := <-stdoutCh
	stderr := <-stderrCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdout), string(stderr)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeWorkspace lays out a config directory with one test backend and
// returns the config path.
func writeWorkspace(t *testing.T, executable string) string {
	t.Helper()
	root, err := os.MkdirTemp("", "pt2cli")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(root) })

	backendDir := filepath.Join(root, "backends", "test")
	require.NoError(t, os.MkdirAll(backendDir, 0o755))
	manifest := fmt.Sprintf(`identifier: org.test
name: Test backend
executable: %q
country: FR
cities: [Paris]
version: "1.0"
`, executable)
	require.NoError(t, os.WriteFile(filepath.Join(backendDir, "manifest.yaml"), []byte(manifest), 0o644))

	cfg := `service:
  log_level: error
  socket_dir: ./s
state:
  path: ./state.db
backends_dir:
  - ./backends
backends:
  org.test:
    enabled: true
    timeouts:
      register: 5s
      request: 10s
`
	path := filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"frobnicate"}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestWatchRequiresTerminal(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"watch", "--api-url", "http://127.0.0.1:1"}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "needs a terminal")
}

func TestRunCLINounHelp(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{args: []string{"system", "help"}, want: "Actions: start, watch"},
		{args: []string{"backend", "--help"}, want: "Actions: list, query"},
		{args: []string{"config", "-h"}, want: "Actions: check, lock"},
		{args: []string{"backend", "query", "--help"}, want: "Usage: pt2 backend query"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			code, stdout, _ := captureOutputWithExitCode(t, func() int { return runCLI(tt.args) })
			assert.Equal(t, 0, code)
			assert.Contains(t, stdout, tt.want)
		})
	}
}

func TestRunVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-01-02T03:04:05+02:00")

	code, stdout, _ := captureOutputWithExitCode(t, func() int { return runCLI([]string{"version", "--json"}) })
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, versionInfo{Version: "1.2.3", Commit: "0123456789ab", BuildTime: "2026-01-02T01:04:05Z"}, info)
}

func TestRunVersionRejectsArguments(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"version", "extra"}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: pt2 version")
}

func TestConfigLockThenCheck(t *testing.T) {
	path := writeWorkspace(t, "/bin/true")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"config", "lock", "--config", path}) })
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Locked config.yaml")
	assert.FileExists(t, filepath.Join(filepath.Dir(path), ".checksums"))

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", filepath.Dir(path)})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Backends discovered: 1")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, _, stderr = captureOutputWithExitCode(t, func() int { return runCLI([]string{"config", "check", "--config", path}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "config verification failed")
}

func TestConfigLockDryRunWritesNothing(t *testing.T) {
	path := writeWorkspace(t, "/bin/true")
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", path, "--dry-run"})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Would lock")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(path), ".checksums"))
}

func TestConfigCheckJSONReportsUndiscoveredBackend(t *testing.T) {
	path := writeWorkspace(t, "/bin/true")
	require.NoError(t, os.RemoveAll(filepath.Join(filepath.Dir(path), "backends", "test")))

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path, "--json"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "not found in backends_dir")
}

func TestBackendList(t *testing.T) {
	path := writeWorkspace(t, "/bin/true")

	tests := []struct {
		name    string
		country string
		want    int
	}{
		{name: "all", want: 1},
		{name: "matching country", country: "fr", want: 1},
		{name: "other country", country: "DE", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := []string{"backend", "list", "--config", path, "--json"}
			if tt.country != "" {
				args = append(args, "--country", tt.country)
			}
			code, stdout, stderr := captureOutputWithExitCode(t, func() int { return runCLI(args) })
			require.Equal(t, 0, code, stderr)

			var got []manager.Snapshot
			require.NoError(t, json.Unmarshal([]byte(stdout), &got))
			assert.Len(t, got, tt.want)
		})
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int { return runCLI([]string{"backend", "list", "--config", path}) })
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "IDENTIFIER")
	assert.Contains(t, stdout, "org.test")
	assert.Contains(t, stdout, "Paris")
}

func TestQueryParams(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		arg     string
		want    any
		wantErr bool
	}{
		{name: "stations", op: protocol.OpSuggestedStations, arg: "gare", want: protocol.SuggestedStationsParams{PartialStation: "gare"}},
		{name: "lines", op: protocol.OpSuggestedLines, arg: "14", want: protocol.SuggestedLinesParams{PartialLine: "14"}},
		{
			name: "rides",
			op:   protocol.OpRidesFromStation,
			arg:  `{"identifier":"s/1","name":"Nation"}`,
			want: protocol.RidesFromStationParams{Station: transit.NewStation("s/1", nil, "Nation", nil)},
		},
		{name: "rides needs json", op: protocol.OpRidesFromStation, arg: "Nation", wantErr: true},
		{name: "unknown op", op: "teleport", arg: "x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := queryParams(tt.op, tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitFlagsAndPositionals(t *testing.T) {
	flags, positionals := splitFlagsAndPositionals(
		[]string{"org.test", "--config", "c.yaml", "op", "--timeout=5s", "arg"},
		map[string]bool{"--config": true},
	)
	assert.Equal(t, []string{"--config", "c.yaml", "--timeout=5s"}, flags)
	assert.Equal(t, []string{"org.test", "op", "arg"}, positionals)
}

func TestBackendQuery(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	t.Setenv(helperEnv, "1")
	path := writeWorkspace(t, "'"+exe+"'")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"backend", "query", "org.test", protocol.OpSuggestedStations, "test", "--config", path})
	})
	require.Equal(t, 0, code, stderr)

	var stations []transit.Station
	require.NoError(t, json.Unmarshal([]byte(stdout), &stations))
	require.Len(t, stations, 2)
	assert.Equal(t, "Test1", stations[0].Name)
	assert.Equal(t, "Test2", stations[1].Name)
}

func TestBackendQueryNotImplemented(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	t.Setenv(helperEnv, "1")
	path := writeWorkspace(t, "'"+exe+"'")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"backend", "query", "org.test", protocol.OpSuggestedLines, "14", "--config", path})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, protocol.ErrorNotImplemented)
}

func TestBackendQueryUnknownBackend(t *testing.T) {
	path := writeWorkspace(t, "/bin/true")
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"backend", "query", "org.missing", protocol.OpSuggestedStations, "x", "--config", path})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown backend: org.missing")
}

func TestRequestListAndInspect(t *testing.T) {
	path := writeWorkspace(t, "/bin/true")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"request", "list", "--config", path, "--json"})
	})
	require.Equal(t, 0, code, stderr)
	assert.JSONEq(t, `[]`, stdout)

	j, err := requestlog.Open(context.Background(), filepath.Join(filepath.Dir(path), "state.db"))
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), "org.test", "r1", protocol.OpSuggestedStations))
	require.NoError(t, j.Close())

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"request", "list", "--config", path})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "org.test")
	assert.Contains(t, stdout, "pending")

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"request", "inspect", "r1", "--config", path})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Request ID  : r1")

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"request", "inspect", "nope", "--config", path})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `request "nope" not found`)
}
