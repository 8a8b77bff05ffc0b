// Package inspect renders reports on journaled requests.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/pt2/internal/protocol"
	"github.com/mattjoyce/pt2/internal/requestlog"
	"github.com/mattjoyce/pt2/internal/transit"
)

// recentLimit is how many sibling requests of the same backend are shown.
const recentLimit = 10

// Store reads the request journal.
type Store interface {
	Get(ctx context.Context, requestID string) (requestlog.Entry, error)
	List(ctx context.Context, backendID string, limit int) ([]requestlog.Entry, error)
}

// Report is the structured JSON representation of a request report.
type Report struct {
	Request  requestlog.Entry   `json:"request"`
	Duration string             `json:"duration,omitempty"`
	Summary  string             `json:"summary,omitempty"`
	Recent   []requestlog.Entry `json:"recent"`
}

// BuildReport renders a terminal-friendly report for a request.
func BuildReport(ctx context.Context, store Store, requestID string) (string, error) {
	report, err := gatherReportData(ctx, store, requestID)
	if err != nil {
		return "", err
	}
	req := report.Request

	var out strings.Builder
	fmt.Fprintf(&out, "Request Report\n")
	fmt.Fprintf(&out, "Request ID  : %s\n", req.ID)
	fmt.Fprintf(&out, "Backend     : %s\n", req.Backend)
	fmt.Fprintf(&out, "Operation   : %s\n", req.Operation)
	fmt.Fprintf(&out, "Status      : %s\n", req.Status)
	fmt.Fprintf(&out, "Created     : %s\n", req.CreatedAt.Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(&out, "Duration    : %s\n", renderUnset(report.Duration, "<unresolved>"))
	if req.ErrorID != "" {
		fmt.Fprintf(&out, "Error       : %s: %s\n", req.ErrorID, req.ErrorMessage)
	}
	if report.Summary != "" {
		fmt.Fprintf(&out, "Summary     : %s\n", report.Summary)
	}
	if len(req.Result) > 0 {
		fmt.Fprintf(&out, "Result      :\n")
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(req.Result)), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	fmt.Fprintf(&out, "\nRecent requests on %s:\n", req.Backend)
	if len(report.Recent) == 0 {
		fmt.Fprintf(&out, "  <none>\n")
	}
	for _, e := range report.Recent {
		fmt.Fprintf(&out, "  %s  %-9s  %s  %s\n", e.CreatedAt.Format("15:04:05.000"), e.Status, e.Operation, e.ID)
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, store Store, requestID string) (string, error) {
	report, err := gatherReportData(ctx, store, requestID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, store Store, requestID string) (*Report, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, fmt.Errorf("request id is required")
	}

	entry, err := store.Get(ctx, requestID)
	if errors.Is(err, requestlog.ErrNotFound) {
		return nil, fmt.Errorf("request %q not found", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("query request %q: %w", requestID, err)
	}

	report := &Report{
		Request: entry,
		Summary: summarize(entry.Operation, entry.Result),
		Recent:  make([]requestlog.Entry, 0, recentLimit),
	}
	if entry.ResolvedAt != nil {
		report.Duration = entry.ResolvedAt.Sub(entry.CreatedAt).String()
	}

	siblings, err := store.List(ctx, entry.Backend, recentLimit+1)
	if err != nil {
		return nil, fmt.Errorf("list requests of %s: %w", entry.Backend, err)
	}
	for _, s := range siblings {
		if s.ID == entry.ID || len(report.Recent) == recentLimit {
			continue
		}
		s.Result = nil
		report.Recent = append(report.Recent, s)
	}
	return report, nil
}

// summarize describes a reply payload in one line. Unknown operations and
// undecodable payloads yield "".
func summarize(operation string, raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	op, ok := protocol.DefaultOperations().Lookup(operation)
	if !ok {
		return ""
	}
	v, err := op.DecodeResult(raw)
	if err != nil {
		return ""
	}
	switch result := v.(type) {
	case []transit.Station:
		names := make([]string, len(result))
		for i, s := range result {
			names[i] = s.Name
		}
		return countAndNames(len(result), "station", names)
	case []transit.Line:
		names := make([]string, len(result))
		for i, l := range result {
			names[i] = l.Name
		}
		return countAndNames(len(result), "line", names)
	case []transit.CompanyNodeData:
		lines, rides := 0, 0
		for _, c := range result {
			lines += len(c.Lines)
			rides += c.RideCount()
		}
		return fmt.Sprintf("%s, %s, %s",
			plural(len(result), "company", "companies"), plural(lines, "line", "lines"), plural(rides, "ride", "rides"))
	}
	return ""
}

func countAndNames(n int, noun string, names []string) string {
	head := plural(n, noun, noun+"s")
	if n == 0 {
		return head
	}
	const maxNames = 5
	if len(names) > maxNames {
		names = append(names[:maxNames:maxNames], "…")
	}
	return head + ": " + strings.Join(names, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
