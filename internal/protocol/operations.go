package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mattjoyce/pt2/internal/transit"
)

// Capability tags advertised by backends.
const (
	CapabilitySuggestStations  = "capability:real_time_suggest_station_from_string"
	CapabilityRidesFromStation = "capability:real_time_rides_from_station"
	CapabilitySuggestLines     = "capability:real_time_suggest_line_from_string"
)

// Operation describes one configured request type: its wire name, the
// capability a backend must advertise to serve it, and how to decode its
// params and results.
type Operation struct {
	Name       string
	Capability string

	decodeParams func(json.RawMessage) (any, error)
	decodeResult func(json.RawMessage) (any, error)
}

// DecodeParams decodes raw request params into the operation's typed params.
func (o Operation) DecodeParams(raw json.RawMessage) (any, error) {
	return o.decodeParams(raw)
}

// DecodeResult decodes a raw reply result into the operation's typed result.
func (o Operation) DecodeResult(raw json.RawMessage) (any, error) {
	return o.decodeResult(raw)
}

// Define builds an Operation whose params decode into P and results into R.
func Define[P, R any](name, capability string) Operation {
	return Operation{
		Name:       name,
		Capability: capability,
		decodeParams: func(raw json.RawMessage) (any, error) {
			var p P
			if err := decodeStrict(raw, &p); err != nil {
				return nil, fmt.Errorf("%s params: %w", name, err)
			}
			return p, nil
		},
		decodeResult: func(raw json.RawMessage) (any, error) {
			var r R
			if err := decodeStrict(raw, &r); err != nil {
				return nil, fmt.Errorf("%s result: %w", name, err)
			}
			return r, nil
		},
	}
}

// decodeStrict rejects fields the payload type does not declare, and
// trailing data after the value.
func decodeStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after value")
	}
	return nil
}

// Operation names.
const (
	OpSuggestedStations = "real_time_suggested_stations"
	OpRidesFromStation  = "real_time_rides_from_station"
	OpSuggestedLines    = "real_time_suggested_lines"
)

// SuggestedStationsParams asks for stations whose name matches a partial string.
type SuggestedStationsParams struct {
	PartialStation string `json:"partial_station"`
}

// RidesFromStationParams asks for upcoming rides at a station.
type RidesFromStationParams struct {
	Station transit.Station `json:"station"`
}

// SuggestedLinesParams asks for lines whose name matches a partial string.
type SuggestedLinesParams struct {
	PartialLine string `json:"partial_line"`
}

// Table maps operation names to their definitions.
type Table map[string]Operation

// DefaultOperations returns the operations every backend may implement.
func DefaultOperations() Table {
	return NewTable(
		Define[SuggestedStationsParams, []transit.Station](OpSuggestedStations, CapabilitySuggestStations),
		Define[RidesFromStationParams, []transit.CompanyNodeData](OpRidesFromStation, CapabilityRidesFromStation),
		Define[SuggestedLinesParams, []transit.Line](OpSuggestedLines, CapabilitySuggestLines),
	)
}

// NewTable builds a table from the given operations. Later duplicates win.
func NewTable(ops ...Operation) Table {
	t := make(Table, len(ops))
	for _, op := range ops {
		t[op.Name] = op
	}
	return t
}

// Lookup returns the named operation.
func (t Table) Lookup(name string) (Operation, bool) {
	op, ok := t[name]
	return op, ok
}

// Names returns the operation names in sorted order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
