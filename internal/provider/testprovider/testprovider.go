// Package testprovider is a deterministic provider used to exercise the
// manager without a real data source.
package testprovider

import (
	"context"

	"github.com/mattjoyce/pt2/internal/protocol"
	"github.com/mattjoyce/pt2/internal/transit"
)

// Name is the plugin name passed to pt2-provider --plugin.
const Name = "test"

// Provider suggests Test1, and Test2 as well when the query is exactly "test".
type Provider struct{}

// New returns the test provider.
func New() *Provider { return &Provider{} }

func (*Provider) Capabilities() []string {
	return []string{protocol.CapabilitySuggestStations}
}

func (*Provider) Copyright() string { return "Test, no copyright." }

func (*Provider) SuggestStations(_ context.Context, partial string) ([]transit.Station, error) {
	stations := []transit.Station{
		transit.NewStation("org.SfietKonstantin.test.station1", nil, "Test1", nil),
	}
	if partial == "test" {
		stations = append(stations, transit.NewStation("org.SfietKonstantin.test.station2", nil, "Test2", nil))
	}
	return stations, nil
}
