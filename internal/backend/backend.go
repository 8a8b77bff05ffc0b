// Package backend holds the manager-side representation of a backend: its
// lifecycle state machine, advertised capabilities and request correlation.
package backend

import (
	"context"

	"github.com/mattjoyce/pt2/internal/protocol"
	"github.com/mattjoyce/pt2/internal/transit"
)

// Backend is a supervised backend. Implementations embed *Wrapper and add a
// transport: a child process, or an in-process fake in tests.
type Backend interface {
	Identifier() string
	Descriptor() Descriptor
	Status() Status
	LastError() string
	Capabilities() []string
	HasCapability(tag string) bool
	Copyright() string
	Pending() int
	Subscribe(o Observer) func()

	RequestOperation(op string, params any) (string, error)

	// Launch starts a launch cycle. The backend becomes Launched once it
	// registers.
	Launch(ctx context.Context) error
	// Stop asks the backend to exit gracefully. No-op when not running.
	Stop() error
	// WaitForStopped blocks until the backend has exited or ctx is done.
	WaitForStopped(ctx context.Context) error
	// Kill terminates the backend and waits for it to exit.
	Kill() error
}

// Requester issues requests. *Wrapper and every Backend satisfy it.
type Requester interface {
	RequestOperation(op string, params any) (string, error)
}

// RequestRealTimeSuggestedStations asks for stations matching partial.
func RequestRealTimeSuggestedStations(r Requester, partial string) (string, error) {
	return r.RequestOperation(protocol.OpSuggestedStations, protocol.SuggestedStationsParams{PartialStation: partial})
}

// RequestRealTimeRidesFromStation asks for upcoming rides at station.
func RequestRealTimeRidesFromStation(r Requester, station transit.Station) (string, error) {
	return r.RequestOperation(protocol.OpRidesFromStation, protocol.RidesFromStationParams{Station: station})
}

// RequestRealTimeSuggestedLines asks for lines matching partial.
func RequestRealTimeSuggestedLines(r Requester, partial string) (string, error) {
	return r.RequestOperation(protocol.OpSuggestedLines, protocol.SuggestedLinesParams{PartialLine: partial})
}
