// Package provider is the backend runtime: it runs inside a backend process,
// registers with the manager and answers requests using a Provider.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/pt2/internal/protocol"
	"github.com/mattjoyce/pt2/internal/transit"
)

// Provider is a source of transportation data. It advertises capabilities
// and implements any of the optional operation interfaces below.
type Provider interface {
	Capabilities() []string
	Copyright() string
}

// StationSuggester answers real_time_suggested_stations.
type StationSuggester interface {
	SuggestStations(ctx context.Context, partial string) ([]transit.Station, error)
}

// RideLister answers real_time_rides_from_station.
type RideLister interface {
	RidesFromStation(ctx context.Context, station transit.Station) ([]transit.CompanyNodeData, error)
}

// LineSuggester answers real_time_suggested_lines.
type LineSuggester interface {
	SuggestLines(ctx context.Context, partial string) ([]transit.Line, error)
}

// Error is a failure reported to the manager with a categorical id.
type Error struct {
	ID      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.ID, e.Message)
}

// Warning returns an error:backend_warning error.
func Warning(format string, args ...any) error {
	return &Error{ID: protocol.ErrorBackendWarning, Message: fmt.Sprintf(format, args...)}
}

// errorReply converts err into an error message for requestID.
func errorReply(requestID string, err error) protocol.Message {
	var perr *Error
	if errors.As(err, &perr) {
		return protocol.NewError(requestID, perr.ID, perr.Message)
	}
	return protocol.NewError(requestID, protocol.ErrorOther, err.Error())
}
