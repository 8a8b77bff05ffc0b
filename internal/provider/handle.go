package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/pt2/internal/protocol"
)

// Handle answers one request message with a reply or an error message.
func Handle(ctx context.Context, p Provider, ops protocol.Table, msg protocol.Message) protocol.Message {
	op, ok := ops.Lookup(msg.Operation)
	if !ok {
		return protocol.NewError(msg.RequestID, protocol.ErrorInvalidRequestType,
			fmt.Sprintf("unknown operation %q", msg.Operation))
	}
	params, err := op.DecodeParams(msg.Params)
	if err != nil {
		return protocol.NewError(msg.RequestID, protocol.ErrorInvalidRequestType, err.Error())
	}

	result, err := dispatch(ctx, p, op.Name, params)
	if err != nil {
		return errorReply(msg.RequestID, err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return protocol.NewError(msg.RequestID, protocol.ErrorOther, fmt.Sprintf("encode result: %v", err))
	}
	return protocol.NewReply(msg.RequestID, op.Name, raw)
}

func dispatch(ctx context.Context, p Provider, name string, params any) (any, error) {
	notImplemented := &Error{ID: protocol.ErrorNotImplemented, Message: fmt.Sprintf("%s is not implemented", name)}

	switch name {
	case protocol.OpSuggestedStations:
		s, ok := p.(StationSuggester)
		if !ok {
			return nil, notImplemented
		}
		stations, err := s.SuggestStations(ctx, params.(protocol.SuggestedStationsParams).PartialStation)
		return nonNil(stations), err
	case protocol.OpRidesFromStation:
		s, ok := p.(RideLister)
		if !ok {
			return nil, notImplemented
		}
		rides, err := s.RidesFromStation(ctx, params.(protocol.RidesFromStationParams).Station)
		return nonNil(rides), err
	case protocol.OpSuggestedLines:
		s, ok := p.(LineSuggester)
		if !ok {
			return nil, notImplemented
		}
		lines, err := s.SuggestLines(ctx, params.(protocol.SuggestedLinesParams).PartialLine)
		return nonNil(lines), err
	}
	return nil, notImplemented
}

// nonNil keeps empty results encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
