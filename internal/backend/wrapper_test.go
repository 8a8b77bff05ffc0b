package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pt2/internal/backend"
	"github.com/mattjoyce/pt2/internal/backend/backendtest"
	"github.com/mattjoyce/pt2/internal/backend/mocks"
	"github.com/mattjoyce/pt2/internal/protocol"
	"github.com/mattjoyce/pt2/internal/transit"
)

type recorder struct {
	mu     sync.Mutex
	events []backend.Event
}

func (r *recorder) Notify(ev backend.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []backend.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]backend.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) ofKind(kind backend.EventKind) []backend.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []backend.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type kindMatcher struct{ kind backend.EventKind }

func (m kindMatcher) Matches(x any) bool {
	ev, ok := x.(backend.Event)
	return ok && ev.Kind == m.kind
}

func (m kindMatcher) String() string { return fmt.Sprintf("event of kind %s", m.kind) }

func ofKind(kind backend.EventKind) gomock.Matcher { return kindMatcher{kind: kind} }

func newLaunched(t *testing.T, opts ...backendtest.Option) (*backendtest.Backend, *recorder) {
	t.Helper()
	opts = append([]backendtest.Option{backendtest.WithRegistration([]string{"a", "b"}, "C")}, opts...)
	b := backendtest.New(backend.Descriptor{Identifier: "X"}, opts...)
	rec := &recorder{}
	b.Subscribe(rec)
	require.NoError(t, b.Launch(context.Background()))
	require.Equal(t, backend.StatusLaunched, b.Status())
	rec.reset()
	return b, rec
}

func stationsResult(t *testing.T, names ...string) json.RawMessage {
	t.Helper()
	stations := make([]transit.Station, 0, len(names))
	for _, n := range names {
		stations = append(stations, transit.NewStation("id:"+n, nil, n, nil))
	}
	raw, err := json.Marshal(stations)
	require.NoError(t, err)
	return raw
}

func TestLaunchAndRegister(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	obs := mocks.NewMockObserver(ctrl)
	gomock.InOrder(
		obs.EXPECT().Notify(ofKind(backend.EventStatusChanged)).Do(func(ev backend.Event) {
			assert.Equal(t, backend.StatusLaunching, ev.Status)
		}),
		obs.EXPECT().Notify(ofKind(backend.EventCapabilitiesChanged)).Do(func(ev backend.Event) {
			assert.Equal(t, []string{"a", "b"}, ev.Capabilities)
		}),
		obs.EXPECT().Notify(ofKind(backend.EventCopyrightChanged)).Do(func(ev backend.Event) {
			assert.Equal(t, "C", ev.Copyright)
		}),
		obs.EXPECT().Notify(ofKind(backend.EventStatusChanged)).Do(func(ev backend.Event) {
			assert.Equal(t, backend.StatusLaunched, ev.Status)
			assert.Equal(t, "X", ev.Backend)
		}),
	)

	b := backendtest.New(backend.Descriptor{Identifier: "X"}, backendtest.WithRegistration([]string{"a", "b"}, "C"))
	b.Subscribe(obs)

	require.NoError(t, b.Launch(context.Background()))
	assert.Equal(t, backend.StatusLaunched, b.Status())
	assert.Equal(t, []string{"a", "b"}, b.Capabilities())
	assert.True(t, b.HasCapability("a"))
	assert.Equal(t, "C", b.Copyright())
	assert.Empty(t, b.LastError())
}

func TestLaunchWhileRunning(t *testing.T) {
	b, _ := newLaunched(t)
	err := b.Launch(context.Background())
	assert.True(t, errors.Is(err, backend.ErrAlreadyRunning))
	assert.Equal(t, backend.StatusLaunched, b.Status())
}

func TestRequestIDsAreDistinct(t *testing.T) {
	b, _ := newLaunched(t)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := backend.RequestRealTimeSuggestedStations(b, "nat")
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 200, b.Pending())
	assert.Len(t, b.Sent(), 200)
}

func TestRequestSendsTypedParams(t *testing.T) {
	b, _ := newLaunched(t)

	id, err := backend.RequestRealTimeSuggestedLines(b, "RER")
	require.NoError(t, err)

	sent := b.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeRequest, sent[0].Type)
	assert.Equal(t, id, sent[0].RequestID)
	assert.Equal(t, protocol.OpSuggestedLines, sent[0].Operation)
	assert.JSONEq(t, `{"partial_line":"RER"}`, string(sent[0].Params))
}

func TestRequestRejected(t *testing.T) {
	b := backendtest.New(backend.Descriptor{Identifier: "X"})

	_, err := backend.RequestRealTimeSuggestedStations(b, "nat")
	assert.True(t, errors.Is(err, backend.ErrNotRunning))
	assert.Equal(t, 0, b.Pending())

	require.NoError(t, b.Launch(context.Background()))
	_, err = b.RequestOperation("real_time_teleport", nil)
	assert.True(t, errors.Is(err, backend.ErrUnknownOperation))
	assert.Equal(t, 0, b.Pending())
}

func TestRequestWhileLaunchingIsKept(t *testing.T) {
	b := backendtest.New(backend.Descriptor{Identifier: "X"})
	require.NoError(t, b.Launch(context.Background()))
	require.Equal(t, backend.StatusLaunching, b.Status())

	_, err := backend.RequestRealTimeSuggestedStations(b, "nat")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Pending())
}

func TestReplyResolvesRequest(t *testing.T) {
	b, rec := newLaunched(t)

	r1, err := backend.RequestRealTimeSuggestedStations(b, "test")
	require.NoError(t, err)

	b.HandleMessage(protocol.NewReply(r1, protocol.OpSuggestedStations, stationsResult(t, "Test1", "Test2")))

	replies := rec.ofKind(backend.EventReplyRegistered)
	require.Len(t, replies, 1)
	assert.Equal(t, r1, replies[0].RequestID)
	stations, ok := replies[0].Result.([]transit.Station)
	require.True(t, ok)
	require.Len(t, stations, 2)
	assert.Equal(t, "Test2", stations[1].Name)
	assert.Equal(t, 0, b.Pending())

	// A duplicate reply is discarded.
	b.HandleMessage(protocol.NewReply(r1, protocol.OpSuggestedStations, stationsResult(t, "Test1")))
	assert.Len(t, rec.ofKind(backend.EventReplyRegistered), 1)
	assert.Empty(t, rec.ofKind(backend.EventErrorRegistered))
	assert.Equal(t, backend.StatusLaunched, b.Status())
}

func TestReplyUnknownIDIsNoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	b, _ := newLaunched(t)
	_, err := backend.RequestRealTimeSuggestedStations(b, "nat")
	require.NoError(t, err)

	obs := mocks.NewMockObserver(ctrl)
	b.Subscribe(obs)

	b.HandleMessage(protocol.NewReply("never-issued", protocol.OpSuggestedStations, stationsResult(t)))
	b.HandleMessage(protocol.NewError("never-issued", protocol.ErrorOther, "boom"))

	assert.Equal(t, backend.StatusLaunched, b.Status())
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, 0, b.Kills())
}

func TestReplyOperationMismatch(t *testing.T) {
	b, rec := newLaunched(t)

	r1, err := backend.RequestRealTimeSuggestedStations(b, "nat")
	require.NoError(t, err)

	b.HandleMessage(protocol.NewReply(r1, protocol.OpSuggestedLines, json.RawMessage(`[]`)))

	errs := rec.ofKind(backend.EventErrorRegistered)
	require.Len(t, errs, 1)
	assert.Equal(t, r1, errs[0].RequestID)
	assert.Equal(t, protocol.ErrorInvalidRequestType, errs[0].ErrorID)
	assert.Empty(t, rec.ofKind(backend.EventReplyRegistered))

	assert.Equal(t, 1, b.Kills())
	assert.Equal(t, backend.StatusInvalid, b.Status())
	assert.NotEmpty(t, b.LastError())
	assert.Equal(t, 0, b.Pending())
}

func TestReplyMalformedResult(t *testing.T) {
	b, rec := newLaunched(t)

	r1, err := backend.RequestRealTimeRidesFromStation(b, transit.NewStation("s", nil, "Nation", nil))
	require.NoError(t, err)

	b.HandleMessage(protocol.NewReply(r1, protocol.OpRidesFromStation, json.RawMessage(`{"oops":true}`)))

	errs := rec.ofKind(backend.EventErrorRegistered)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.ErrorInvalidRequestType, errs[0].ErrorID)
	assert.Equal(t, backend.StatusInvalid, b.Status())
}

func TestRegisterErrorKeepsBackendLaunched(t *testing.T) {
	b, rec := newLaunched(t)

	r1, err := backend.RequestRealTimeSuggestedLines(b, "1")
	require.NoError(t, err)

	b.HandleMessage(protocol.NewError(r1, protocol.ErrorNotImplemented, "not supported"))

	errs := rec.ofKind(backend.EventErrorRegistered)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.OpSuggestedLines, errs[0].Operation)
	assert.Equal(t, protocol.ErrorNotImplemented, errs[0].ErrorID)
	assert.Equal(t, "not supported", errs[0].ErrorMessage)
	assert.Equal(t, backend.StatusLaunched, b.Status())
	assert.Equal(t, 0, b.Pending())

	// Late reply after the error is ignored.
	b.HandleMessage(protocol.NewReply(r1, protocol.OpSuggestedLines, json.RawMessage(`[]`)))
	assert.Empty(t, rec.ofKind(backend.EventReplyRegistered))
}

func TestRegisterTwice(t *testing.T) {
	b, _ := newLaunched(t)

	b.RegisterBackend([]string{"z"}, "other")
	assert.Equal(t, backend.StatusInvalid, b.Status())
	assert.Equal(t, "Backend is registering twice", b.LastError())
	assert.Equal(t, []string{"a", "b"}, b.Capabilities(), "second registration must not be applied")
	assert.Equal(t, 1, b.Kills())

	// Further registrations while invalid are ignored.
	b.RegisterBackend([]string{"z"}, "other")
	assert.Equal(t, 1, b.Kills())
	assert.Equal(t, backend.StatusInvalid, b.Status())
}

func TestRegisterWhileNotLaunched(t *testing.T) {
	tests := []struct {
		name  string
		setup func(b *backendtest.Backend)
	}{
		{
			name:  "stopped",
			setup: func(b *backendtest.Backend) {},
		},
		{
			name: "stopping",
			setup: func(b *backendtest.Backend) {
				require.NoError(t, b.Launch(context.Background()))
				b.RegisterBackend(nil, "")
				require.NoError(t, b.Stop())
				require.Equal(t, backend.StatusStopping, b.Status())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := backendtest.New(backend.Descriptor{Identifier: "X"})
			tt.setup(b)

			b.RegisterBackend([]string{"a"}, "C")
			assert.Equal(t, backend.StatusInvalid, b.Status())
			assert.Equal(t, "Backend is registering while not yet launched", b.LastError())
			assert.Equal(t, 1, b.Kills())
		})
	}
}

func TestReplyBeforeRegistration(t *testing.T) {
	b := backendtest.New(backend.Descriptor{Identifier: "X"})
	require.NoError(t, b.Launch(context.Background()))

	r1, err := backend.RequestRealTimeSuggestedStations(b, "nat")
	require.NoError(t, err)
	b.HandleMessage(protocol.NewReply(r1, protocol.OpSuggestedStations, json.RawMessage(`[]`)))

	assert.Equal(t, backend.StatusInvalid, b.Status())
	assert.Equal(t, "Backend replied before registering", b.LastError())
}

func TestCrashAbandonsPendingRequests(t *testing.T) {
	b, rec := newLaunched(t)

	r2, err := backend.RequestRealTimeSuggestedStations(b, "nat")
	require.NoError(t, err)
	r3, err := backend.RequestRealTimeSuggestedLines(b, "1")
	require.NoError(t, err)

	b.Crash("process crashed")
	assert.Equal(t, backend.StatusInvalid, b.Status())
	assert.Equal(t, "process crashed", b.LastError())
	assert.Equal(t, 0, b.Pending())

	abandoned := rec.ofKind(backend.EventRequestAbandoned)
	require.Len(t, abandoned, 2)
	assert.ElementsMatch(t, []string{r2, r3}, []string{abandoned[0].RequestID, abandoned[1].RequestID})

	// The status change is notified before the abandonments.
	kinds := rec.kinds()
	assert.Equal(t, backend.EventStatusChanged, kinds[0])

	before := len(rec.kinds())
	b.HandleMessage(protocol.NewReply(r2, protocol.OpSuggestedStations, stationsResult(t, "late")))
	assert.Len(t, rec.kinds(), before, "stray reply after crash must be ignored")
}

func TestStopThenKill(t *testing.T) {
	b, rec := newLaunched(t)
	_, err := backend.RequestRealTimeSuggestedStations(b, "nat")
	require.NoError(t, err)

	require.NoError(t, b.Stop())
	assert.Equal(t, backend.StatusStopping, b.Status())
	assert.Len(t, rec.ofKind(backend.EventRequestAbandoned), 1)

	require.NoError(t, b.Kill())
	assert.Equal(t, backend.StatusStopped, b.Status())

	var statuses []backend.Status
	for _, ev := range rec.ofKind(backend.EventStatusChanged) {
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []backend.Status{backend.StatusStopping, backend.StatusStopped}, statuses)
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	b := backendtest.New(backend.Descriptor{Identifier: "X"})
	rec := &recorder{}
	b.Subscribe(rec)

	require.NoError(t, b.Stop())
	assert.Equal(t, backend.StatusStopped, b.Status())
	assert.Empty(t, rec.kinds())
}

func TestWaitForStopped(t *testing.T) {
	b, _ := newLaunched(t)
	require.NoError(t, b.Stop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.WaitForStopped(ctx), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Exit()
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, b.WaitForStopped(ctx2))
	assert.Equal(t, backend.StatusStopped, b.Status())
}

func TestRelaunchFromInvalid(t *testing.T) {
	b, _ := newLaunched(t)
	b.Crash("boom")
	require.Equal(t, backend.StatusInvalid, b.Status())

	require.NoError(t, b.Launch(context.Background()))
	assert.Equal(t, backend.StatusLaunched, b.Status())
	assert.Empty(t, b.LastError())
}

func TestUnsubscribe(t *testing.T) {
	b := backendtest.New(backend.Descriptor{Identifier: "X"})
	rec := &recorder{}
	cancel := b.Subscribe(rec)
	cancel()

	require.NoError(t, b.Launch(context.Background()))
	assert.Empty(t, rec.kinds())
}

func TestObserverMayReadAccessors(t *testing.T) {
	b := backendtest.New(backend.Descriptor{Identifier: "X"}, backendtest.WithRegistration([]string{"a"}, "C"))

	var seen []backend.Status
	b.Subscribe(backend.ObserverFunc(func(ev backend.Event) {
		if ev.Kind == backend.EventStatusChanged {
			seen = append(seen, b.Status())
		}
	}))

	require.NoError(t, b.Launch(context.Background()))
	assert.Equal(t, []backend.Status{backend.StatusLaunching, backend.StatusLaunched}, seen)
}

func TestSynchronousResponder(t *testing.T) {
	responder := func(req protocol.Message) []protocol.Message {
		return []protocol.Message{protocol.NewReply(req.RequestID, req.Operation, json.RawMessage(`[]`))}
	}
	b, rec := newLaunched(t, backendtest.WithResponder(responder))

	id, err := backend.RequestRealTimeSuggestedLines(b, "4")
	require.NoError(t, err)

	replies := rec.ofKind(backend.EventReplyRegistered)
	require.Len(t, replies, 1)
	assert.Equal(t, id, replies[0].RequestID)
	assert.Equal(t, 0, b.Pending())
}
