package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pt2/internal/channel"
	"github.com/mattjoyce/pt2/internal/protocol"
	"github.com/mattjoyce/pt2/internal/transit"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr string
	}{
		{
			name: "launch contract",
			args: []string{"--plugin", "test", "--verbose", "--identifier", "abc", "--city", "paris", "--db", "/var/lib/pt2 data.db"},
			want: options{plugin: "test", identifier: "abc", extra: map[string]string{
				"verbose": "true", "city": "paris", "db": "/var/lib/pt2 data.db",
			}},
		},
		{
			name: "equals form and trailing bool",
			args: []string{"--plugin=localdb", "--identifier=x", "--dry"},
			want: options{plugin: "localdb", identifier: "x", extra: map[string]string{"dry": "true"}},
		},
		{name: "missing plugin", args: []string{"--identifier", "x"}, wantErr: "--plugin is required"},
		{name: "missing identifier", args: []string{"--plugin", "test"}, wantErr: "--identifier is required"},
		{name: "stray positional", args: []string{"test"}, wantErr: "unexpected argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunRejectsUnknownPlugin(t *testing.T) {
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"--plugin", "nope", "--identifier", "x"}, &stderr)
	assert.Equal(t, 2, code)
}

func TestRunLocalDBNeedsDB(t *testing.T) {
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"--plugin", "localdb", "--identifier", "x"}, &stderr)
	assert.Equal(t, 1, code)
}

func TestRunServesTestProvider(t *testing.T) {
	dir, err := os.MkdirTemp("", "pt2pv")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(channel.SocketDirEnv, dir)

	received := make(chan protocol.Message, 4)
	ep, err := channel.Listen(dir, "abc", func(msg protocol.Message) { received <- msg })
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		var stderr bytes.Buffer
		done <- run(context.Background(), []string{"--plugin", "test", "--identifier", "abc"}, &stderr)
	}()

	next := func() protocol.Message {
		t.Helper()
		select {
		case msg := <-received:
			return msg
		case <-time.After(5 * time.Second):
			t.Fatal("no message from provider")
			return protocol.Message{}
		}
	}

	reg := next()
	assert.Equal(t, protocol.TypeRegisterBackend, reg.Type)
	assert.Equal(t, []string{protocol.CapabilitySuggestStations}, reg.Capabilities)

	require.NoError(t, ep.Send(protocol.NewRequest("r1", protocol.OpSuggestedStations, json.RawMessage(`{"partial_station":"test"}`))))
	reply := next()
	require.Equal(t, protocol.TypeReply, reply.Type)
	assert.Equal(t, "r1", reply.RequestID)
	var stations []transit.Station
	require.NoError(t, json.Unmarshal(reply.Result, &stations))
	require.Len(t, stations, 2)
	assert.Equal(t, "Test2", stations[1].Name)

	require.NoError(t, ep.Send(protocol.NewRequest("r2", protocol.OpSuggestedLines, json.RawMessage(`{"partial_line":"1"}`))))
	notImpl := next()
	assert.Equal(t, protocol.TypeError, notImpl.Type)
	assert.Equal(t, protocol.ErrorNotImplemented, notImpl.ErrorID)

	// Unbinding the endpoint is the manager going away.
	require.NoError(t, ep.Close())
	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("provider did not quit after the manager went away")
	}
	_, err = os.Stat(channel.Path(dir, "abc"))
	assert.True(t, os.IsNotExist(err))
}
