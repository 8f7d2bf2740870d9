package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func notification(method string) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  json.RawMessage(`{}`),
	}
}

func collectReplay(t *testing.T, store *eventStore, lastEventID string) ([]string, bool) {
	t.Helper()

	var ids []string
	_, ok, err := store.replayAfter(lastEventID, func(eventID string, _ JSONRPCMessage) error {
		ids = append(ids, eventID)
		return nil
	})
	require.NoError(t, err)
	return ids, ok
}

func TestEventStoreReplayAfter(t *testing.T) {
	store := newEventStore()

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, store.append("stream-a", notification(fmt.Sprintf("event/%d", i))))
	}

	got, ok := collectReplay(t, store, ids[1])
	require.True(t, ok)
	require.Equal(t, []string{ids[2], ids[3]}, got)

	got, ok = collectReplay(t, store, ids[3])
	require.True(t, ok)
	require.Empty(t, got)

	got, ok = collectReplay(t, store, ids[0])
	require.True(t, ok)
	require.Equal(t, ids[1:], got)
}

func TestEventStoreReplayAfterUnknownID(t *testing.T) {
	store := newEventStore()
	store.append("stream-a", notification("event/0"))

	got, ok := collectReplay(t, store, "stream-a_01ARZ3NDEKTSV4RRFFQ69G5FAV")
	require.False(t, ok)
	require.Empty(t, got)

	got, ok = collectReplay(t, store, "")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestEventStoreStreamIsolation(t *testing.T) {
	store := newEventStore()

	a0 := store.append("stream-a", notification("a/0"))
	store.append("stream-b", notification("b/0"))
	a1 := store.append("stream-a", notification("a/1"))
	store.append("stream-b", notification("b/1"))
	a2 := store.append("stream-a", notification("a/2"))

	got, ok := collectReplay(t, store, a0)
	require.True(t, ok)
	require.Equal(t, []string{a1, a2}, got)

	require.Equal(t, 5, store.size())
}

func TestEventStoreRapidAppendsStayOrdered(t *testing.T) {
	store := newEventStore()

	// Bursts land within the same millisecond; monotonic entropy must keep the
	// identifiers, and therefore the replay, in insertion order.
	var ids []string
	for i := 0; i < 100; i++ {
		ids = append(ids, store.append("stream-a", notification(fmt.Sprintf("event/%d", i))))
	}

	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i])
	}

	got, ok := collectReplay(t, store, ids[0])
	require.True(t, ok)
	require.Equal(t, ids[1:], got)
}

func TestEventStoreReplayDeliveryErrorAborts(t *testing.T) {
	store := newEventStore()

	first := store.append("stream-a", notification("a/0"))
	store.append("stream-a", notification("a/1"))
	store.append("stream-a", notification("a/2"))

	sinkErr := errors.New("sink gone")
	delivered := 0
	_, ok, err := store.replayAfter(first, func(string, JSONRPCMessage) error {
		delivered++
		return sinkErr
	})
	require.True(t, ok)
	require.ErrorIs(t, err, sinkErr)
	require.Equal(t, 1, delivered)
}

func TestEventStoreReplayPreservesPayload(t *testing.T) {
	store := newEventStore()

	want := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsProgress,
		Params:  json.RawMessage(`{"progressToken":"tok","progress":2,"total":5}`),
	}
	first := store.append("stream-a", notification("a/0"))
	store.append("stream-a", want)

	var got []JSONRPCMessage
	_, ok, err := store.replayAfter(first, func(_ string, msg JSONRPCMessage) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
	require.Equal(t, want, got[0])
}
