package mcp

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// eventStore is an append-only log of outbound notification messages, scoped to a
// single session. Every entry belongs to exactly one logical stream and carries an
// identifier of the form "<streamID>_<ULID>". ULIDs are minted from a monotonic
// entropy source, so two appends within the same millisecond still order by
// insertion and replay order is always well-defined.
//
// Entries are never mutated and live until the owning session is destroyed; the
// store has no lifecycle of its own.
type eventStore struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	events  []storedEvent
	byID    map[string]int
}

type storedEvent struct {
	id        string
	streamID  string
	msg       JSONRPCMessage
	createdAt time.Time
}

func newEventStore() *eventStore {
	return &eventStore{
		entropy: ulid.Monotonic(rand.Reader, 0),
		byID:    make(map[string]int),
	}
}

// append stores msg on the given stream and returns the generated event identifier.
// It never blocks on delivery; callers write the message to a live channel, if one
// is attached, after appending.
func (s *eventStore) append(streamID string, msg JSONRPCMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	id := fmt.Sprintf("%s_%s", streamID, ulid.MustNew(ulid.Timestamp(now), s.entropy))

	s.byID[id] = len(s.events)
	s.events = append(s.events, storedEvent{
		id:        id,
		streamID:  streamID,
		msg:       msg,
		createdAt: now,
	})

	return id
}

// replayAfter delivers every stored event on lastEventID's stream strictly after
// lastEventID, in creation order, invoking deliver once per event and awaiting each
// delivery before issuing the next. It returns the stream identifier so the caller
// can resume live delivery on that stream, and false when lastEventID is unknown,
// in which case nothing is delivered. A delivery error aborts the replay and is
// returned as-is.
func (s *eventStore) replayAfter(lastEventID string, deliver func(eventID string, msg JSONRPCMessage) error) (string, bool, error) {
	s.mu.Lock()

	pos, ok := s.byID[lastEventID]
	if !ok {
		s.mu.Unlock()
		return "", false, nil
	}

	streamID := s.events[pos].streamID

	// Snapshot the matching entries so appends are not blocked while the sink
	// consumes the catch-up. The snapshot only references already-stored events.
	var pending []storedEvent
	for _, ev := range s.events[pos+1:] {
		if ev.streamID == streamID {
			pending = append(pending, ev)
		}
	}
	s.mu.Unlock()

	for _, ev := range pending {
		if err := deliver(ev.id, ev.msg); err != nil {
			return streamID, true, fmt.Errorf("failed to deliver replayed event %s: %w", ev.id, err)
		}
	}

	return streamID, true, nil
}

// size reports the number of stored events, across all streams.
func (s *eventStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.events)
}
