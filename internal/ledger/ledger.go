// Package ledger records room lifecycle events off the hot path. The hub hands
// events to a Recorder, which writes them to the store from its own goroutine.
package ledger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Kind string

const (
	RoomOpened    Kind = "room_opened"
	RoomClosed    Kind = "room_closed"
	PlayerJoined  Kind = "player_joined"
	PlayerLeft    Kind = "player_left"
	CanvasCleared Kind = "canvas_cleared"
)

// Close reasons
const (
	ReasonEmpty     = "empty"
	ReasonUnclaimed = "unclaimed"
	ReasonShutdown  = "shutdown"
)

type Event struct {
	Kind       Kind
	RoomID     string
	PlayerName string
	// Members is the member count after the event was applied
	Members int
	Reason  string
	At      time.Time
}

// Store is the subset of db.Database the recorder writes to
type Store interface {
	OpenRoom(roomID string, at time.Time) (int64, error)
	CloseRoom(roomID, reason string, peakMembers int, at time.Time) error
	RecordEvent(roomID, kind, playerName string, at time.Time) error
	UpdatePeakMembers(roomID string, members int) error
}

const DefaultBufferSize = 1024

type Recorder struct {
	store   Store
	events  chan Event
	logger  zerolog.Logger
	dropped atomic.Int64
	written atomic.Int64
}

func NewRecorder(store Store, logger zerolog.Logger, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Recorder{
		store:  store,
		events: make(chan Event, bufferSize),
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// Record queues e without blocking. Events are dropped when the buffer is
// full; the room itself is unaffected.
func (r *Recorder) Record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case r.events <- e:
	default:
		if n := r.dropped.Add(1); n%100 == 1 {
			r.logger.Warn().Int64("dropped", n).Msg("ledger buffer full, dropping events")
		}
	}
}

// Run writes queued events until ctx is cancelled, then flushes whatever is
// still buffered and returns
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.events:
			r.write(e)
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case e := <-r.events:
			r.write(e)
		default:
			return
		}
	}
}

func (r *Recorder) write(e Event) {
	var err error
	switch e.Kind {
	case RoomOpened:
		_, err = r.store.OpenRoom(e.RoomID, e.At)
	case RoomClosed:
		err = r.store.CloseRoom(e.RoomID, e.Reason, e.Members, e.At)
	case PlayerJoined:
		if err = r.store.RecordEvent(e.RoomID, string(e.Kind), e.PlayerName, e.At); err == nil {
			err = r.store.UpdatePeakMembers(e.RoomID, e.Members)
		}
	default:
		err = r.store.RecordEvent(e.RoomID, string(e.Kind), e.PlayerName, e.At)
	}

	if err != nil {
		r.logger.Error().Err(err).
			Str("room", e.RoomID).
			Str("kind", string(e.Kind)).
			Msg("failed to record room event")
		return
	}
	r.written.Add(1)
}

// Dropped reports how many events were discarded because the buffer was full
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) Written() int64 {
	return r.written.Load()
}

// Pending reports how many events are waiting to be written
func (r *Recorder) Pending() int {
	return len(r.events)
}
