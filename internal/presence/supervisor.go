// Package presence keeps a client attached to its room over an unreliable
// websocket: it reconnects on a fixed interval, queues frames while offline
// and retries the join handshake until the server confirms it.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/sketchroom/internal/protocol"
	"github.com/manpreetbhatti/sketchroom/internal/room"
)

const (
	writeWait        = 10 * time.Second
	outboundQueueLen = 512
)

var ErrClosed = errors.New("supervisor closed")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

type Config struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/ws
	URL string

	ReconnectInterval time.Duration
	JoinRetryInitial  time.Duration
	JoinRetryMax      time.Duration
	HandshakeTimeout  time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectInterval: 5 * time.Second,
		JoinRetryInitial:  time.Second,
		JoinRetryMax:      30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Handlers receive inbound frames and state changes. OnMessage is called from
// the connection's read goroutine, one frame at a time. OnState is called
// from a single dispatch goroutine in transition order.
type Handlers struct {
	OnMessage func(*protocol.Message)
	OnState   func(State)
}

// Supervisor owns at most one live connection at a time. Every connection
// gets a generation number; goroutines and timers belonging to an older
// generation find a mismatch and do nothing.
type Supervisor struct {
	config   Config
	dialer   *websocket.Dialer
	handlers Handlers
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	generation uint64
	conn       *websocket.Conn
	out        chan []byte

	roomID     string
	playerName string
	joined     bool

	// Frames sent while offline, flushed after the next JOIN_ROOM
	queue [][]byte

	reconnectTimer *time.Timer
	joinTimer      *time.Timer
	joinDelay      time.Duration
	closed         bool

	// Transitions waiting for the dispatch goroutine
	pendingStates []State
	stateWake     chan struct{}
}

func New(config Config, handlers Handlers, logger zerolog.Logger) *Supervisor {
	defaults := DefaultConfig(config.URL)
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = defaults.ReconnectInterval
	}
	if config.JoinRetryInitial <= 0 {
		config.JoinRetryInitial = defaults.JoinRetryInitial
	}
	if config.JoinRetryMax < config.JoinRetryInitial {
		config.JoinRetryMax = max(defaults.JoinRetryMax, config.JoinRetryInitial)
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		config:    config,
		dialer:    &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		handlers:  handlers,
		logger:    logger.With().Str("component", "presence").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		stateWake: make(chan struct{}, 1),
	}
	if handlers.OnState != nil {
		go s.dispatchStates()
	}
	return s
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Joined reports whether the server confirmed the current room on the
// current connection.
func (s *Supervisor) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

func (s *Supervisor) Room() (roomID, playerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID, s.playerName
}

// QueueLen is the number of frames waiting for a connection
func (s *Supervisor) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Join targets a room. The handshake is sent right away when connected,
// otherwise as the first frame of the next connection.
func (s *Supervisor) Join(roomID, playerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	// Queued frames are scoped to the room they were drawn in
	if s.roomID != "" && room.NormalizeID(roomID) != room.NormalizeID(s.roomID) {
		if len(s.queue) > 0 {
			s.logger.Info().Str("from", s.roomID).Str("to", roomID).Int("dropped", len(s.queue)).Msg("switching rooms, dropping queued frames")
		}
		s.queue = nil
	}

	s.roomID = roomID
	s.playerName = playerName
	s.joined = false

	switch s.state {
	case Connected:
		s.sendJoinLocked()
	case Disconnected:
		s.stopTimer(&s.reconnectTimer)
		s.connectLocked()
	}
	return nil
}

// Send transmits msg, or queues it in order while there is no connection
func (s *Supervisor) Send(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.state != Connected {
		s.queue = append(s.queue, data)
		return nil
	}
	s.writeLocked(data)
	return nil
}

// Leave announces LEAVE_ROOM, cancels every pending timer, drops queued
// frames and closes the connection. Nothing reconnects afterwards until the
// next Join.
func (s *Supervisor) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Connected && s.roomID != "" {
		if data, err := protocol.Encode(protocol.NewLeaveRoom(s.roomID, s.playerName)); err == nil {
			s.writeLocked(data)
		}
	}

	s.roomID = ""
	s.playerName = ""
	s.joined = false
	s.queue = nil
	s.dropLocked()
}

// Close leaves the room and makes the supervisor unusable
func (s *Supervisor) Close() {
	s.Leave()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
}

// connectLocked dials in the background. Callers hold s.mu.
func (s *Supervisor) connectLocked() {
	if s.closed || s.roomID == "" {
		return
	}

	s.generation++
	gen := s.generation
	s.setStateLocked(Connecting)

	go s.dial(gen)
}

func (s *Supervisor) dial(gen uint64) {
	conn, _, err := s.dialer.DialContext(s.ctx, s.config.URL, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.closed || s.roomID == "" {
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		s.logger.Warn().Err(err).Str("url", s.config.URL).Msg("connect failed")
		s.setStateLocked(Disconnected)
		s.scheduleReconnectLocked()
		return
	}

	s.conn = conn
	s.out = make(chan []byte, outboundQueueLen)
	s.setStateLocked(Connected)

	go s.writePump(conn, s.out)
	go s.readPump(conn, gen)

	// The handshake goes first so queued room-scoped frames are accepted
	s.sendJoinLocked()

	queued := s.queue
	s.queue = nil
	for _, data := range queued {
		s.writeLocked(data)
	}

	s.logger.Info().Str("room", s.roomID).Int("flushed", len(queued)).Msg("connected")
}

func (s *Supervisor) sendJoinLocked() {
	data, err := protocol.Encode(protocol.NewJoinRoom(s.roomID, s.playerName))
	if err != nil {
		return
	}
	s.writeLocked(data)

	s.stopTimer(&s.joinTimer)
	s.joinDelay = s.config.JoinRetryInitial
	s.scheduleJoinRetryLocked()
}

// scheduleJoinRetryLocked resends JOIN_ROOM with exponential backoff until a
// roster arrives on this connection
func (s *Supervisor) scheduleJoinRetryLocked() {
	gen := s.generation
	delay := s.joinDelay

	s.joinTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if gen != s.generation || s.state != Connected || s.joined || s.roomID == "" {
			return
		}

		s.logger.Debug().Str("room", s.roomID).Dur("after", delay).Msg("retrying join")
		if data, err := protocol.Encode(protocol.NewJoinRoom(s.roomID, s.playerName)); err == nil {
			s.writeLocked(data)
		}
		if s.state != Connected {
			return
		}

		s.joinDelay = min(s.joinDelay*2, s.config.JoinRetryMax)
		s.scheduleJoinRetryLocked()
	})
}

func (s *Supervisor) scheduleReconnectLocked() {
	if s.closed || s.roomID == "" {
		return
	}
	s.stopTimer(&s.reconnectTimer)

	gen := s.generation
	s.reconnectTimer = time.AfterFunc(s.config.ReconnectInterval, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if gen != s.generation || s.state != Disconnected {
			return
		}
		s.logger.Info().Str("room", s.roomID).Msg("attempting to reconnect")
		s.connectLocked()
	})
}

// writeLocked hands a frame to the write goroutine. A full outbound buffer
// means the socket is stuck; the connection is dropped and the frame waits
// for the next one.
func (s *Supervisor) writeLocked(data []byte) {
	select {
	case s.out <- data:
	default:
		s.logger.Warn().Msg("outbound buffer full, reconnecting")
		s.queue = append(s.queue, data)
		s.disconnectLocked()
	}
}

// disconnectLocked tears down the current connection and, while a room is
// targeted, schedules a reconnect
func (s *Supervisor) disconnectLocked() {
	s.dropLocked()
	s.scheduleReconnectLocked()
}

func (s *Supervisor) dropLocked() {
	s.stopTimer(&s.joinTimer)
	s.stopTimer(&s.reconnectTimer)

	s.generation++
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.conn = nil
	s.joined = false
	s.setStateLocked(Disconnected)
}

func (s *Supervisor) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Supervisor) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.handlers.OnState == nil {
		return
	}
	s.pendingStates = append(s.pendingStates, state)
	select {
	case s.stateWake <- struct{}{}:
	default:
	}
}

// dispatchStates delivers state transitions one at a time, in order. The
// transitions recorded before Close are still delivered.
func (s *Supervisor) dispatchStates() {
	for {
		select {
		case <-s.stateWake:
			s.deliverStates()
		case <-s.ctx.Done():
			s.deliverStates()
			return
		}
	}
}

func (s *Supervisor) deliverStates() {
	s.mu.Lock()
	pending := s.pendingStates
	s.pendingStates = nil
	s.mu.Unlock()

	for _, state := range pending {
		s.handlers.OnState(state)
	}
}

// confirmsJoinLocked reports whether a roster acknowledges the room currently
// targeted. Rosters for a room being switched away from do not count.
func (s *Supervisor) confirmsJoinLocked(msg *protocol.Message) bool {
	if s.roomID == "" || room.NormalizeID(msg.RoomID) != room.NormalizeID(s.roomID) {
		return false
	}
	want := s.playerName
	if name, err := room.NormalizePlayerName(want); err == nil {
		want = name
	}
	for _, name := range msg.Roster() {
		if name == want {
			return true
		}
	}
	return false
}

func (s *Supervisor) readPump(conn *websocket.Conn, gen uint64) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if gen == s.generation {
				s.logger.Warn().Err(err).Msg("connection lost")
				s.disconnectLocked()
			}
			s.mu.Unlock()
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}

		if msg.Type == protocol.TypePlayerListUpdate {
			s.mu.Lock()
			if gen == s.generation && !s.joined && s.confirmsJoinLocked(msg) {
				s.joined = true
				s.stopTimer(&s.joinTimer)
				s.logger.Info().Str("room", s.roomID).Str("player", s.playerName).Msg("join confirmed")
			}
			s.mu.Unlock()
		}

		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(msg)
		}
	}
}

// writePump is the only writer of conn. It exits when out is closed.
func (s *Supervisor) writePump(conn *websocket.Conn, out <-chan []byte) {
	defer conn.Close()

	for data := range out {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug().Err(err).Msg("write failed")
			return
		}
	}

	// Drained after Leave: say goodbye properly
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
