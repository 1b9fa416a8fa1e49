package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/sketchroom/internal/ledger"
	"github.com/manpreetbhatti/sketchroom/internal/protocol"
	"github.com/manpreetbhatti/sketchroom/internal/room"
)

var ErrHubStopped = errors.New("ws: hub stopped")

// EventSink receives room lifecycle events. Implementations must not block.
type EventSink interface {
	Record(ledger.Event)
}

type Config struct {
	PongWait          time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	// Rooms created over HTTP that nobody joins within this window are removed
	UnclaimedRoomTTL time.Duration
	SweepInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		PongWait:          60 * time.Second,
		MaxMessageBytes:   8 << 20,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		UnclaimedRoomTTL:  10 * time.Minute,
		SweepInterval:     time.Minute,
	}
}

type inbound struct {
	client *Client
	data   []byte
	// set by the read pump instead of data when the sender is over its rate
	limited bool
}

type createRequest struct {
	reply chan string
}

// Hub owns every room mutation. All session and room state is touched from the
// Run goroutine only, so one room's actions are applied in arrival order and
// nothing is broadcast while a join is being committed.
type Hub struct {
	registry *room.Registry

	// Every registered client
	clients map[*Client]struct{}

	// Joined clients by room id
	rooms map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	create     chan createRequest

	// Clients whose outbound queue overflowed, removed after the current fan-out
	evictions []*Client

	events      EventSink
	config      Config
	logger      zerolog.Logger
	clientCount atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewHub(registry *room.Registry, events EventSink, logger zerolog.Logger, config Config) *Hub {
	if registry == nil {
		registry = room.NewRegistry()
	}
	return &Hub{
		registry:   registry,
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		create:     make(chan createRequest),
		events:     events,
		config:     config,
		logger:     logger.With().Str("component", "hub").Logger(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)

	sweep := h.config.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.clientCount.Add(1)
			client.logger.Debug().Msg("client connected")

		case client := <-h.unregister:
			h.removeClient(client, "disconnected")

		case in := <-h.inbound:
			if _, ok := h.clients[in.client]; !ok {
				continue
			}
			if in.limited {
				h.sendError(in.client, protocol.CodeRateLimited, "too many messages, slow down")
			} else {
				h.handle(in.client, in.data)
			}

		case req := <-h.create:
			req.reply <- h.createRoom()

		case now := <-ticker.C:
			h.reapUnclaimed(now)

		case <-h.stop:
			h.shutdown()
			return
		}

		h.processEvictions()
	}
}

// Stop closes every connection and waits for Run to return
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// CreateRoom registers an empty room under a fresh code
func (h *Hub) CreateRoom(ctx context.Context) (string, error) {
	req := createRequest{reply: make(chan string, 1)}
	select {
	case h.create <- req:
	case <-h.done:
		return "", ErrHubStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case id := <-req.reply:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Registry exposes room state for read-only reporting
func (h *Hub) Registry() *room.Registry {
	return h.registry
}

func (h *Hub) RoomCount() int {
	return h.registry.Count()
}

func (h *Hub) PlayerCount() int {
	return h.registry.PlayerCount()
}

// ClientCount counts open connections, joined or not
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

func (h *Hub) handle(c *Client, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		h.sendError(c, protocol.CodeInvalidMessage, err.Error())
		return
	}

	if !protocol.IsKnown(msg.Type) {
		h.sendError(c, protocol.CodeUnknownType, fmt.Sprintf("unknown message type %q", msg.Type))
		return
	}

	// Server-originated types are meaningless coming from a client
	if msg.Type == protocol.TypePlayerListUpdate || msg.Type == protocol.TypeError {
		return
	}

	if err := protocol.Validate(msg); err != nil {
		h.sendError(c, protocol.CodeInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeJoinRoom:
		h.handleJoin(c, msg)
		return
	case protocol.TypeLeaveRoom:
		if c.joined {
			h.leave(c)
		}
		return
	}

	if !c.joined {
		h.sendError(c, protocol.CodeNotJoined, "join a room first")
		return
	}
	if msg.RoomID != "" && room.NormalizeID(msg.RoomID) != c.roomID {
		h.sendError(c, protocol.CodeRoomMismatch,
			fmt.Sprintf("message for room %s but joined to %s", room.NormalizeID(msg.RoomID), c.roomID))
		return
	}

	r := h.registry.Get(c.roomID)
	if r == nil {
		c.logger.Error().Str("room", c.roomID).Msg("joined client has no room")
		return
	}

	switch msg.Type {
	case protocol.TypeCanvasUpdate, protocol.TypeForceCanvasUpdate:
		r.SetSnapshot(msg.CanvasData)

	case protocol.TypeClearCanvas:
		r.Clear()
		h.broadcastAll(c.roomID, protocol.NewClearCanvas(c.roomID))
		h.record(ledger.Event{Kind: ledger.CanvasCleared, RoomID: c.roomID, PlayerName: c.playerName, Members: r.MemberCount()})

	case protocol.TypeFloatingImageAdd:
		r.PutImage(msg.FloatingImage())

	case protocol.TypeFloatingImageRemove:
		r.RemoveImage(msg.ImageID)
	}

	// The sender's bytes go out untouched
	if protocol.Relayed(msg.Type) {
		h.broadcastOthers(c, data)
	}
}

func (h *Hub) handleJoin(c *Client, msg *protocol.Message) {
	roomID, err := room.ValidateID(msg.RoomID)
	if err != nil {
		h.sendError(c, protocol.CodeInvalidMessage, err.Error())
		return
	}
	name, err := room.NormalizePlayerName(msg.PlayerName)
	if err != nil {
		h.sendError(c, protocol.CodeInvalidMessage, err.Error())
		return
	}

	if c.joined {
		if c.roomID == roomID && c.playerName == name {
			// Retried join: answer with the current state, change nothing
			if r := h.registry.Get(roomID); r != nil {
				h.bootstrap(c, r)
				h.sendMessage(c, protocol.NewPlayerList(r.ID, r.Members()))
			}
			return
		}
	}

	// Check before any implicit leave so a rejected switch keeps the old room
	if existing := h.registry.Get(roomID); existing != nil && existing.HasMember(name) {
		h.sendError(c, protocol.CodeNameTaken,
			fmt.Sprintf("name %q is already taken in room %s", name, roomID))
		return
	}

	if c.joined {
		h.leave(c)
	}

	r, created, err := h.registry.Join(roomID, name)
	if err != nil {
		if errors.Is(err, room.ErrNameTaken) {
			h.sendError(c, protocol.CodeNameTaken,
				fmt.Sprintf("name %q is already taken in room %s", name, roomID))
			return
		}
		h.sendError(c, protocol.CodeInvalidMessage, err.Error())
		return
	}

	c.roomID = roomID
	c.playerName = name
	c.joined = true
	c.logger = c.logger.With().Str("room", roomID).Str("player", name).Logger()

	sessions, ok := h.rooms[roomID]
	if !ok {
		sessions = make(map[*Client]struct{})
		h.rooms[roomID] = sessions
	}
	sessions[c] = struct{}{}

	if created {
		h.record(ledger.Event{Kind: ledger.RoomOpened, RoomID: roomID})
	}
	h.record(ledger.Event{Kind: ledger.PlayerJoined, RoomID: roomID, PlayerName: name, Members: r.MemberCount()})

	c.logger.Info().Int("members", r.MemberCount()).Msg("player joined")

	h.bootstrap(c, r)
	h.broadcastAll(roomID, protocol.NewPlayerList(roomID, r.Members()))
}

// bootstrap brings a joiner up to date with the room's snapshot and overlays
func (h *Hub) bootstrap(c *Client, r *room.Room) {
	if snapshot := r.Snapshot(); snapshot != "" {
		h.sendMessage(c, protocol.NewCanvasUpdate(r.ID, snapshot))
	}
	for _, img := range r.Images() {
		h.sendMessage(c, protocol.NewFloatingImageAdd(r.ID, img))
	}
}

func (h *Hub) leave(c *Client) {
	roomID, name := c.roomID, c.playerName

	peak := 0
	if r := h.registry.Get(roomID); r != nil {
		peak = r.PeakMembers()
	}
	remaining, destroyed := h.registry.Leave(roomID, name)

	if sessions, ok := h.rooms[roomID]; ok {
		delete(sessions, c)
		if len(sessions) == 0 {
			delete(h.rooms, roomID)
		}
	}

	c.joined = false
	c.roomID = ""
	c.playerName = ""
	c.logger = c.baseLogger

	h.record(ledger.Event{Kind: ledger.PlayerLeft, RoomID: roomID, PlayerName: name, Members: remaining})

	if destroyed {
		h.record(ledger.Event{Kind: ledger.RoomClosed, RoomID: roomID, Reason: ledger.ReasonEmpty, Members: peak})
		h.logger.Info().Str("room", roomID).Str("player", name).Msg("room closed (empty)")
		return
	}

	h.logger.Info().Str("room", roomID).Str("player", name).Int("remaining", remaining).Msg("player left")
	if r := h.registry.Get(roomID); r != nil {
		h.broadcastAll(roomID, protocol.NewPlayerList(roomID, r.Members()))
	}
}

func (h *Hub) createRoom() string {
	id := h.registry.CreateRoom()
	h.record(ledger.Event{Kind: ledger.RoomOpened, RoomID: id})
	h.logger.Info().Str("room", id).Msg("room created")
	return id
}

func (h *Hub) reapUnclaimed(now time.Time) {
	if h.config.UnclaimedRoomTTL <= 0 {
		return
	}
	for _, id := range h.registry.ReapUnclaimed(h.config.UnclaimedRoomTTL, now) {
		h.record(ledger.Event{Kind: ledger.RoomClosed, RoomID: id, Reason: ledger.ReasonUnclaimed, At: now})
		h.logger.Info().Str("room", id).Msg("removed unclaimed room")
	}
}

// removeClient drops a connection, leaving its room if it had joined one
func (h *Hub) removeClient(c *Client, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	if c.joined {
		h.leave(c)
	}
	delete(h.clients, c)
	close(c.send)
	h.clientCount.Add(-1)
	c.logger.Debug().Str("reason", reason).Msg("client removed")
}

func (h *Hub) processEvictions() {
	for len(h.evictions) > 0 {
		c := h.evictions[0]
		h.evictions = h.evictions[1:]
		h.removeClient(c, "outbound queue full")
	}
}

func (h *Hub) shutdown() {
	for id, sessions := range h.rooms {
		peak := 0
		if r := h.registry.Get(id); r != nil {
			peak = r.PeakMembers()
		}
		h.record(ledger.Event{Kind: ledger.RoomClosed, RoomID: id, Reason: ledger.ReasonShutdown, Members: peak})
		for c := range sessions {
			c.joined = false
		}
	}
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.clientCount.Store(0)
	h.logger.Info().Msg("hub stopped")
}

func (h *Hub) record(e ledger.Event) {
	if h.events != nil {
		h.events.Record(e)
	}
}

// enqueue never blocks; a client whose queue is full is evicted once the
// current fan-out completes
func (h *Hub) enqueue(c *Client, data []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.evictions = append(h.evictions, c)
	}
}

func (h *Hub) broadcastOthers(sender *Client, data []byte) {
	for peer := range h.rooms[sender.roomID] {
		if peer != sender {
			h.enqueue(peer, data)
		}
	}
}

func (h *Hub) broadcastAll(roomID string, msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to encode message")
		return
	}
	for peer := range h.rooms[roomID] {
		h.enqueue(peer, data)
	}
}

func (h *Hub) sendMessage(c *Client, msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to encode message")
		return
	}
	h.enqueue(c, data)
}

func (h *Hub) sendError(c *Client, code, text string) {
	c.logger.Debug().Str("code", code).Msg(text)
	h.sendMessage(c, protocol.NewError(code, text))
}
