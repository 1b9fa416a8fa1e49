// Package board ties one client's canvas, snapshot reconciler, roster and
// connection supervisor together. Local input is applied optimistically and
// then sent; inbound frames are applied as they arrive.
package board

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/manpreetbhatti/sketchroom/internal/canvas"
	"github.com/manpreetbhatti/sketchroom/internal/presence"
	"github.com/manpreetbhatti/sketchroom/internal/protocol"
	"github.com/manpreetbhatti/sketchroom/internal/room"
)

const noticeBufferSize = 64

var ErrNotInRoom = errors.New("not in a room")

// Transport is what the board needs from a connection. *presence.Supervisor
// implements it.
type Transport interface {
	Join(roomID, playerName string) error
	Send(msg *protocol.Message) error
	Leave()
}

type Config struct {
	Width  int
	Height int

	// Drawn fraction below which ordinary snapshots are accepted
	Threshold float64

	// Delay between the end of a stroke and the snapshot sent for late joiners
	CheckpointDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Width:           canvas.DefaultWidth,
		Height:          canvas.DefaultHeight,
		Threshold:       canvas.DefaultThreshold,
		CheckpointDelay: 200 * time.Millisecond,
	}
}

type NoticeKind int

const (
	NoticeError NoticeKind = iota
	NoticeRoster
	NoticeConnection
)

// Notice is delivered on the Notices channel. Err is set for NoticeError,
// Players for NoticeRoster and State for NoticeConnection.
type Notice struct {
	Kind    NoticeKind
	Err     error
	Players []string
	State   presence.State
}

// ServerError is an ERROR frame sent by the server
type ServerError struct {
	Code string
	Text string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return e.Text
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Text)
}

type Board struct {
	config     Config
	canvas     *canvas.Canvas
	reconciler *canvas.Reconciler
	logger     zerolog.Logger
	notices    chan Notice

	mu         sync.Mutex
	transport  Transport
	supervisor *presence.Supervisor
	roomID     string
	playerName string
	roster     []string
	checkpoint *time.Timer
}

func New(config Config, logger zerolog.Logger, opts ...canvas.Option) *Board {
	if config.CheckpointDelay <= 0 {
		config.CheckpointDelay = DefaultConfig().CheckpointDelay
	}
	return &Board{
		config:     config,
		canvas:     canvas.New(config.Width, config.Height, opts...),
		reconciler: canvas.NewReconciler(config.Threshold),
		logger:     logger.With().Str("component", "board").Logger(),
		notices:    make(chan Notice, noticeBufferSize),
	}
}

// Dial creates the supervisor that carries this board's frames and attaches it
func (b *Board) Dial(config presence.Config) *presence.Supervisor {
	s := presence.New(config, presence.Handlers{
		OnMessage: b.HandleMessage,
		OnState:   b.HandleState,
	}, b.logger)

	b.mu.Lock()
	b.supervisor = s
	b.mu.Unlock()

	b.Attach(s)
	return s
}

func (b *Board) Attach(t Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transport = t
}

func (b *Board) Canvas() *canvas.Canvas {
	return b.canvas
}

// Notices is the stream of errors, roster changes and connection changes.
// Notices are dropped when nobody keeps up with the channel.
func (b *Board) Notices() <-chan Notice {
	return b.notices
}

func (b *Board) RoomID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roomID
}

func (b *Board) Roster() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.roster))
	copy(out, b.roster)
	return out
}

// Join targets a room. Moving to a different room starts from a blank canvas
// so the new room's snapshot can bootstrap it.
func (b *Board) Join(roomID, playerName string) error {
	id, err := room.ValidateID(roomID)
	if err != nil {
		return err
	}
	name, err := room.NormalizePlayerName(playerName)
	if err != nil {
		return err
	}

	b.mu.Lock()
	t := b.transport
	if t == nil {
		b.mu.Unlock()
		return errors.New("board has no transport")
	}
	if id != b.roomID {
		b.stopCheckpointLocked()
		b.canvas.Clear()
		b.roster = nil
	}
	b.roomID = id
	b.playerName = name
	b.mu.Unlock()

	return t.Join(id, name)
}

func (b *Board) Leave() {
	b.mu.Lock()
	t := b.transport
	b.stopCheckpointLocked()
	b.roomID = ""
	b.playerName = ""
	b.roster = nil
	b.mu.Unlock()

	if t != nil {
		t.Leave()
	}
}

// Draw paints a stroke segment locally and sends it. The last segment of a
// stroke schedules a checkpoint snapshot.
func (b *Board) Draw(a protocol.DrawingAction) error {
	if err := b.canvas.Apply(a); err != nil {
		return err
	}

	if err := b.send(func(roomID string) *protocol.Message {
		return protocol.NewDrawingAction(roomID, a)
	}); err != nil {
		return err
	}

	if a.IsEnd {
		b.scheduleCheckpoint()
	}
	return nil
}

// Clear wipes the local board and every peer's
func (b *Board) Clear() error {
	b.mu.Lock()
	b.stopCheckpointLocked()
	b.mu.Unlock()

	b.canvas.Clear()
	return b.send(protocol.NewClearCanvas)
}

// AddImage places a floating image and returns its generated ID
func (b *Board) AddImage(dataURL string, x, y, width, height float64) (string, error) {
	img := protocol.FloatingImage{
		ID:     NewImageID(),
		Data:   dataURL,
		X:      x,
		Y:      y,
		Width:  width,
		Height: height,
	}
	if err := b.canvas.PutImage(img); err != nil {
		return "", err
	}

	err := b.send(func(roomID string) *protocol.Message {
		return protocol.NewFloatingImageAdd(roomID, img)
	})
	return img.ID, err
}

func (b *Board) RemoveImage(id string) error {
	if !b.canvas.RemoveImage(id) {
		return fmt.Errorf("unknown image %s", id)
	}
	return b.send(func(roomID string) *protocol.Message {
		return protocol.NewFloatingImageRemove(roomID, id)
	})
}

// Flatten bakes the floating images into the canvas. Peers get the result as
// a forced snapshot followed by removal of the now-baked overlays.
func (b *Board) Flatten() (int, error) {
	images := b.canvas.Images()
	if len(images) == 0 {
		return 0, nil
	}

	b.canvas.Flatten()
	snapshot, err := b.canvas.Snapshot()
	if err != nil {
		return 0, err
	}

	if err := b.send(func(roomID string) *protocol.Message {
		return protocol.NewForceCanvasUpdate(roomID, snapshot)
	}); err != nil {
		return 0, err
	}
	for _, img := range images {
		if err := b.send(func(roomID string) *protocol.Message {
			return protocol.NewFloatingImageRemove(roomID, img.ID)
		}); err != nil {
			return 0, err
		}
	}
	return len(images), nil
}

func (b *Board) send(build func(roomID string) *protocol.Message) error {
	b.mu.Lock()
	t, roomID := b.transport, b.roomID
	b.mu.Unlock()

	if t == nil || roomID == "" {
		return ErrNotInRoom
	}
	return t.Send(build(roomID))
}

func (b *Board) scheduleCheckpoint() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.checkpoint != nil {
		b.checkpoint.Reset(b.config.CheckpointDelay)
		return
	}
	b.checkpoint = time.AfterFunc(b.config.CheckpointDelay, b.sendCheckpoint)
}

func (b *Board) stopCheckpointLocked() {
	if b.checkpoint != nil {
		b.checkpoint.Stop()
		b.checkpoint = nil
	}
}

func (b *Board) sendCheckpoint() {
	b.mu.Lock()
	b.checkpoint = nil
	b.mu.Unlock()

	snapshot, err := b.canvas.Snapshot()
	if err != nil {
		b.notifyError(fmt.Errorf("checkpoint: %w", err))
		return
	}
	if err := b.send(func(roomID string) *protocol.Message {
		return protocol.NewCanvasUpdate(roomID, snapshot)
	}); err != nil && !errors.Is(err, ErrNotInRoom) {
		b.notifyError(fmt.Errorf("checkpoint: %w", err))
	}
}

// HandleMessage applies one inbound frame
func (b *Board) HandleMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeDrawingAction:
		if msg.DrawingAction == nil {
			return
		}
		if err := b.canvas.Apply(*msg.DrawingAction); err != nil {
			b.notifyError(err)
		}

	case protocol.TypeCanvasUpdate, protocol.TypeForceCanvasUpdate, protocol.TypeClearCanvas:
		if msg.Type == protocol.TypeClearCanvas {
			b.mu.Lock()
			b.stopCheckpointLocked()
			b.mu.Unlock()
		}
		applied, err := b.reconciler.Reconcile(b.canvas, msg)
		if err != nil {
			b.notifyError(fmt.Errorf("apply %s: %w", msg.Type, err))
			return
		}
		if !applied {
			b.logger.Debug().Str("type", string(msg.Type)).Msg("snapshot skipped, local canvas has work")
		}

	case protocol.TypeFloatingImageAdd:
		if err := b.canvas.PutImage(msg.FloatingImage()); err != nil {
			b.notifyError(err)
		}

	case protocol.TypeFloatingImageRemove:
		b.canvas.RemoveImage(msg.ImageID)

	case protocol.TypePlayerListUpdate:
		players := msg.Roster()
		b.mu.Lock()
		// A roster still in flight from the room we just left
		if msg.RoomID != "" && room.NormalizeID(msg.RoomID) != b.roomID {
			b.mu.Unlock()
			b.logger.Debug().Str("room", msg.RoomID).Msg("ignoring roster for another room")
			return
		}
		b.roster = players
		b.mu.Unlock()
		b.notify(Notice{Kind: NoticeRoster, Players: players})

	case protocol.TypeError:
		b.notifyError(&ServerError{Code: msg.Code, Text: msg.Error})

	default:
		if msg.Error != "" {
			b.notifyError(&ServerError{Code: msg.Code, Text: msg.Error})
		}
	}
}

func (b *Board) HandleState(state presence.State) {
	b.notify(Notice{Kind: NoticeConnection, State: state})
}

func (b *Board) notifyError(err error) {
	b.logger.Warn().Err(err).Msg("board error")
	b.notify(Notice{Kind: NoticeError, Err: err})
}

func (b *Board) notify(n Notice) {
	select {
	case b.notices <- n:
	default:
		b.logger.Debug().Int("kind", int(n.Kind)).Msg("notice dropped")
	}
}

// Close leaves the room, shuts down a dialed supervisor and releases the canvas
func (b *Board) Close() error {
	b.Leave()

	b.mu.Lock()
	s := b.supervisor
	b.mu.Unlock()
	if s != nil {
		s.Close()
	}
	return b.canvas.Close()
}

// NewImageID returns a globally unique, time-sortable floating image ID
func NewImageID() string {
	return ksuid.New().String()
}
