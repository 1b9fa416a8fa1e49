package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Identifies the kind of frame exchanged over the drawing connection
type MessageType string

const (
	// Client asks to become a member of a room
	TypeJoinRoom MessageType = "JOIN_ROOM"

	// Client leaves its current room
	TypeLeaveRoom MessageType = "LEAVE_ROOM"

	// One incremental stroke segment
	TypeDrawingAction MessageType = "DRAWING_ACTION"

	// Full canvas snapshot, applied by receivers only onto a near-empty canvas
	TypeCanvasUpdate MessageType = "CANVAS_UPDATE"

	// Full canvas snapshot that receivers always apply (sent after flattening images)
	TypeForceCanvasUpdate MessageType = "FORCE_CANVAS_UPDATE"

	// Wipes the snapshot and every floating image of the room
	TypeClearCanvas MessageType = "CLEAR_CANVAS"

	// Server-originated roster of the room
	TypePlayerListUpdate MessageType = "PLAYER_LIST_UPDATE"

	TypeFloatingImageAdd    MessageType = "FLOATING_IMAGE_ADD"
	TypeFloatingImageRemove MessageType = "FLOATING_IMAGE_REMOVE"

	// Server-originated error notification
	TypeError MessageType = "ERROR"
)

// Stable error codes carried by ERROR frames
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownType    = "unknown_type"
	CodeNameTaken      = "name_taken"
	CodeNotJoined      = "not_joined"
	CodeRoomMismatch   = "room_mismatch"
	CodeRateLimited    = "rate_limited"
)

// Drawing tools understood by the renderers
const (
	ToolBrush  = "brush"
	ToolEraser = "eraser"
	ToolSpray  = "spray"
)

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrMissingType  = errors.New("message type is required")
	ErrMissingField = errors.New("required field missing")
)

// One segment of a stroke. Never stored server-side.
type DrawingAction struct {
	Tool    string  `json:"tool"`
	Color   string  `json:"color"`
	Size    float64 `json:"size"`
	StartX  float64 `json:"startX"`
	StartY  float64 `json:"startY"`
	EndX    float64 `json:"endX"`
	EndY    float64 `json:"endY"`
	IsStart bool    `json:"isStart"`
	IsEnd   bool    `json:"isEnd"`
}

// Message is the single JSON envelope used in both directions. Fields that do
// not apply to a given type are omitted on the wire.
type Message struct {
	Type          MessageType    `json:"type"`
	RoomID        string         `json:"roomId,omitempty"`
	PlayerName    string         `json:"playerName,omitempty"`
	Players       []string       `json:"players,omitempty"`
	CanvasData    string         `json:"canvasData,omitempty"`
	DrawingAction *DrawingAction `json:"drawingAction,omitempty"`
	ImageID       string         `json:"imageId,omitempty"`
	ImageData     string         `json:"imageData,omitempty"`
	ImageX        float64        `json:"imageX,omitempty"`
	ImageY        float64        `json:"imageY,omitempty"`
	ImageWidth    float64        `json:"imageWidth,omitempty"`
	ImageHeight   float64        `json:"imageHeight,omitempty"`
	Error         string         `json:"error,omitempty"`
	Code          string         `json:"code,omitempty"`
}

// Decode parses a frame into a Message. It only checks that the frame is a
// JSON object with a type; use Validate for per-type field checks.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	if msg.Type == "" {
		// Bare {"error": "..."} frames are still meaningful to clients
		if msg.Error != "" {
			msg.Type = TypeError
			return &msg, nil
		}
		return nil, ErrMissingType
	}
	return &msg, nil
}

// Encode serializes a Message for the wire
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Validate checks the fields each client-originated type needs
func Validate(msg *Message) error {
	switch msg.Type {
	case TypeJoinRoom:
		if strings.TrimSpace(msg.RoomID) == "" {
			return fmt.Errorf("%w: roomId", ErrMissingField)
		}
		if strings.TrimSpace(msg.PlayerName) == "" {
			return fmt.Errorf("%w: playerName", ErrMissingField)
		}
	case TypeDrawingAction:
		a := msg.DrawingAction
		if a == nil {
			return fmt.Errorf("%w: drawingAction", ErrMissingField)
		}
		for _, v := range []float64{a.Size, a.StartX, a.StartY, a.EndX, a.EndY} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.New("drawing action has a non-finite coordinate")
			}
		}
		if a.Size < 0 {
			return fmt.Errorf("negative stroke size %v", a.Size)
		}
	case TypeCanvasUpdate, TypeForceCanvasUpdate:
		if msg.CanvasData == "" {
			return fmt.Errorf("%w: canvasData", ErrMissingField)
		}
	case TypeFloatingImageAdd:
		if msg.ImageID == "" {
			return fmt.Errorf("%w: imageId", ErrMissingField)
		}
		if msg.ImageData == "" {
			return fmt.Errorf("%w: imageData", ErrMissingField)
		}
	case TypeFloatingImageRemove:
		if msg.ImageID == "" {
			return fmt.Errorf("%w: imageId", ErrMissingField)
		}
	}
	return nil
}

// IsKnown reports whether t is part of the protocol
func IsKnown(t MessageType) bool {
	switch t {
	case TypeJoinRoom, TypeLeaveRoom, TypeDrawingAction, TypeCanvasUpdate,
		TypeForceCanvasUpdate, TypeClearCanvas, TypePlayerListUpdate,
		TypeFloatingImageAdd, TypeFloatingImageRemove, TypeError:
		return true
	}
	return false
}

// Relayed reports whether the server forwards the sender's frame verbatim
func Relayed(t MessageType) bool {
	switch t {
	case TypeDrawingAction, TypeCanvasUpdate, TypeForceCanvasUpdate,
		TypeFloatingImageAdd, TypeFloatingImageRemove:
		return true
	}
	return false
}
