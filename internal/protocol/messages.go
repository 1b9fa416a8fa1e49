package protocol

import "strings"

// rosterSeparator joins names in the roster string shown to players
const rosterSeparator = ", "

func NewJoinRoom(roomID, playerName string) *Message {
	return &Message{Type: TypeJoinRoom, RoomID: roomID, PlayerName: playerName}
}

func NewLeaveRoom(roomID, playerName string) *Message {
	return &Message{Type: TypeLeaveRoom, RoomID: roomID, PlayerName: playerName}
}

func NewDrawingAction(roomID string, action DrawingAction) *Message {
	return &Message{Type: TypeDrawingAction, RoomID: roomID, DrawingAction: &action}
}

func NewCanvasUpdate(roomID, canvasData string) *Message {
	return &Message{Type: TypeCanvasUpdate, RoomID: roomID, CanvasData: canvasData}
}

func NewForceCanvasUpdate(roomID, canvasData string) *Message {
	return &Message{Type: TypeForceCanvasUpdate, RoomID: roomID, CanvasData: canvasData}
}

func NewClearCanvas(roomID string) *Message {
	return &Message{Type: TypeClearCanvas, RoomID: roomID}
}

// NewPlayerList builds the roster broadcast. PlayerName carries the formatted
// roster string for clients that only render text.
func NewPlayerList(roomID string, players []string) *Message {
	names := make([]string, len(players))
	copy(names, players)
	return &Message{
		Type:       TypePlayerListUpdate,
		RoomID:     roomID,
		PlayerName: FormatRoster(names),
		Players:    names,
	}
}

func NewFloatingImageAdd(roomID string, img FloatingImage) *Message {
	return &Message{
		Type:        TypeFloatingImageAdd,
		RoomID:      roomID,
		ImageID:     img.ID,
		ImageData:   img.Data,
		ImageX:      img.X,
		ImageY:      img.Y,
		ImageWidth:  img.Width,
		ImageHeight: img.Height,
	}
}

func NewFloatingImageRemove(roomID, imageID string) *Message {
	return &Message{Type: TypeFloatingImageRemove, RoomID: roomID, ImageID: imageID}
}

func NewError(code, text string) *Message {
	return &Message{Type: TypeError, Error: text, Code: code}
}

// FloatingImage is an overlay image tracked separately from the snapshot
type FloatingImage struct {
	ID     string
	Data   string
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// FloatingImage extracts the overlay carried by a FLOATING_IMAGE_ADD frame
func (m *Message) FloatingImage() FloatingImage {
	return FloatingImage{
		ID:     m.ImageID,
		Data:   m.ImageData,
		X:      m.ImageX,
		Y:      m.ImageY,
		Width:  m.ImageWidth,
		Height: m.ImageHeight,
	}
}

// FormatRoster renders player names as "Alice, Bob"
func FormatRoster(players []string) string {
	return strings.Join(players, rosterSeparator)
}

// Roster returns the member names of a PLAYER_LIST_UPDATE. Older servers only
// send the joined string, which is split on commas.
func (m *Message) Roster() []string {
	if len(m.Players) > 0 {
		out := make([]string, len(m.Players))
		copy(out, m.Players)
		return out
	}
	if strings.TrimSpace(m.PlayerName) == "" {
		return nil
	}

	parts := strings.Split(m.PlayerName, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if name := strings.TrimSpace(p); name != "" {
			out = append(out, name)
		}
	}
	return out
}
