package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeRequiresType(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("Expected ErrEmptyFrame, got %v", err)
	}

	if _, err := Decode([]byte(`{"roomId":"ABC123"}`)); !errors.Is(err, ErrMissingType) {
		t.Errorf("Expected ErrMissingType, got %v", err)
	}

	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Malformed frame should fail to decode")
	}
}

func TestDecodeBareErrorFrame(t *testing.T) {
	msg, err := Decode([]byte(`{"error":"Name already taken"}`))
	if err != nil {
		t.Fatalf("Failed to decode error frame: %v", err)
	}
	if msg.Type != TypeError {
		t.Errorf("Expected type %s, got %s", TypeError, msg.Type)
	}
	if msg.Error != "Name already taken" {
		t.Errorf("Expected error text to survive, got %q", msg.Error)
	}
}

func TestDecodeDrawingAction(t *testing.T) {
	raw := `{"type":"DRAWING_ACTION","roomId":"ABC123","drawingAction":{"tool":"brush","color":"#000000","size":5,"startX":0,"startY":0,"endX":10,"endY":10,"isStart":true,"isEnd":false}}`

	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if err := Validate(msg); err != nil {
		t.Fatalf("Expected valid drawing action, got %v", err)
	}

	a := msg.DrawingAction
	if a.Tool != ToolBrush || a.Color != "#000000" || a.Size != 5 {
		t.Errorf("Unexpected stroke style: %+v", a)
	}
	if a.EndX != 10 || a.EndY != 10 || !a.IsStart || a.IsEnd {
		t.Errorf("Unexpected stroke geometry: %+v", a)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		wantErr bool
	}{
		{"join ok", NewJoinRoom("ABC123", "Alice"), false},
		{"join without room", NewJoinRoom(" ", "Alice"), true},
		{"join without name", NewJoinRoom("ABC123", ""), true},
		{"leave needs nothing", &Message{Type: TypeLeaveRoom}, false},
		{"drawing without action", &Message{Type: TypeDrawingAction}, true},
		{"drawing negative size", NewDrawingAction("A", DrawingAction{Size: -1}), true},
		{"canvas without data", &Message{Type: TypeCanvasUpdate}, true},
		{"force canvas ok", NewForceCanvasUpdate("A", "data:image/png;base64,AA=="), false},
		{"image add without data", &Message{Type: TypeFloatingImageAdd, ImageID: "img"}, true},
		{"image remove without id", &Message{Type: TypeFloatingImageRemove}, true},
		{"clear ok", NewClearCanvas("A"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.msg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPlayerListCarriesRoster(t *testing.T) {
	msg := NewPlayerList("ABC123", []string{"Alice", "Bob"})
	if msg.PlayerName != "Alice, Bob" {
		t.Errorf("Expected roster string 'Alice, Bob', got %q", msg.PlayerName)
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if payload["type"] != string(TypePlayerListUpdate) {
		t.Errorf("Expected type PLAYER_LIST_UPDATE, got %v", payload["type"])
	}
	if _, ok := payload["canvasData"]; ok {
		t.Error("Unused fields should be omitted")
	}
}

func TestRosterFallsBackToString(t *testing.T) {
	msg := &Message{Type: TypePlayerListUpdate, PlayerName: "Alice,Bob , Carol"}
	roster := msg.Roster()
	if len(roster) != 3 || roster[0] != "Alice" || roster[1] != "Bob" || roster[2] != "Carol" {
		t.Errorf("Unexpected roster: %v", roster)
	}

	empty := &Message{Type: TypePlayerListUpdate}
	if len(empty.Roster()) != 0 {
		t.Error("Empty roster should have no names")
	}
}

func TestRelayedTypes(t *testing.T) {
	if !Relayed(TypeDrawingAction) || !Relayed(TypeFloatingImageRemove) {
		t.Error("Stroke and image frames should be relayed verbatim")
	}
	if Relayed(TypeClearCanvas) || Relayed(TypeJoinRoom) {
		t.Error("Clear and join frames are built by the server")
	}
	if IsKnown("SOMETHING_ELSE") {
		t.Error("Unknown type reported as known")
	}
}
