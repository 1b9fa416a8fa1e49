package board

import (
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/sketchroom/internal/canvas"
	"github.com/manpreetbhatti/sketchroom/internal/protocol"
)

type fakeTransport struct {
	mu     sync.Mutex
	joins  []string
	sent   []*protocol.Message
	leaves int
}

func (f *fakeTransport) Join(roomID, playerName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, roomID+"/"+playerName)
	return nil
}

func (f *fakeTransport) Send(msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
}

func (f *fakeTransport) types() []protocol.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.MessageType, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Type
	}
	return out
}

func (f *fakeTransport) last() *protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func setupTestBoard(t *testing.T) (*Board, *fakeTransport) {
	t.Helper()
	b := New(Config{Width: 100, Height: 100, CheckpointDelay: 20 * time.Millisecond}, zerolog.Nop())
	transport := &fakeTransport{}
	b.Attach(transport)
	t.Cleanup(func() { b.Close() })

	if err := b.Join(" abc123 ", "Alice"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	return b, transport
}

func line(y float64, isEnd bool) protocol.DrawingAction {
	return protocol.DrawingAction{
		Tool: protocol.ToolBrush, Color: "#000000", Size: 6,
		StartX: 0, StartY: y, EndX: 100, EndY: y, IsEnd: isEnd,
	}
}

func imageURL(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{G: 255, A: 255})
		}
	}
	url, err := canvas.EncodePNGDataURL(img)
	if err != nil {
		t.Fatalf("Failed to encode image: %v", err)
	}
	return url
}

func nextNotice(t *testing.T, b *Board, kind NoticeKind) Notice {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-b.Notices():
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for notice kind %d", kind)
		}
	}
}

func TestJoinNormalizesRoom(t *testing.T) {
	b, transport := setupTestBoard(t)

	if b.RoomID() != "ABC123" {
		t.Errorf("Expected ABC123, got %s", b.RoomID())
	}
	if len(transport.joins) != 1 || transport.joins[0] != "ABC123/Alice" {
		t.Errorf("Unexpected joins %v", transport.joins)
	}

	if err := b.Join("   ", "Alice"); err == nil {
		t.Error("Expected an error for an empty room id")
	}
}

func TestSwitchingRoomsClearsCanvas(t *testing.T) {
	b, _ := setupTestBoard(t)
	b.Draw(line(50, false))

	b.Join("ABC123", "Alice")
	if b.Canvas().DrawnFraction() == 0 {
		t.Error("Rejoining the same room must keep the canvas")
	}

	b.Join("XYZ789", "Alice")
	if b.Canvas().DrawnFraction() != 0 {
		t.Error("Joining another room should start from a blank canvas")
	}
}

func TestDrawAppliesLocallyAndSends(t *testing.T) {
	b, transport := setupTestBoard(t)

	a := line(50, false)
	if err := b.Draw(a); err != nil {
		t.Fatalf("Draw failed: %v", err)
	}

	if b.Canvas().DrawnFraction() == 0 {
		t.Error("Expected the stroke on the local canvas")
	}
	msg := transport.last()
	if msg == nil || msg.Type != protocol.TypeDrawingAction || msg.RoomID != "ABC123" {
		t.Fatalf("Expected DRAWING_ACTION for ABC123, got %+v", msg)
	}
	if *msg.DrawingAction != a {
		t.Errorf("Expected %+v, got %+v", a, *msg.DrawingAction)
	}
}

func TestStrokeEndSendsCheckpoint(t *testing.T) {
	b, transport := setupTestBoard(t)

	b.Draw(line(50, false))
	b.Draw(line(60, true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msg := transport.last(); msg.Type == protocol.TypeCanvasUpdate {
			if msg.CanvasData == "" {
				t.Error("Checkpoint should carry canvas data")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected a CANVAS_UPDATE checkpoint, sent %v", transport.types())
}

func TestDrawWithoutRoom(t *testing.T) {
	b := New(Config{Width: 50, Height: 50}, zerolog.Nop())
	defer b.Close()
	b.Attach(&fakeTransport{})

	if err := b.Draw(line(10, false)); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("Expected ErrNotInRoom, got %v", err)
	}
}

func TestInboundDrawingAction(t *testing.T) {
	b, _ := setupTestBoard(t)

	b.HandleMessage(protocol.NewDrawingAction("ABC123", line(50, false)))
	if b.Canvas().DrawnFraction() == 0 {
		t.Error("Expected the peer's stroke on the canvas")
	}

	bad := line(10, false)
	bad.Tool = "laser"
	b.HandleMessage(protocol.NewDrawingAction("ABC123", bad))
	n := nextNotice(t, b, NoticeError)
	if !errors.Is(n.Err, canvas.ErrUnknownTool) {
		t.Errorf("Expected ErrUnknownTool notice, got %v", n.Err)
	}
}

func TestSnapshotReconciliation(t *testing.T) {
	peer := canvas.New(100, 100)
	defer peer.Close()
	peer.Apply(line(20, true))
	snapshot, _ := peer.Snapshot()

	// An empty board bootstraps from the snapshot
	fresh, _ := setupTestBoard(t)
	fresh.HandleMessage(protocol.NewCanvasUpdate("ABC123", snapshot))
	if fresh.Canvas().DrawnFraction() == 0 {
		t.Error("Empty board should accept a snapshot")
	}

	// A busy board keeps its own work
	busy, _ := setupTestBoard(t)
	for y := 0.0; y < 100; y += 10 {
		busy.Draw(line(y, false))
	}
	before := busy.Canvas().DrawnFraction()
	busy.HandleMessage(protocol.NewCanvasUpdate("ABC123", snapshot))
	if busy.Canvas().DrawnFraction() != before {
		t.Error("Busy board should ignore an ordinary snapshot")
	}

	busy.HandleMessage(protocol.NewForceCanvasUpdate("ABC123", snapshot))
	if busy.Canvas().DrawnFraction() >= before {
		t.Error("Forced snapshot should replace local work")
	}

	busy.HandleMessage(protocol.NewClearCanvas("ABC123"))
	if busy.Canvas().DrawnFraction() != 0 {
		t.Error("CLEAR_CANVAS must always apply")
	}
}

func TestClearSendsAndDropsImages(t *testing.T) {
	b, transport := setupTestBoard(t)
	b.Draw(line(50, false))
	b.AddImage(imageURL(t), 10, 10, 0, 0)

	if err := b.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if b.Canvas().DrawnFraction() != 0 || len(b.Canvas().Images()) != 0 {
		t.Error("Clear should wipe strokes and images")
	}
	if msg := transport.last(); msg.Type != protocol.TypeClearCanvas || msg.RoomID != "ABC123" {
		t.Errorf("Expected CLEAR_CANVAS, got %+v", msg)
	}
}

func TestFloatingImageLifecycle(t *testing.T) {
	b, transport := setupTestBoard(t)

	id, err := b.AddImage(imageURL(t), 10, 10, 16, 16)
	if err != nil {
		t.Fatalf("AddImage failed: %v", err)
	}
	if len(id) != 27 {
		t.Errorf("Expected a 27 character ksuid, got %q", id)
	}
	add := transport.last()
	if add.Type != protocol.TypeFloatingImageAdd || add.ImageID != id || add.ImageWidth != 16 {
		t.Errorf("Unexpected add frame %+v", add)
	}

	if err := b.RemoveImage(id); err != nil {
		t.Fatalf("RemoveImage failed: %v", err)
	}
	if remove := transport.last(); remove.Type != protocol.TypeFloatingImageRemove || remove.ImageID != id {
		t.Errorf("Unexpected remove frame %+v", remove)
	}
	if err := b.RemoveImage(id); err == nil {
		t.Error("Removing twice should fail")
	}

	// Inbound overlays from peers
	peerImage := protocol.FloatingImage{ID: NewImageID(), Data: imageURL(t), X: 50, Y: 50}
	b.HandleMessage(protocol.NewFloatingImageAdd("ABC123", peerImage))
	if images := b.Canvas().Images(); len(images) != 1 || images[0].ID != peerImage.ID {
		t.Fatalf("Expected the peer image, got %+v", images)
	}
	b.HandleMessage(protocol.NewFloatingImageRemove("ABC123", peerImage.ID))
	if len(b.Canvas().Images()) != 0 {
		t.Error("Expected the peer image removed")
	}
}

func TestFlatten(t *testing.T) {
	b, transport := setupTestBoard(t)

	if n, err := b.Flatten(); n != 0 || err != nil {
		t.Errorf("Flatten with no images: n=%d err=%v", n, err)
	}

	first, _ := b.AddImage(imageURL(t), 10, 10, 0, 0)
	second, _ := b.AddImage(imageURL(t), 60, 60, 0, 0)

	n, err := b.Flatten()
	if err != nil || n != 2 {
		t.Fatalf("Expected 2 flattened images, n=%d err=%v", n, err)
	}
	if b.Canvas().DrawnFraction() == 0 {
		t.Error("Flattened images should be in the bitmap")
	}

	transport.mu.Lock()
	sent := transport.sent[len(transport.sent)-3:]
	transport.mu.Unlock()

	if sent[0].Type != protocol.TypeForceCanvasUpdate || sent[0].CanvasData == "" {
		t.Errorf("Expected FORCE_CANVAS_UPDATE first, got %+v", sent[0])
	}
	if sent[1].ImageID != first || sent[2].ImageID != second {
		t.Errorf("Expected removals of %s and %s, got %s and %s", first, second, sent[1].ImageID, sent[2].ImageID)
	}
}

func TestRosterAndErrorNotices(t *testing.T) {
	b, _ := setupTestBoard(t)

	b.HandleMessage(protocol.NewPlayerList("ABC123", []string{"Alice", "Bob"}))
	n := nextNotice(t, b, NoticeRoster)
	if len(n.Players) != 2 || n.Players[1] != "Bob" {
		t.Errorf("Unexpected roster notice %+v", n)
	}
	if roster := b.Roster(); len(roster) != 2 {
		t.Errorf("Expected roster of 2, got %v", roster)
	}

	b.HandleMessage(protocol.NewError(protocol.CodeNameTaken, "name already taken"))
	n = nextNotice(t, b, NoticeError)
	var serverErr *ServerError
	if !errors.As(n.Err, &serverErr) || serverErr.Code != protocol.CodeNameTaken {
		t.Errorf("Expected name_taken server error, got %v", n.Err)
	}
}

func TestRosterForAnotherRoomIgnored(t *testing.T) {
	b, _ := setupTestBoard(t)
	b.HandleMessage(protocol.NewPlayerList("ABC123", []string{"Alice"}))
	nextNotice(t, b, NoticeRoster)

	if err := b.Join("XYZ789", "Alice"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	b.HandleMessage(protocol.NewPlayerList("ABC123", []string{"Alice", "Bob"}))

	if roster := b.Roster(); len(roster) != 0 {
		t.Errorf("Expected no roster before the new room confirms, got %v", roster)
	}
	select {
	case n := <-b.Notices():
		if n.Kind == NoticeRoster {
			t.Errorf("Unexpected roster notice for the old room: %+v", n)
		}
	default:
	}

	b.HandleMessage(protocol.NewPlayerList("xyz789", []string{"Alice", "Carol"}))
	n := nextNotice(t, b, NoticeRoster)
	if len(n.Players) != 2 || n.Players[1] != "Carol" {
		t.Errorf("Expected the new room's roster, got %+v", n)
	}
}

func TestErrorFieldOnUnknownTypeSurfaced(t *testing.T) {
	b, _ := setupTestBoard(t)

	msg, err := protocol.Decode([]byte(`{"type":"SOMETHING_NEW","error":"room is full"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	b.HandleMessage(msg)

	n := nextNotice(t, b, NoticeError)
	var serverErr *ServerError
	if !errors.As(n.Err, &serverErr) || serverErr.Text != "room is full" {
		t.Errorf("Expected the error text to be surfaced, got %v", n.Err)
	}

	b.HandleMessage(&protocol.Message{Type: "SOMETHING_ELSE"})
	select {
	case n := <-b.Notices():
		t.Errorf("Unknown frame without an error should be ignored, got %+v", n)
	default:
	}
}

func TestNoticesNeverBlock(t *testing.T) {
	b, _ := setupTestBoard(t)

	done := make(chan struct{})
	go func() {
		for i := 0; i < noticeBufferSize*3; i++ {
			b.HandleMessage(protocol.NewError(protocol.CodeRateLimited, "slow down"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleMessage blocked on an unread notice channel")
	}
}

func TestLeaveClearsState(t *testing.T) {
	b, transport := setupTestBoard(t)
	b.HandleMessage(protocol.NewPlayerList("ABC123", []string{"Alice"}))

	b.Leave()

	if b.RoomID() != "" || len(b.Roster()) != 0 {
		t.Error("Leave should forget the room and roster")
	}
	if transport.leaves != 1 {
		t.Errorf("Expected one transport Leave, got %d", transport.leaves)
	}
	if err := b.Clear(); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("Expected ErrNotInRoom after Leave, got %v", err)
	}
}
