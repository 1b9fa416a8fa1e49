package room

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/manpreetbhatti/sketchroom/internal/protocol"
)

func TestCreateRoomGeneratesCode(t *testing.T) {
	registry := NewRegistry()

	id := registry.CreateRoom()
	if len(id) != codeLength {
		t.Errorf("Expected %d character code, got %q", codeLength, id)
	}
	for _, c := range id {
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			t.Errorf("Unexpected character %q in code %q", c, id)
		}
	}

	if registry.Get(id) == nil {
		t.Fatal("Created room should be registered")
	}
}

func TestCreateRoomRegeneratesOnCollision(t *testing.T) {
	registry := NewRegistry()
	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	next := 0
	registry.newCode = func() string {
		code := codes[next]
		next++
		return code
	}

	first := registry.CreateRoom()
	second := registry.CreateRoom()
	if first != "AAAAAA" {
		t.Errorf("Expected first code AAAAAA, got %s", first)
	}
	if second != "BBBBBB" {
		t.Errorf("Expected collision to regenerate to BBBBBB, got %s", second)
	}
	if registry.Count() != 2 {
		t.Errorf("Expected 2 rooms, got %d", registry.Count())
	}
}

func TestGetOrCreateIsCaseInsensitive(t *testing.T) {
	registry := NewRegistry()

	room1, created := registry.GetOrCreate("abc123")
	if !created {
		t.Error("First lookup should create the room")
	}
	room2, created := registry.GetOrCreate(" ABC123 ")
	if created {
		t.Error("Second lookup should reuse the room")
	}
	if room1 != room2 {
		t.Error("Should return same room instance")
	}
	if room1.ID != "ABC123" {
		t.Errorf("Expected normalized id ABC123, got %s", room1.ID)
	}
}

func TestJoinRejectsTakenName(t *testing.T) {
	registry := NewRegistry()

	if _, created, err := registry.Join("ABC123", "Alice"); err != nil || !created {
		t.Fatalf("Expected first join to create room, got created=%v err=%v", created, err)
	}

	room, _, err := registry.Join("abc123", "Alice")
	if !errors.Is(err, ErrNameTaken) {
		t.Errorf("Expected ErrNameTaken, got %v", err)
	}
	if room.MemberCount() != 1 {
		t.Errorf("Expected 1 member, got %d", room.MemberCount())
	}

	if _, _, err := registry.Join("ABC123", "Bob"); err != nil {
		t.Fatalf("Bob should be able to join: %v", err)
	}
	members := registry.Get("ABC123").Members()
	if len(members) != 2 || members[0] != "Alice" || members[1] != "Bob" {
		t.Errorf("Expected members in join order [Alice Bob], got %v", members)
	}
}

func TestLeaveDestroysEmptyRoom(t *testing.T) {
	registry := NewRegistry()
	room, _, _ := registry.Join("ABC123", "Alice")
	room.SetSnapshot("data:image/png;base64,AAAA")
	room.PutImage(protocol.FloatingImage{ID: "img-1", Data: "data:image/png;base64,BBBB"})

	remaining, destroyed := registry.Leave("ABC123", "Alice")
	if remaining != 0 || !destroyed {
		t.Fatalf("Expected room destroyed, got remaining=%d destroyed=%v", remaining, destroyed)
	}
	if registry.Get("ABC123") != nil {
		t.Fatal("Destroyed room should be gone")
	}

	fresh, created, err := registry.Join("ABC123", "Alice")
	if err != nil || !created {
		t.Fatalf("Expected brand-new room, got created=%v err=%v", created, err)
	}
	if fresh.HasSnapshot() {
		t.Error("New room should not inherit the old snapshot")
	}
	if len(fresh.Images()) != 0 {
		t.Error("New room should not inherit floating images")
	}
}

func TestLeaveKeepsOccupiedRoom(t *testing.T) {
	registry := NewRegistry()
	registry.Join("ABC123", "Alice")
	registry.Join("ABC123", "Bob")

	remaining, destroyed := registry.Leave("ABC123", "Bob")
	if remaining != 1 || destroyed {
		t.Errorf("Expected 1 remaining and room kept, got %d/%v", remaining, destroyed)
	}

	if _, destroyed := registry.Leave("NOPE", "Bob"); destroyed {
		t.Error("Leaving an unknown room should be a no-op")
	}
}

func TestFloatingImagesKeepOrder(t *testing.T) {
	room := NewRoom("ABC123")
	room.PutImage(protocol.FloatingImage{ID: "a", X: 1})
	room.PutImage(protocol.FloatingImage{ID: "b", X: 2})
	room.PutImage(protocol.FloatingImage{ID: "c", X: 3})
	room.PutImage(protocol.FloatingImage{ID: "a", X: 10})

	images := room.Images()
	if len(images) != 3 {
		t.Fatalf("Expected 3 images, got %d", len(images))
	}
	if images[0].ID != "a" || images[0].X != 10 {
		t.Errorf("Replaced image should keep its slot with new data, got %+v", images[0])
	}

	if !room.RemoveImage("b") {
		t.Error("Removing existing image should report true")
	}
	if room.RemoveImage("b") {
		t.Error("Removing missing image should report false")
	}
	images = room.Images()
	if len(images) != 2 || images[0].ID != "a" || images[1].ID != "c" {
		t.Errorf("Unexpected order after removal: %+v", images)
	}

	room.Clear()
	if len(room.Images()) != 0 || room.HasSnapshot() {
		t.Error("Clear should drop images and snapshot")
	}
}

func TestReapUnclaimed(t *testing.T) {
	registry := NewRegistry()
	unclaimed := registry.CreateRoom()
	registry.Join("CLAIMD", "Alice")

	if reaped := registry.ReapUnclaimed(time.Hour, time.Now()); len(reaped) != 0 {
		t.Errorf("Nothing should be reaped before the ttl, got %v", reaped)
	}

	reaped := registry.ReapUnclaimed(time.Minute, time.Now().Add(2*time.Minute))
	if len(reaped) != 1 || reaped[0] != unclaimed {
		t.Errorf("Expected %s reaped, got %v", unclaimed, reaped)
	}
	if registry.Get("CLAIMD") == nil {
		t.Error("Occupied room must never be reaped")
	}
}

func TestNormalizePlayerName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"Alice", "Alice", false},
		{"  Bob \n", "Bob", false},
		{"Ca\x00rol", "Carol", false},
		{"   ", "", true},
		{"\x01\x02", "", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, err := NormalizePlayerName(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}

	long, _ := NormalizePlayerName("abcdefghijklmnopqrstuvwxyz0123456789")
	if len([]rune(long)) != maxPlayerNameLength {
		t.Errorf("Expected name truncated to %d runes, got %d", maxPlayerNameLength, len([]rune(long)))
	}
}

func TestValidateID(t *testing.T) {
	if id, err := ValidateID(" abc123 "); err != nil || id != "ABC123" {
		t.Errorf("Expected ABC123, got %q (%v)", id, err)
	}
	if _, err := ValidateID(""); !errors.Is(err, ErrInvalidRoomID) {
		t.Errorf("Expected ErrInvalidRoomID, got %v", err)
	}
	if _, err := ValidateID("AB C"); !errors.Is(err, ErrInvalidRoomID) {
		t.Errorf("Expected ErrInvalidRoomID for inner space, got %v", err)
	}
}

func TestRegistryConcurrency(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			registry.Join("ROOM", fmt.Sprintf("player-%d", i))
		}(i)
	}
	wg.Wait()

	if registry.PlayerCount() != 100 {
		t.Errorf("Expected 100 players, got %d", registry.PlayerCount())
	}
	if registry.Count() != 1 {
		t.Errorf("Expected 1 room, got %d", registry.Count())
	}
}
