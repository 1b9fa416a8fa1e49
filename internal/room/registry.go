package room

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6

	maxRoomIDLength     = 32
	maxPlayerNameLength = 32
)

var (
	ErrNameTaken         = errors.New("room: player name already taken")
	ErrInvalidRoomID     = errors.New("room: invalid room id")
	ErrInvalidPlayerName = errors.New("room: invalid player name")
)

// Registry is the authoritative room id -> Room mapping. It performs no I/O;
// callers observe its effects through the broadcasts they send.
type Registry struct {
	rooms   map[string]*Room
	newCode func() string
	mu      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		newCode: randomCode,
	}
}

func randomCode() string {
	var b strings.Builder
	b.Grow(codeLength)
	for i := 0; i < codeLength; i++ {
		b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
	}
	return b.String()
}

// NormalizeID canonicalizes a room code so that comparisons are
// case-insensitive
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// ValidateID normalizes id and rejects empty or oversized codes
func ValidateID(id string) (string, error) {
	id = NormalizeID(id)
	if id == "" || utf8.RuneCountInString(id) > maxRoomIDLength {
		return "", ErrInvalidRoomID
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", ErrInvalidRoomID
		}
	}
	return id, nil
}

// NormalizePlayerName strips control characters, trims and length-limits a
// player name
func NormalizePlayerName(name string) (string, error) {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if unicode.IsControl(r) || r == utf8.RuneError {
			continue
		}
		b.WriteRune(r)
	}

	clean := strings.TrimSpace(b.String())
	if clean == "" {
		return "", ErrInvalidPlayerName
	}
	if utf8.RuneCountInString(clean) > maxPlayerNameLength {
		runes := []rune(clean)
		clean = strings.TrimSpace(string(runes[:maxPlayerNameLength]))
	}
	return clean, nil
}

// CreateRoom generates a fresh code, regenerating on collision, and registers
// an empty room under it
func (r *Registry) CreateRoom() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newCode()
	for {
		if _, exists := r.rooms[id]; !exists {
			break
		}
		id = r.newCode()
	}
	r.rooms[id] = NewRoom(id)
	return id
}

// Get returns the room or nil
func (r *Registry) Get(id string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[NormalizeID(id)]
}

// GetOrCreate returns the existing room or registers a new one. created
// reports whether the room did not exist before.
func (r *Registry) GetOrCreate(id string) (room *Room, created bool) {
	id = NormalizeID(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(id)
}

func (r *Registry) getOrCreateLocked(id string) (*Room, bool) {
	if room, ok := r.rooms[id]; ok {
		return room, false
	}
	room := NewRoom(id)
	r.rooms[id] = room
	return room, true
}

// Join adds playerName to the room, creating the room if needed. It fails with
// ErrNameTaken when the name is already a member; idempotent re-joins are the
// caller's concern since only the caller knows which session owns the name.
func (r *Registry) Join(roomID, playerName string) (room *Room, created bool, err error) {
	roomID = NormalizeID(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	room, created = r.getOrCreateLocked(roomID)
	if !room.addMember(playerName) {
		return room, created, ErrNameTaken
	}
	return room, created, nil
}

// Leave removes playerName and destroys the room once it is empty. It returns
// the remaining member count and whether the room was destroyed.
func (r *Registry) Leave(roomID, playerName string) (remaining int, destroyed bool) {
	roomID = NormalizeID(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return 0, false
	}

	remaining = room.removeMember(playerName)
	if remaining == 0 {
		delete(r.rooms, roomID)
		return 0, true
	}
	return remaining, false
}

// ReapUnclaimed removes rooms that were created but never gained a member
// within ttl, returning their ids
func (r *Registry) ReapUnclaimed(ttl time.Duration, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []string
	for id, room := range r.rooms {
		if room.claimedState() || room.MemberCount() > 0 {
			continue
		}
		if now.Sub(room.CreatedAt()) >= ttl {
			delete(r.rooms, id)
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// Rooms returns every live room
func (r *Registry) Rooms() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Count returns the number of live rooms
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// PlayerCount returns the number of members across all rooms
func (r *Registry) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, room := range r.rooms {
		total += room.MemberCount()
	}
	return total
}
