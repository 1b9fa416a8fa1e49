package room

import (
	"sync"
	"time"

	"github.com/manpreetbhatti/sketchroom/internal/protocol"
)

// A shared whiteboard. Members are tracked by player name only; the sessions
// holding those names live in the ws hub.
type Room struct {
	ID string

	members     []string
	snapshot    string
	imageOrder  []string
	images      map[string]protocol.FloatingImage
	createdAt   time.Time
	updatedAt   time.Time
	peakMembers int
	claimed     bool
	mu          sync.RWMutex
}

// Creates an empty room with the given (already normalized) ID
func NewRoom(id string) *Room {
	now := time.Now()
	return &Room{
		ID:        id,
		members:   make([]string, 0, 4),
		images:    make(map[string]protocol.FloatingImage),
		createdAt: now,
		updatedAt: now,
	}
}

// Reports whether name is currently a member
func (r *Room) HasMember(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexOf(name) >= 0
}

func (r *Room) indexOf(name string) int {
	for i, m := range r.members {
		if m == name {
			return i
		}
	}
	return -1
}

func (r *Room) addMember(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf(name) >= 0 {
		return false
	}
	r.members = append(r.members, name)
	r.claimed = true
	if len(r.members) > r.peakMembers {
		r.peakMembers = len(r.members)
	}
	r.touch()
	return true
}

// removeMember returns the remaining member count
func (r *Room) removeMember(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(name); i >= 0 {
		r.members = append(r.members[:i], r.members[i+1:]...)
		r.touch()
	}
	return len(r.members)
}

// Returns member names in join order
func (r *Room) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]string, len(r.members))
	copy(members, r.members)
	return members
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) PeakMembers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peakMembers
}

// Replaces the last known full canvas
func (r *Room) SetSnapshot(data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = data
	r.touch()
}

// Returns the last known full canvas, empty if none
func (r *Room) Snapshot() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

func (r *Room) HasSnapshot() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot != ""
}

// Inserts or replaces an overlay image. A replaced image keeps its position
// in the overlay order.
func (r *Room) PutImage(img protocol.FloatingImage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.images[img.ID]; !ok {
		r.imageOrder = append(r.imageOrder, img.ID)
	}
	r.images[img.ID] = img
	r.touch()
}

// Deletes an overlay image, reporting whether it existed
func (r *Room) RemoveImage(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.images[id]; !ok {
		return false
	}
	delete(r.images, id)
	for i, existing := range r.imageOrder {
		if existing == id {
			r.imageOrder = append(r.imageOrder[:i], r.imageOrder[i+1:]...)
			break
		}
	}
	r.touch()
	return true
}

// Returns overlay images in insertion order
func (r *Room) Images() []protocol.FloatingImage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	images := make([]protocol.FloatingImage, 0, len(r.imageOrder))
	for _, id := range r.imageOrder {
		images = append(images, r.images[id])
	}
	return images
}

// Drops the snapshot and every overlay image
func (r *Room) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = ""
	r.images = make(map[string]protocol.FloatingImage)
	r.imageOrder = nil
	r.touch()
}

func (r *Room) CreatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.createdAt
}

func (r *Room) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatedAt
}

// claimedState reports whether the room ever had a member
func (r *Room) claimedState() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.claimed
}

// Caller holds r.mu
func (r *Room) touch() {
	r.updatedAt = time.Now()
}
