package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/sketchroom/internal/db"
	"github.com/manpreetbhatti/sketchroom/internal/ratelimit"
	"github.com/manpreetbhatti/sketchroom/internal/room"
	"github.com/manpreetbhatti/sketchroom/internal/ws"
)

type API struct {
	hub      *ws.Hub
	database *db.Database
	// Per-IP limit on room creation; nil disables it
	createLimiter *ratelimit.KeyedLimiters
	started       time.Time
	logger        zerolog.Logger
}

func New(hub *ws.Hub, database *db.Database, createLimiter *ratelimit.KeyedLimiters, logger zerolog.Logger) *API {
	return &API{
		hub:           hub,
		database:      database,
		createLimiter: createLimiter,
		started:       time.Now(),
		logger:        logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers every HTTP endpoint on r
func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.HealthHandler)
	r.Get("/api/stats", a.StatsHandler)

	r.Route("/api/rooms", func(r chi.Router) {
		r.Post("/create", a.CreateRoomHandler)
		r.Get("/health", a.RoomsHealthHandler)
		r.Get("/status", a.RoomsStatusHandler)
		r.Get("/users", a.RoomsUsersHandler)
		r.Get("/history", a.HistoryHandler)
		r.Get("/{id}", a.GetRoomHandler)
		r.Get("/{id}/history", a.RoomHistoryHandler)
	})

	r.Route("/monitoring", func(r chi.Router) {
		r.Get("/health", a.MonitoringHealthHandler)
		r.Get("/memory", a.MemoryHandler)
		r.Get("/summary", a.SummaryHandler)
	})
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error().Err(err).Msg("error encoding JSON response")
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.RoomCount(),
		"active_players": a.hub.PlayerCount(),
		"active_clients": a.hub.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_rooms"] = dbStats["room_count"]
			stats["total_events"] = dbStats["event_count"]
			stats["total_joins"] = dbStats["join_count"]
		} else {
			a.logger.Warn().Err(err).Msg("failed to read ledger stats")
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

type RoomInfo struct {
	Players     []string `json:"players"`
	PlayerCount int      `json:"playerCount"`
	HasCanvas   bool     `json:"hasCanvas"`
}

type RoomResponse struct {
	ID          string    `json:"id"`
	Players     []string  `json:"players"`
	PlayerCount int       `json:"playerCount"`
	PeakPlayers int       `json:"peakPlayers"`
	HasCanvas   bool      `json:"hasCanvas"`
	ImageCount  int       `json:"imageCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	if a.createLimiter != nil && !a.createLimiter.Allow(clientIP(r)) {
		w.Header().Set("Retry-After", "1")
		a.errorResponse(w, http.StatusTooManyRequests, "Too many rooms created, try again shortly")
		return
	}

	roomID, err := a.hub.CreateRoom(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to create room")
		a.errorResponse(w, http.StatusServiceUnavailable, "Failed to create room")
		return
	}

	a.jsonResponse(w, http.StatusOK, CreateRoomResponse{RoomID: roomID})
}

func (a *API) RoomsHealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Drawing service is running!"))
}

func (a *API) liveRooms() map[string]RoomInfo {
	rooms := make(map[string]RoomInfo)
	for _, rm := range a.hub.Registry().Rooms() {
		members := rm.Members()
		rooms[rm.ID] = RoomInfo{
			Players:     members,
			PlayerCount: len(members),
			HasCanvas:   rm.HasSnapshot(),
		}
	}
	return rooms
}

func (a *API) RoomsStatusHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"activeRooms":  a.hub.RoomCount(),
		"totalPlayers": a.hub.PlayerCount(),
		"rooms":        a.liveRooms(),
	})
}

func (a *API) RoomsUsersHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"totalUsers":  a.hub.PlayerCount(),
		"activeRooms": a.hub.RoomCount(),
		"roomDetails": a.liveRooms(),
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID, err := room.ValidateID(chi.URLParam(r, "id"))
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid room ID")
		return
	}

	rm := a.hub.Registry().Get(roomID)
	if rm == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	members := rm.Members()
	a.jsonResponse(w, http.StatusOK, RoomResponse{
		ID:          rm.ID,
		Players:     members,
		PlayerCount: len(members),
		PeakPlayers: rm.PeakMembers(),
		HasCanvas:   rm.HasSnapshot(),
		ImageCount:  len(rm.Images()),
		CreatedAt:   rm.CreatedAt(),
		UpdatedAt:   rm.UpdatedAt(),
	})
}

// History handlers

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if a.database == nil {
		a.errorResponse(w, http.StatusServiceUnavailable, "History is not available")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.database.ListRooms(limit, offset)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list room history")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []db.RoomRecord{}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  rooms,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) RoomHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if a.database == nil {
		a.errorResponse(w, http.StatusServiceUnavailable, "History is not available")
		return
	}

	roomID, err := room.ValidateID(chi.URLParam(r, "id"))
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid room ID")
		return
	}

	record, err := a.database.GetRoom(roomID)
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if record == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	events, err := a.database.ListEvents(record.ID)
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list events")
		return
	}
	if events == nil {
		events = []db.EventRecord{}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room":   record,
		"events": events,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
