package db

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrUnknownRoom is returned when an event references a room that was never opened
var ErrUnknownRoom = errors.New("db: no ledger entry for room")

type Database struct {
	db *sql.DB
}

// One lifetime of a room code. Codes can be reused after a room is destroyed,
// so a code may own several records.
type RoomRecord struct {
	ID          int64      `json:"id"`
	RoomID      string     `json:"room_id"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	PeakMembers int        `json:"peak_members"`
	EventCount  int        `json:"event_count"`
}

type EventRecord struct {
	ID         int64     `json:"id"`
	RoomRef    int64     `json:"room_ref"`
	Kind       string    `json:"kind"`
	PlayerName string    `json:"player_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL lets the HTTP handlers read while the recorder writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		opened_at DATETIME NOT NULL,
		closed_at DATETIME,
		close_reason TEXT NOT NULL DEFAULT '',
		peak_members INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_room_id ON rooms(room_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_rooms_closed_at ON rooms(closed_at);

	CREATE TABLE IF NOT EXISTS room_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_ref INTEGER NOT NULL,
		kind TEXT NOT NULL,
		player_name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (room_ref) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_room_events_room_ref ON room_events(room_ref);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room lifecycle

// OpenRoom starts a new ledger record for roomID
func (d *Database) OpenRoom(roomID string, at time.Time) (int64, error) {
	result, err := d.db.Exec(
		"INSERT INTO rooms (room_id, opened_at) VALUES (?, ?)",
		roomID, at.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// CloseRoom closes the most recent open record for roomID
func (d *Database) CloseRoom(roomID, reason string, peakMembers int, at time.Time) error {
	result, err := d.db.Exec(`
		UPDATE rooms SET closed_at = ?, close_reason = ?, peak_members = MAX(peak_members, ?)
		WHERE id = (
			SELECT id FROM rooms WHERE room_id = ? AND closed_at IS NULL
			ORDER BY id DESC LIMIT 1
		)
	`, at.UTC(), reason, peakMembers, roomID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownRoom
	}
	return nil
}

// UpdatePeakMembers raises the peak member count of the open record
func (d *Database) UpdatePeakMembers(roomID string, members int) error {
	_, err := d.db.Exec(`
		UPDATE rooms SET peak_members = MAX(peak_members, ?)
		WHERE room_id = ? AND closed_at IS NULL
	`, members, roomID)
	return err
}

// CloseAbandoned closes every record left open by a previous process. Rooms
// live in memory only, so none of them survived the restart.
func (d *Database) CloseAbandoned(at time.Time) (int64, error) {
	result, err := d.db.Exec(
		"UPDATE rooms SET closed_at = ?, close_reason = 'restart' WHERE closed_at IS NULL",
		at.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetRoom returns the most recent record for roomID, or nil
func (d *Database) GetRoom(roomID string) (*RoomRecord, error) {
	row := d.db.QueryRow(`
		SELECT r.id, r.room_id, r.opened_at, r.closed_at, r.close_reason, r.peak_members,
			(SELECT COUNT(*) FROM room_events e WHERE e.room_ref = r.id)
		FROM rooms r WHERE r.room_id = ?
		ORDER BY r.id DESC LIMIT 1
	`, roomID)

	record, err := scanRoom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (d *Database) ListRooms(limit, offset int) ([]RoomRecord, error) {
	rows, err := d.db.Query(`
		SELECT r.id, r.room_id, r.opened_at, r.closed_at, r.close_reason, r.peak_members,
			(SELECT COUNT(*) FROM room_events e WHERE e.room_ref = r.id)
		FROM rooms r
		ORDER BY r.id DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RoomRecord
	for rows.Next() {
		record, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(s scanner) (*RoomRecord, error) {
	var record RoomRecord
	var closedAt sql.NullTime
	err := s.Scan(
		&record.ID, &record.RoomID, &record.OpenedAt, &closedAt,
		&record.CloseReason, &record.PeakMembers, &record.EventCount,
	)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		record.ClosedAt = &t
	}
	return &record, nil
}

// Events

// RecordEvent appends an event to the latest record of roomID
func (d *Database) RecordEvent(roomID, kind, playerName string, at time.Time) error {
	result, err := d.db.Exec(`
		INSERT INTO room_events (room_ref, kind, player_name, created_at)
		SELECT id, ?, ?, ? FROM rooms WHERE room_id = ?
		ORDER BY id DESC LIMIT 1
	`, kind, playerName, at.UTC(), roomID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownRoom
	}
	return nil
}

func (d *Database) ListEvents(roomRef int64) ([]EventRecord, error) {
	rows, err := d.db.Query(`
		SELECT id, room_ref, kind, player_name, created_at
		FROM room_events WHERE room_ref = ?
		ORDER BY id ASC
	`, roomRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.RoomRef, &e.Kind, &e.PlayerName, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Retention

// PruneClosedBefore deletes closed records (and their events) older than cutoff
func (d *Database) PruneClosedBefore(cutoff time.Time) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM room_events WHERE room_ref IN (
			SELECT id FROM rooms WHERE closed_at IS NOT NULL AND closed_at < ?
		)
	`, cutoff.UTC()); err != nil {
		return 0, err
	}

	result, err := tx.Exec(
		"DELETE FROM rooms WHERE closed_at IS NOT NULL AND closed_at < ?",
		cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount, openCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms WHERE closed_at IS NULL").Scan(&openCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount
	stats["open_room_count"] = openCount

	var eventCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM room_events").Scan(&eventCount); err != nil {
		return nil, err
	}
	stats["event_count"] = eventCount

	var joinCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM room_events WHERE kind = 'player_joined'").Scan(&joinCount); err != nil {
		return nil, err
	}
	stats["join_count"] = joinCount

	return stats, nil
}
