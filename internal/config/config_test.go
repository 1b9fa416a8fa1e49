package config

import (
	"strings"
	"testing"
	"time"
)

func env(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestLoadDefaults(t *testing.T) {
	c, err := load(env(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if c != Default() {
		t.Errorf("Expected defaults, got %+v", c)
	}
	if c.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", c.Port)
	}
}

func TestLoadOverrides(t *testing.T) {
	c, err := load(env(map[string]string{
		"PORT":                           "9000",
		"SKETCHROOM_DB_PATH":             "/tmp/x.db",
		"LOG_FORMAT":                     "json",
		"SKETCHROOM_PONG_WAIT":           "15s",
		"SKETCHROOM_MAX_MESSAGE_BYTES":   "1024",
		"SKETCHROOM_MESSAGES_PER_SECOND": "2.5",
		"SKETCHROOM_MESSAGE_BURST":       " 10 ",
		"SKETCHROOM_CREATE_ROOM_RATE":    "3/7",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if c.Port != "9000" || c.DBPath != "/tmp/x.db" || c.LogFormat != "json" {
		t.Errorf("String overrides not applied: %+v", c)
	}
	if c.PongWait != 15*time.Second {
		t.Errorf("Expected 15s, got %v", c.PongWait)
	}
	if c.MaxMessageBytes != 1024 || c.MessagesPerSecond != 2.5 || c.MessageBurst != 10 {
		t.Errorf("Numeric overrides not applied: %+v", c)
	}
	if c.CreateRoomRate != 3 || c.CreateRoomBurst != 7 {
		t.Errorf("Expected rate 3 burst 7, got %v/%d", c.CreateRoomRate, c.CreateRoomBurst)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"SKETCHROOM_PONG_WAIT", "soon"},
		{"SKETCHROOM_PONG_WAIT", "0s"},
		{"SKETCHROOM_MESSAGE_BURST", "lots"},
		{"SKETCHROOM_CREATE_ROOM_RATE", "1/x"},
		{"LOG_FORMAT", "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			_, err := load(env(map[string]string{tt.key: tt.value}))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Expected error to name %s, got %v", tt.key, err)
			}
		})
	}
}
