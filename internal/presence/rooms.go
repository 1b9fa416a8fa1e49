package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

// CreateRoom asks the server's side channel for a fresh room code. baseURL is
// the HTTP origin of the server, e.g. http://localhost:8080.
func CreateRoom(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}

	url := strings.TrimSuffix(baseURL, "/") + "/api/rooms/create"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("create room: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("create room: decode response: %w", err)
	}
	if out.RoomID == "" {
		return "", fmt.Errorf("create room: empty room id")
	}
	return out.RoomID, nil
}

// WebsocketURL derives the drawing endpoint from the server's HTTP origin
func WebsocketURL(baseURL string) string {
	base := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
