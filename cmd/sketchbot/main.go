// Command sketchbot is a headless whiteboard client. It joins a room, can
// draw a demo pattern, mirrors everything peers draw and writes the board to
// a PNG when interrupted.
package main

import (
	"context"
	"flag"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/sketchroom/internal/board"
	"github.com/manpreetbhatti/sketchroom/internal/logging"
	"github.com/manpreetbhatti/sketchroom/internal/presence"
	"github.com/manpreetbhatti/sketchroom/internal/protocol"
)

func main() {
	var (
		server   = flag.String("server", "http://localhost:8080", "server HTTP origin")
		roomID   = flag.String("room", "", "room code to join")
		create   = flag.Bool("create", false, "create a new room instead of joining -room")
		name     = flag.String("name", "sketchbot", "player name")
		demo     = flag.Bool("demo", false, "draw a demo pattern after joining")
		output   = flag.String("out", "sketch.png", "PNG written on exit")
		width    = flag.Int("width", 1200, "canvas width")
		height   = flag.Int("height", 800, "canvas height")
		logLevel = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger := logging.Setup(*logLevel, "console")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *create {
		createCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		id, err := presence.CreateRoom(createCtx, nil, *server)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create room")
		}
		*roomID = id
		logger.Info().Str("room", id).Msg("room created")
	}
	if *roomID == "" {
		logger.Fatal().Msg("-room or -create is required")
	}

	cfg := board.DefaultConfig()
	cfg.Width = *width
	cfg.Height = *height
	b := board.New(cfg, logger)

	b.Dial(presence.DefaultConfig(presence.WebsocketURL(*server)))
	if err := b.Join(*roomID, *name); err != nil {
		logger.Fatal().Err(err).Msg("failed to join")
	}

	go watch(ctx, b, logger)

	if *demo {
		if err := drawDemo(b, float64(*width), float64(*height)); err != nil {
			logger.Error().Err(err).Msg("demo drawing failed")
		}
	}

	<-ctx.Done()

	if err := save(b, *output); err != nil {
		logger.Error().Err(err).Str("path", *output).Msg("failed to save canvas")
	} else {
		logger.Info().Str("path", *output).Msg("canvas saved")
	}

	b.Close()
}

func watch(ctx context.Context, b *board.Board, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-b.Notices():
			switch n.Kind {
			case board.NoticeRoster:
				logger.Info().Strs("players", n.Players).Msg("roster")
			case board.NoticeConnection:
				logger.Info().Stringer("state", n.State).Msg("connection")
			case board.NoticeError:
				logger.Warn().Err(n.Err).Msg("notice")
			}
		}
	}
}

// drawDemo draws a spiral, one stroke of short segments, then a spray ring
func drawDemo(b *board.Board, width, height float64) error {
	cx, cy := width/2, height/2
	maxRadius := math.Min(width, height) * 0.4

	const steps = 240
	prevX, prevY := cx, cy
	for i := 1; i <= steps; i++ {
		t := float64(i) / steps
		angle := t * 6 * math.Pi
		x := cx + math.Cos(angle)*maxRadius*t
		y := cy + math.Sin(angle)*maxRadius*t

		err := b.Draw(protocol.DrawingAction{
			Tool:    protocol.ToolBrush,
			Color:   "#1e66f5",
			Size:    4,
			StartX:  prevX,
			StartY:  prevY,
			EndX:    x,
			EndY:    y,
			IsStart: i == 1,
			IsEnd:   i == steps,
		})
		if err != nil {
			return err
		}
		prevX, prevY = x, y
	}

	for i := 0; i < 36; i++ {
		angle := float64(i) * math.Pi / 18
		x := cx + math.Cos(angle)*maxRadius*1.1
		y := cy + math.Sin(angle)*maxRadius*1.1
		err := b.Draw(protocol.DrawingAction{
			Tool:    protocol.ToolSpray,
			Color:   "#d20f39",
			Size:    12,
			StartX:  x,
			StartY:  y,
			EndX:    x,
			EndY:    y,
			IsStart: true,
			IsEnd:   i == 35,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func save(b *board.Board, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := b.Canvas().EncodePNG(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
