// Package canvas is the client-side raster: a gg bitmap that strokes are
// painted onto, plus the floating image overlays kept above it.
package canvas

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/gogpu/gg"

	"github.com/manpreetbhatti/sketchroom/internal/protocol"
)

const (
	DefaultWidth  = 1200
	DefaultHeight = 800

	defaultColor = "#000000"
	minLineWidth = 1

	sprayDensity   = 20
	sprayDotRadius = 1
)

var ErrUnknownTool = errors.New("unknown drawing tool")

// overlay is a floating image together with its decoded pixels
type overlay struct {
	image protocol.FloatingImage
	buf   *gg.ImageBuf
}

// Canvas is safe for concurrent use.
type Canvas struct {
	mu sync.Mutex

	width  int
	height int

	pixmap *gg.Pixmap
	dc     *gg.Context

	// Eraser strokes are rendered here first and used as a mask
	scratch   *gg.Pixmap
	scratchDC *gg.Context

	images []overlay
	rng    *rand.Rand
}

type Option func(*Canvas)

// WithRand sets the source used to scatter spray dots
func WithRand(rng *rand.Rand) Option {
	return func(c *Canvas) {
		c.rng = rng
	}
}

// New creates an empty, fully transparent canvas. Non-positive dimensions
// fall back to the default board size.
func New(width, height int, opts ...Option) *Canvas {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}

	pixmap := gg.NewPixmap(width, height)
	scratch := gg.NewPixmap(width, height)

	c := &Canvas{
		width:     width,
		height:    height,
		pixmap:    pixmap,
		dc:        gg.NewContext(width, height, gg.WithPixmap(pixmap)),
		scratch:   scratch,
		scratchDC: gg.NewContext(width, height, gg.WithPixmap(scratch)),
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Canvas) Width() int {
	return c.width
}

func (c *Canvas) Height() int {
	return c.height
}

// Apply paints one stroke segment
func (c *Canvas) Apply(a protocol.DrawingAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch a.Tool {
	case protocol.ToolBrush, "":
		c.dc.SetHexColor(colorOrDefault(a.Color))
		return stroke(c.dc, a)
	case protocol.ToolEraser:
		return c.erase(a)
	case protocol.ToolSpray:
		return c.spray(a)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTool, a.Tool)
	}
}

// stroke draws a round-capped segment, or a dot when the segment has no length
func stroke(dc *gg.Context, a protocol.DrawingAction) error {
	width := math.Max(a.Size, minLineWidth)

	if a.StartX == a.EndX && a.StartY == a.EndY {
		dc.DrawCircle(a.EndX, a.EndY, width/2)
		return dc.Fill()
	}

	dc.SetLineWidth(width)
	dc.SetLineCap(gg.LineCapRound)
	dc.SetLineJoin(gg.LineJoinRound)
	dc.DrawLine(a.StartX, a.StartY, a.EndX, a.EndY)
	return dc.Stroke()
}

// erase removes coverage along the segment. The stroke is rasterized onto the
// scratch pixmap and its alpha scales the bitmap down (destination-out).
func (c *Canvas) erase(a protocol.DrawingAction) error {
	c.scratchDC.SetRGBA(0, 0, 0, 1)
	if err := stroke(c.scratchDC, a); err != nil {
		return err
	}

	reach := math.Max(a.Size, minLineWidth)/2 + 2
	x0, y0, x1, y1 := c.clampRect(
		math.Min(a.StartX, a.EndX)-reach,
		math.Min(a.StartY, a.EndY)-reach,
		math.Max(a.StartX, a.EndX)+reach,
		math.Max(a.StartY, a.EndY)+reach,
	)

	dst := c.pixmap.Data()
	mask := c.scratch.Data()
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			i := (y*c.width + x) * 4
			ma := uint16(mask[i+3])
			if ma == 0 {
				continue
			}
			keep := 255 - ma
			for k := 0; k < 4; k++ {
				dst[i+k] = uint8(uint16(dst[i+k]) * keep / 255)
				mask[i+k] = 0
			}
		}
	}
	return nil
}

// spray scatters dots around the end point, within size in each axis
func (c *Canvas) spray(a protocol.DrawingAction) error {
	c.dc.SetHexColor(colorOrDefault(a.Color))
	for i := 0; i < sprayDensity; i++ {
		dx := (c.rng.Float64() - 0.5) * a.Size * 2
		dy := (c.rng.Float64() - 0.5) * a.Size * 2
		c.dc.DrawCircle(a.EndX+dx, a.EndY+dy, sprayDotRadius)
	}
	return c.dc.Fill()
}

func (c *Canvas) clampRect(minX, minY, maxX, maxY float64) (int, int, int, int) {
	clamp := func(v float64, limit int) int {
		return max(0, min(int(v), limit))
	}
	return clamp(math.Floor(minX), c.width), clamp(math.Floor(minY), c.height),
		clamp(math.Ceil(maxX), c.width), clamp(math.Ceil(maxY), c.height)
}

// Clear wipes the bitmap and drops every floating image
func (c *Canvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pixmap.Clear(gg.Transparent)
	c.images = nil
}

// DrawnFraction is the share of bitmap pixels with non-zero alpha. Floating
// images are not counted.
func (c *Canvas) DrawnFraction() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := c.pixmap.Data()
	drawn := 0
	for i := 3; i < len(data); i += 4 {
		if data[i] > 0 {
			drawn++
		}
	}
	return float64(drawn) / float64(c.width*c.height)
}

// LoadSnapshot replaces the bitmap with a snapshot drawn at the origin at its
// natural size. Floating images are kept.
func (c *Canvas) LoadSnapshot(dataURL string) error {
	img, _, err := DecodeDataURL(dataURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pixmap.Clear(gg.Transparent)
	c.dc.DrawImageEx(gg.ImageBufFromImage(img), gg.DrawImageOptions{})
	return nil
}

// Snapshot encodes the bitmap, without overlays, as a PNG data URL
func (c *Canvas) Snapshot() (string, error) {
	c.mu.Lock()
	img := c.pixmap.ToImage()
	c.mu.Unlock()

	return EncodePNGDataURL(img)
}

// PutImage adds a floating image, or replaces one with the same ID in place
func (c *Canvas) PutImage(img protocol.FloatingImage) error {
	decoded, _, err := DecodeDataURL(img.Data)
	if err != nil {
		return fmt.Errorf("floating image %s: %w", img.ID, err)
	}
	o := overlay{image: img, buf: gg.ImageBufFromImage(decoded)}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.images {
		if c.images[i].image.ID == img.ID {
			c.images[i] = o
			return nil
		}
	}
	c.images = append(c.images, o)
	return nil
}

func (c *Canvas) RemoveImage(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.images {
		if c.images[i].image.ID == id {
			c.images = append(c.images[:i], c.images[i+1:]...)
			return true
		}
	}
	return false
}

// Images returns the floating images in insertion order
func (c *Canvas) Images() []protocol.FloatingImage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]protocol.FloatingImage, len(c.images))
	for i, o := range c.images {
		out[i] = o.image
	}
	return out
}

// Flatten bakes every floating image into the bitmap and returns how many
// were merged.
func (c *Canvas) Flatten() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	drawOverlays(c.dc, c.images)
	n := len(c.images)
	c.images = nil
	return n
}

func drawOverlays(dc *gg.Context, images []overlay) {
	for _, o := range images {
		dc.DrawImageEx(o.buf, gg.DrawImageOptions{
			X:         o.image.X,
			Y:         o.image.Y,
			DstWidth:  o.image.Width,
			DstHeight: o.image.Height,
		})
	}
}

// Composite renders the bitmap with the floating images on top
func (c *Canvas) Composite() image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.images) == 0 {
		return c.pixmap.ToImage()
	}

	out := gg.NewPixmap(c.width, c.height)
	copy(out.Data(), c.pixmap.Data())
	dc := gg.NewContext(c.width, c.height, gg.WithPixmap(out))
	defer dc.Close()

	drawOverlays(dc, c.images)
	return out.ToImage()
}

// EncodePNG writes the composited board as PNG
func (c *Canvas) EncodePNG(w io.Writer) error {
	return png.Encode(w, c.Composite())
}

func (c *Canvas) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return errors.Join(c.dc.Close(), c.scratchDC.Close())
}

func colorOrDefault(color string) string {
	if color == "" {
		return defaultColor
	}
	return color
}
