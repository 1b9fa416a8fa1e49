package canvas

import (
	"github.com/manpreetbhatti/sketchroom/internal/protocol"
)

// DefaultThreshold is the drawn fraction below which a canvas still counts
// as empty and accepts ordinary snapshots.
const DefaultThreshold = 0.01

// Surface is the part of a canvas the reconciler inspects
type Surface interface {
	DrawnFraction() float64
}

// Reconciler decides whether an incoming full-canvas message may overwrite
// local work. Ordinary CANVAS_UPDATE snapshots are last-write-wins, so they
// are only taken while the local canvas is near-empty.
type Reconciler struct {
	threshold float64
}

func NewReconciler(threshold float64) *Reconciler {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Reconciler{threshold: threshold}
}

func (r *Reconciler) Threshold() float64 {
	return r.threshold
}

func (r *Reconciler) ShouldAccept(local Surface, t protocol.MessageType) bool {
	switch t {
	case protocol.TypeClearCanvas, protocol.TypeForceCanvasUpdate:
		return true
	case protocol.TypeCanvasUpdate:
		return local.DrawnFraction() < r.threshold
	}
	return false
}

// Reconcile applies msg to c when it is accepted. It reports whether the
// canvas changed.
func (r *Reconciler) Reconcile(c *Canvas, msg *protocol.Message) (bool, error) {
	if !r.ShouldAccept(c, msg.Type) {
		return false, nil
	}

	if msg.Type == protocol.TypeClearCanvas {
		c.Clear()
		return true, nil
	}
	if err := c.LoadSnapshot(msg.CanvasData); err != nil {
		return false, err
	}
	return true, nil
}
