// Package preview computes how the live preview is presented for a rotation
// setting. It never touches frame data; the capture path rotates pixels
// separately in package transform.
package preview

import (
	"fmt"
	"sync"
	"time"

	"github.com/hpungsan/bookreader/internal/transform"
)

// Debounce is the quiet window for rotation updates.
const Debounce = 50 * time.Millisecond

// Style is the visual state of the preview element and its container.
type Style struct {
	// Transform is a CSS transform, empty for no rotation.
	Transform string `json:"transform"`
	// TransformOrigin is "center center" when rotated, else empty.
	TransformOrigin string `json:"transform_origin"`
	// AspectRatio is the container ratio: "16/9" or "9/16".
	AspectRatio string `json:"aspect_ratio"`
	// Rotation is the rotation the style was computed for.
	Rotation transform.Rotation `json:"rotation"`
}

// Portrait reports whether the container is taller than wide.
func (s Style) Portrait() bool {
	return s.AspectRatio == "9/16"
}

// StyleFor computes the preview style for a rotation.
func StyleFor(rot transform.Rotation) Style {
	s := Style{AspectRatio: "16/9", Rotation: rot}
	if rot.Swaps() {
		s.AspectRatio = "9/16"
	}
	if rot != transform.Rotate0 {
		s.Transform = fmt.Sprintf("rotate(%ddeg)", int(rot))
		s.TransformOrigin = "center center"
	}
	return s
}

// Surface receives style updates. The web dashboard is one; tests use a
// recorder.
type Surface interface {
	ApplyStyle(Style)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(Style)

// ApplyStyle calls f(s).
func (f SurfaceFunc) ApplyStyle(s Style) { f(s) }

// Display tracks the last applied rotation and pushes styles to a Surface.
type Display struct {
	surface   Surface
	coalescer *Coalescer

	mu      sync.Mutex
	applied bool
	current transform.Rotation
	wanted  transform.Rotation
}

// NewDisplay returns a Display that debounces requests by quiet.
func NewDisplay(surface Surface, quiet time.Duration) *Display {
	return &Display{
		surface:   surface,
		coalescer: NewCoalescer(quiet),
	}
}

// Request schedules rot to be applied after the quiet window. Rapid calls
// collapse to the last one. Repeating the rotation that is already pending
// keeps the running window.
func (d *Display) Request(rot transform.Rotation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wanted == rot && d.coalescer.Pending() {
		return
	}
	d.wanted = rot
	d.coalescer.Schedule(func() { d.Apply(rot) })
}

// Pending reports whether rot is waiting for the quiet window.
func (d *Display) Pending(rot transform.Rotation) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wanted == rot && d.coalescer.Pending()
}

// Apply applies rot immediately. It returns false and leaves the surface
// untouched when rot is already applied.
func (d *Display) Apply(rot transform.Rotation) bool {
	d.mu.Lock()
	if d.applied && d.current == rot {
		d.mu.Unlock()
		return false
	}
	d.applied = true
	d.current = rot
	d.mu.Unlock()

	if d.surface != nil {
		d.surface.ApplyStyle(StyleFor(rot))
	}
	return true
}

// Current returns the applied rotation and its style. ok is false before
// the first Apply.
func (d *Display) Current() (style Style, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.applied {
		return StyleFor(transform.Rotate0), false
	}
	return StyleFor(d.current), true
}

// Applied reports whether rot is the last applied rotation.
func (d *Display) Applied(rot transform.Rotation) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied && d.current == rot
}

// Flush applies a pending request now.
func (d *Display) Flush() {
	d.coalescer.Flush()
}

// Stop drops any pending request.
func (d *Display) Stop() {
	d.coalescer.Stop()
}
