package observe

import (
	"context"
	"maps"
	"slices"
	"sync/atomic"
)

type captureKey struct{}

// Capture receives the finished timeline of the next run made with its context.
type Capture struct {
	tl atomic.Pointer[Timeline]
}

// Timeline returns the captured timeline, or nil until the run completes.
func (c *Capture) Timeline() *Timeline {
	if c == nil {
		return nil
	}
	return c.tl.Load()
}

// Publish stores a copy of tl. Later calls replace the stored timeline.
func (c *Capture) Publish(tl Timeline) {
	if c == nil {
		return
	}
	cp := tl
	cp.Attempts = slices.Clone(tl.Attempts)
	cp.Attributes = maps.Clone(tl.Attributes)
	c.tl.Store(&cp)
}

// RecordTimeline returns a context that requests timeline capture for the
// next run, and the Capture that will hold the result.
func RecordTimeline(ctx context.Context) (context.Context, *Capture) {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Capture{}
	return context.WithValue(ctx, captureKey{}, c), c
}

// CaptureFromContext returns the capture requested on ctx, if any.
func CaptureFromContext(ctx context.Context) (*Capture, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(captureKey{}).(*Capture)
	return c, ok && c != nil
}

// WithoutCapture hides any capture on ctx. Attempt contexts carry this so a
// nested run does not overwrite the outer call's timeline.
func WithoutCapture(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, captureKey{}, (*Capture)(nil))
}
