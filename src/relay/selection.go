package relay

import (
	"context"
	"errors"

	"tryon-relay/src/screenshot"
)

// ErrSelectionAbandoned is returned when the user dismisses the affordance
// without selecting an area.
var ErrSelectionAbandoned = errors.New("selection abandoned")

// Selection tracks one drag gesture in overlay coordinates. Origin is the
// overlay's position on the virtual screen and is added to the result.
type Selection struct {
	Origin screenshot.Point

	anchor   screenshot.Point
	current  screenshot.Point
	dragging bool
}

// Press anchors the rectangle.
func (s *Selection) Press(p screenshot.Point) {
	s.anchor = p
	s.current = p
	s.dragging = true
}

// Drag moves the free corner and returns the rectangle being drawn.
func (s *Selection) Drag(p screenshot.Point) (screenshot.Region, bool) {
	if !s.dragging {
		return screenshot.Region{}, false
	}
	s.current = p
	return s.region(), true
}

// Release ends the gesture. A release without a drag in progress, or one
// that encloses no area, yields no region.
func (s *Selection) Release(p screenshot.Point) (screenshot.Region, bool) {
	if !s.dragging {
		return screenshot.Region{}, false
	}
	s.current = p
	s.dragging = false
	r := s.region()
	if r.Empty() {
		return screenshot.Region{}, false
	}
	return r, true
}

// Cancel drops a gesture in progress.
func (s *Selection) Cancel() { s.dragging = false }

func (s *Selection) Dragging() bool { return s.dragging }

// region normalizes anchor and current so the origin is the top-left corner.
func (s *Selection) region() screenshot.Region {
	return screenshot.Region{
		X:      min(s.anchor.X, s.current.X) + s.Origin.X,
		Y:      min(s.anchor.Y, s.current.Y) + s.Origin.Y,
		Width:  abs(s.current.X - s.anchor.X),
		Height: abs(s.current.Y - s.anchor.Y),
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// PointerKind is the kind of a pointer event fed to a GestureSelector.
type PointerKind int

const (
	PointerPress PointerKind = iota
	PointerMove
	PointerRelease
	PointerEscape
)

type PointerEvent struct {
	Kind PointerKind
	At   screenshot.Point
}

// Selector shows the selection affordance and returns the chosen region.
// The affordance is removed before Select returns.
type Selector interface {
	Select(ctx context.Context) (screenshot.Region, error)
}

// GestureSelector turns a stream of pointer events into a region.
type GestureSelector struct {
	Events <-chan PointerEvent
	Origin screenshot.Point
	// OnDrag, if set, is called with the rectangle while it is drawn.
	OnDrag func(screenshot.Region)
}

func (g *GestureSelector) Select(ctx context.Context) (screenshot.Region, error) {
	sel := Selection{Origin: g.Origin}
	for {
		select {
		case <-ctx.Done():
			return screenshot.Region{}, ctx.Err()
		case ev, ok := <-g.Events:
			if !ok {
				return screenshot.Region{}, ErrSelectionAbandoned
			}
			switch ev.Kind {
			case PointerPress:
				sel.Press(ev.At)
			case PointerMove:
				if r, ok := sel.Drag(ev.At); ok && g.OnDrag != nil {
					g.OnDrag(r)
				}
			case PointerRelease:
				if r, ok := sel.Release(ev.At); ok {
					return r, nil
				}
			case PointerEscape:
				sel.Cancel()
				return screenshot.Region{}, ErrSelectionAbandoned
			}
		}
	}
}

// FixedSelector always selects the same region, for unattended capture.
type FixedSelector struct {
	Region screenshot.Region
}

func (f FixedSelector) Select(ctx context.Context) (screenshot.Region, error) {
	if err := ctx.Err(); err != nil {
		return screenshot.Region{}, err
	}
	if f.Region.Empty() {
		return screenshot.Region{}, ErrSelectionAbandoned
	}
	return f.Region, nil
}
