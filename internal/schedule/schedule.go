// Package schedule answers whether the registration portal is accepting
// changes, from a set of cron expressions evaluated in the portal's zone.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Window is a set of cron expressions. A minute is open when any expression
// is due at it. An empty Window is always open.
type Window struct {
	exprs []string
	loc   *time.Location
	gron  *gronx.Gronx
}

// NewWindow validates exprs and loads tz. An empty tz means UTC.
func NewWindow(exprs []string, tz string) (*Window, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}

	g := gronx.New()
	clean := make([]string, 0, len(exprs))
	for _, e := range exprs {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !g.IsValid(e) {
			return nil, fmt.Errorf("invalid cron expression: %s", e)
		}
		clean = append(clean, e)
	}
	return &Window{exprs: clean, loc: loc, gron: g}, nil
}

// Always reports whether the window has no restrictions.
func (w *Window) Always() bool { return w == nil || len(w.exprs) == 0 }

// IsOpen reports whether t falls in an open minute.
func (w *Window) IsOpen(t time.Time) bool {
	if w.Always() {
		return true
	}
	ref := t.In(w.loc).Truncate(time.Minute)
	for _, e := range w.exprs {
		if due, err := w.gron.IsDue(e, ref); err == nil && due {
			return true
		}
	}
	return false
}

// NextOpen returns the earliest open minute at or after t. It returns t
// itself when the window is already open, and false when no expression
// yields a next tick.
func (w *Window) NextOpen(t time.Time) (time.Time, bool) {
	if w.IsOpen(t) {
		return t, true
	}
	ref := t.In(w.loc)
	var best time.Time
	for _, e := range w.exprs {
		next, err := gronx.NextTickAfter(e, ref, false)
		if err != nil {
			continue
		}
		if best.IsZero() || next.Before(best) {
			best = next
		}
	}
	return best, !best.IsZero()
}

// Describe returns a short human readable form of the window.
func (w *Window) Describe() string {
	if w.Always() {
		return "always open"
	}
	return strings.Join(w.exprs, ", ") + " (" + w.loc.String() + ")"
}
