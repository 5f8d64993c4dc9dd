// Package browser owns the per-session automation handles: one browser page
// per session, created by a Launcher and tracked by a Manager.
package browser

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mtzanidakis/indexswap/internal/failure"
)

// Page is a live automation handle. Selectors use Playwright selector
// syntax (CSS by default, "xpath=" prefix for XPath).
//
// Implementations classify their errors with the failure package: an
// unusable handle yields failure.HandleLost, an expired wait failure.Timeout.
type Page interface {
	Goto(url string) error
	URL() string
	Title() (string, error)

	Fill(selector, value string) error
	Click(selector string) error
	// WaitFor waits until selector is attached to the DOM.
	WaitFor(selector string, timeout time.Duration) error
	// Count returns how many elements match selector right now.
	Count(selector string) (int, error)

	SelectOption(selector, value string) error
	// OptionText returns the text of the <option value=value> inside the
	// select matched by selector, and whether such an option exists.
	OptionText(selector, value string) (string, bool, error)
	Hide(selector string) error

	// WaitDialog returns the message of the next native dialog, which has
	// already been accepted. ok is false if none shows up within timeout.
	WaitDialog(ctx context.Context, timeout time.Duration) (msg string, ok bool)

	Close() error
}

// Launcher starts a fresh Page for a session.
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (Page, error)
}

var lostMarkers = []string{
	"target closed",
	"target page, context or browser has been closed",
	"browser has been closed",
	"browser has disconnected",
	"connection closed",
	"websocket closed",
	"session closed",
}

// IsHandleLost reports whether err shows the handle itself is unusable, as
// opposed to the page merely being in an unexpected state.
func IsHandleLost(err error) bool {
	if err == nil {
		return false
	}
	if failure.Is(err, failure.HandleLost) || errors.Is(err, errHandleClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range lostMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

var errHandleClosed = errors.New("browser handle closed")

// Ping runs a cheap liveness query bounded by timeout.
func Ping(ctx context.Context, p Page, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := p.Title()
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return failure.Wrap(failure.HandleLost, "ping", ctx.Err())
	}
}
