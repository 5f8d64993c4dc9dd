package portal

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mtzanidakis/indexswap/internal/browser"
	"github.com/mtzanidakis/indexswap/internal/failure"
)

// Login signs in and leaves the page on the course table. Failures are
// classified LoginFailed, or HandleLost when the page itself is unusable.
func (a *Automator) Login(ctx context.Context, p browser.Page, username, password string) error {
	slog.Debug("navigating to login page")
	if err := a.navigate(ctx, p, a.URLs.Login); err != nil {
		return loginErr(MsgLoginFailed, err)
	}

	slog.Debug("entering username")
	if err := a.submitField(p, a.Loc.Username, username); err != nil {
		return loginErr(MsgLoginFailed, err)
	}

	slog.Debug("entering password")
	if err := a.submitField(p, a.Loc.Password, password); err != nil {
		return loginErr(MsgLoginFailed, err)
	}

	landed, ok := a.awaitURL(ctx, p, a.ElementTimeout, a.URLs.Planner, a.URLs.Timetable)
	if !ok {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.Title(); browser.IsHandleLost(err) {
			return loginErr(MsgLoginFailed, err)
		}
		return failure.New(failure.LoginFailed, "login", MsgLoginFailed)
	}
	slog.Debug("login redirected", "url", p.URL())

	if landed == a.URLs.Timetable {
		if err := p.WaitFor(a.Loc.PlanButton, a.ElementTimeout); err != nil {
			return loginErr(MsgPlanButtonNotFound, err)
		}
		if err := p.Click(a.Loc.PlanButton); err != nil {
			return loginErr(MsgPlanButtonNotFound, err)
		}
	}

	if err := p.WaitFor(a.Loc.CourseTable, a.ElementTimeout); err != nil {
		return loginErr(MsgLoginFailed, err)
	}
	return nil
}

// IsLoggedIn reports whether p still shows the course table. It never fails.
func (a *Automator) IsLoggedIn(ctx context.Context, p browser.Page) bool {
	if ctx.Err() != nil {
		return false
	}
	if strings.Contains(strings.ToLower(p.URL()), a.URLs.LoginMarker) {
		slog.Warn("portal session appears expired, back at login page")
		return false
	}
	n, err := p.Count(a.Loc.CourseTable)
	if err != nil {
		slog.Warn("error checking login status", "error", err)
		return false
	}
	return n > 0
}

func (a *Automator) submitField(p browser.Page, selector, value string) error {
	if err := p.WaitFor(selector, a.ElementTimeout); err != nil {
		return err
	}
	if err := p.Fill(selector, value); err != nil {
		return err
	}
	return p.Click(a.Loc.LoginButton)
}

// navigate loads url, retrying a fixed number of times with a constant delay.
func (a *Automator) navigate(ctx context.Context, p browser.Page, url string) error {
	attempts := a.NavigationRetries
	if attempts < 1 {
		attempts = 1
	}
	op := func() error {
		err := p.Goto(url)
		if browser.IsHandleLost(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(a.RetryDelay), uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		slog.Warn("navigation failed, retrying", "url", url, "in", next, "error", err)
	})
	if err != nil && !browser.IsHandleLost(err) {
		return failure.Wrap(failure.NavigationFailed, "navigate", err)
	}
	return err
}

func loginErr(msg string, err error) error {
	if browser.IsHandleLost(err) {
		return failure.Wrapf(failure.HandleLost, "login", msg, err)
	}
	return failure.Wrapf(failure.LoginFailed, "login", msg, err)
}
