package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mtzanidakis/indexswap/internal/browser"
	"github.com/mtzanidakis/indexswap/internal/failure"
	"github.com/mtzanidakis/indexswap/internal/portal"
	"github.com/mtzanidakis/indexswap/internal/store"
)

var errNextPass = errors.New("modules pending")

// runState is owned by a single run goroutine.
type runState struct {
	id       string
	task     *Task
	username string
	password string
	page     browser.Page
}

func (o *Orchestrator) run(ctx context.Context, id string, t *Task) {
	defer close(t.done)
	defer o.tasks.Unregister(id, t)

	if !<-t.ready {
		return
	}
	defer o.opts.Metrics.Started()()

	short := browser.ShortID(id)
	r := &runState{id: id, task: t}
	defer func() {
		if r.page != nil {
			o.drivers.Release(id, r.page)
		}
		if reason := t.reason.Load(); reason != nil {
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			o.finish(wctx, id, reason.status, reason.message)
			cancel()
		}
		slog.Info("swap run exited", "session", short, "run", t.RunID, "elapsed", time.Since(t.Started).Round(time.Second))
	}()

	sess, err := o.sessions.Get(ctx, id)
	if err != nil {
		slog.Warn("swap session unavailable", "session", short, "error", err)
		return
	}
	password, err := o.codec.Decrypt(sess.EncryptedPassword)
	if err != nil {
		slog.Error("decrypt credentials failed", "session", short, "error", err)
		o.finish(ctx, id, store.StatusError, MsgDecrypt)
		return
	}
	r.username, r.password = sess.Username, password

	if err := o.setMessage(ctx, id, MsgLoggingIn); gone(err) {
		return
	}
	if !o.connect(ctx, r) {
		return
	}
	if err := o.setMessage(ctx, id, MsgLoggedIn); gone(err) {
		return
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(o.opts.PassInterval), ctx)
	err = backoff.RetryNotify(func() error {
		if o.pass(ctx, r) {
			return nil
		}
		return errNextPass
	}, b, func(_ error, next time.Duration) {
		slog.Debug("waiting for next pass", "session", short, "in", next)
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("swap loop ended", "session", short, "error", err)
	}
}

// pass attempts every pending module once. It reports whether the run is
// over.
func (o *Orchestrator) pass(ctx context.Context, r *runState) bool {
	short := browser.ShortID(r.id)

	sess, err := o.sessions.Get(ctx, r.id)
	switch {
	case gone(err):
		slog.Info("session gone, ending swap", "session", short, "error", err)
		return true
	case err != nil:
		if ctx.Err() != nil {
			return true
		}
		slog.Warn("store unavailable, skipping pass", "session", short, "error", err)
		return o.overBudget(r) && o.timeOut(ctx, r)
	}
	if sess.Status != store.StatusProcessing {
		slog.Info("swap no longer processing", "session", short, "status", sess.Status)
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	o.opts.Metrics.Pass()

	if o.overBudget(r) {
		return o.timeOut(ctx, r)
	}

	if w := o.opts.Window; w != nil {
		now := time.Now()
		if !w.IsOpen(now) {
			msg := portal.MsgPortalClosed
			if next, ok := w.NextOpen(now); ok {
				msg += " Next opening " + next.Format("Mon 2 Jan 15:04") + "."
			}
			slog.Info("portal closed, skipping pass", "session", short)
			return gone(o.setMessage(ctx, r.id, msg))
		}
	}

	recovered := false
	if !o.portal.IsLoggedIn(ctx, r.page) {
		if ctx.Err() != nil {
			return true
		}
		slog.Warn("portal session lost, logging in again", "session", short)
		if !o.recover(ctx, r) {
			return true
		}
		recovered = true
	}

	modules := sess.Modules
	for i := 0; i < len(modules); i++ {
		if modules[i].Swapped {
			continue
		}
		if ctx.Err() != nil {
			return true
		}

		slog.Info("processing module", "session", short, "old", modules[i].OldIndex, "candidates", len(modules[i].NewIndexes))
		updated, err := o.portal.PerformModuleSwap(ctx, r.page, modules[i])
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			if recovered || !failure.Is(err, failure.HandleLost) {
				o.finish(ctx, r.id, store.StatusError, MsgBrowserErr+failure.Message(err))
				return true
			}
			slog.Warn("browser handle lost, recovering", "session", short, "error", err)
			if !o.recover(ctx, r) {
				return true
			}
			recovered = true
			i-- // retry the same module
			continue
		}

		modules[i] = updated
		err = o.sessions.Update(ctx, r.id, store.Update{Modules: modules, IfStatus: store.StatusProcessing})
		switch {
		case err == nil:
			o.opts.Events.PublishModule(r.id, i, updated)
		case gone(err):
			return true
		default:
			if ctx.Err() != nil {
				return true
			}
			slog.Warn("failed to persist module progress, ending pass", "session", short, "error", err)
			return false
		}
	}

	if allSwapped(modules) {
		o.finish(ctx, r.id, store.StatusCompleted, MsgCompleted)
		return true
	}
	if o.overBudget(r) {
		return o.timeOut(ctx, r)
	}
	return gone(o.setMessage(ctx, r.id, fmt.Sprintf(MsgWaiting, o.opts.PassInterval)))
}

// connect creates a handle and logs in. On failure it records Error and
// returns false.
func (o *Orchestrator) connect(ctx context.Context, r *runState) bool {
	page, err := o.drivers.Create(ctx, r.id)
	if err != nil {
		if ctx.Err() == nil {
			o.finish(ctx, r.id, store.StatusError, MsgBrowserErr+failure.Message(err))
		}
		return false
	}
	r.page = page

	if err := o.portal.Login(ctx, page, r.username, r.password); err != nil {
		if ctx.Err() != nil {
			return false
		}
		msg := failure.Message(err)
		if failure.Is(err, failure.HandleLost) {
			msg = MsgBrowserErr + msg
		}
		slog.Warn("portal login failed", "session", browser.ShortID(r.id), "error", err)
		o.finish(ctx, r.id, store.StatusError, msg)
		return false
	}
	return true
}

func (o *Orchestrator) recover(ctx context.Context, r *runState) bool {
	o.opts.Metrics.Recovered()
	return o.connect(ctx, r)
}

func (o *Orchestrator) overBudget(r *runState) bool {
	return time.Since(r.task.Started) >= o.opts.TimeBudget
}

// timeOut records TimedOut. While the write keeps failing it reports false
// so the next pass tries again.
func (o *Orchestrator) timeOut(ctx context.Context, r *runState) bool {
	err := o.finish(ctx, r.id, store.StatusTimedOut, MsgTimedOut)
	return err == nil || gone(err) || ctx.Err() != nil
}

// finish moves the session from Processing to a terminal status.
func (o *Orchestrator) finish(ctx context.Context, id string, status store.Status, msg string) error {
	err := o.sessions.Update(ctx, id, store.Update{Status: status, Message: &msg, IfStatus: store.StatusProcessing})
	if err != nil {
		slog.Debug("final status not written", "session", browser.ShortID(id), "status", status, "error", err)
		return err
	}
	slog.Info("swap finished", "session", browser.ShortID(id), "status", status, "message", msg)
	o.opts.Metrics.Finish(string(status))
	o.opts.Events.PublishStatus(id, status, msg)
	return nil
}

func (o *Orchestrator) setMessage(ctx context.Context, id, msg string) error {
	err := o.sessions.Update(ctx, id, store.Update{Message: &msg, IfStatus: store.StatusProcessing})
	if err == nil {
		o.opts.Events.PublishStatus(id, store.StatusProcessing, msg)
	}
	return err
}

// gone reports errors that mean the run no longer owns the session.
func gone(err error) bool {
	return errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrExpired) ||
		errors.Is(err, context.Canceled)
}

func allSwapped(modules []store.Module) bool {
	for _, m := range modules {
		if !m.Swapped {
			return false
		}
	}
	return len(modules) > 0
}
