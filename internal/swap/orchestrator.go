// Package swap runs the per-session index swap loop: log in once, then
// attempt every pending module on a fixed interval until all are swapped,
// the time budget runs out, or the user stops it.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/mtzanidakis/indexswap/internal/browser"
	"github.com/mtzanidakis/indexswap/internal/failure"
	"github.com/mtzanidakis/indexswap/internal/metrics"
	"github.com/mtzanidakis/indexswap/internal/store"
)

var (
	ErrSwapInProgress = errors.New("a swap is already in progress for this session")
	ErrBusy           = errors.New("too many swaps running, please try again later")
	ErrInvalidRequest = errors.New("invalid swap request")
)

const (
	MsgQueued     = "Your swap request is being processed"
	MsgLoggingIn  = "Logging into NTU portal..."
	MsgLoggedIn   = "Login successful. Attempting swaps..."
	MsgWaiting    = "Waiting for vacancies. Next attempt in %s."
	MsgCompleted  = "All modules have been successfully swapped."
	MsgTimedOut   = "Time limit reached before completing the swap."
	MsgStopped    = "Swap stopped by user"
	MsgPending    = "Pending..."
	MsgDecrypt    = "Unable to read stored credentials"
	MsgBrowserErr = "Browser error: "
	MsgShutdown   = "Swap interrupted by a service shutdown. Please submit again."
	MsgRestarted  = "Swap interrupted by a service restart. Please submit again."
)

// Portal is the browser automation the orchestrator drives.
type Portal interface {
	Login(ctx context.Context, p browser.Page, username, password string) error
	IsLoggedIn(ctx context.Context, p browser.Page) bool
	PerformModuleSwap(ctx context.Context, p browser.Page, m store.Module) (store.Module, error)
}

// Drivers owns browser handles per session.
type Drivers interface {
	Create(ctx context.Context, sessionID string) (browser.Page, error)
	Release(sessionID string, p browser.Page) bool
	Close(sessionID string)
}

// Sessions is the persisted session record store.
type Sessions interface {
	CreateSession(ctx context.Context, username, encryptedPassword string, numModules int) (*store.Session, error)
	Get(ctx context.Context, id string) (*store.Session, error)
	Update(ctx context.Context, id string, u store.Update) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]store.Session, error)
}

// Codec encrypts stored passwords.
type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Window reports when the portal accepts changes.
type Window interface {
	IsOpen(t time.Time) bool
	NextOpen(t time.Time) (time.Time, bool)
}

// Events receives progress for live subscribers.
type Events interface {
	PublishStatus(sessionID string, status store.Status, message string)
	PublishModule(sessionID string, position int, m store.Module)
}

type Options struct {
	PassInterval time.Duration
	TimeBudget   time.Duration
	MaxSessions  int
	StopGrace    time.Duration

	Window  Window
	Events  Events
	Metrics *metrics.Metrics
}

// ModuleInput is one module of a swap request.
type ModuleInput struct {
	OldIndex   string
	NewIndexes []string
}

// Status is the externally visible progress of a session.
type Status struct {
	Status    store.Status
	Message   string
	StartedAt *time.Time
	Modules   []store.Module
}

type Orchestrator struct {
	sessions Sessions
	codec    Codec
	drivers  Drivers
	portal   Portal
	opts     Options
	tasks    *Registry
	pool     *ants.Pool
	release  sync.Once
}

func New(sessions Sessions, codec Codec, drivers Drivers, p Portal, opts Options) (*Orchestrator, error) {
	if opts.PassInterval <= 0 {
		opts.PassInterval = 5 * time.Minute
	}
	if opts.TimeBudget <= 0 {
		opts.TimeBudget = 2 * time.Hour
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	if opts.Events == nil {
		opts.Events = noEvents{}
	}

	pool, err := ants.NewPool(opts.MaxSessions, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create swap pool: %w", err)
	}

	return &Orchestrator{
		sessions: sessions,
		codec:    codec,
		drivers:  drivers,
		portal:   p,
		opts:     opts,
		tasks:    NewRegistry(),
		pool:     pool,
	}, nil
}

// OpenSession encrypts password and creates a session record.
func (o *Orchestrator) OpenSession(ctx context.Context, username, password string, numModules int) (*store.Session, error) {
	enc, err := o.codec.Encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("encrypt password: %w", err)
	}
	sess, err := o.sessions.CreateSession(ctx, username, enc, numModules)
	if err != nil {
		return nil, err
	}
	slog.Info("session opened", "session", browser.ShortID(sess.ID), "modules", numModules)
	return sess, nil
}

func (o *Orchestrator) SessionInfo(ctx context.Context, id string) (*store.Session, error) {
	return o.sessions.Get(ctx, id)
}

// CloseSession stops any swap and deletes the session.
func (o *Orchestrator) CloseSession(ctx context.Context, id string) error {
	unlock := o.tasks.Lock(id)
	defer unlock()

	o.tasks.Cancel(id)
	o.drivers.Close(id)
	if err := o.sessions.Delete(ctx, id); err != nil {
		return err
	}
	o.tasks.Forget(id)
	slog.Info("session closed", "session", browser.ShortID(id))
	return nil
}

// Expire stops the task and closes the handle of a session that is being
// purged. The record itself is left to the caller.
func (o *Orchestrator) Expire(_ context.Context, id string) {
	unlock := o.tasks.Lock(id)
	defer unlock()
	defer o.tasks.Forget(id)

	if t := o.tasks.Cancel(id); t != nil {
		slog.Info("swap cancelled for expired session", "session", browser.ShortID(id), "run", t.RunID)
	}
	o.drivers.Close(id)
}

func (o *Orchestrator) GetStatus(ctx context.Context, id string) (Status, error) {
	sess, err := o.sessions.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Status:    sess.Status,
		Message:   sess.Message,
		StartedAt: sess.StartedAt,
		Modules:   sess.Modules,
	}, nil
}

// StartSwap validates the request, marks the session Processing and
// schedules the run. A nil error means the run was accepted.
func (o *Orchestrator) StartSwap(ctx context.Context, id string, inputs []ModuleInput) error {
	modules, err := normalize(inputs)
	if err != nil {
		return err
	}
	if _, err := o.sessions.Get(ctx, id); err != nil {
		return err
	}

	unlock := o.tasks.Lock(id)
	defer unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	t := newTask(cancel)
	prev, err := o.tasks.Register(id, t)
	if err != nil {
		cancel()
		return err
	}
	abort := func(err error) error {
		o.tasks.Unregister(id, t)
		cancel()
		close(t.done)
		return err
	}

	if prev != nil {
		slog.Info("superseding cancelled swap", "session", browser.ShortID(id), "previous", prev.RunID)
		select {
		case <-prev.Done():
		case <-ctx.Done():
			return abort(ctx.Err())
		}
	}
	if t.Cancelled() {
		return abort(failure.New(failure.Conflict, "start swap", "Swap was stopped before it started"))
	}

	if err := o.pool.Submit(func() { o.run(runCtx, id, t) }); err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			err = ErrBusy
		}
		return abort(err)
	}

	msg := MsgQueued
	started := t.Started
	err = o.sessions.Update(ctx, id, store.Update{
		Status:    store.StatusProcessing,
		Message:   &msg,
		Modules:   modules,
		StartedAt: &started,
	})
	if err != nil {
		// The run has been submitted; it exits on a false ready.
		t.cancel()
		t.ready <- false
		return err
	}
	o.opts.Events.PublishStatus(id, store.StatusProcessing, msg)
	t.ready <- true

	slog.Info("swap started", "session", browser.ShortID(id), "run", t.RunID, "modules", len(modules))
	return nil
}

// StopSwap cancels any running task, marks the session Stopped and closes
// its handle. It does not fail for a missing task or session. A start for
// the same session waits until the stop is written.
func (o *Orchestrator) StopSwap(ctx context.Context, id string) error {
	unlock := o.tasks.Lock(id)
	defer unlock()

	if t := o.tasks.Cancel(id); t != nil {
		slog.Info("swap cancel requested", "session", browser.ShortID(id), "run", t.RunID)
	}

	msg := MsgStopped
	err := o.sessions.Update(ctx, id, store.Update{Status: store.StatusStopped, Message: &msg})
	switch {
	case err == nil:
		o.opts.Events.PublishStatus(id, store.StatusStopped, msg)
		o.opts.Metrics.Finish(string(store.StatusStopped))
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
		slog.Info("stop requested for missing session", "session", browser.ShortID(id))
	default:
		slog.Warn("failed to persist stop", "session", browser.ShortID(id), "error", err)
	}

	o.drivers.Close(id)
	return nil
}

// MarkOrphans moves sessions left Processing by a previous process to Error.
func (o *Orchestrator) MarkOrphans(ctx context.Context) (int, error) {
	sessions, err := o.sessions.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	msg := MsgRestarted
	for _, s := range sessions {
		if s.Status != store.StatusProcessing {
			continue
		}
		if _, running := o.tasks.Get(s.ID); running {
			continue
		}
		err := o.sessions.Update(ctx, s.ID, store.Update{Status: store.StatusError, Message: &msg, IfStatus: store.StatusProcessing})
		if err == nil {
			n++
		}
	}
	return n, nil
}

// Running returns the number of registered tasks.
func (o *Orchestrator) Running() int {
	return o.tasks.Count()
}

// Shutdown cancels every task and waits for them up to the stop grace or
// ctx, whichever ends first.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	tasks := o.tasks.CancelAll(store.StatusError, MsgShutdown)
	grace := time.NewTimer(o.opts.StopGrace)
	defer grace.Stop()

wait:
	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-grace.C:
			slog.Warn("swap tasks still running at shutdown")
			break wait
		case <-ctx.Done():
			break wait
		}
	}
	o.release.Do(o.pool.Release)
}

func normalize(inputs []ModuleInput) ([]store.Module, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no modules", ErrInvalidRequest)
	}
	modules := make([]store.Module, 0, len(inputs))
	for i, in := range inputs {
		old := strings.TrimSpace(in.OldIndex)
		if old == "" {
			return nil, fmt.Errorf("%w: module %d has no old index", ErrInvalidRequest, i+1)
		}
		var candidates []string
		for _, idx := range in.NewIndexes {
			if idx = strings.TrimSpace(idx); idx != "" {
				candidates = append(candidates, idx)
			}
		}
		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: module %d has no new indexes", ErrInvalidRequest, i+1)
		}
		modules = append(modules, store.Module{
			OldIndex:   old,
			NewIndexes: candidates,
			Message:    MsgPending,
		})
	}
	return modules, nil
}

type noEvents struct{}

func (noEvents) PublishStatus(string, store.Status, string) {}
func (noEvents) PublishModule(string, int, store.Module)    {}
