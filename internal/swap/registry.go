package swap

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/mtzanidakis/indexswap/internal/store"
)

// stopReason is the status a cancelled run leaves behind if it still owns
// the session.
type stopReason struct {
	status  store.Status
	message string
}

// Task is one orchestration run for a session.
type Task struct {
	RunID   string
	Started time.Time

	cancel context.CancelFunc
	reason atomic.Pointer[stopReason]
	ready  chan bool
	done   chan struct{}
}

func newTask(cancel context.CancelFunc) *Task {
	return &Task{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		cancel:  cancel,
		ready:   make(chan bool, 1),
		done:    make(chan struct{}),
	}
}

// Done is closed when the run has fully exited.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Cancelled() bool { return t.reason.Load() != nil }

// Cancel requests the run to stop as if by the user. It does not wait.
func (t *Task) Cancel() {
	t.stop(store.StatusStopped, MsgStopped)
}

func (t *Task) stop(status store.Status, message string) {
	t.reason.CompareAndSwap(nil, &stopReason{status: status, message: message})
	t.cancel()
}

// Registry maps session ids to their in-flight Task.
type Registry struct {
	tasks cmap.ConcurrentMap[string, *Task]
	locks cmap.ConcurrentMap[string, *sync.Mutex]
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: cmap.New[*Task](),
		locks: cmap.New[*sync.Mutex](),
	}
}

// Lock serializes start, stop and close for sessionID and returns the
// unlock func. Runs never take it.
func (r *Registry) Lock(sessionID string) func() {
	mu := r.locks.Upsert(sessionID, nil, func(exist bool, old, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return old
		}
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}

// Forget drops the lock of a session whose record is gone. Callers hold it.
func (r *Registry) Forget(sessionID string) {
	r.locks.Remove(sessionID)
}

// Register installs t for sessionID. It fails with ErrSwapInProgress when a
// live task is registered. A cancelled task is replaced and returned so the
// caller can wait for it to exit.
func (r *Registry) Register(sessionID string, t *Task) (*Task, error) {
	var (
		prev *Task
		busy bool
	)
	r.tasks.Upsert(sessionID, t, func(exist bool, old, fresh *Task) *Task {
		if !exist {
			return fresh
		}
		if !old.Cancelled() {
			busy = true
			return old
		}
		prev = old
		return fresh
	})
	if busy {
		return nil, ErrSwapInProgress
	}
	return prev, nil
}

// Unregister removes t only if it is still the task registered for
// sessionID.
func (r *Registry) Unregister(sessionID string, t *Task) bool {
	return r.tasks.RemoveCb(sessionID, func(_ string, v *Task, exists bool) bool {
		return exists && v == t
	})
}

func (r *Registry) Get(sessionID string) (*Task, bool) {
	return r.tasks.Get(sessionID)
}

// Cancel cancels the task registered for sessionID, if any, and returns it.
// The task stays registered until its run exits.
func (r *Registry) Cancel(sessionID string) *Task {
	t, ok := r.tasks.Get(sessionID)
	if !ok {
		return nil
	}
	t.Cancel()
	return t
}

// CancelAll cancels every registered task with the given final status and
// returns them.
func (r *Registry) CancelAll(status store.Status, message string) []*Task {
	var out []*Task
	for _, t := range r.tasks.Items() {
		t.stop(status, message)
		out = append(out, t)
	}
	return out
}

func (r *Registry) Count() int {
	return r.tasks.Count()
}
