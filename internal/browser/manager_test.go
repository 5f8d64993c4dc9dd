package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/indexswap/internal/browser"
	"github.com/mtzanidakis/indexswap/internal/browser/browsertest"
	"github.com/mtzanidakis/indexswap/internal/failure"
)

func TestCreateReplacesPreviousHandle(t *testing.T) {
	l := &browsertest.Launcher{}
	m := browser.NewManager(l, time.Hour, time.Second)
	ctx := context.Background()

	first, err := m.Create(ctx, "session-a")
	require.NoError(t, err)
	second, err := m.Create(ctx, "session-a")
	require.NoError(t, err)

	assert.Equal(t, 1, m.Count())
	pages := l.Pages()
	require.Len(t, pages, 2)
	assert.Equal(t, 1, pages[0].Closes(), "previous handle must be closed")
	assert.Equal(t, 0, pages[1].Closes())

	got, err := m.Get("session-a")
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.NotSame(t, first, got)
}

func TestGetMissing(t *testing.T) {
	m := browser.NewManager(&browsertest.Launcher{}, time.Hour, time.Second)
	_, err := m.Get("nope")
	assert.True(t, failure.Is(err, failure.NotFound))
}

func TestCreateLaunchFailure(t *testing.T) {
	l := &browsertest.Launcher{}
	l.Fail(errors.New("chromium missing"))
	m := browser.NewManager(l, time.Hour, time.Second)

	_, err := m.Create(context.Background(), "s")
	require.Error(t, err)
	assert.Equal(t, failure.HandleInitFailed, failure.KindOf(err))
	assert.Equal(t, 0, m.Count())
}

func TestCloseIsIdempotent(t *testing.T) {
	l := &browsertest.Launcher{}
	m := browser.NewManager(l, time.Hour, time.Second)

	_, err := m.Create(context.Background(), "s")
	require.NoError(t, err)

	m.Close("s")
	m.Close("s")
	m.Close("never-created")

	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 1, l.Pages()[0].Closes())
}

func TestReleaseOnlyClosesTrackedHandle(t *testing.T) {
	l := &browsertest.Launcher{}
	m := browser.NewManager(l, time.Hour, time.Second)
	ctx := context.Background()

	old, err := m.Create(ctx, "s")
	require.NoError(t, err)
	current, err := m.Create(ctx, "s")
	require.NoError(t, err)

	// The old handle was already closed by Create; releasing it is a no-op.
	assert.False(t, m.Release("s", old))
	assert.Equal(t, 1, m.Count())

	assert.True(t, m.Release("s", current))
	assert.False(t, m.Release("s", current))
	assert.Equal(t, 0, m.Count())

	for _, p := range l.Pages() {
		assert.Equal(t, 1, p.Closes())
	}
}

func TestConcurrentCreateKeepsOneHandle(t *testing.T) {
	l := &browsertest.Launcher{}
	m := browser.NewManager(l, time.Hour, time.Second)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Create(context.Background(), "s")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, m.Count())
	open := 0
	for _, p := range l.Pages() {
		if p.Closes() == 0 {
			open++
		}
	}
	assert.Equal(t, 1, open, "exactly one handle may stay open")
}

func TestSweepEvictsDeadHandles(t *testing.T) {
	l := &browsertest.Launcher{}
	m := browser.NewManager(l, time.Hour, 50*time.Millisecond)
	ctx := context.Background()

	var evicted []string
	m.OnEvict = func(id string) { evicted = append(evicted, id) }

	_, err := m.Create(ctx, "alive")
	require.NoError(t, err)
	_, err = m.Create(ctx, "crashed")
	require.NoError(t, err)
	_, err = m.Create(ctx, "hung")
	require.NoError(t, err)

	pages := l.Pages()
	pages[1].Lose()
	pages[2].TitleDelay = 500 * time.Millisecond

	got := m.Sweep(ctx)
	assert.ElementsMatch(t, []string{"crashed", "hung"}, got)
	assert.ElementsMatch(t, []string{"crashed", "hung"}, evicted)
	assert.Equal(t, 1, m.Count())

	_, err = m.Get("alive")
	assert.NoError(t, err)
	assert.Equal(t, 1, pages[1].Closes())
	assert.Equal(t, 1, pages[2].Closes())
}

func TestCloseAll(t *testing.T) {
	l := &browsertest.Launcher{}
	m := browser.NewManager(l, time.Hour, time.Second)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Create(ctx, id)
		require.NoError(t, err)
	}
	m.CloseAll()

	assert.Equal(t, 0, m.Count())
	for _, p := range l.Pages() {
		assert.Equal(t, 1, p.Closes())
	}
}

func TestIsHandleLost(t *testing.T) {
	assert.True(t, browser.IsHandleLost(browsertest.ErrLost))
	assert.True(t, browser.IsHandleLost(errors.New("Target page, context or browser has been closed")))
	assert.False(t, browser.IsHandleLost(errors.New("element not visible")))
	assert.False(t, browser.IsHandleLost(nil))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcdefgh", browser.ShortID("abcdefghijkl"))
	assert.Equal(t, "abc", browser.ShortID("abc"))
}
