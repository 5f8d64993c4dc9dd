// Package browsertest provides a scriptable in-memory browser.Page.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mtzanidakis/indexswap/internal/browser"
	"github.com/mtzanidakis/indexswap/internal/failure"
)

var (
	_ browser.Page     = (*Page)(nil)
	_ browser.Launcher = (*Launcher)(nil)
)

// ErrLost is returned by every operation once a Page is marked lost.
var ErrLost = failure.Wrap(failure.HandleLost, "fake", errors.New("target closed"))

// Page is a fake browser page. The DOM is modelled as a set of selectors
// that currently match; click and goto handlers mutate it to script page
// transitions.
type Page struct {
	mu       sync.Mutex
	url      string
	present  map[string]bool
	options  map[string]map[string]string
	selected map[string]string
	filled   map[string]string
	hidden   map[string]bool
	calls    []string
	lost     bool
	closes   int

	dialogs chan string

	// OnClick handlers run when a selector is clicked. A missing selector
	// fails the click before any handler runs.
	OnClick map[string]func(p *Page) error
	// OnGoto runs on navigation after the URL is updated.
	OnGoto func(p *Page, url string) error
	// TitleDelay delays Title, to simulate a hung browser.
	TitleDelay time.Duration
}

func New() *Page {
	return &Page{
		present:  make(map[string]bool),
		options:  make(map[string]map[string]string),
		selected: make(map[string]string),
		filled:   make(map[string]string),
		hidden:   make(map[string]bool),
		dialogs:  make(chan string, 16),
		OnClick:  make(map[string]func(p *Page) error),
	}
}

// Show makes selectors match.
func (p *Page) Show(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		p.present[s] = true
	}
}

// Remove makes selectors stop matching.
func (p *Page) Remove(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		delete(p.present, s)
	}
}

// ShowOnly replaces the whole DOM with selectors.
func (p *Page) ShowOnly(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.present = make(map[string]bool, len(selectors))
	for _, s := range selectors {
		p.present[s] = true
	}
}

// SetOptions sets the options of the select matched by selector.
func (p *Page) SetOptions(selector string, opts map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.options[selector] = opts
}

func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// PushDialog queues a native dialog.
func (p *Page) PushDialog(msg string) {
	p.dialogs <- msg
}

// Lose makes every later operation fail with ErrLost.
func (p *Page) Lose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lost = true
}

func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Clicked reports how many times selector was clicked.
func (p *Page) Clicked(selector string) int {
	n := 0
	for _, c := range p.Calls() {
		if c == "click "+selector {
			n++
		}
	}
	return n
}

func (p *Page) Filled(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filled[selector]
}

func (p *Page) Selected(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected[selector]
}

func (p *Page) IsHidden(selector string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hidden[selector]
}

// Closes returns how many times Close was called.
func (p *Page) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *Page) record(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	if p.lost {
		return ErrLost
	}
	return nil
}

func (p *Page) Goto(url string) error {
	if err := p.record("goto " + url); err != nil {
		return err
	}
	p.SetURL(url)
	if p.OnGoto != nil {
		return p.OnGoto(p, url)
	}
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Title() (string, error) {
	if p.TitleDelay > 0 {
		time.Sleep(p.TitleDelay)
	}
	if err := p.record("title"); err != nil {
		return "", err
	}
	return "fake", nil
}

func (p *Page) has(selector string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present[selector]
}

func (p *Page) Fill(selector, value string) error {
	if err := p.record("fill " + selector); err != nil {
		return err
	}
	if !p.has(selector) {
		return failure.Wrap(failure.ElementNotFound, "fill", fmt.Errorf("no element %s", selector))
	}
	p.mu.Lock()
	p.filled[selector] = value
	p.mu.Unlock()
	return nil
}

func (p *Page) Click(selector string) error {
	if err := p.record("click " + selector); err != nil {
		return err
	}
	if !p.has(selector) {
		return failure.Wrap(failure.ElementNotFound, "click", fmt.Errorf("no element %s", selector))
	}
	if h := p.OnClick[selector]; h != nil {
		return h(p)
	}
	return nil
}

// WaitFor does not block: the fake DOM never changes between calls.
func (p *Page) WaitFor(selector string, _ time.Duration) error {
	if err := p.record("wait " + selector); err != nil {
		return err
	}
	if !p.has(selector) {
		return failure.Wrap(failure.Timeout, "wait", fmt.Errorf("timeout waiting for %s", selector))
	}
	return nil
}

func (p *Page) Count(selector string) (int, error) {
	if err := p.record("count " + selector); err != nil {
		return 0, err
	}
	if p.has(selector) {
		return 1, nil
	}
	return 0, nil
}

func (p *Page) SelectOption(selector, value string) error {
	if err := p.record("select " + selector + "=" + value); err != nil {
		return err
	}
	if !p.has(selector) {
		return failure.Wrap(failure.ElementNotFound, "select", fmt.Errorf("no element %s", selector))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if opts, ok := p.options[selector]; ok {
		if _, ok := opts[value]; !ok {
			return failure.Wrap(failure.ElementNotFound, "select", fmt.Errorf("no option %s", value))
		}
	}
	p.selected[selector] = value
	return nil
}

func (p *Page) OptionText(selector, value string) (string, bool, error) {
	if err := p.record("option " + selector + "=" + value); err != nil {
		return "", false, err
	}
	if !p.has(selector) {
		return "", false, failure.Wrap(failure.ElementNotFound, "option", fmt.Errorf("no element %s", selector))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	text, ok := p.options[selector][value]
	return text, ok, nil
}

func (p *Page) Hide(selector string) error {
	if err := p.record("hide " + selector); err != nil {
		return err
	}
	if !p.has(selector) {
		return failure.Wrap(failure.ElementNotFound, "hide", fmt.Errorf("no element %s", selector))
	}
	p.mu.Lock()
	p.hidden[selector] = true
	p.mu.Unlock()
	return nil
}

func (p *Page) WaitDialog(ctx context.Context, timeout time.Duration) (string, bool) {
	select {
	case msg := <-p.dialogs:
		return msg, true
	default:
	}
	if timeout <= 0 {
		return "", false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg := <-p.dialogs:
		return msg, true
	case <-t.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	p.lost = true
	return nil
}

// Launcher hands out pages built by NewPage and remembers them.
type Launcher struct {
	mu    sync.Mutex
	pages []*Page
	err   error

	// NewPage builds each launched page. Defaults to New.
	NewPage func(sessionID string) *Page
}

func (l *Launcher) Launch(ctx context.Context, sessionID string) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	build := l.NewPage
	if build == nil {
		build = func(string) *Page { return New() }
	}
	p := build(sessionID)
	l.pages = append(l.pages, p)
	return p, nil
}

// Fail makes later launches return err; nil restores success.
func (l *Launcher) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *Launcher) Pages() []*Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Page(nil), l.pages...)
}
