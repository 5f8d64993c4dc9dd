package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/mtzanidakis/indexswap/internal/config"
	"github.com/mtzanidakis/indexswap/internal/failure"
)

// Runtime wraps the Playwright driver process shared by all handles.
type Runtime struct {
	pw  *playwright.Playwright
	cfg config.BrowserConfig
}

// StartRuntime starts the Playwright driver, installing it first when
// configured. Browsers are only installed for the local backend.
func StartRuntime(cfg config.BrowserConfig) (*Runtime, error) {
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if cfg.Backend == "docker" {
		opts.SkipInstallBrowsers = true
	}

	if cfg.Install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	return &Runtime{pw: pw, cfg: cfg}, nil
}

func (r *Runtime) Stop() error {
	return r.pw.Stop()
}

// Launch starts a local headless Chromium with a single page.
func (r *Runtime) Launch(timeouts PageTimeouts) (Page, error) {
	headless := r.cfg.Headless
	browser, err := r.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &headless,
		Args:     r.cfg.Args,
	})
	if err != nil {
		return nil, failure.Wrap(failure.HandleInitFailed, "launch chromium", err)
	}
	return r.newPage(browser, timeouts, nil)
}

// Connect attaches to a remote Playwright server at wsEndpoint. onClose runs
// after the remote browser is closed.
func (r *Runtime) Connect(wsEndpoint string, timeouts PageTimeouts, onClose func()) (Page, error) {
	browser, err := r.pw.Chromium.Connect(wsEndpoint)
	if err != nil {
		return nil, failure.Wrap(failure.HandleInitFailed, "connect chromium", err)
	}
	return r.newPage(browser, timeouts, onClose)
}

func (r *Runtime) newPage(browser playwright.Browser, timeouts PageTimeouts, onClose func()) (Page, error) {
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  r.cfg.ViewportWidth,
			Height: r.cfg.ViewportHeight,
		},
	})
	if err != nil {
		browser.Close()
		return nil, failure.Wrap(failure.HandleInitFailed, "create context", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, failure.Wrap(failure.HandleInitFailed, "create page", err)
	}
	page.SetDefaultTimeout(ms(timeouts.Element))
	page.SetDefaultNavigationTimeout(ms(timeouts.Navigation))

	p := &pwPage{
		browser: browser,
		context: bctx,
		page:    page,
		dialogs: make(chan string, 8),
		onClose: onClose,
	}
	page.OnDialog(p.handleDialog)
	return p, nil
}

// PageTimeouts are the defaults applied to every page operation.
type PageTimeouts struct {
	Element    time.Duration
	Navigation time.Duration
}

// LocalLauncher launches one local Chromium per session.
type LocalLauncher struct {
	Runtime  *Runtime
	Timeouts PageTimeouts
}

func (l *LocalLauncher) Launch(ctx context.Context, sessionID string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.Runtime.Launch(l.Timeouts)
}

type pwPage struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	dialogs chan string
	onClose func()

	closeOnce sync.Once
	closeErr  error
}

func (p *pwPage) handleDialog(d playwright.Dialog) {
	msg := d.Message()
	if err := d.Accept(); err != nil {
		slog.Debug("dialog accept failed", "error", err)
	}
	select {
	case p.dialogs <- msg:
	default:
		slog.Warn("dialog queue full, dropping dialog", "message", msg)
	}
}

func (p *pwPage) Goto(url string) error {
	waitUntil := playwright.WaitUntilState("domcontentloaded")
	_, err := p.page.Goto(url, playwright.PageGotoOptions{WaitUntil: &waitUntil})
	return classify("goto", failure.NavigationFailed, err)
}

func (p *pwPage) URL() string {
	return p.page.URL()
}

func (p *pwPage) Title() (string, error) {
	title, err := p.page.Title()
	return title, classify("title", failure.HandleLost, err)
}

func (p *pwPage) Fill(selector, value string) error {
	return classify("fill "+selector, failure.ElementNotFound, p.page.Fill(selector, value))
}

func (p *pwPage) Click(selector string) error {
	return classify("click "+selector, failure.ElementNotFound, p.page.Click(selector))
}

func (p *pwPage) WaitFor(selector string, timeout time.Duration) error {
	state := playwright.WaitForSelectorState("attached")
	t := ms(timeout)
	_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   &state,
		Timeout: &t,
	})
	return classify("wait "+selector, failure.ElementNotFound, err)
}

func (p *pwPage) Count(selector string) (int, error) {
	n, err := p.page.Locator(selector).Count()
	return n, classify("count "+selector, failure.ElementNotFound, err)
}

func (p *pwPage) SelectOption(selector, value string) error {
	_, err := p.page.SelectOption(selector, playwright.SelectOptionValues{Values: &[]string{value}})
	return classify("select "+selector, failure.ElementNotFound, err)
}

func (p *pwPage) OptionText(selector, value string) (string, bool, error) {
	opt := p.page.Locator(selector).Locator(fmt.Sprintf("option[value=%q]", value))
	n, err := opt.Count()
	if err != nil {
		return "", false, classify("option "+value, failure.ElementNotFound, err)
	}
	if n == 0 {
		return "", false, nil
	}
	text, err := opt.First().TextContent()
	if err != nil {
		return "", true, classify("option text "+value, failure.ElementNotFound, err)
	}
	return text, true, nil
}

func (p *pwPage) Hide(selector string) error {
	_, err := p.page.Locator(selector).First().Evaluate("el => { el.style.visibility = 'hidden' }", nil)
	return classify("hide "+selector, failure.ElementNotFound, err)
}

func (p *pwPage) WaitDialog(ctx context.Context, timeout time.Duration) (string, bool) {
	if timeout <= 0 {
		select {
		case msg := <-p.dialogs:
			return msg, true
		default:
			return "", false
		}
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

// Close tears down page, context and browser once; later calls return the
// first result.
func (p *pwPage) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if err := p.page.Close(); err != nil && !IsHandleLost(err) {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}
		if err := p.context.Close(); err != nil && !IsHandleLost(err) {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
		if err := p.browser.Close(); err != nil && !IsHandleLost(err) {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
		if p.onClose != nil {
			p.onClose()
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// classify tags err with kind, or HandleLost/Timeout when it says so.
func classify(op string, kind failure.Kind, err error) error {
	switch {
	case err == nil:
		return nil
	case IsHandleLost(err):
		return failure.Wrap(failure.HandleLost, op, err)
	case errors.Is(err, playwright.ErrTimeout):
		return failure.Wrap(failure.Timeout, op, err)
	default:
		return failure.Wrap(kind, op, err)
	}
}

func ms(d time.Duration) float64 {
	return float64(d / time.Millisecond)
}
