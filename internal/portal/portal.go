// Package portal drives the course registration portal through a
// browser.Page: the login sequence and the per-module index swap sequence.
package portal

import (
	"context"
	"strings"
	"time"

	"github.com/mtzanidakis/indexswap/internal/browser"
	"github.com/mtzanidakis/indexswap/internal/config"
)

const (
	MsgLoginFailed        = "Incorrect username/password. Please try again."
	MsgPlanButtonNotFound = "Unable to find or click the 'Plan/ Registration' button."
	MsgPortalClosed       = "Portal is closed now. Please try again from 10:30am - 10:00pm."
	MsgModuleClash        = "Module clash detected with existing modules"
)

// URLs are the portal pages the flows navigate to or expect to land on.
type URLs struct {
	Login     string
	Planner   string
	Timetable string
	// LoginMarker identifies the login page in the current URL.
	LoginMarker string
}

// Locators name one selector per logical UI element.
type Locators struct {
	Username    string
	Password    string
	LoginButton string
	PlanButton  string
	CourseTable string

	// RadioTemplate takes the old index via fmt.Sprintf.
	RadioTemplate  string
	Action         string
	ChangeAction   string
	GoButton       string
	Header         string
	SwapPage       string
	NewIndexSelect string
	OKButton       string
	BackButton     string
	ConfirmForm    string
	ConfirmButton  string
}

func DefaultLocators() Locators {
	return Locators{
		Username:       "#UID",
		Password:       "#PW",
		LoginButton:    "xpath=//input[@value='OK']",
		PlanButton:     "xpath=//input[@value='Plan/ Registration']",
		CourseTable:    "xpath=//table[@bordercolor='#E0E0E0']",
		RadioTemplate:  "xpath=//input[@type='radio' and @value='%s']",
		Action:         "select[name='opt']",
		ChangeAction:   "C",
		GoButton:       "xpath=//input[@type='submit' and @value='Go']",
		Header:         ".site-header__body",
		SwapPage:       "[name='AUS_STARS_MENU']",
		NewIndexSelect: "select[name='new_index_nmbr']",
		OKButton:       "xpath=//input[@type='submit' and @value='OK']",
		BackButton:     "xpath=//input[@type='submit' and @value='Back to Timetable']",
		ConfirmForm:    "xpath=//*[@id='top']/div/section[2]/div/div/form[1]",
		ConfirmButton:  "xpath=//input[@type='submit' and @value='Confirm to Change Index Number']",
	}
}

// Automator runs the portal flows against any browser.Page.
type Automator struct {
	URLs URLs
	Loc  Locators

	ElementTimeout    time.Duration
	DialogTimeout     time.Duration
	NavigationRetries int
	RetryDelay        time.Duration
	// PollInterval paces waits that watch for a dialog and an element at once.
	PollInterval time.Duration

	// Observe, when set, sees every candidate outcome.
	Observe func(Outcome)
}

func New(cfg config.PortalConfig) *Automator {
	return &Automator{
		URLs: URLs{
			Login:       cfg.LoginURL,
			Planner:     cfg.PlannerURL,
			Timetable:   cfg.TimetableURL,
			LoginMarker: "ldap_login.login",
		},
		Loc:               DefaultLocators(),
		ElementTimeout:    cfg.ElementTimeout,
		DialogTimeout:     cfg.DialogTimeout,
		NavigationRetries: cfg.NavigationRetries,
		RetryDelay:        cfg.RetryDelay,
		PollInterval:      100 * time.Millisecond,
	}
}

// awaitDialogOr waits up to timeout for either a native dialog or selector
// to appear. It returns the dialog text when a dialog won.
func (a *Automator) awaitDialogOr(ctx context.Context, p browser.Page, selector string, timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if msg, ok := p.WaitDialog(ctx, a.PollInterval); ok {
			return msg, true, nil
		}
		n, err := p.Count(selector)
		if err != nil && browser.IsHandleLost(err) {
			return "", false, err
		}
		if n > 0 {
			return "", false, nil
		}
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		if !time.Now().Before(deadline) {
			return "", false, nil
		}
	}
}

// awaitURL polls until the page URL starts with one of candidates and
// returns the matching candidate.
func (a *Automator) awaitURL(ctx context.Context, p browser.Page, timeout time.Duration, candidates ...string) (string, bool) {
	deadline := time.Now().Add(timeout)
	for {
		cur := strings.ToLower(p.URL())
		for _, c := range candidates {
			if c != "" && strings.HasPrefix(cur, strings.ToLower(c)) {
				return c, true
			}
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return "", false
		}
		t := time.NewTimer(a.PollInterval)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
}

func (a *Automator) drainDialogs(ctx context.Context, p browser.Page) {
	for {
		if _, ok := p.WaitDialog(ctx, 0); !ok {
			return
		}
	}
}
