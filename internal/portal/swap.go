package portal

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mtzanidakis/indexswap/internal/browser"
	"github.com/mtzanidakis/indexswap/internal/failure"
	"github.com/mtzanidakis/indexswap/internal/store"
)

// Outcome is the result of one candidate swap attempt.
type Outcome struct {
	Success bool
	Kind    failure.Kind
	Message string
}

func (o Outcome) HandleLost() bool { return o.Kind == failure.HandleLost }

// Label names the outcome for metrics.
func (o Outcome) Label() string {
	if o.Success {
		return "success"
	}
	return string(o.Kind)
}

func fail(kind failure.Kind, format string, args ...any) *Outcome {
	return &Outcome{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func unexpected(err error) *Outcome {
	kind := failure.KindOf(err)
	if browser.IsHandleLost(err) {
		kind = failure.HandleLost
	}
	return &Outcome{Kind: kind, Message: "Error during swap attempt: " + err.Error()}
}

// swapAttempt carries one candidate through the swap page sequence. Each
// step returns nil to continue or the Outcome that ends the attempt.
type swapAttempt struct {
	*Automator
	ctx      context.Context
	page     browser.Page
	oldIndex string
	newIndex string
}

// AttemptSwap tries to move oldIndex to newIndex. It never panics or
// returns an error: every failure is reported in the Outcome.
func (a *Automator) AttemptSwap(ctx context.Context, p browser.Page, oldIndex, newIndex string) Outcome {
	slog.Info("attempting swap", "old", oldIndex, "new", newIndex)
	a.drainDialogs(ctx, p)

	s := &swapAttempt{Automator: a, ctx: ctx, page: p, oldIndex: oldIndex, newIndex: newIndex}
	steps := []func() *Outcome{
		s.selectOldIndex,
		s.submitChange,
		s.pickNewIndex,
		s.confirmSelection,
		s.finalize,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return *unexpected(err)
		}
		if out := step(); out != nil {
			return *out
		}
	}

	return Outcome{Success: true, Message: fmt.Sprintf("Successfully swapped %s → %s", oldIndex, newIndex)}
}

func (s *swapAttempt) selectOldIndex() *Outcome {
	if err := s.page.WaitFor(s.Loc.CourseTable, s.ElementTimeout); err != nil {
		if browser.IsHandleLost(err) {
			return unexpected(err)
		}
		// Not on the timetable; reload the planner once.
		slog.Debug("course table missing, reloading planner", "error", err)
		if err := s.page.Goto(s.URLs.Planner); err != nil {
			return unexpected(err)
		}
		if err := s.page.WaitFor(s.Loc.CourseTable, s.ElementTimeout); err != nil {
			return unexpected(err)
		}
	}

	radio := fmt.Sprintf(s.Loc.RadioTemplate, s.oldIndex)
	n, err := s.page.Count(radio)
	if err != nil {
		return unexpected(err)
	}
	if n == 0 {
		return fail(failure.IndexNotFound, "Old index %s not found. Swap cannot proceed.", s.oldIndex)
	}
	if err := s.page.Click(radio); err != nil {
		return unexpected(err)
	}
	return nil
}

func (s *swapAttempt) submitChange() *Outcome {
	if err := s.page.SelectOption(s.Loc.Action, s.Loc.ChangeAction); err != nil {
		return unexpected(err)
	}

	if n, _ := s.page.Count(s.Loc.Header); n > 0 {
		if err := s.page.Hide(s.Loc.Header); err != nil {
			slog.Debug("could not hide header, continuing", "error", err)
		}
	}

	if err := s.page.Click(s.Loc.GoButton); err != nil {
		return unexpected(err)
	}

	msg, dialog, err := s.awaitDialogOr(s.ctx, s.page, s.Loc.SwapPage, s.DialogTimeout)
	if err != nil {
		return unexpected(err)
	}
	if dialog {
		slog.Warn("portal closed alert", "alert", msg)
		return fail(failure.PortalClosed, "%s", MsgPortalClosed)
	}

	if err := s.page.WaitFor(s.Loc.SwapPage, s.ElementTimeout); err != nil {
		return unexpected(err)
	}
	return nil
}

func (s *swapAttempt) pickNewIndex() *Outcome {
	text, found, err := s.page.OptionText(s.Loc.NewIndexSelect, s.newIndex)
	if err != nil {
		return s.back(unexpected(err))
	}
	if !found {
		return s.back(fail(failure.IndexNotFound, "New Index %s was not found in the dropdown options. Swap cannot proceed.", s.newIndex))
	}

	vacancies, err := ParseVacancy(text)
	if err != nil {
		slog.Warn("could not parse vacancy", "index", s.newIndex, "text", text, "error", err)
	}
	if err != nil || vacancies <= 0 {
		return s.back(fail(failure.NoVacancy, "Index %s has no vacancies. Swap cannot proceed.", s.newIndex))
	}
	slog.Debug("vacancies available", "index", s.newIndex, "vacancies", vacancies)

	if err := s.page.SelectOption(s.Loc.NewIndexSelect, s.newIndex); err != nil {
		return s.back(unexpected(err))
	}
	return nil
}

func (s *swapAttempt) confirmSelection() *Outcome {
	if err := s.page.Click(s.Loc.OKButton); err != nil {
		return s.back(unexpected(err))
	}

	msg, dialog, err := s.awaitDialogOr(s.ctx, s.page, s.Loc.ConfirmForm, s.DialogTimeout)
	if err != nil {
		return unexpected(err)
	}
	if dialog {
		slog.Warn("module clash alert", "alert", msg)
		return s.back(fail(failure.ModuleClash, "%s", MsgModuleClash))
	}

	if err := s.page.WaitFor(s.Loc.ConfirmForm, s.ElementTimeout); err != nil {
		return s.back(unexpected(err))
	}
	return nil
}

func (s *swapAttempt) finalize() *Outcome {
	if err := s.page.Click(s.Loc.ConfirmButton); err != nil {
		return unexpected(err)
	}
	msg, ok := s.page.WaitDialog(s.ctx, s.ElementTimeout)
	if ok {
		slog.Info("swap success alert", "alert", msg)
		return nil
	}
	if err := s.ctx.Err(); err != nil {
		return unexpected(err)
	}

	// No alert: the change may still have gone through.
	applied, err := s.newIndexEnrolled()
	if browser.IsHandleLost(err) {
		return unexpected(err)
	}
	if applied {
		slog.Info("swap applied without confirmation alert", "old", s.oldIndex, "new", s.newIndex)
		return nil
	}
	if err != nil {
		slog.Debug("could not check timetable after confirm", "error", err)
	}
	return fail(failure.Timeout, "Error during swap attempt: no confirmation from the portal")
}

// newIndexEnrolled reloads the planner and reports whether the timetable
// now lists newIndex.
func (s *swapAttempt) newIndexEnrolled() (bool, error) {
	if err := s.page.Goto(s.URLs.Planner); err != nil {
		return false, err
	}
	if err := s.page.WaitFor(s.Loc.CourseTable, s.ElementTimeout); err != nil {
		return false, err
	}
	n, err := s.page.Count(fmt.Sprintf(s.Loc.RadioTemplate, s.newIndex))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// back returns to the timetable so the next candidate starts from the
// course table. Failing to do so is logged only.
func (s *swapAttempt) back(out *Outcome) *Outcome {
	if out.HandleLost() {
		return out
	}
	if err := s.page.Click(s.Loc.BackButton); err != nil {
		slog.Warn("could not click back to timetable", "error", err)
	}
	return out
}

// PerformModuleSwap tries the module's candidates in order and stops at
// the first success. The returned error is non-nil only when the handle was
// lost or ctx ended; the module is then returned unchanged.
func (a *Automator) PerformModuleSwap(ctx context.Context, p browser.Page, m store.Module) (store.Module, error) {
	var failed []string
	for _, idx := range m.NewIndexes {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		out := a.AttemptSwap(ctx, p, m.OldIndex, idx)
		if a.Observe != nil {
			a.Observe(out)
		}
		if out.Success {
			m.Swapped = true
			m.Message = out.Message
			slog.Info("module swapped", "old", m.OldIndex, "new", idx)
			return m, nil
		}
		if out.HandleLost() {
			return m, failure.New(failure.HandleLost, "perform module swap", out.Message)
		}
		if err := ctx.Err(); err != nil {
			return m, err
		}
		slog.Warn("swap attempt failed", "old", m.OldIndex, "new", idx, "kind", out.Kind, "message", out.Message)
		failed = append(failed, idx)
	}

	m.Message = fmt.Sprintf("Indexes %s have no vacancies.", strings.Join(failed, ", "))
	return m, nil
}

// ParseVacancy extracts the vacancy count from option text formatted as
// "<index> / <vacancies> / <waitlist>".
func ParseVacancy(text string) (int, error) {
	parts := strings.Split(text, "/")
	if len(parts) < 2 {
		return 0, fmt.Errorf("unexpected option text %q", text)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, fmt.Errorf("parse vacancies in %q: %w", text, err)
	}
	return n, nil
}
