// Package consent decides whether a run may stop containers, and on whose
// authority: the operator at a terminal, an explicit auto-confirm setting,
// or nobody (in which case the backup proceeds without touching containers).
package consent

import (
	"fmt"

	"github.com/paulschiretz/pgl-volback/pkg/hints"
	"github.com/paulschiretz/pgl-volback/pkg/impact"
	"github.com/paulschiretz/pgl-volback/pkg/plog"
)

// Decision is the gate's verdict for the run.
type Decision int

const (
	// Proceed means the stop phase may run (or is unnecessary).
	Proceed Decision = iota
	// ProceedWithoutStop means the run continues but must not stop any
	// container; affected volumes fall back to the direct read path.
	ProceedWithoutStop
	// Cancelled means the operator declined and the whole run ends cleanly.
	Cancelled
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case ProceedWithoutStop:
		return "proceed-without-stop"
	default:
		return "cancelled"
	}
}

// ErrCancelled is returned (as a hint, not a failure) when the operator
// declines the consent prompt.
var ErrCancelled = hints.New("cancelled by user")

// Prompter asks the operator a yes/no question. In non-interactive mode it is
// never invoked.
type Prompter interface {
	Confirm(question string, defaultYes bool) (bool, error)
}

// Plan carries the run-mode configuration the gate decides with.
type Plan struct {
	NonInteractive bool
	AutoConfirm    bool
	DryRun         bool
}

// Gate applies the consent rules to an impact record.
type Gate struct {
	prompter Prompter
	plan     *Plan
}

// NewGate builds a gate. prompter may be nil when the plan is non-interactive.
func NewGate(prompter Prompter, plan *Plan) *Gate {
	return &Gate{prompter: prompter, plan: plan}
}

// Decide inspects ONLY the record's running-container count. Recomputing the
// count from any other source is forbidden: the stop phase acts on the same
// record, and two independently derived counts can disagree.
func (g *Gate) Decide(record *impact.Record) (Decision, error) {
	running := record.RunningNames()

	if len(running) == 0 {
		plog.Debug("No running containers affected, no stop phase needed")
		return Proceed, nil
	}

	plog.Notice("Backup affects running containers", "count", len(running), "containers", fmt.Sprintf("%v", running))

	if g.plan.DryRun {
		plog.Info("[DRY RUN] Would ask for consent to stop containers")
		return Proceed, nil
	}

	if g.plan.AutoConfirm {
		plog.Info("Auto-confirm enabled, proceeding with stop phase")
		return Proceed, nil
	}

	if g.plan.NonInteractive {
		plog.Warn("Running containers affected but auto-confirm is disabled; containers will NOT be managed", "count", len(running))
		return ProceedWithoutStop, nil
	}

	ok, err := g.prompter.Confirm(fmt.Sprintf("Stop %d running container(s) for the backup and restart them afterwards?", len(running)), false)
	if err != nil {
		return Cancelled, fmt.Errorf("consent prompt failed: %w", err)
	}
	if !ok {
		return Cancelled, ErrCancelled
	}
	return Proceed, nil
}

// ConfirmContinueAfterStopFailures asks whether to back up anyway when some
// containers could not be stopped. Non-interactive runs proceed and surface
// the failures in the summary; interactive runs default to aborting.
func (g *Gate) ConfirmContinueAfterStopFailures(failed int) (bool, error) {
	if g.plan.DryRun || g.plan.NonInteractive {
		return true, nil
	}
	return g.prompter.Confirm(fmt.Sprintf("%d container(s) could not be stopped. Continue with the backup anyway?", failed), false)
}
