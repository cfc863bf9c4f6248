// Package hook runs user supplied commands before and after a backup run.
// Commands are split into argv with shell-style quoting rules and executed
// directly, without an intermediate shell, so a hook line behaves the same
// on every host the tool runs on.
package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/shlex"

	"github.com/paulschiretz/pgl-volback/pkg/hints"
	"github.com/paulschiretz/pgl-volback/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor creates a new HookExecutor. Pass exec.CommandContext
// outside of tests.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// RunPreBackup executes the plan's pre-backup commands in order.
func (e *HookExecutor) RunPreBackup(ctx context.Context, p *Plan, timestampUTC time.Time) error {
	return e.run(ctx, "Pre-Backup", p.PreBackupCommands, p, timestampUTC)
}

// RunPostBackup executes the plan's post-backup commands in order.
func (e *HookExecutor) RunPostBackup(ctx context.Context, p *Plan, timestampUTC time.Time) error {
	return e.run(ctx, "Post-Backup", p.PostBackupCommands, p, timestampUTC)
}

func (e *HookExecutor) run(ctx context.Context, phase string, commands []string, p *Plan, timestampUTC time.Time) error {
	if !p.Enabled {
		return ErrDisabled
	}

	if len(commands) <= 0 {
		return ErrNothingToExecute
	}

	plog.Info(fmt.Sprintf("Running %s hook commands", phase))

	for _, hookCommand := range commands {

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		argv, err := shlex.Split(hookCommand)
		if err != nil {
			return fmt.Errorf("could not parse hook command '%s': %w", hookCommand, err)
		}
		if len(argv) == 0 {
			continue
		}

		if p.DryRun {
			plog.Info("[Dry-Run] Executing command", "command", hookCommand)
			continue
		}
		plog.Info("Executing command", "command", hookCommand)

		cmd := e.createCommand(ctx, argv)
		baseEnv := cmd.Env
		if baseEnv == nil {
			baseEnv = os.Environ()
		}
		cmd.Env = append(baseEnv,
			"PGL_VOLBACK_PHASE="+phase,
			"PGL_VOLBACK_TARGET="+p.TargetDir,
			"PGL_VOLBACK_TIMESTAMP="+timestampUTC.Format(time.RFC3339),
		)

		// Pipe output through for visibility
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// Context cancellation can surface as a plain exit error from
			// cmd.Wait(). Report the cancellation itself in that case.
			if ctx.Err() == context.Canceled {
				return context.Canceled
			}
			if p.FailFast {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("Hook command failed", "command", hookCommand, "error", err)
		}
	}
	return nil
}
