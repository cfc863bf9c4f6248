//go:build !windows

package hook

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand creates an exec.Cmd for a hook on Unix-like systems.
func (e *HookExecutor) createCommand(ctx context.Context, argv []string) *exec.Cmd {
	cmd := e.commandContext(ctx, argv[0], argv[1:]...)
	// Put the hook into its own process group so that a cancellation can
	// signal the whole tree, including children the hook spawned.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
