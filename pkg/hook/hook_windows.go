//go:build windows

package hook

import (
	"context"
	"os/exec"

	"golang.org/x/sys/windows"
)

// createCommand creates an exec.Cmd for a hook on Windows.
func (e *HookExecutor) createCommand(ctx context.Context, argv []string) *exec.Cmd {
	cmd := e.commandContext(ctx, argv[0], argv[1:]...)
	// A dedicated process group lets a cancellation take the whole process
	// tree down, not just the direct child.
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	return cmd
}
