// Package preflight provides validation checks that run before a backup
// begins. The checks are designed to be stateless and idempotent (the write
// check being the one exception) so that a failed run can simply be retried.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-volback/pkg/docker"
	"github.com/paulschiretz/pgl-volback/pkg/plog"
	"github.com/paulschiretz/pgl-volback/pkg/remote"
	"github.com/paulschiretz/pgl-volback/pkg/util"
)

// CheckBackupTargetAccessible performs pre-flight checks to ensure the backup
// target is usable. It provides more user-friendly errors than letting
// os.MkdirAll fail.
//
// The checks include:
//  1. On Windows, verifies that the drive or network share (e.g., "Z:", "\\Server\Share") exists.
//  2. If the target path exists, confirms it is a directory.
//  3. If the target path does not exist, confirms its parent directory is accessible.
//  4. On Unix, if the path looks like a mount point, it verifies the device is actually mounted
//     to prevent writing to a "ghost" directory on the root filesystem. This is done by walking
//     up from the target path and checking the highest-level existing directory.
func CheckBackupTargetAccessible(targetPath string) error {
	// --- 1. Check if the Volume/Drive exists, windows only ---
	if err := checkVolumeExists(targetPath); err != nil {
		return err
	}

	// --- 2. Check existence and type ---
	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		// Target doesn't exist. Find the deepest existing ancestor: if
		// /mnt/backup/volumes doesn't exist, is /mnt/backup mounted?
		ancestor := targetPath
		for {
			parent := filepath.Dir(ancestor)
			if parent == ancestor {
				break // Hit root
			}
			if _, statErr := os.Stat(parent); statErr == nil {
				ancestor = parent
				break // Found the deepest directory that actually exists
			} else if !os.IsNotExist(statErr) {
				return fmt.Errorf("cannot access ancestor directory %s: %w", parent, statErr)
			}
			ancestor = parent
		}

		if err := validateMountPoint(ancestor); err != nil {
			return err
		}

		// The ancestor exists and (if required) is a mount. The immediate
		// parent must still be accessible or MkdirAll will fail later.
		parentDir := filepath.Dir(targetPath)
		if _, err := os.Stat(parentDir); os.IsNotExist(err) {
			return fmt.Errorf("target path and its parent directory do not exist: %s", parentDir)
		} else if err != nil {
			return fmt.Errorf("cannot access parent directory %s: %w", parentDir, err)
		}

		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}

	// --- 3. The Target Path Exists ---
	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}

	return validateMountPoint(targetPath)
}

// CheckBackupTargetWritable ensures the target directory can be created and
// is writable by performing filesystem modifications.
func CheckBackupTargetWritable(targetPath string) error {
	// Ensure the destination directory can be created.
	if err := os.MkdirAll(targetPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", targetPath, err)
	}

	// Perform a thorough write check by creating and deleting a temporary file.
	tempFile := filepath.Join(targetPath, ".pgl-volback-writetest.tmp")
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	f.Close()
	_ = os.Remove(tempFile)
	return nil
}

// CheckRemoteReachable verifies that the remote host accepts a session and
// can run a trivial command.
func CheckRemoteReachable(ctx context.Context, runner remote.Runner) error {
	if _, _, err := runner.Run(ctx, "true"); err != nil {
		return fmt.Errorf("remote host is not reachable: %w", err)
	}
	return nil
}

// CheckDockerAvailable verifies that the docker CLI on the remote host works
// for every configured scope. Configured context names are matched against
// the host's actual context list first, so a typo fails with "no such
// context" instead of an opaque version-probe error. Failing scopes are
// reported together so the user can fix them in one go.
func CheckDockerAvailable(ctx context.Context, client *docker.Client) error {
	missing := checkConfiguredContexts(ctx, client)

	var failed []string
	for _, scope := range client.Scopes() {
		if _, gone := missing[scope.Context]; gone {
			failed = append(failed, scope.String()+" (no such context)")
			continue
		}
		version, err := client.ServerVersion(ctx, scope)
		if err != nil {
			plog.Warn("Docker scope is not usable", "scope", scope.String(), "error", err)
			failed = append(failed, scope.String())
			continue
		}
		plog.Debug("Docker scope available", "scope", scope.String(), "serverVersion", version)
	}
	if len(failed) > 0 {
		return fmt.Errorf("docker is not usable for scope(s): %s", strings.Join(failed, ", "))
	}
	return nil
}

// checkConfiguredContexts returns the configured context names the remote
// host does not know. When the host cannot list contexts at all (old docker
// without context support) the check degrades to empty and the per-scope
// version probes carry the diagnosis.
func checkConfiguredContexts(ctx context.Context, client *docker.Client) map[string]struct{} {
	var named []string
	for _, scope := range client.Scopes() {
		if scope.Context != "" && !scope.System {
			named = append(named, scope.Context)
		}
	}
	if len(named) == 0 {
		return nil
	}

	available, err := client.Contexts(ctx)
	if err != nil {
		plog.Warn("Could not list remote docker contexts", "error", err)
		return nil
	}
	known := make(map[string]struct{}, len(available))
	for _, name := range available {
		known[name] = struct{}{}
	}

	missing := make(map[string]struct{})
	for _, name := range named {
		if _, ok := known[name]; !ok {
			plog.Warn("Configured docker context does not exist on the remote host", "context", name, "available", available)
			missing[name] = struct{}{}
		}
	}
	return missing
}

// CheckTargetFreeSpace fails when the filesystem holding targetPath has less
// than minBytes available. A minBytes of zero disables the check.
func CheckTargetFreeSpace(targetPath string, minBytes int64) error {
	if minBytes <= 0 {
		return nil
	}
	free, err := freeSpace(targetPath)
	if err != nil {
		return fmt.Errorf("could not determine free space of %s: %w", targetPath, err)
	}
	if free < minBytes {
		return fmt.Errorf("target %s has only %s free, need at least %s",
			targetPath, util.FormatBytes(free), util.FormatBytes(minBytes))
	}
	return nil
}
