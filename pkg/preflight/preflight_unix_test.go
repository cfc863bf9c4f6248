//go:build !windows

package preflight

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

// onRootDevice reports whether path lives on the same device as "/". The
// ghost detection tests only make sense when it does (e.g. /tmp on a tmpfs
// is its own device and legitimately passes the check).
func onRootDevice(t *testing.T, path string) bool {
	t.Helper()
	rootInfo, err := os.Stat("/")
	if err != nil {
		t.Fatalf("could not stat root: %v", err)
	}
	pathInfo, err := os.Stat(path)
	if err != nil {
		t.Fatalf("could not stat %s: %v", path, err)
	}
	return rootInfo.Sys().(*syscall.Stat_t).Dev == pathInfo.Sys().(*syscall.Stat_t).Dev
}

func TestCheckBackupTargetAccessible_Unix(t *testing.T) {
	t.Run("Error - No Permission on Deepest Existing Ancestor", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}

		// The deepest existing ancestor of the target path is unreadable,
		// the walk must surface that instead of a misleading mount error.
		grandparent := t.TempDir()
		unreadableAncestor := filepath.Join(grandparent, "unreadable_ancestor")

		if err := os.Mkdir(unreadableAncestor, 0000); err != nil {
			t.Fatalf("failed to create unreadable ancestor dir: %v", err)
		}
		t.Cleanup(func() { os.Chmod(unreadableAncestor, 0755) })

		targetDir := filepath.Join(unreadableAncestor, "non_existent_child", "target")

		err := CheckBackupTargetAccessible(targetDir)
		if err == nil {
			t.Fatal("expected a permission error, but got nil")
		}
	})

	t.Run("Ghost Directory Check", func(t *testing.T) {
		// Simulates a "ghost" directory: pgl-test-mnt is intended to be a
		// mount point but is just a directory on the system disk.
		mountPointBase := filepath.Join(os.TempDir(), "pgl-test-mnt")
		targetDir := filepath.Join(mountPointBase, "backup")

		if err := os.MkdirAll(targetDir, 0755); err != nil {
			t.Fatalf("failed to create test directories: %v", err)
		}
		t.Cleanup(func() { os.RemoveAll(mountPointBase) })

		if !onRootDevice(t, targetDir) {
			t.Skip("temp dir is its own filesystem, ghost detection does not apply")
		}
		homeDir, _ := os.UserHomeDir()
		if homeDir != "" && strings.HasPrefix(targetDir, homeDir) {
			t.Skip("temp dir is inside the home directory, which is exempt")
		}

		err := CheckBackupTargetAccessible(targetDir)
		if err == nil {
			t.Fatal("expected an error for a non-mounted 'ghost' directory, but got nil")
		}
		if !strings.Contains(err.Error(), "is on the root filesystem (system disk)") {
			t.Errorf("expected ghost detection error, but got: %v", err)
		}
	})

	t.Run("Ghost Directory Check Skipped for Home Dir", func(t *testing.T) {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			t.Fatalf("could not get user home directory: %v", err)
		}

		targetDir := filepath.Join(homeDir, "pgl-test-backup")
		if err := os.MkdirAll(targetDir, 0755); err != nil {
			t.Logf("could not create test dir in home, skipping: %v", err)
			t.SkipNow()
		}
		t.Cleanup(func() { os.RemoveAll(targetDir) })

		// The heuristic skips the mount point check for paths inside the
		// home directory.
		if err := CheckBackupTargetAccessible(targetDir); err != nil {
			t.Errorf("expected no error for a path in the home directory, but got: %v", err)
		}
	})
}

func TestCheckBackupTargetWritable_Unix(t *testing.T) {
	t.Run("Error - Destination not writable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}

		unwritableDir := filepath.Join(t.TempDir(), "unwritable")
		if err := os.Mkdir(unwritableDir, 0555); err != nil {
			t.Fatalf("failed to create unwritable dir: %v", err)
		}
		t.Cleanup(func() { os.Chmod(unwritableDir, 0755) })

		err := CheckBackupTargetWritable(unwritableDir)
		if err == nil {
			t.Fatal("expected an error for unwritable destination, but got nil")
		}
		if !strings.Contains(err.Error(), "not writable") {
			t.Errorf("expected error about 'not writable', but got: %v", err)
		}
	})
}
