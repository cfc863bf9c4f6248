package volarchive

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-volback/pkg/docker"
	"github.com/paulschiretz/pgl-volback/pkg/impact"
	"github.com/paulschiretz/pgl-volback/pkg/remote"
)

// fakeRunner records every command and answers from a substring-keyed map.
type fakeRunner struct {
	commands []string
	stdout   map[string]string
	fail     map[string]error
}

func (f *fakeRunner) Run(_ context.Context, command string) (string, string, error) {
	f.commands = append(f.commands, command)
	for sub, err := range f.fail {
		if strings.Contains(command, sub) {
			return "", "boom", err
		}
	}
	for sub, out := range f.stdout {
		if strings.Contains(command, sub) {
			return out, "", nil
		}
	}
	return "", "", nil
}

var _ remote.Runner = (*fakeRunner)(nil)

func newTestArchiver(runner remote.Runner) *Archiver {
	return NewArchiver(runner, docker.NewClient(runner, nil, false))
}

func testPlan() *Plan {
	return &Plan{HelperImage: DefaultHelperImage, StagePath: DefaultStagePath}
}

var testStart = time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)

func TestCreateDonorMode(t *testing.T) {
	runner := &fakeRunner{}
	archiver := newTestArchiver(runner)
	donor := &impact.ContainerRef{Name: "app-db", MountPath: "/var/lib/postgresql/data"}

	result, err := archiver.Create(context.Background(), docker.Scope{}, "pgdata", donor, testPlan(), testStart)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if result.Donor != "app-db" {
		t.Errorf("expected donor app-db, got %q", result.Donor)
	}
	if result.RemotePath != "/tmp/pgl-volback/pgdata_20260828-103000.tar" {
		t.Errorf("unexpected remote path %q", result.RemotePath)
	}
	if len(runner.commands) != 2 {
		t.Fatalf("expected mkdir + docker run, got %d commands: %v", len(runner.commands), runner.commands)
	}
	runCmd := runner.commands[1]
	for _, want := range []string{"--volumes-from app-db", "-C /var/lib/postgresql/data", "tar -cf /pgl-stage/pgdata_20260828-103000.tar"} {
		if !strings.Contains(runCmd, want) {
			t.Errorf("docker run command missing %q: %s", want, runCmd)
		}
	}
	if strings.Contains(runCmd, directMountPoint) {
		t.Errorf("donor mode must not mount the volume directly: %s", runCmd)
	}
}

func TestCreateDirectMode(t *testing.T) {
	tests := []struct {
		name  string
		donor *impact.ContainerRef
	}{
		{name: "no donor", donor: nil},
		{name: "donor without mount path", donor: &impact.ContainerRef{Name: "ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			archiver := newTestArchiver(runner)

			result, err := archiver.Create(context.Background(), docker.Scope{}, "appdata", tt.donor, testPlan(), testStart)
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if result.Donor != "" {
				t.Errorf("direct mode must not report a donor, got %q", result.Donor)
			}
			runCmd := runner.commands[len(runner.commands)-1]
			if !strings.Contains(runCmd, "-v appdata:/pgl-volume:ro") {
				t.Errorf("expected read-only direct volume mount: %s", runCmd)
			}
			if !strings.Contains(runCmd, "-C /pgl-volume .") {
				t.Errorf("expected tar rooted at the direct mount point: %s", runCmd)
			}
		})
	}
}

func TestCreateDryRunIssuesNoCommands(t *testing.T) {
	runner := &fakeRunner{}
	archiver := newTestArchiver(runner)
	plan := testPlan()
	plan.DryRun = true

	result, err := archiver.Create(context.Background(), docker.Scope{}, "appdata", nil, plan, testStart)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(runner.commands) != 0 {
		t.Errorf("dry-run must not touch the remote host, got %v", runner.commands)
	}
	if result.RemotePath == "" {
		t.Error("dry-run should still report the would-be remote path")
	}
}

func TestCreateFailsOnTarError(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{"docker run": context.DeadlineExceeded}}
	archiver := newTestArchiver(runner)

	if _, err := archiver.Create(context.Background(), docker.Scope{}, "appdata", nil, testPlan(), testStart); err == nil {
		t.Fatal("expected error when the helper container fails")
	}
}

func TestCleanup(t *testing.T) {
	runner := &fakeRunner{}
	archiver := newTestArchiver(runner)

	result := Result{Volume: "appdata", RemotePath: "/tmp/pgl-volback/appdata_x.tar"}
	if err := archiver.Cleanup(context.Background(), result, false); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if len(runner.commands) != 1 || !strings.Contains(runner.commands[0], "rm -f /tmp/pgl-volback/appdata_x.tar") {
		t.Errorf("unexpected cleanup commands: %v", runner.commands)
	}

	// Empty result and dry-run are both no-ops.
	runner.commands = nil
	if err := archiver.Cleanup(context.Background(), Result{}, false); err != nil {
		t.Fatalf("Cleanup of empty result failed: %v", err)
	}
	if err := archiver.Cleanup(context.Background(), result, true); err != nil {
		t.Fatalf("dry-run Cleanup failed: %v", err)
	}
	if len(runner.commands) != 0 {
		t.Errorf("expected no commands, got %v", runner.commands)
	}
}

func TestRemoteSize(t *testing.T) {
	runner := &fakeRunner{stdout: map[string]string{"stat -c": "1048576\n"}}
	archiver := newTestArchiver(runner)

	size, err := archiver.RemoteSize(context.Background(), Result{RemotePath: "/tmp/pgl-volback/x.tar"})
	if err != nil {
		t.Fatalf("RemoteSize failed: %v", err)
	}
	if size != 1048576 {
		t.Errorf("expected 1048576, got %d", size)
	}
}
