package docker_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-volback/pkg/docker"
	"github.com/paulschiretz/pgl-volback/pkg/remote"
)

// scriptRunner returns canned stdout keyed by a substring of the command.
type scriptRunner struct {
	responses map[string]string // command substring -> stdout
	failWith  map[string]error  // command substring -> error
	commands  []string
}

func (r *scriptRunner) Run(ctx context.Context, command string) (string, string, error) {
	r.commands = append(r.commands, command)
	for sub, err := range r.failWith {
		if strings.Contains(command, sub) {
			return "", "boom", err
		}
	}
	for sub, out := range r.responses {
		if strings.Contains(command, sub) {
			return out, "", nil
		}
	}
	return "", "", nil
}

func TestStatusFromString(t *testing.T) {
	tests := []struct {
		raw  string
		want docker.Status
	}{
		{"Up 3 hours", docker.StatusRunning},
		{"Up About a minute", docker.StatusRunning},
		{"Up 2 days (Paused)", docker.StatusOther},
		{"Exited (0) 3 hours ago", docker.StatusStopped},
		{"Exited (137) 2 minutes ago", docker.StatusStopped},
		{"Created", docker.StatusStopped},
		{"Restarting (1) 5 seconds ago", docker.StatusOther},
		{"Dead", docker.StatusOther},
		{"", docker.StatusOther},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := docker.StatusFromString(tt.raw); got != tt.want {
				t.Errorf("StatusFromString(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestScopeCommandComposition(t *testing.T) {
	runner := &scriptRunner{}
	client := docker.NewClient(runner, []string{"prod", "default"}, true)

	scopes := client.Scopes()
	if len(scopes) != 3 {
		t.Fatalf("expected 3 scopes (default, prod, system), got %v", scopes)
	}

	ctx := context.Background()
	for _, scope := range scopes {
		if _, err := client.Volumes(ctx, scope); err != nil {
			t.Fatal(err)
		}
	}

	if !strings.HasPrefix(runner.commands[0], "docker volume ls") {
		t.Errorf("default scope command: %s", runner.commands[0])
	}
	if !strings.Contains(runner.commands[1], "--context prod") {
		t.Errorf("named context command: %s", runner.commands[1])
	}
	if !strings.HasPrefix(runner.commands[2], "sudo -n docker") {
		t.Errorf("system scope command: %s", runner.commands[2])
	}
}

func TestContainersUsingVolume(t *testing.T) {
	runner := &scriptRunner{
		responses: map[string]string{
			"--filter volume=pgdata": "postgres|Up 3 hours\nbackup-job|Exited (0) 1 day ago\n",
		},
	}
	client := docker.NewClient(runner, nil, false)

	entries, err := client.ContainersUsingVolume(context.Background(), docker.Scope{}, "pgdata")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Name != "postgres" || entries[0].Status != docker.StatusRunning {
		t.Errorf("first entry: %+v", entries[0])
	}
	if entries[1].Name != "backup-job" || entries[1].Status != docker.StatusStopped {
		t.Errorf("second entry: %+v", entries[1])
	}
}

func TestContainersWithMountSubstring(t *testing.T) {
	runner := &scriptRunner{
		responses: map[string]string{
			"{{.Names}}|{{.Status}}|{{.Mounts}}": "web|Up 2 hours|appdata,logs\ndb|Up 1 hour|pgdata\nidle|Exited (0)|scratch\n",
		},
	}
	client := docker.NewClient(runner, nil, false)

	entries, err := client.ContainersWithMountSubstring(context.Background(), docker.Scope{}, "pgdata")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "db" {
		t.Errorf("expected only db to match, got %+v", entries)
	}
}

func TestMountPath(t *testing.T) {
	runner := &scriptRunner{
		responses: map[string]string{
			"inspect": "pgdata|/var/lib/docker/volumes/pgdata/_data|/var/lib/postgresql/data\n|/mnt/host/logs|/logs\n",
		},
	}
	client := docker.NewClient(runner, nil, false)

	t.Run("named volume match", func(t *testing.T) {
		path, err := client.MountPath(context.Background(), docker.Scope{}, "postgres", "pgdata")
		if err != nil {
			t.Fatal(err)
		}
		if path != "/var/lib/postgresql/data" {
			t.Errorf("path = %q", path)
		}
	})

	t.Run("bind mount source match", func(t *testing.T) {
		path, err := client.MountPath(context.Background(), docker.Scope{}, "postgres", "logs")
		if err != nil {
			t.Fatal(err)
		}
		if path != "/logs" {
			t.Errorf("path = %q", path)
		}
	})

	t.Run("no match yields empty path", func(t *testing.T) {
		path, err := client.MountPath(context.Background(), docker.Scope{}, "postgres", "missing")
		if err != nil {
			t.Fatal(err)
		}
		if path != "" {
			t.Errorf("path = %q, want empty", path)
		}
	})
}

func TestLifecycleCommands(t *testing.T) {
	runner := &scriptRunner{
		responses: map[string]string{"{{.State.Running}}": "true\n"},
	}
	client := docker.NewClient(runner, nil, false)
	ctx := context.Background()

	if err := client.Stop(ctx, docker.Scope{}, "web", 30); err != nil {
		t.Fatal(err)
	}
	if err := client.Kill(ctx, docker.Scope{}, "web"); err != nil {
		t.Fatal(err)
	}
	if err := client.Start(ctx, docker.Scope{}, "web"); err != nil {
		t.Fatal(err)
	}
	running, err := client.IsRunning(ctx, docker.Scope{}, "web")
	if err != nil || !running {
		t.Fatalf("IsRunning = %v, %v", running, err)
	}

	want := []string{
		"docker stop -t 30 web",
		"docker kill web",
		"docker start web",
		"docker inspect --format {{.State.Running}} web",
	}
	for i, w := range want {
		if runner.commands[i] != w {
			t.Errorf("command %d = %q, want %q", i, runner.commands[i], w)
		}
	}
}

func TestQueryErrorsArePropagated(t *testing.T) {
	runner := &scriptRunner{
		failWith: map[string]error{"volume ls": &remote.ExitError{ExitCode: 1, Stderr: "permission denied"}},
	}
	client := docker.NewClient(runner, nil, false)

	_, err := client.Volumes(context.Background(), docker.Scope{})
	var exitErr *remote.ExitError
	if !errors.As(err, &exitErr) {
		t.Errorf("expected ExitError, got %v", err)
	}
}
