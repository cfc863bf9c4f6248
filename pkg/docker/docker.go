// Package docker is a thin query and lifecycle layer over the docker CLI on
// the remote host. All calls go through a remote.Runner; nothing in here
// talks to a daemon socket directly, which keeps the backup core independent
// of the transport.
package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-volback/pkg/remote"
)

// Scope identifies one daemon to query: a named docker context, the default
// one, or the privileged system daemon reached via sudo.
type Scope struct {
	Context string // "" or "default" means the default context
	System  bool   // run docker under `sudo -n` (rootful/system daemon)
}

// String renders the scope for log output.
func (s Scope) String() string {
	if s.System {
		return "system"
	}
	if s.Context == "" {
		return "default"
	}
	return s.Context
}

// Client issues docker CLI commands on the remote host.
type Client struct {
	runner remote.Runner
	scopes []Scope
}

// NewClient builds a client querying the default context, every context in
// contexts, and optionally the privileged system scope.
func NewClient(runner remote.Runner, contexts []string, includeSystem bool) *Client {
	scopes := []Scope{{}}
	for _, c := range contexts {
		if c == "" || c == "default" {
			continue // already covered by the default scope
		}
		scopes = append(scopes, Scope{Context: c})
	}
	if includeSystem {
		scopes = append(scopes, Scope{System: true})
	}
	return &Client{runner: runner, scopes: scopes}
}

// Scopes returns the query scopes in a stable order.
func (c *Client) Scopes() []Scope {
	return c.scopes
}

// Command exposes composed docker command lines for collaborators that drive
// docker under the same scope rules (e.g. archive creation in a helper
// container).
func (c *Client) Command(scope Scope, args ...string) string {
	return c.command(scope, args...)
}

// command composes a docker command line for the given scope.
func (c *Client) command(scope Scope, args ...string) string {
	words := make([]string, 0, len(args)+4)
	if scope.System {
		words = append(words, "sudo", "-n")
	}
	words = append(words, "docker")
	if scope.Context != "" && scope.Context != "default" {
		words = append(words, "--context", scope.Context)
	}
	words = append(words, args...)
	return remote.JoinCommand(words...)
}

// run executes a composed docker command and returns stdout lines.
func (c *Client) run(ctx context.Context, command string) ([]string, error) {
	stdout, _, err := c.runner.Run(ctx, command)
	if err != nil {
		return nil, err
	}
	return splitLines(stdout), nil
}

// ServerVersion returns the docker server version of one scope. Used as the
// availability probe: it fails when the CLI is missing, the daemon is down or
// the scope's context does not exist.
func (c *Client) ServerVersion(ctx context.Context, scope Scope) (string, error) {
	lines, err := c.run(ctx, c.command(scope, "version", "--format", "{{.Server.Version}}"))
	if err != nil {
		return "", fmt.Errorf("failed to query docker server version in scope %s: %w", scope, err)
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("docker returned no server version in scope %s", scope)
	}
	return lines[0], nil
}

// Contexts lists the docker contexts configured on the remote host.
func (c *Client) Contexts(ctx context.Context) ([]string, error) {
	lines, err := c.run(ctx, c.command(Scope{}, "context", "ls", "--format", "{{.Name}}"))
	if err != nil {
		return nil, fmt.Errorf("failed to list docker contexts: %w", err)
	}
	return lines, nil
}

// Volumes lists the named volumes visible in one scope.
func (c *Client) Volumes(ctx context.Context, scope Scope) ([]string, error) {
	lines, err := c.run(ctx, c.command(scope, "volume", "ls", "--format", "{{.Name}}"))
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes in scope %s: %w", scope, err)
	}
	return lines, nil
}

// PSEntry is one row of a container listing.
type PSEntry struct {
	Name      string
	Status    Status
	RawStatus string
}

// ContainersUsingVolume lists containers whose declared mounts reference the
// volume, using the daemon's own volume filter.
func (c *Client) ContainersUsingVolume(ctx context.Context, scope Scope, volume string) ([]PSEntry, error) {
	command := c.command(scope, "ps", "-a", "--filter", "volume="+volume, "--format", "{{.Names}}|{{.Status}}")
	lines, err := c.run(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("volume filter query failed in scope %s: %w", scope, err)
	}
	entries := parsePSLines(lines, 2)
	out := make([]PSEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.PSEntry)
	}
	return out, nil
}

// ContainersWithMountSubstring scans every container's raw mount column for
// the volume name. The daemon's volume filter misses bind-style and some
// driver-specific mounts, so this fallback runs alongside it.
func (c *Client) ContainersWithMountSubstring(ctx context.Context, scope Scope, volume string) ([]PSEntry, error) {
	command := c.command(scope, "ps", "-a", "--format", "{{.Names}}|{{.Status}}|{{.Mounts}}")
	lines, err := c.run(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("mount scan query failed in scope %s: %w", scope, err)
	}

	var matches []PSEntry
	for _, entry := range parsePSLines(lines, 3) {
		if strings.Contains(entry.mounts, volume) {
			matches = append(matches, entry.PSEntry)
		}
	}
	return matches, nil
}

// mountPSEntry carries the raw mounts column alongside a PSEntry during the
// fallback scan.
type mountPSEntry struct {
	PSEntry
	mounts string
}

// MountPath resolves the path at which the container mounts the volume.
// Returns ("", nil) when the container does not mount the volume by name or
// source; the caller substitutes its fallback path.
func (c *Client) MountPath(ctx context.Context, scope Scope, container, volume string) (string, error) {
	format := `{{range .Mounts}}{{.Name}}|{{.Source}}|{{.Destination}}{{println}}{{end}}`
	lines, err := c.run(ctx, c.command(scope, "inspect", "--format", format, container))
	if err != nil {
		return "", fmt.Errorf("failed to inspect mounts of %s: %w", container, err)
	}

	for _, line := range lines {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		name, source, destination := parts[0], parts[1], parts[2]
		if name == volume || (name == "" && strings.Contains(source, volume)) {
			return destination, nil
		}
	}
	return "", nil
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func parsePSLines(lines []string, fields int) []mountPSEntry {
	var entries []mountPSEntry
	for _, line := range lines {
		parts := strings.SplitN(line, "|", fields)
		if len(parts) < 2 || parts[0] == "" {
			continue
		}
		entry := mountPSEntry{
			PSEntry: PSEntry{
				Name:      parts[0],
				Status:    StatusFromString(parts[1]),
				RawStatus: parts[1],
			},
		}
		if fields == 3 && len(parts) == 3 {
			entry.mounts = parts[2]
		}
		entries = append(entries, entry)
	}
	return entries
}
