package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Stop gracefully stops a container, giving it timeoutSeconds to shut down
// before the daemon kills it.
func (c *Client) Stop(ctx context.Context, scope Scope, name string, timeoutSeconds int) error {
	command := c.command(scope, "stop", "-t", strconv.Itoa(timeoutSeconds), name)
	if _, _, err := c.runner.Run(ctx, command); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// Kill terminates a container immediately, without a grace period.
func (c *Client) Kill(ctx context.Context, scope Scope, name string) error {
	if _, _, err := c.runner.Run(ctx, c.command(scope, "kill", name)); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", name, err)
	}
	return nil
}

// Start issues a start request. Callers must not trust a nil return as proof
// the container is running; verify with IsRunning, because a started
// container can exit immediately.
func (c *Client) Start(ctx context.Context, scope Scope, name string) error {
	if _, _, err := c.runner.Run(ctx, c.command(scope, "start", name)); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// IsRunning inspects the container's actual state.
func (c *Client) IsRunning(ctx context.Context, scope Scope, name string) (bool, error) {
	stdout, _, err := c.runner.Run(ctx, c.command(scope, "inspect", "--format", "{{.State.Running}}", name))
	if err != nil {
		return false, fmt.Errorf("failed to inspect state of %s: %w", name, err)
	}
	return strings.TrimSpace(stdout) == "true", nil
}
