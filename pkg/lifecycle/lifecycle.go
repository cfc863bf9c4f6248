// Package lifecycle owns the stop/restart state machine around a backup run.
//
// The coordinator is the only writer of the stopped-container set. The stop
// phase, the per-volume backup loop and the restart finalizer all observe it
// through the coordinator, and the finalizer can run concurrently with the
// normal flow when a signal lands, so every access is serialized here.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-volback/pkg/docker"
	"github.com/paulschiretz/pgl-volback/pkg/impact"
	"github.com/paulschiretz/pgl-volback/pkg/plog"
)

// ContainerClient is the slice of the docker facade the coordinator needs.
type ContainerClient interface {
	Stop(ctx context.Context, scope docker.Scope, name string, timeoutSeconds int) error
	Kill(ctx context.Context, scope docker.Scope, name string) error
	Start(ctx context.Context, scope docker.Scope, name string) error
	IsRunning(ctx context.Context, scope docker.Scope, name string) (bool, error)
}

// Plan carries the stop/restart policy for one run.
type Plan struct {
	StopTimeoutSeconds int
	ForceStop          bool // escalate to kill when the graceful stop fails
	RestartEnabled     bool
	RestartDelay       time.Duration // pacing between successive start requests
	DryRun             bool
}

// StopError records one container the stop phase could not bring down.
type StopError struct {
	Name string
	Err  error
}

// Coordinator tracks exactly which containers this run stopped and guarantees
// one restart attempt for all of them.
type Coordinator struct {
	client ContainerClient
	plan   *Plan

	mu              sync.Mutex
	stopped         []string // insertion order = stop order
	scopes          map[string]docker.Scope
	stopErrors      []StopError
	restartFailures []string
	restartedCount  int

	// restartOnce enforces the central invariant: the restart phase is
	// attempted exactly once per run, no matter how many exit paths race to
	// trigger it.
	restartOnce sync.Once
}

// NewCoordinator creates a coordinator with an empty stopped set.
func NewCoordinator(client ContainerClient, plan *Plan) *Coordinator {
	return &Coordinator{
		client: client,
		plan:   plan,
		scopes: make(map[string]docker.Scope),
	}
}

// StopAll stops every container in refs, at most once per name, and records
// the ones that actually went down. Names that were already stopped before
// the run, or that fail to stop, never enter the stopped set.
func (c *Coordinator) StopAll(ctx context.Context, refs []impact.ContainerRef) []StopError {
	seen := make(map[string]struct{})

	for _, ref := range refs {
		if _, ok := seen[ref.Name]; ok {
			continue
		}
		seen[ref.Name] = struct{}{}

		if ref.Status != docker.StatusRunning {
			continue
		}

		if c.plan.DryRun {
			plog.Info("[DRY RUN] Would stop container", "container", ref.Name, "timeout_s", c.plan.StopTimeoutSeconds)
			c.recordStopped(ref.Name, ref.Scope)
			continue
		}

		plog.Notice("Stopping container", "container", ref.Name, "timeout_s", c.plan.StopTimeoutSeconds)
		err := c.client.Stop(ctx, ref.Scope, ref.Name, c.plan.StopTimeoutSeconds)
		if err != nil && c.plan.ForceStop {
			plog.Warn("Graceful stop failed, escalating to kill", "container", ref.Name, "error", err)
			err = c.client.Kill(ctx, ref.Scope, ref.Name)
		}
		if err != nil {
			plog.Error("Failed to stop container", "container", ref.Name, "error", err)
			c.mu.Lock()
			c.stopErrors = append(c.stopErrors, StopError{Name: ref.Name, Err: err})
			c.mu.Unlock()
			continue
		}
		c.recordStopped(ref.Name, ref.Scope)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StopError(nil), c.stopErrors...)
}

func (c *Coordinator) recordStopped(name string, scope docker.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, name)
	c.scopes[name] = scope
}

// Stopped returns a snapshot of the stopped set in stop order.
func (c *Coordinator) Stopped() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stopped...)
}

// WasStoppedByUs reports whether this run stopped the container, which tells
// the backup phase the container is already down.
func (c *Coordinator) WasStoppedByUs(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.stopped {
		if n == name {
			return true
		}
	}
	return false
}

// StopErrors returns the containers the stop phase could not bring down.
func (c *Coordinator) StopErrors() []StopError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StopError(nil), c.stopErrors...)
}

// RestartFailures returns the names still stopped after the restart phase.
func (c *Coordinator) RestartFailures() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.restartFailures...)
}

// RestartedCount returns the number of confirmed restarts.
func (c *Coordinator) RestartedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartedCount
}

// Finalize runs the restart phase. It is safe to call from multiple exit
// paths (normal completion, failure unwinding, signal handling); only the
// first call acts. The caller should pass a context that survives run
// cancellation, since the restarts still have to happen after an interrupt.
func (c *Coordinator) Finalize(ctx context.Context) {
	c.restartOnce.Do(func() { c.restartAll(ctx) })
}

func (c *Coordinator) restartAll(ctx context.Context) {
	names := c.Stopped()
	if len(names) == 0 {
		return
	}

	if !c.plan.RestartEnabled {
		plog.Warn("Automatic restart is disabled; containers left stopped", "containers", names)
		return
	}

	plog.Notice("Restarting containers", "count", len(names))

	// Reverse of stop order: the last container stopped is typically the
	// closest to the leaves of the startup dependency chain.
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		if c.restartOne(ctx, name) {
			c.pruneRestarted(name)
		} else {
			c.mu.Lock()
			c.restartFailures = append(c.restartFailures, name)
			c.mu.Unlock()
		}

		// Pace successive start requests so a large set does not slam the
		// daemon. Not needed after the last one.
		if i > 0 && c.plan.RestartDelay > 0 {
			time.Sleep(c.plan.RestartDelay)
		}
	}
}

// restartOne issues the start request and verifies the resulting state by
// inspection. A start call can return success while the container exits
// immediately; only a confirmed running state counts.
func (c *Coordinator) restartOne(ctx context.Context, name string) bool {
	c.mu.Lock()
	scope := c.scopes[name]
	c.mu.Unlock()

	if c.plan.DryRun {
		plog.Info("[DRY RUN] Would restart container", "container", name)
		return true
	}

	if err := c.client.Start(ctx, scope, name); err != nil {
		plog.Error("Failed to start container", "container", name, "error", err)
		return false
	}

	running, err := c.client.IsRunning(ctx, scope, name)
	if err != nil {
		plog.Error("Could not verify container state after start", "container", name, "error", err)
		return false
	}
	if !running {
		plog.Error("Container exited immediately after start", "container", name)
		return false
	}

	plog.Notice("Container restarted", "container", name)
	return true
}

// pruneRestarted removes a confirmed-running name from the stopped set, so a
// later restart invocation (there should be none, but Finalize guards it) is
// a no-op for it.
func (c *Coordinator) pruneRestarted(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.stopped {
		if n == name {
			c.stopped = append(c.stopped[:i], c.stopped[i+1:]...)
			break
		}
	}
	c.restartedCount++
}
