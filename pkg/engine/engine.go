// Package engine orchestrates a full backup run. It wires the phase packages
// together in the order the operation demands: preflight, lock, hooks,
// remote session, impact analysis, consent, container stop, per-volume
// archive and transfer, restart, retention.
//
// The hard rule the engine enforces is that every container it stopped is
// restarted exactly once before the run ends, on every exit path. The
// lifecycle coordinator owns the mechanics; the engine guarantees its
// finalizer runs while the SSH session is still open, even when the run is
// interrupted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-volback/pkg/consent"
	"github.com/paulschiretz/pgl-volback/pkg/docker"
	"github.com/paulschiretz/pgl-volback/pkg/hints"
	"github.com/paulschiretz/pgl-volback/pkg/hook"
	"github.com/paulschiretz/pgl-volback/pkg/impact"
	"github.com/paulschiretz/pgl-volback/pkg/lifecycle"
	"github.com/paulschiretz/pgl-volback/pkg/limiter"
	"github.com/paulschiretz/pgl-volback/pkg/lockfile"
	"github.com/paulschiretz/pgl-volback/pkg/planner"
	"github.com/paulschiretz/pgl-volback/pkg/plog"
	"github.com/paulschiretz/pgl-volback/pkg/pool"
	"github.com/paulschiretz/pgl-volback/pkg/preflight"
	"github.com/paulschiretz/pgl-volback/pkg/remote"
	"github.com/paulschiretz/pgl-volback/pkg/runmetrics"
	"github.com/paulschiretz/pgl-volback/pkg/transfer"
	"github.com/paulschiretz/pgl-volback/pkg/volarchive"
	"github.com/paulschiretz/pgl-volback/pkg/volretention"
)

// Session is one live connection to the remote docker host. The runner for
// shell commands and the downloader for staged archives usually share the
// same SSH transport.
type Session interface {
	Runner() remote.Runner
	Downloader() remote.Downloader
	Close() error
}

// Dialer opens a Session from resolved connection settings.
type Dialer interface {
	Dial(cfg remote.SSHConfig) (Session, error)
}

// Validator runs the preflight checks. Local checks run before anything else
// touches the target directory; remote checks need the session and run right
// after dialing.
type Validator interface {
	ValidateTarget(targetDir string, p *preflight.Plan) error
	ValidateRemote(ctx context.Context, runner remote.Runner, client *docker.Client, p *preflight.Plan) error
}

// Hooker executes the user's pre and post backup commands.
type Hooker interface {
	RunPreBackup(ctx context.Context, p *hook.Plan, timestampUTC time.Time) error
	RunPostBackup(ctx context.Context, p *hook.Plan, timestampUTC time.Time) error
}

// Outcome summarizes what a backup run did. The command layer derives the
// process exit code from VolumesAttempted vs VolumesSucceeded.
type Outcome struct {
	VolumesAttempted    int
	VolumesSucceeded    int
	ContainersManaged   int
	ContainersStopped   int
	ContainersRestarted int
	StopFailures        int
	RestartFailures     int
}

// Runner executes backup and prune operations against their plans.
type Runner struct {
	validator Validator
	dialer    Dialer
	hooks     Hooker
	prompter  consent.Prompter
}

// NewRunner creates a Runner with explicit collaborators.
func NewRunner(validator Validator, dialer Dialer, hooks Hooker, prompter consent.Prompter) *Runner {
	return &Runner{
		validator: validator,
		dialer:    dialer,
		hooks:     hooks,
		prompter:  prompter,
	}
}

// NewDefaultRunner wires the production collaborators: real preflight checks,
// SSH dialing, hook execution via the OS shell, and a terminal prompter.
func NewDefaultRunner() *Runner {
	return NewRunner(
		&preflightValidator{},
		&sshDialer{},
		hook.NewHookExecutor(exec.CommandContext),
		consent.NewTerminalPrompter(),
	)
}

// volumeTarget is one volume to back up together with the scope whose daemon
// owns it.
type volumeTarget struct {
	Name  string
	Scope docker.Scope
}

// ExecuteBackup runs the whole backup pipeline for one plan. Per-volume
// failures do not abort the remaining volumes unless FailFast is set; the
// returned error is non-nil when any volume failed or the run was cancelled.
func (r *Runner) ExecuteBackup(ctx context.Context, p *planner.BackupPlan) (outcome Outcome, err error) {
	select {
	case <-ctx.Done():
		return outcome, ctx.Err()
	default:
	}

	startTime := time.Now().UTC()

	var metrics runmetrics.Metrics = &runmetrics.NoopMetrics{}
	if p.Metrics {
		metrics = &runmetrics.RunMetrics{}
	}

	if err := r.validator.ValidateTarget(p.TargetDir, p.Preflight); err != nil {
		return outcome, fmt.Errorf("preflight failed: %w", err)
	}

	releaseLock, err := r.acquireTargetLock(ctx, p.TargetDir)
	if err != nil {
		return outcome, err
	}
	if releaseLock == nil {
		return outcome, nil // Another run holds the target, exit gracefully.
	}
	defer releaseLock()

	// --- Pre-Backup Hooks ---
	if err := r.hooks.RunPreBackup(ctx, p.Hooks, startTime); err != nil && !hints.IsHint(err) {
		errMsg := "pre-backup hook failed"
		if errors.Is(err, context.Canceled) {
			errMsg = "pre-backup hook canceled"
		}
		return outcome, fmt.Errorf("%s: %w", errMsg, err)
	}

	// --- Post-Backup Hooks (deferred) ---
	// These run at the end of the function, even if the backup fails.
	defer func() {
		if hookErr := r.hooks.RunPostBackup(ctx, p.Hooks, startTime); hookErr != nil && !hints.IsHint(hookErr) {
			if errors.Is(hookErr, context.Canceled) {
				plog.Info("post-backup hooks skipped due to cancellation")
			} else {
				plog.Warn("post-backup hook failed", "error", hookErr)
			}
		}
	}()

	plog.Info("Starting backup", "host", p.Host, "target", p.TargetDir, "dryRun", p.DryRun)

	session, err := r.dialer.Dial(p.SSH)
	if err != nil {
		return outcome, fmt.Errorf("failed to connect to %s: %w", p.Host, err)
	}
	defer session.Close()

	dockerClient := docker.NewClient(session.Runner(), p.DockerContexts, p.IncludeSystem)

	if err := r.validator.ValidateRemote(ctx, session.Runner(), dockerClient, p.Preflight); err != nil {
		return outcome, fmt.Errorf("preflight failed: %w", err)
	}

	targets, err := r.discoverVolumes(ctx, dockerClient, p.Volumes)
	if err != nil {
		return outcome, err
	}
	if len(targets) == 0 {
		plog.Info("No volumes to back up")
		return outcome, nil
	}

	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Name
	}
	plog.Info("Backing up volumes", "count", len(targets), "volumes", names)

	analyzer := impact.NewAnalyzer(dockerClient, p.FallbackMountPath)
	record := analyzer.Analyze(ctx, names)
	outcome.ContainersManaged = record.RunningCount()

	gate := consent.NewGate(r.prompter, p.Consent)
	decision, err := gate.Decide(record)
	if err != nil {
		return outcome, err
	}

	coord := lifecycle.NewCoordinator(dockerClient, p.Lifecycle)

	// The finalizer restarts every container the run stopped. It must run on
	// every exit path, with a context that survives cancellation, while the
	// SSH session is still open. The explicit call after the volume loop wins
	// on the happy path; the deferred call covers errors and interrupts.
	var collectOnce sync.Once
	finalize := func(fctx context.Context) {
		coord.Finalize(fctx)
		collectOnce.Do(func() {
			outcome.ContainersRestarted = coord.RestartedCount()
			outcome.RestartFailures = len(coord.RestartFailures())
			metrics.AddContainersRestarted(int64(outcome.ContainersRestarted))
			metrics.AddRestartFailures(int64(outcome.RestartFailures))
		})
	}
	defer finalize(context.WithoutCancel(ctx))

	if decision == consent.Proceed && record.RunningCount() > 0 {
		refs := runningRefs(record)
		stopErrs := coord.StopAll(ctx, refs)
		outcome.ContainersStopped = len(coord.Stopped())
		outcome.StopFailures = len(stopErrs)
		metrics.AddContainersStopped(int64(outcome.ContainersStopped))
		metrics.AddStopFailures(int64(outcome.StopFailures))

		if len(stopErrs) > 0 {
			cont, cerr := gate.ConfirmContinueAfterStopFailures(len(stopErrs))
			if cerr != nil {
				return outcome, cerr
			}
			if !cont {
				return outcome, consent.ErrCancelled
			}
		}
	}

	// --- Per-volume archive and transfer ---
	archiver := volarchive.NewArchiver(session.Runner(), dockerClient)
	buffers := pool.NewFixedBufferPool(p.Transfer.BufferSize)
	budget := limiter.NewMemory(p.MemoryBudget)
	transferrer := transfer.NewTransferrer(session.Downloader(), buffers, budget, metrics)

	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	metrics.StartProgress("Backup in progress", 30*time.Second)

	var mu sync.Mutex
	var succeeded []string
	var failed int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			metrics.AddVolumesAttempted(1)
			if volErr := r.backupVolume(gctx, target, record, decision, archiver, transferrer, p, startTime); volErr != nil {
				plog.Error("Volume backup failed", "volume", target.Name, "error", volErr)
				mu.Lock()
				failed++
				mu.Unlock()
				if p.FailFast {
					return volErr
				}
				return nil
			}
			metrics.AddVolumesSucceeded(1)
			mu.Lock()
			succeeded = append(succeeded, target.Name)
			mu.Unlock()
			return nil
		})
	}
	groupErr := g.Wait()
	metrics.StopProgress()

	outcome.VolumesAttempted = len(targets)
	outcome.VolumesSucceeded = len(succeeded)

	// Restart stopped containers before retention and hooks so downtime ends
	// as early as possible. The restart context must survive cancellation:
	// after an interrupt the stopped containers still have to come back.
	finalize(context.WithoutCancel(ctx))

	if ctx.Err() != nil {
		return outcome, ctx.Err()
	}

	if p.RetentionEnabled {
		excludeDir := transfer.BackupDirName(startTime)
		sort.Strings(succeeded)
		pruner := volretention.NewPruner(metrics)
		for _, volume := range succeeded {
			if _, pruneErr := pruner.PruneVolume(volume, excludeDir, p.Retention); pruneErr != nil {
				if p.FailFast {
					return outcome, fmt.Errorf("error during prune: %w", pruneErr)
				}
				plog.Warn("Error during prune, skipping volume", "volume", volume, "error", pruneErr)
			}
		}
	}

	metrics.LogSummary("Backup run summary")

	if p.FailFast && groupErr != nil {
		return outcome, fmt.Errorf("backup aborted: %w", groupErr)
	}
	if failed > 0 {
		return outcome, fmt.Errorf("%d of %d volumes failed", failed, len(targets))
	}
	plog.Info("Backup completed", "volumes", outcome.VolumesSucceeded)
	return outcome, nil
}

// backupVolume creates the remote archive for one volume, downloads it and
// removes the staged copy. The donor read path is only used when the run was
// allowed to stop containers, or when the donor is not running anyway.
func (r *Runner) backupVolume(ctx context.Context, target volumeTarget, record *impact.Record, decision consent.Decision, archiver *volarchive.Archiver, transferrer *transfer.Transferrer, p *planner.BackupPlan, startTime time.Time) error {
	var donor *impact.ContainerRef
	if ref, ok := record.Donor(target.Name); ok {
		if decision == consent.Proceed || ref.Status != docker.StatusRunning {
			donor = &ref
		}
	}

	archive, err := archiver.Create(ctx, target.Scope, target.Name, donor, p.Archive, startTime)
	if err != nil {
		return fmt.Errorf("archive failed: %w", err)
	}
	defer func() {
		if cleanErr := archiver.Cleanup(context.WithoutCancel(ctx), archive, p.DryRun); cleanErr != nil {
			plog.Warn("Failed to remove staged archive", "volume", target.Name, "path", archive.RemotePath, "error", cleanErr)
		}
	}()

	if !p.DryRun {
		if size, sizeErr := archiver.RemoteSize(ctx, archive); sizeErr == nil {
			plog.Debug("Staged archive ready", "volume", target.Name, "bytes", size)
		}
	}

	result, err := transferrer.Download(ctx, archive, p.Transfer, startTime, p.Host)
	if err != nil {
		return fmt.Errorf("transfer failed: %w", err)
	}
	if !p.DryRun {
		plog.Info("Volume backed up", "volume", target.Name, "path", result.ArchivePath, "bytes", result.ArchiveBytes)
	}
	return nil
}

// ExecutePrune applies the retention policy to every volume directory under
// the target without touching the remote host.
func (r *Runner) ExecutePrune(ctx context.Context, p *planner.PrunePlan) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var metrics runmetrics.Metrics = &runmetrics.NoopMetrics{}
	if p.Metrics {
		metrics = &runmetrics.RunMetrics{}
	}

	if err := r.validator.ValidateTarget(p.TargetDir, p.Preflight); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	releaseLock, err := r.acquireTargetLock(ctx, p.TargetDir)
	if err != nil {
		return err
	}
	if releaseLock == nil {
		return nil
	}
	defer releaseLock()

	plog.Info("Starting prune", "target", p.TargetDir, "keep", p.Retention.Keep)

	pruner := volretention.NewPruner(metrics)
	removed, err := pruner.PruneTarget(p.Retention)
	if err != nil {
		return fmt.Errorf("error during prune: %w", err)
	}
	plog.Info("Prune completed", "removed", removed)
	return nil
}

// acquireTargetLock acquires the run lock inside the target directory. A nil
// release function with a nil error means another run already holds it.
func (r *Runner) acquireTargetLock(ctx context.Context, targetDir string) (func(), error) {
	appID := fmt.Sprintf("pgl-volback:%s", targetDir)

	plog.Debug("Attempting to acquire lock", "path", targetDir)
	lock, err := lockfile.Acquire(ctx, targetDir, appID)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			plog.Warn("Operation is already running for this target, skipping run.", "details", lockErr.Error())
			return nil, nil
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully.")

	return lock.Release, nil
}

// discoverVolumes resolves the volumes to back up. An explicit list keeps its
// order and is matched to the scope whose daemon reports it; an empty list
// means every volume from every scope.
func (r *Runner) discoverVolumes(ctx context.Context, client *docker.Client, requested []string) ([]volumeTarget, error) {
	scopes := client.Scopes()

	byName := make(map[string]docker.Scope)
	var discovered []volumeTarget
	for _, scope := range scopes {
		volumes, err := client.Volumes(ctx, scope)
		if err != nil {
			if len(requested) == 0 {
				return nil, fmt.Errorf("failed to list volumes in scope %s: %w", scope, err)
			}
			// With an explicit list a blind scope only loses scope matching.
			plog.Warn("Failed to list volumes, skipping scope", "scope", scope.String(), "error", err)
			continue
		}
		sort.Strings(volumes)
		for _, volume := range volumes {
			if _, ok := byName[volume]; ok {
				continue
			}
			byName[volume] = scope
			discovered = append(discovered, volumeTarget{Name: volume, Scope: scope})
		}
	}

	if len(requested) == 0 {
		return discovered, nil
	}

	targets := make([]volumeTarget, 0, len(requested))
	seen := make(map[string]struct{})
	for _, volume := range requested {
		if _, ok := seen[volume]; ok {
			continue
		}
		seen[volume] = struct{}{}
		scope, ok := byName[volume]
		if !ok {
			// Unknown volumes are still attempted in the default scope so the
			// archive step reports the real daemon error.
			scope = scopes[0]
			plog.Warn("Volume not reported by any scope", "volume", volume, "scope", scope.String())
		}
		targets = append(targets, volumeTarget{Name: volume, Scope: scope})
	}
	return targets, nil
}

// runningRefs flattens an impact record into the ordered list of distinct
// running containers the stop phase acts on.
func runningRefs(record *impact.Record) []impact.ContainerRef {
	names := record.RunningNames()
	refs := make([]impact.ContainerRef, 0, len(names))
	for _, name := range names {
		if ref, ok := record.RunningRef(name); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}
