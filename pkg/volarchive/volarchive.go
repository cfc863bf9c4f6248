// Package volarchive creates tar archives of Docker volumes on the remote
// host. The archive is written to a staging directory on the remote
// filesystem and later streamed down and removed by the transfer phase.
//
// Two creation modes exist:
//
//   - Donor mode: a throwaway helper container borrows the volume mounts of
//     an existing container via --volumes-from and tars the volume's mount
//     path. This works even for volumes whose driver-level contents are only
//     reachable through a container.
//   - Direct mode: the volume is mounted read-only into the helper container
//     by name. Used when no container references the volume.
package volarchive

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-volback/pkg/docker"
	"github.com/paulschiretz/pgl-volback/pkg/impact"
	"github.com/paulschiretz/pgl-volback/pkg/plog"
	"github.com/paulschiretz/pgl-volback/pkg/remote"
	"github.com/paulschiretz/pgl-volback/pkg/util"
)

const (
	// DefaultHelperImage is the image used for the throwaway tar container.
	DefaultHelperImage = "alpine:latest"

	// DefaultStagePath is where archives are staged on the remote host.
	DefaultStagePath = "/tmp/pgl-volback"

	// directMountPoint is where a volume is mounted in direct mode.
	directMountPoint = "/pgl-volume"

	// stageMountPoint is where the staging directory appears inside the
	// helper container.
	stageMountPoint = "/pgl-stage"
)

// Plan holds the immutable archive settings for a run.
type Plan struct {
	HelperImage string
	StagePath   string
	DryRun      bool
}

// Result describes a staged remote archive.
type Result struct {
	Volume     string
	RemotePath string // absolute path of the tar on the remote host
	Donor      string // container the mounts were borrowed from, "" in direct mode
}

// Archiver runs tar inside helper containers on the remote host.
type Archiver struct {
	runner remote.Runner
	docker *docker.Client
}

// NewArchiver creates an Archiver driving docker through the given client.
func NewArchiver(runner remote.Runner, dockerClient *docker.Client) *Archiver {
	return &Archiver{runner: runner, docker: dockerClient}
}

// Create stages a tar archive of the volume on the remote host and returns
// its location. When donor is non-nil and carries a usable mount path the
// donor's mounts are borrowed, otherwise the volume is mounted directly.
func (a *Archiver) Create(ctx context.Context, scope docker.Scope, volume string, donor *impact.ContainerRef, plan *Plan, startTime time.Time) (Result, error) {
	archiveFile := fmt.Sprintf("%s_%s.tar", util.SanitizeName(volume), startTime.UTC().Format("20060102-150405"))
	remotePath := plan.StagePath + "/" + archiveFile
	result := Result{Volume: volume, RemotePath: remotePath}

	var runArgs []string
	if donor != nil && donor.MountPath != "" {
		result.Donor = donor.Name
		runArgs = []string{
			"run", "--rm",
			"--volumes-from", donor.Name,
			"-v", plan.StagePath + ":" + stageMountPoint,
			plan.HelperImage,
			"tar", "-cf", stageMountPoint + "/" + archiveFile,
			"-C", donor.MountPath, ".",
		}
	} else {
		runArgs = []string{
			"run", "--rm",
			"-v", volume + ":" + directMountPoint + ":ro",
			"-v", plan.StagePath + ":" + stageMountPoint,
			plan.HelperImage,
			"tar", "-cf", stageMountPoint + "/" + archiveFile,
			"-C", directMountPoint, ".",
		}
	}

	if plan.DryRun {
		plog.Info("[Dry-Run] Would create remote archive",
			"volume", volume,
			"remotePath", remotePath,
			"donor", result.Donor)
		return result, nil
	}

	if _, _, err := a.runner.Run(ctx, remote.JoinCommand("mkdir", "-p", plan.StagePath)); err != nil {
		return Result{}, fmt.Errorf("failed to create remote staging directory %s: %w", plan.StagePath, err)
	}

	plog.Info("Creating remote archive",
		"volume", volume,
		"donor", result.Donor,
		"image", plan.HelperImage)

	cmd := a.docker.Command(scope, runArgs...)
	if _, stderr, err := a.runner.Run(ctx, cmd); err != nil {
		return Result{}, fmt.Errorf("remote archive creation failed for volume %s: %w (stderr: %s)", volume, err, stderr)
	}

	return result, nil
}

// Cleanup removes a staged archive from the remote host. Failures are
// reported but are not fatal to the run; the staging directory lives under
// /tmp and is reaped by the remote OS eventually.
func (a *Archiver) Cleanup(ctx context.Context, result Result, dryRun bool) error {
	if result.RemotePath == "" {
		return nil
	}
	if dryRun {
		plog.Info("[Dry-Run] Would remove remote archive", "remotePath", result.RemotePath)
		return nil
	}
	if _, _, err := a.runner.Run(ctx, remote.JoinCommand("rm", "-f", result.RemotePath)); err != nil {
		return fmt.Errorf("failed to remove remote archive %s: %w", result.RemotePath, err)
	}
	return nil
}

// RemoteSize returns the size in bytes of a staged archive.
func (a *Archiver) RemoteSize(ctx context.Context, result Result) (int64, error) {
	stdout, _, err := a.runner.Run(ctx, remote.JoinCommand("stat", "-c", "%s", result.RemotePath))
	if err != nil {
		// BSD/busybox fallback
		stdout, _, err = a.runner.Run(ctx, remote.JoinCommand("stat", "-f", "%z", result.RemotePath))
		if err != nil {
			return 0, fmt.Errorf("failed to stat remote archive %s: %w", result.RemotePath, err)
		}
	}
	size, err := strconv.ParseInt(strings.TrimSpace(stdout), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected stat output %q for %s: %w", stdout, result.RemotePath, err)
	}
	return size, nil
}
