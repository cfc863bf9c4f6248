package engine

import (
	"context"

	"github.com/paulschiretz/pgl-volback/pkg/docker"
	"github.com/paulschiretz/pgl-volback/pkg/preflight"
	"github.com/paulschiretz/pgl-volback/pkg/remote"
)

// preflightValidator runs the real preflight checks according to the plan's
// switches.
type preflightValidator struct{}

func (v *preflightValidator) ValidateTarget(targetDir string, p *preflight.Plan) error {
	if p.TargetAccessible {
		if err := preflight.CheckBackupTargetAccessible(targetDir); err != nil {
			return err
		}
	}
	// Writability is checked with a real write, so dry runs skip it.
	if p.TargetWritable && !p.DryRun {
		if err := preflight.CheckBackupTargetWritable(targetDir); err != nil {
			return err
		}
	}
	if p.MinFreeSpaceBytes > 0 {
		if err := preflight.CheckTargetFreeSpace(targetDir, p.MinFreeSpaceBytes); err != nil {
			return err
		}
	}
	return nil
}

func (v *preflightValidator) ValidateRemote(ctx context.Context, runner remote.Runner, client *docker.Client, p *preflight.Plan) error {
	if p.RemoteReachable {
		if err := preflight.CheckRemoteReachable(ctx, runner); err != nil {
			return err
		}
	}
	if p.DockerAvailable {
		if err := preflight.CheckDockerAvailable(ctx, client); err != nil {
			return err
		}
	}
	return nil
}
