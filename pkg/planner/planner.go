// Package planner turns a validated configuration into the immutable plans
// the engine executes. All unit conversions (seconds to durations, KB and MB
// to bytes) happen here so the phase packages only see ready-to-use values.
package planner

import (
	"time"

	"github.com/paulschiretz/pgl-volback/pkg/config"
	"github.com/paulschiretz/pgl-volback/pkg/consent"
	"github.com/paulschiretz/pgl-volback/pkg/hook"
	"github.com/paulschiretz/pgl-volback/pkg/lifecycle"
	"github.com/paulschiretz/pgl-volback/pkg/preflight"
	"github.com/paulschiretz/pgl-volback/pkg/remote"
	"github.com/paulschiretz/pgl-volback/pkg/transfer"
	"github.com/paulschiretz/pgl-volback/pkg/volarchive"
	"github.com/paulschiretz/pgl-volback/pkg/volretention"
)

type BackupPlan struct {
	DryRun   bool
	FailFast bool
	Metrics  bool

	TargetDir string
	// Volumes restricts the run; empty means discover all volumes.
	Volumes []string

	SSH remote.SSHConfig
	// Host is the resolved display name recorded in metafiles and logs.
	Host string

	DockerContexts    []string
	IncludeSystem     bool
	FallbackMountPath string

	Workers      int
	MemoryBudget int64

	Preflight *preflight.Plan
	Consent   *consent.Plan
	Lifecycle *lifecycle.Plan
	Archive   *volarchive.Plan
	Transfer  *transfer.Plan

	RetentionEnabled bool
	Retention        *volretention.Plan

	Hooks *hook.Plan
}

type PrunePlan struct {
	DryRun   bool
	FailFast bool
	Metrics  bool

	TargetDir string

	Preflight *preflight.Plan
	Retention *volretention.Plan
}

func GenerateBackupPlan(cfg config.Config) (*BackupPlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	failFast := cfg.Engine.FailFast
	metrics := cfg.Engine.Metrics

	compression, err := transfer.ParseFormat(cfg.Transfer.Compression)
	if err != nil {
		return nil, err
	}

	// finish the plan
	return &BackupPlan{

		DryRun:   dryRun,
		FailFast: failFast,
		Metrics:  metrics,

		TargetDir: cfg.TargetBase,
		Volumes:   cfg.Volumes,

		SSH: remote.SSHConfig{
			Host:               cfg.Remote.Host,
			User:               cfg.Remote.User,
			Port:               cfg.Remote.Port,
			PrivateKeyPath:     cfg.Remote.KeyPath,
			UseAgent:           cfg.Remote.UseAgent,
			KnownHostsPath:     cfg.Remote.KnownHostsPath,
			InsecureSkipVerify: cfg.Remote.InsecureSkipVerify,
			Timeout:            time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
		},
		Host: cfg.Remote.Host,

		DockerContexts:    cfg.Docker.Contexts,
		IncludeSystem:     cfg.Docker.IncludeSystem,
		FallbackMountPath: cfg.Docker.FallbackMountPath,

		Workers:      cfg.Transfer.Workers,
		MemoryBudget: int64(cfg.Transfer.MemoryBudgetMB) * 1024 * 1024,

		Preflight: &preflight.Plan{
			TargetAccessible:  true,
			TargetWritable:    true,
			RemoteReachable:   true,
			DockerAvailable:   true,
			MinFreeSpaceBytes: int64(cfg.Engine.MinFreeSpaceMB) * 1024 * 1024,
			// Global Flags
			DryRun: dryRun,
		},
		Consent: &consent.Plan{
			NonInteractive: cfg.Consent.NonInteractive,
			AutoConfirm:    cfg.Consent.AutoConfirm,
			DryRun:         dryRun,
		},
		Lifecycle: &lifecycle.Plan{
			StopTimeoutSeconds: cfg.Docker.StopTimeoutSeconds,
			ForceStop:          cfg.Docker.ForceStop,
			RestartEnabled:     cfg.Docker.RestartEnabled,
			RestartDelay:       time.Duration(cfg.Docker.RestartDelaySeconds) * time.Second,
			DryRun:             dryRun,
		},
		Archive: &volarchive.Plan{
			HelperImage: cfg.Docker.HelperImage,
			StagePath:   cfg.Docker.StagePath,
			DryRun:      dryRun,
		},
		Transfer: &transfer.Plan{
			TargetDir:   cfg.TargetBase,
			Compression: compression,
			BufferSize:  int64(cfg.Transfer.BufferSizeKB) * 1024,
			DryRun:      dryRun,
		},

		RetentionEnabled: cfg.Retention.Enabled,
		Retention: &volretention.Plan{
			TargetDir: cfg.TargetBase,
			Keep:      cfg.Retention.Keep,
			DryRun:    dryRun,
		},

		Hooks: &hook.Plan{
			Enabled:            cfg.Hooks.Enabled,
			PreBackupCommands:  cfg.Hooks.PreBackup,
			PostBackupCommands: cfg.Hooks.PostBackup,
			TargetDir:          cfg.TargetBase,
			DryRun:             dryRun,
			FailFast:           failFast,
		},
	}, nil
}

func GeneratePrunePlan(cfg config.Config) (*PrunePlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	failFast := cfg.Engine.FailFast
	metrics := cfg.Engine.Metrics

	// finish the plan
	return &PrunePlan{
		DryRun:   dryRun,
		FailFast: failFast,
		Metrics:  metrics,

		TargetDir: cfg.TargetBase,

		Preflight: &preflight.Plan{
			TargetAccessible: true,
			TargetWritable:   false,
			RemoteReachable:  false,
			DockerAvailable:  false,
			// Global Flags
			DryRun: dryRun,
		},
		Retention: &volretention.Plan{
			TargetDir: cfg.TargetBase,
			Keep:      cfg.Retention.Keep,
			DryRun:    dryRun,
		},
	}, nil
}
