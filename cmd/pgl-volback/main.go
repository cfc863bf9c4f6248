package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-volback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-volback/pkg/config"
	"github.com/paulschiretz/pgl-volback/pkg/consent"
	"github.com/paulschiretz/pgl-volback/pkg/engine"
	"github.com/paulschiretz/pgl-volback/pkg/flagparse"
	"github.com/paulschiretz/pgl-volback/pkg/hints"
	"github.com/paulschiretz/pgl-volback/pkg/planner"
	"github.com/paulschiretz/pgl-volback/pkg/plog"
	"github.com/paulschiretz/pgl-volback/pkg/util"
)

// exitInterrupted is the conventional exit code for a run ended by SIGINT.
const exitInterrupted = 130

// runBackup loads the target's configuration, overlays the command-line
// flags and executes the backup pipeline.
func runBackup(ctx context.Context, flagMap map[string]interface{}) error {
	targetPath, ok := flagMap["target"].(string)
	if !ok || targetPath == "" {
		return fmt.Errorf("the -target flag is required to run a backup")
	}

	loadedConfig, err := config.Load(targetPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from target: %w", err)
	}
	runConfig := config.MergeConfigWithFlags(flagparse.Backup, loadedConfig, flagMap)

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	if err := runConfig.Validate(true); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	runConfig.LogSummary()

	plan, err := planner.GenerateBackupPlan(runConfig)
	if err != nil {
		return err
	}

	startTime := time.Now()
	outcome, err := engine.NewDefaultRunner().ExecuteBackup(ctx, plan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" finished successfully.",
		"volumes", outcome.VolumesSucceeded,
		"containersManaged", outcome.ContainersManaged,
		"duration", duration)
	return nil
}

// runPrune applies the retention policy without contacting the remote host.
func runPrune(ctx context.Context, flagMap map[string]interface{}) error {
	targetPath, ok := flagMap["target"].(string)
	if !ok || targetPath == "" {
		return fmt.Errorf("the -target flag is required to prune backups")
	}

	loadedConfig, err := config.Load(targetPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from target: %w", err)
	}
	runConfig := config.MergeConfigWithFlags(flagparse.Prune, loadedConfig, flagMap)

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	if err := runConfig.Validate(false); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	plan, err := planner.GeneratePrunePlan(runConfig)
	if err != nil {
		return err
	}
	return engine.NewDefaultRunner().ExecutePrune(ctx, plan)
}

// runInit writes a configuration file into the target directory so the
// long-term options live next to the backups they govern.
func runInit(flagMap map[string]interface{}) error {
	targetPath, ok := flagMap["target"].(string)
	if !ok || targetPath == "" {
		return fmt.Errorf("the -target flag is required for the init operation")
	}
	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return fmt.Errorf("could not resolve target path %s: %w", targetPath, err)
	}

	force, _ := flagMap["force"].(bool)
	useDefaults, _ := flagMap["default"].(bool)

	initConfig := config.NewDefault()
	initConfig.TargetBase = absTarget
	if !useDefaults {
		initConfig = config.MergeConfigWithFlags(flagparse.Init, initConfig, flagMap)
		initConfig.TargetBase = absTarget
	}

	configPath := filepath.Join(absTarget, config.ConfigFileName)
	if _, statErr := os.Stat(configPath); statErr == nil && !force && !useDefaults {
		if !consent.StdinIsTerminal() {
			return fmt.Errorf("configuration already exists at %s; use -force to overwrite", configPath)
		}
		overwrite, promptErr := consent.NewTerminalPrompter().Confirm(
			fmt.Sprintf("A configuration already exists at %s. Overwrite it?", configPath), false)
		if promptErr != nil {
			return promptErr
		}
		if !overwrite {
			plog.Info("Keeping the existing configuration.")
			return nil
		}
	}

	if err := os.MkdirAll(absTarget, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("could not create target directory %s: %w", absTarget, err)
	}
	if err := config.Generate(initConfig); err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" target initialized.", "target", absTarget)
	return nil
}

// run dispatches the parsed command and returns the process exit code.
func run(ctx context.Context, args []string) (int, error) {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		return 1, err
	}

	switch command {
	case flagparse.None:
		return 0, nil // Help text already printed.
	case flagparse.Version:
		fmt.Printf("%s version %s\n", buildinfo.Name, buildinfo.Version)
		return 0, nil
	case flagparse.Init:
		err = runInit(flagMap)
	case flagparse.Prune:
		err = runPrune(ctx, flagMap)
	case flagparse.Backup:
		err = runBackup(ctx, flagMap)
	default:
		return 1, fmt.Errorf("internal error: unknown command %s", command)
	}

	switch {
	case err == nil:
		return 0, nil
	case hints.IsHint(err):
		// A hint ends the run cleanly: the operator declined, or there was
		// nothing to do.
		plog.Notice(err.Error())
		return 0, nil
	case errors.Is(err, context.Canceled):
		return exitInterrupted, err
	default:
		return 1, err
	}
}

func main() {
	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())

	// Cancel the run context on the first interrupt; the engine unwinds and
	// restarts whatever it stopped. A second interrupt kills the process the
	// usual way because the handler is reset.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		plog.Warn("Interrupt received, unwinding. Stopped containers will be restarted.")
		signal.Stop(sigChan)
		cancel()
	}()

	code, err := run(ctx, os.Args[1:])
	if err != nil && code != 0 {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
	}
	os.Exit(code)
}
