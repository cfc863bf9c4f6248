package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-volback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-volback/pkg/flagparse"
	"github.com/paulschiretz/pgl-volback/pkg/plog"
	"github.com/paulschiretz/pgl-volback/pkg/transfer"
	"github.com/paulschiretz/pgl-volback/pkg/util"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "pgl-volback.config.json"

type RemoteConfig struct {
	// Host is a host name, address or an alias from ~/.ssh/config.
	Host string `json:"host"`
	User string `json:"user,omitempty"`
	Port int    `json:"port,omitempty"`
	// KeyPath is the SSH private key file. Empty falls back to the ssh
	// config's IdentityFile and then the agent.
	KeyPath        string `json:"keyPath,omitempty"`
	UseAgent       bool   `json:"useAgent"`
	KnownHostsPath string `json:"knownHostsPath,omitempty"`
	// SECURITY: InsecureSkipVerify disables host key verification. Only for
	// lab setups.
	InsecureSkipVerify bool `json:"insecureSkipVerify"`
	TimeoutSeconds     int  `json:"timeoutSeconds"`
}

type DockerConfig struct {
	// Contexts lists additional docker contexts to scan besides the default.
	// Note: omitempty is intentionally not used so that the field appears in
	// the generated config file for better discoverability.
	Contexts []string `json:"contexts"`
	// IncludeSystem also scans the system daemon via passwordless sudo.
	IncludeSystem      bool   `json:"includeSystem"`
	StopTimeoutSeconds int    `json:"stopTimeoutSeconds"`
	ForceStop          bool   `json:"forceStop"`
	RestartEnabled     bool   `json:"restartEnabled"`
	RestartDelaySeconds int   `json:"restartDelaySeconds"`
	// FallbackMountPath is tarred when a container's mount path cannot be
	// resolved from inspect output.
	FallbackMountPath string `json:"fallbackMountPath"`
	HelperImage       string `json:"helperImage"`
	StagePath         string `json:"stagePath"`
}

type ConsentConfig struct {
	AutoConfirm    bool `json:"autoConfirm"`
	NonInteractive bool `json:"nonInteractive"`
}

type TransferConfig struct {
	Compression  string `json:"compression"`
	BufferSizeKB int    `json:"bufferSizeKB" comment:"Size of the I/O buffer in kilobytes for downloads and compression. Must be a power of two. Default is 256 (256KB)."`
	Workers      int    `json:"workers"`
	MemoryBudgetMB int  `json:"memoryBudgetMB"`
}

type RetentionConfig struct {
	Enabled bool `json:"enabled"`
	Keep    int  `json:"keep"`
}

type BackupHooksConfig struct {
	Enabled bool `json:"enabled"`
	// Note: omitempty is intentionally not used so that the hook fields
	// appear in the generated config file for better discoverability.
	// PreBackup is a list of commands to execute before the backup begins.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreBackup []string `json:"preBackup"`
	// PostBackup is a list of commands to execute after the backup finished.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PostBackup []string `json:"postBackup"`
}

type BackupEngineConfig struct {
	Metrics        bool `json:"metrics"`
	FailFast       bool `json:"failFast"`
	MinFreeSpaceMB int  `json:"minFreeSpaceMB"`
}

type RuntimeConfig struct {
	DryRun bool
}

type Config struct {
	Version    string            `json:"version"`
	TargetBase string            `json:"-"` // Never added to config file
	Runtime    RuntimeConfig     `json:"-"` // Never added to config file
	LogLevel   string            `json:"logLevel"`
	Remote     RemoteConfig      `json:"remote"`
	Docker     DockerConfig      `json:"docker"`
	// Volumes restricts the run to the named volumes. Empty means every
	// named volume visible in the configured scopes.
	Volumes   []string          `json:"volumes"`
	Consent   ConsentConfig     `json:"consent"`
	Transfer  TransferConfig    `json:"transfer"`
	Retention RetentionConfig   `json:"retention"`
	Hooks     BackupHooksConfig `json:"hooks"`
	Engine    BackupEngineConfig `json:"engine"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:    buildinfo.Version,
		TargetBase: "", // Intentionally empty to force user configuration.
		LogLevel:   "info",
		Runtime: RuntimeConfig{
			DryRun: false,
		},
		Remote: RemoteConfig{
			Host:           "", // Intentionally empty to force user configuration.
			UseAgent:       true,
			TimeoutSeconds: 10,
		},
		Docker: DockerConfig{
			Contexts:            []string{},
			IncludeSystem:       false,
			StopTimeoutSeconds:  30, // Matches the docker CLI's own default for 'docker stop'.
			ForceStop:           false,
			RestartEnabled:      true,
			RestartDelaySeconds: 0,
			FallbackMountPath:   "/data",
			HelperImage:         "alpine:latest",
			StagePath:           "/tmp/pgl-volback",
		},
		Consent: ConsentConfig{
			AutoConfirm:    false,
			NonInteractive: false,
		},
		Transfer: TransferConfig{
			Compression:    "zstd",
			BufferSizeKB:   256, // Default to 256KB buffer. Keep it between 64KB-4MB and a power of two.
			Workers:        1,   // Sequential by default. Parallel volumes multiply the load on the remote daemon.
			MemoryBudgetMB: 64,
		},
		Retention: RetentionConfig{
			Enabled: true,
			Keep:    5,
		},
		Hooks: BackupHooksConfig{
			Enabled:    true,
			PreBackup:  []string{},
			PostBackup: []string{},
		},
		Engine: BackupEngineConfig{
			Metrics:        true, // Default to enabled for run counters and progress summaries.
			FailFast:       false,
			MinFreeSpaceMB: 0,
		},
	}
}

// Load attempts to load a configuration from "pgl-volback.config.json" in the
// target directory. If the file doesn't exist, it returns the default config
// without an error. If the file exists but fails to parse, it returns an
// error and a zero-value config.
func Load(targetBase string) (Config, error) {

	absTargetBasePath, err := filepath.Abs(targetBase)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for load directory %s: %w", targetBase, err)
	}

	configPath := filepath.Join(absTargetBasePath, ConfigFileName)

	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefault()
			cfg.TargetBase = absTargetBasePath
			return cfg, nil // Config file doesn't exist, which is a normal case.
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", configPath)
	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the JSON file.
	// NOTE: if config.Version differs from appVersion we can add a migration step here.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	config.TargetBase = absTargetBasePath

	// At this point our config has been migrated if needed so override the version in the struct
	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate creates or overwrites a pgl-volback.config.json file in the
// config's target directory.
func Generate(configToGenerate Config) error {
	configPath := filepath.Join(configToGenerate.TargetBase, ConfigFileName)
	// Marshal the config into nicely formatted JSON.
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	// Write the JSON data to the file.
	if err := os.WriteFile(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies.
// When requireRemote is true the remote host must be configured; the prune
// and init commands work without one.
func (c *Config) Validate(requireRemote bool) error {
	// --- Strict Path Validation (Fail-Fast) ---
	if c.TargetBase == "" {
		return fmt.Errorf("target path cannot be empty")
	}

	var err error
	c.TargetBase, err = util.ExpandPath(c.TargetBase)
	if err != nil {
		return fmt.Errorf("could not expand target path: %w", err)
	}
	c.TargetBase = filepath.Clean(c.TargetBase)

	// --- Validate Remote Settings ---
	if requireRemote && c.Remote.Host == "" {
		return fmt.Errorf("remote.host cannot be empty")
	}
	if c.Remote.Port < 0 || c.Remote.Port > 65535 {
		return fmt.Errorf("remote.port must be between 0 and 65535")
	}
	if c.Remote.TimeoutSeconds < 0 {
		return fmt.Errorf("remote.timeoutSeconds cannot be negative")
	}
	if c.Remote.KeyPath != "" {
		c.Remote.KeyPath, err = util.ExpandPath(c.Remote.KeyPath)
		if err != nil {
			return fmt.Errorf("could not expand remote.keyPath: %w", err)
		}
	}
	if c.Remote.KnownHostsPath != "" {
		c.Remote.KnownHostsPath, err = util.ExpandPath(c.Remote.KnownHostsPath)
		if err != nil {
			return fmt.Errorf("could not expand remote.knownHostsPath: %w", err)
		}
	}

	// --- Validate Docker Settings ---
	if c.Docker.StopTimeoutSeconds < 0 {
		return fmt.Errorf("docker.stopTimeoutSeconds cannot be negative")
	}
	if c.Docker.RestartDelaySeconds < 0 {
		return fmt.Errorf("docker.restartDelaySeconds cannot be negative")
	}
	if c.Docker.HelperImage == "" {
		return fmt.Errorf("docker.helperImage cannot be empty")
	}
	if c.Docker.StagePath == "" || !strings.HasPrefix(c.Docker.StagePath, "/") {
		return fmt.Errorf("docker.stagePath must be an absolute remote path")
	}
	if c.Docker.FallbackMountPath == "" || !strings.HasPrefix(c.Docker.FallbackMountPath, "/") {
		return fmt.Errorf("docker.fallbackMountPath must be an absolute container path")
	}

	// --- Validate Transfer Settings ---
	if _, err := transfer.ParseFormat(c.Transfer.Compression); err != nil {
		return fmt.Errorf("transfer.compression: %w", err)
	}
	if c.Transfer.BufferSizeKB <= 0 {
		return fmt.Errorf("transfer.bufferSizeKB must be greater than 0")
	}
	// The buffer pool requires power-of-two sizes.
	if kb := c.Transfer.BufferSizeKB; kb&(kb-1) != 0 {
		return fmt.Errorf("transfer.bufferSizeKB must be a power of two, got %d", kb)
	}
	if c.Transfer.Workers < 1 {
		return fmt.Errorf("transfer.workers must be at least 1")
	}
	if c.Transfer.MemoryBudgetMB < 1 {
		return fmt.Errorf("transfer.memoryBudgetMB must be at least 1")
	}
	if int64(c.Transfer.BufferSizeKB)*1024 > int64(c.Transfer.MemoryBudgetMB)*1024*1024 {
		return fmt.Errorf("transfer.memoryBudgetMB (%d) is smaller than a single buffer of %dKB",
			c.Transfer.MemoryBudgetMB, c.Transfer.BufferSizeKB)
	}

	// --- Validate Retention Settings ---
	if c.Retention.Enabled && c.Retention.Keep < 1 {
		return fmt.Errorf("retention.keep must be at least 1 when retention is enabled")
	}

	if c.Engine.MinFreeSpaceMB < 0 {
		return fmt.Errorf("engine.minFreeSpaceMB cannot be negative")
	}

	return nil
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"target", c.TargetBase,
		"host", c.Remote.Host,
		"dry_run", c.Runtime.DryRun,
		"metrics", c.Engine.Metrics,
		"workers", c.Transfer.Workers,
		"buffer_size_kb", c.Transfer.BufferSizeKB,
		"compression", c.Transfer.Compression,
	}
	if len(c.Docker.Contexts) > 0 {
		logArgs = append(logArgs, "contexts", strings.Join(c.Docker.Contexts, ", "))
	}
	if c.Docker.IncludeSystem {
		logArgs = append(logArgs, "include_system", true)
	}
	if len(c.Volumes) > 0 {
		logArgs = append(logArgs, "volumes", strings.Join(c.Volumes, ", "))
	} else {
		logArgs = append(logArgs, "volumes", "all")
	}

	stopSummary := fmt.Sprintf("timeout:%ds force:%t restart:%t",
		c.Docker.StopTimeoutSeconds, c.Docker.ForceStop, c.Docker.RestartEnabled)
	logArgs = append(logArgs, "containers", stopSummary)

	if c.Retention.Enabled {
		logArgs = append(logArgs, "retention", fmt.Sprintf("enabled (keep:%d)", c.Retention.Keep))
	}
	if c.Hooks.Enabled && len(c.Hooks.PreBackup) > 0 {
		logArgs = append(logArgs, "pre_backup_hooks", strings.Join(c.Hooks.PreBackup, "; "))
	}
	if c.Hooks.Enabled && len(c.Hooks.PostBackup) > 0 {
		logArgs = append(logArgs, "post_backup_hooks", strings.Join(c.Hooks.PostBackup, "; "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "target":
			merged.TargetBase = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "fail-fast":
			merged.Engine.FailFast = value.(bool)
		case "min-free-space-mb":
			merged.Engine.MinFreeSpaceMB = value.(int)
		case "host":
			merged.Remote.Host = value.(string)
		case "user":
			merged.Remote.User = value.(string)
		case "port":
			merged.Remote.Port = value.(int)
		case "key":
			merged.Remote.KeyPath = value.(string)
		case "known-hosts":
			merged.Remote.KnownHostsPath = value.(string)
		case "use-agent":
			merged.Remote.UseAgent = value.(bool)
		case "insecure":
			merged.Remote.InsecureSkipVerify = value.(bool)
		case "contexts":
			merged.Docker.Contexts = value.([]string)
		case "include-system":
			merged.Docker.IncludeSystem = value.(bool)
		case "volumes":
			merged.Volumes = value.([]string)
		case "fallback-mount-path":
			merged.Docker.FallbackMountPath = value.(string)
		case "helper-image":
			merged.Docker.HelperImage = value.(string)
		case "stage-path":
			merged.Docker.StagePath = value.(string)
		case "stop-timeout":
			merged.Docker.StopTimeoutSeconds = value.(int)
		case "force-stop":
			merged.Docker.ForceStop = value.(bool)
		case "restart":
			merged.Docker.RestartEnabled = value.(bool)
		case "restart-delay":
			merged.Docker.RestartDelaySeconds = value.(int)
		case "yes":
			merged.Consent.AutoConfirm = value.(bool)
		case "non-interactive":
			merged.Consent.NonInteractive = value.(bool)
		case "compression":
			merged.Transfer.Compression = value.(string)
		case "buffer-size-kb":
			merged.Transfer.BufferSizeKB = value.(int)
		case "workers":
			merged.Transfer.Workers = value.(int)
		case "memory-budget-mb":
			merged.Transfer.MemoryBudgetMB = value.(int)
		case "retention":
			merged.Retention.Enabled = value.(bool)
		case "retention-keep":
			merged.Retention.Keep = value.(int)
		case "hooks":
			merged.Hooks.Enabled = value.(bool)
		case "pre-backup-hooks":
			merged.Hooks.PreBackup = value.([]string)
		case "post-backup-hooks":
			merged.Hooks.PostBackup = value.([]string)
		case "force", "default":
			// Handled by the init command itself, not part of the config.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
