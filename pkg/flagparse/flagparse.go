package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-volback/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	DryRun   *bool
	Metrics  *bool

	// Target
	Target *string

	// Remote connection
	Host       *string
	User       *string
	Port       *int
	Key        *string
	KnownHosts *string
	UseAgent   *bool
	Insecure   *bool

	// Docker
	Contexts          *string
	IncludeSystem     *bool
	Volumes           *string
	FallbackMountPath *string
	HelperImage       *string
	StagePath         *string
	StopTimeout       *int
	ForceStop         *bool
	Restart           *bool
	RestartDelay      *int

	// Consent
	AutoConfirm    *bool
	NonInteractive *bool

	// Transfer
	Compression    *string
	BufferSizeKB   *int
	Workers        *int
	MemoryBudgetMB *int

	// Retention
	RetentionEnabled *bool
	RetentionKeep    *int

	// Hooks
	HooksEnabled    *bool
	PreBackupHooks  *string
	PostBackupHooks *string

	// Engine
	FailFast       *bool
	MinFreeSpaceMB *int

	// Init specific
	Force   *bool
	Default *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without stopping containers or writing backups.")
	f.Metrics = fs.Bool("metrics", false, "Enable detailed run metrics and periodic progress summaries.")
}

func registerRemoteFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Host = fs.String("host", "", "Remote host running Docker, a name or alias from ~/.ssh/config. (Required)")
	f.User = fs.String("user", "", "SSH user for the remote host.")
	f.Port = fs.Int("port", 0, "SSH port for the remote host.")
	f.Key = fs.String("key", "", "Path to the SSH private key file.")
	f.KnownHosts = fs.String("known-hosts", "", "Path to the known_hosts file for host key verification.")
	f.UseAgent = fs.Bool("use-agent", true, "Try the SSH agent for authentication.")
	f.Insecure = fs.Bool("insecure", false, "Skip remote host key verification. Not recommended.")
}

func registerBackupFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Target = fs.String("target", "", "Local base directory for backups. (Required)")
	registerRemoteFlags(fs, f)

	f.Contexts = fs.String("contexts", "", "Comma-separated list of remote docker contexts to scan in addition to the default.")
	f.IncludeSystem = fs.Bool("include-system", false, "Also scan the system docker daemon via 'sudo -n docker'.")
	f.Volumes = fs.String("volumes", "", "Comma-separated list of volumes to back up. Empty means all volumes.")
	f.FallbackMountPath = fs.String("fallback-mount-path", "", "Mount path to tar when a container's mount cannot be resolved.")
	f.HelperImage = fs.String("helper-image", "", "Image for the throwaway archive container.")
	f.StagePath = fs.String("stage-path", "", "Remote directory where archives are staged before download.")
	f.StopTimeout = fs.Int("stop-timeout", 0, "Seconds to wait for a container to stop gracefully.")
	f.ForceStop = fs.Bool("force-stop", false, "Kill containers that do not stop within the timeout.")
	f.Restart = fs.Bool("restart", true, "Restart stopped containers after the backup.")
	f.RestartDelay = fs.Int("restart-delay", 0, "Seconds to pause between container restarts.")

	f.AutoConfirm = fs.Bool("yes", false, "Assume 'yes' for the container stop confirmation.")
	f.NonInteractive = fs.Bool("non-interactive", false, "Never prompt; affected containers stay running and are backed up live.")

	f.Compression = fs.String("compression", "", "Compression for downloaded archives: 'none', 'gzip', or 'zstd'.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for downloads and compression.")
	f.Workers = fs.Int("workers", 0, "Number of volumes to back up in parallel.")
	f.MemoryBudgetMB = fs.Int("memory-budget-mb", 0, "Total memory budget in megabytes for transfer buffers.")

	f.RetentionEnabled = fs.Bool("retention", true, "Prune old backups after a successful run.")
	f.RetentionKeep = fs.Int("retention-keep", 0, "Number of backups to keep per volume.")

	f.HooksEnabled = fs.Bool("hooks", true, "Run configured pre/post backup hooks.")
	f.PreBackupHooks = fs.String("pre-backup-hooks", "", "Comma-separated list of commands to run before the backup.")
	f.PostBackupHooks = fs.String("post-backup-hooks", "", "Comma-separated list of commands to run after the backup.")

	f.FailFast = fs.Bool("fail-fast", false, "Abort the run on the first volume that fails.")
	f.MinFreeSpaceMB = fs.Int("min-free-space-mb", 0, "Fail early when the target has less than this many megabytes free (0 disables).")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	// Init supports the backup flags (to seed the generated config) plus
	// 'force' and 'default'.
	registerBackupFlags(fs, f)
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Overwrite an existing configuration with defaults.")
}

func registerPruneFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Target = fs.String("target", "", "Local base directory of the backups to prune. (Required)")
	f.RetentionKeep = fs.Int("retention-keep", 0, "Number of backups to keep per volume.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and config map.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	f := &cliFlags{}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	switch command {
	case Init:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerInitFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Initialize a new backup target directory.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return Init, nil, err
		}
		flagMap, err := flagsToMap(command, fs, f)
		return Init, flagMap, err

	case Prune:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerPruneFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Apply the retention policy to clean up outdated backups.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return Prune, nil, err
		}
		flagMap, err := flagsToMap(command, fs, f)
		return Prune, flagMap, err

	case Backup:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerBackupFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Back up remote Docker volumes to the local target.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		flagMap, err := flagsToMap(command, fs, f)
		return command, flagMap, err

	case Version:
		return command, nil, nil

	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func flagsToMap(c Command, fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)

	addIfUsed(flagMap, usedFlags, "target", f.Target)

	addIfUsed(flagMap, usedFlags, "host", f.Host)
	addIfUsed(flagMap, usedFlags, "user", f.User)
	addIfUsed(flagMap, usedFlags, "port", f.Port)
	addIfUsed(flagMap, usedFlags, "key", f.Key)
	addIfUsed(flagMap, usedFlags, "known-hosts", f.KnownHosts)
	addIfUsed(flagMap, usedFlags, "use-agent", f.UseAgent)
	addIfUsed(flagMap, usedFlags, "insecure", f.Insecure)

	addIfUsed(flagMap, usedFlags, "include-system", f.IncludeSystem)
	addIfUsed(flagMap, usedFlags, "fallback-mount-path", f.FallbackMountPath)
	addIfUsed(flagMap, usedFlags, "helper-image", f.HelperImage)
	addIfUsed(flagMap, usedFlags, "stage-path", f.StagePath)
	addIfUsed(flagMap, usedFlags, "stop-timeout", f.StopTimeout)
	addIfUsed(flagMap, usedFlags, "force-stop", f.ForceStop)
	addIfUsed(flagMap, usedFlags, "restart", f.Restart)
	addIfUsed(flagMap, usedFlags, "restart-delay", f.RestartDelay)

	addIfUsed(flagMap, usedFlags, "yes", f.AutoConfirm)
	addIfUsed(flagMap, usedFlags, "non-interactive", f.NonInteractive)

	addIfUsed(flagMap, usedFlags, "compression", f.Compression)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "workers", f.Workers)
	addIfUsed(flagMap, usedFlags, "memory-budget-mb", f.MemoryBudgetMB)

	addIfUsed(flagMap, usedFlags, "retention", f.RetentionEnabled)
	addIfUsed(flagMap, usedFlags, "retention-keep", f.RetentionKeep)

	addIfUsed(flagMap, usedFlags, "hooks", f.HooksEnabled)

	addIfUsed(flagMap, usedFlags, "fail-fast", f.FailFast)
	addIfUsed(flagMap, usedFlags, "min-free-space-mb", f.MinFreeSpaceMB)

	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "contexts", f.Contexts, ParseNameList)
	addParsedIfUsed(flagMap, usedFlags, "volumes", f.Volumes, ParseNameList)
	addParsedIfUsed(flagMap, usedFlags, "pre-backup-hooks", f.PreBackupHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-backup-hooks", f.PostBackupHooks, ParseCmdList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Back up remote Docker volumes over SSH with container quiescing.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  backup      Back up remote Docker volumes\n")
	fmt.Fprintf(fs.Output(), "  prune       Apply the retention policy to clean up outdated backups\n")
	fmt.Fprintf(fs.Output(), "  init        Initialize a new configuration\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Back up remote Docker volumes over SSH with container quiescing.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so the hook executor can
// re-split them with shell quoting rules.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// ParseNameList parses a comma-separated list of names (volumes, contexts).
// It removes quotes, as they are only used for grouping items with spaces.
func ParseNameList(s string) []string {
	return parseListInternal(s, false, false)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// Keep the backslash so the hook executor can interpret it.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else { // A different quote character inside a quoted section.
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()

	return list
}
