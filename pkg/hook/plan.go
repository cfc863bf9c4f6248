package hook

type Plan struct {
	Enabled bool

	PreBackupCommands  []string
	PostBackupCommands []string

	// TargetDir is exported to hook processes so they can operate on the
	// backup data (e.g. snapshot the target after a run).
	TargetDir string

	// Global Flags
	DryRun   bool
	FailFast bool
}
