package preflight

type Plan struct {
	TargetAccessible bool
	TargetWritable   bool
	RemoteReachable  bool
	DockerAvailable  bool

	// MinFreeSpaceBytes fails the run early when the target filesystem has
	// less headroom than this. Zero disables the check.
	MinFreeSpaceBytes int64

	// Global Flags
	DryRun bool
}
