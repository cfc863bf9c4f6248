package docker

import "strings"

// Status is the coarse run state derived from the daemon's free-text status
// column ("Up 3 hours", "Exited (0) 2 days ago", ...).
type Status int

const (
	// StatusOther covers paused, restarting, removing, dead and anything the
	// daemon invents later. Containers in this state are neither stopped by
	// the coordinator nor assumed safe to copy from.
	StatusOther Status = iota
	// StatusRunning means the container currently holds its mounts open.
	StatusRunning
	// StatusStopped means the container exists but is not running.
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	default:
		return "other"
	}
}

// StatusFromString maps the daemon's status text to a coarse Status.
func StatusFromString(raw string) Status {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "Up"):
		// "Up 3 hours (Paused)" is not a state we can quiesce with a stop.
		if strings.Contains(s, "(Paused)") {
			return StatusOther
		}
		return StatusRunning
	case strings.HasPrefix(s, "Exited"), strings.HasPrefix(s, "Created"):
		return StatusStopped
	default:
		return StatusOther
	}
}
