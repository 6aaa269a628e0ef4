package descriptor

import "strings"

// Lifecycle is the closed set of states the dashboard distinguishes.
type Lifecycle int

const (
	Unknown Lifecycle = iota
	Running
	Stopped
	Transitioning
)

func (l Lifecycle) String() string {
	switch l {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Transitioning:
		return "transitioning"
	default:
		return "unknown"
	}
}

// exactStatuses covers the libvirt state names the backend emits plus the
// lowercase variants other management APIs use.
var exactStatuses = map[string]Lifecycle{
	"running":      Running,
	"blocked":      Running,
	"idle":         Running,
	"shut off":     Stopped,
	"shutoff":      Stopped,
	"stopped":      Stopped,
	"crashed":      Stopped,
	"shutdown":     Transitioning,
	"paused":       Transitioning,
	"pm suspended": Transitioning,
	"suspended":    Transitioning,
	"starting":     Transitioning,
	"stopping":     Transitioning,
	"rebooting":    Transitioning,
	"pending":      Transitioning,
	"no state":     Unknown,
}

// substringStatuses is consulted in order when no exact match exists, so
// "shut off" is tested before the shorter "shut".
var substringStatuses = []struct {
	token string
	state Lifecycle
}{
	{"shut off", Stopped},
	{"shutoff", Stopped},
	{"shutting", Transitioning},
	{"shutdown", Transitioning},
	{"running", Running},
	{"stopped", Stopped},
	{"crashed", Stopped},
	{"paused", Transitioning},
	{"suspend", Transitioning},
	{"start", Transitioning},
	{"reboot", Transitioning},
}

// ClassifyStatus maps a free-text backend status onto a Lifecycle. Matching is
// case-insensitive; unrecognised text is Unknown, never Stopped.
func ClassifyStatus(status string) Lifecycle {
	normalized := strings.ToLower(strings.TrimSpace(status))
	if normalized == "" {
		return Unknown
	}
	if state, ok := exactStatuses[normalized]; ok {
		return state
	}
	for _, entry := range substringStatuses {
		if strings.Contains(normalized, entry.token) {
			return entry.state
		}
	}
	return Unknown
}
