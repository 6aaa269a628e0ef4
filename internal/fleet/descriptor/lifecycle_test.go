package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	tests := map[string]Lifecycle{
		"Running":           Running,
		"RUNNING":           Running,
		"Status: running":   Running,
		"Blocked":           Running,
		"Shut off":          Stopped,
		"shutoff":           Stopped,
		"Crashed":           Stopped,
		"Shutdown":          Transitioning,
		"shutting down":     Transitioning,
		"Paused":            Transitioning,
		"PM Suspended":      Transitioning,
		"No State":          Unknown,
		"Unknown":           Unknown,
		"":                  Unknown,
		"migrating-weirdly": Unknown,
	}
	for status, want := range tests {
		assert.Equal(t, want, ClassifyStatus(status), "status %q", status)
	}
}

func TestActiveFollowsLifecycle(t *testing.T) {
	assert.True(t, Descriptor{"status": "running"}.Active())
	assert.False(t, Descriptor{"status": "Shut off"}.Active())
	assert.False(t, Descriptor{"status": "something new"}.Active())
	assert.False(t, Descriptor{}.Active())
}

func TestLifecycleString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "transitioning", Transitioning.String())
	assert.Equal(t, "unknown", Unknown.String())
}
