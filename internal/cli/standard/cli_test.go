package standard

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccheshirecat/vmdeck/internal/backendsim"
	"github.com/ccheshirecat/vmdeck/internal/fleet/dispatch"
)

type cliHarness struct {
	sim     *backendsim.Handler
	url     string
	journal string
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	t.Setenv("VMDECK_CONFIG", "")
	t.Setenv("VMDECK_API_HOSTS", "")
	t.Setenv("VMDECK_ROLES", "")
	t.Setenv("VMDECK_ID_TOKEN", "")
	t.Setenv("VMDECK_TOKEN_FILE", filepath.Join(t.TempDir(), "id_token"))
	sim := backendsim.New(backendsim.Seed(), backendsim.Options{})
	srv := httptest.NewServer(sim.Router())
	t.Cleanup(srv.Close)
	return &cliHarness{sim: sim, url: srv.URL, journal: filepath.Join(t.TempDir(), "journal.db")}
}

func (h *cliHarness) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--api", h.url, "--journal", h.journal}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestListPrintsTable(t *testing.T) {
	h := newCLIHarness(t)
	out, err := h.run(t, "", "vms", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "web-01")
	assert.Contains(t, out, "Shut off")
	assert.Contains(t, out, "transitioning")
}

func TestGetShowsDisk(t *testing.T) {
	h := newCLIHarness(t)
	out, err := h.run(t, "", "vms", "get", "db-primary")
	require.NoError(t, err)
	assert.Contains(t, out, "Memory: 8192 MB")
	assert.Contains(t, out, "Disk: /var/lib/libvirt/images/db-primary.qcow2")

	_, err = h.run(t, "", "vms", "get", "ghost")
	assert.Error(t, err)
}

func TestStopPrintsBackendMessage(t *testing.T) {
	h := newCLIHarness(t)
	out, err := h.run(t, "", "vms", "stop", "web-01")
	require.NoError(t, err)
	assert.Contains(t, out, "Shutdown initiated")
}

func TestKillPromptDeclined(t *testing.T) {
	h := newCLIHarness(t)
	out, err := h.run(t, "n\n", "vms", "kill", "web-01")
	require.NoError(t, err)
	assert.Contains(t, out, "kill web-01 cancelled")
	assert.Zero(t, h.sim.Hits("POST /vms/kill/{name}"))
}

func TestKillPromptAccepted(t *testing.T) {
	h := newCLIHarness(t)
	out, err := h.run(t, "y\n", "vms", "kill", "web-01")
	require.NoError(t, err)
	assert.Contains(t, out, "Force stopped")

	out, err = h.run(t, "", "history", "web-01")
	require.NoError(t, err)
	assert.Contains(t, out, "kill")
	assert.Contains(t, out, "succeeded")
}

func TestKillWithYesFlag(t *testing.T) {
	h := newCLIHarness(t)
	out, err := h.run(t, "", "vms", "kill", "--yes", "db-primary")
	require.NoError(t, err)
	assert.Contains(t, out, "Force stopped")
}

func TestEditRequiresAdmin(t *testing.T) {
	h := newCLIHarness(t)
	_, err := h.run(t, "", "vms", "edit", "web-01", "--memory", "4096")
	require.Error(t, err)

	t.Setenv("VMDECK_ROLES", "admin")
	out, err := h.run(t, "", "vms", "edit", "web-01", "--memory", "4096")
	require.NoError(t, err)
	assert.Contains(t, out, "VM updated successfully")
	assert.Contains(t, out, "Memory changed live to 4096 MB")

	vm, _ := h.sim.Fleet().Get("web-01")
	assert.Equal(t, 4096, vm.MemoryMiB)
	assert.Equal(t, 2, vm.VCPUs)
}

func TestEditRejectsOutOfRange(t *testing.T) {
	h := newCLIHarness(t)
	t.Setenv("VMDECK_ROLES", "admin")
	_, err := h.run(t, "", "vms", "edit", "web-01", "--vcpus", "64")
	assert.Error(t, err)
	assert.Zero(t, h.sim.Hits("POST /vms/edit/{name}"))
}

func TestEditRejectsDiskNotListed(t *testing.T) {
	h := newCLIHarness(t)
	t.Setenv("VMDECK_ROLES", "admin")
	_, err := h.run(t, "", "vms", "edit", "web-01", "--disk", "/nowhere/else.qcow2")
	require.ErrorIs(t, err, dispatch.ErrUnknownDisk)
	assert.Zero(t, h.sim.Hits("POST /vms/edit/{name}"))
}

func TestHostShowsBounds(t *testing.T) {
	h := newCLIHarness(t)
	out, err := h.run(t, "", "host")
	require.NoError(t, err)
	assert.Contains(t, out, "Host memory: 16384 MB")
	assert.Contains(t, out, "Editable memory: 256-12288 MB")
	assert.Contains(t, out, "Editable vCPUs: 1-6")
}

func TestDisksAndCreate(t *testing.T) {
	h := newCLIHarness(t)
	out, err := h.run(t, "", "vms", "create", "fresh", "--memory", "1024", "--vcpus", "1", "--disk-gb", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Disk: /var/lib/libvirt/images/fresh.qcow2")

	out, err = h.run(t, "", "vms", "disks", "fresh")
	require.NoError(t, err)
	assert.Contains(t, out, "/var/lib/libvirt/images/fresh.qcow2")
}

func TestUnreachableBackend(t *testing.T) {
	h := newCLIHarness(t)
	dead := httptest.NewServer(nil)
	deadURL := dead.URL
	dead.Close()

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--api", deadURL, "--journal", h.journal, "vms", "list"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestVersion(t *testing.T) {
	h := newCLIHarness(t)
	out, err := h.run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "vmdeck dev\n", out)
}
