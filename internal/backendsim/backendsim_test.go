package backendsim

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccheshirecat/vmdeck/internal/fleet/descriptor"
)

func newServer(t *testing.T, opts Options) (*Handler, *httptest.Server) {
	t.Helper()
	h := New(Seed(), opts)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return h, srv
}

func post(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	resp, err := http.Post(url, "application/json", reader)
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestListIsDecodable(t *testing.T) {
	_, srv := newServer(t, Options{})
	resp, err := http.Get(srv.URL + "/vms")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw bytes.Buffer
	_, err = raw.ReadFrom(resp.Body)
	require.NoError(t, err)
	vms, skipped, err := descriptor.DecodeList(raw.Bytes())
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, vms, 4)
	assert.Equal(t, "build-runner", vms[0].Name())
	assert.Equal(t, descriptor.Stopped, descriptor.ClassifyStatus(vms[0].Status()))

	db := vms[1]
	assert.Equal(t, "db-primary", db.Name())
	assert.Equal(t, 8192, db.MemoryMB())
	assert.Equal(t, 4, db.VCPUs())
	assert.Equal(t, []string{"/var/lib/libvirt/images/db-primary.qcow2"}, descriptor.DiskPaths(db))
}

func TestBareListShape(t *testing.T) {
	_, srv := newServer(t, Options{BareList: true})
	resp, err := http.Get(srv.URL + "/vms")
	require.NoError(t, err)
	defer resp.Body.Close()
	var items []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	assert.Len(t, items, 4)
}

func TestLifecycleMessages(t *testing.T) {
	_, srv := newServer(t, Options{})

	_, body := post(t, srv.URL+"/vms/start/web-01", nil)
	assert.Equal(t, "VM already running", body["message"])

	_, body = post(t, srv.URL+"/vms/stop/web-01", nil)
	assert.Equal(t, "Shutdown initiated", body["message"])

	_, body = post(t, srv.URL+"/vms/kill/web-01", nil)
	assert.Equal(t, "VM already stopped", body["message"])

	_, body = post(t, srv.URL+"/vms/reboot/web-01", nil)
	assert.Equal(t, "VM is stopped", body["message"])

	_, body = post(t, srv.URL+"/vms/start/web-01", nil)
	assert.Equal(t, "VM started", body["message"])

	_, body = post(t, srv.URL+"/vms/kill/web-01", nil)
	assert.Equal(t, "Force stopped", body["message"])
}

func TestUnknownVMAndMissingRoute(t *testing.T) {
	_, srv := newServer(t, Options{})

	resp, body := post(t, srv.URL+"/vms/start/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "VM 'ghost' not found", body["detail"])

	resp, body = post(t, srv.URL+"/vms/restart/web-01", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found", body["detail"])
}

func TestRestartRouteOption(t *testing.T) {
	_, srv := newServer(t, Options{RestartRoute: true})
	resp, body := post(t, srv.URL+"/vms/restart/web-01", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Reboot initiated", body["message"])
}

func TestEditLiveAndNextBoot(t *testing.T) {
	h, srv := newServer(t, Options{})

	_, body := post(t, srv.URL+"/vms/edit/web-01", map[string]any{"memory_mb": 4096, "vcpus": 3})
	assert.Equal(t, "VM updated successfully", body["message"])
	assert.Equal(t, []any{"Memory changed live to 4096 MB", "vCPUs changed live to 3"}, body["details"])

	_, body = post(t, srv.URL+"/vms/edit/build-runner", map[string]any{"memory_mb": 2048, "disk_path": "/var/lib/libvirt/images/debian-12.qcow2"})
	assert.Equal(t, []any{"Memory set to 2048 MB (next boot)", "Disk set to /var/lib/libvirt/images/debian-12.qcow2 (next boot)"}, body["details"])

	vm, ok := h.Fleet().Get("web-01")
	require.True(t, ok)
	assert.Equal(t, 4096, vm.MemoryMiB)
	assert.Equal(t, 3, vm.VCPUs)
}

func TestCreate(t *testing.T) {
	h, srv := newServer(t, Options{})
	req := CreateRequest{Name: "new-vm", MemoryMB: 1024, VCPUs: 1, DiskGB: 10}

	resp, body := post(t, srv.URL+"/vms/create", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/var/lib/libvirt/images/new-vm.qcow2", body["disk_path"])
	_, ok := h.Fleet().Get("new-vm")
	assert.True(t, ok)

	resp, body = post(t, srv.URL+"/vms/create", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VM 'new-vm' already exists", body["detail"])

	resp, _ = post(t, srv.URL+"/vms/create", CreateRequest{Name: "bad"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHostAndDisks(t *testing.T) {
	_, srv := newServer(t, Options{})

	resp, err := http.Get(srv.URL + "/sys")
	require.NoError(t, err)
	var host map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&host))
	resp.Body.Close()
	assert.Equal(t, 8, host["vcpus"])
	assert.Equal(t, 16384, host["memory_mb"])

	resp, err = http.Get(srv.URL + "/vms/web-01/disks")
	require.NoError(t, err)
	var disks map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&disks))
	resp.Body.Close()
	assert.Contains(t, disks["disks"], "/var/lib/libvirt/images/debian-12.qcow2")
	assert.Contains(t, disks["disks"], "/var/lib/libvirt/images/web-01.qcow2")
}

func TestInjectedFault(t *testing.T) {
	h, srv := newServer(t, Options{})
	h.InjectFault("POST /vms/stop/{name}", Fault{Status: http.StatusInternalServerError, Detail: "libvirt: operation failed"})

	resp, body := post(t, srv.URL+"/vms/stop/web-01", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "libvirt: operation failed", body["detail"])
	assert.Equal(t, 1, h.Hits("POST /vms/stop/{name}"))

	vm, _ := h.Fleet().Get("web-01")
	assert.Equal(t, StateRunning, vm.State)

	h.ClearFaults()
	resp, _ = post(t, srv.URL+"/vms/stop/web-01", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDomainXMLWithISO(t *testing.T) {
	xml, err := DomainXML(VM{Name: "iso", MemoryMiB: 512, VCPUs: 1, DiskPath: "/img/iso.qcow2", ISOPath: "/iso/debian.iso", SpicePort: 5905})
	require.NoError(t, err)
	d := descriptor.Descriptor{"name": "iso", "domain_xml": xml}
	assert.Equal(t, 512, d.MemoryMB())
	assert.Equal(t, 5905, d.DisplayPort())
	assert.Contains(t, xml, "cdrom")
}
