package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Params{Endpoints: []string{srv.URL}})
	require.NoError(t, err)
	return c
}

func TestListVMsAcceptsWrappedAndBare(t *testing.T) {
	for _, body := range []string{
		`{"vms":[{"name":"web","status":"Running"},{"status":"orphan"}]}`,
		`[{"name":"web","status":"Running"}]`,
	} {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/vms", r.URL.Path)
			_, _ = w.Write([]byte(body))
		}))
		vms, err := c.ListVMs(context.Background())
		require.NoError(t, err)
		require.Len(t, vms, 1)
		assert.Equal(t, "web", vms[0].Name())
	}
}

func TestListVMsMalformed(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"detail":"not a list"}`))
	}))
	_, err := c.ListVMs(context.Background())
	var malformed *MalformedResponseError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, http.MethodGet, malformed.Method)
}

func TestHTTPErrorCarriesDetail(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"VM 'ghost' not found"}`))
	}))
	_, err := c.PostAction(context.Background(), VerbStart, "ghost")

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
	assert.Equal(t, "VM 'ghost' not found", httpErr.Detail)
	assert.Equal(t, "http 404: VM 'ghost' not found", err.Error())

	status, ok := StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, 404, status)
}

func TestParseErrorDetail(t *testing.T) {
	assert.Equal(t, "boom", parseErrorDetail([]byte(`{"error":"boom"}`)))
	assert.Equal(t, "field required; value is not a valid integer",
		parseErrorDetail([]byte(`{"detail":[{"loc":["body","name"],"msg":"field required"},{"msg":"value is not a valid integer"}]}`)))
	assert.Equal(t, "Internal Server Error", parseErrorDetail([]byte("Internal Server Error\n")))
	assert.Equal(t, "", parseErrorDetail([]byte(`{}`)))
}

func TestParseErrorDetailTruncatesOnRuneBoundary(t *testing.T) {
	ascii := parseErrorDetail([]byte(strings.Repeat("x", 250)))
	assert.Len(t, ascii, 200)

	// Byte 200 falls inside a two-byte rune, so the cut backs off by one.
	body := "a" + strings.Repeat("é", 150)
	detail := parseErrorDetail([]byte(body))
	assert.True(t, utf8.ValidString(detail))
	assert.Len(t, detail, 199)
	assert.Equal(t, body[:199], detail)

	assert.Equal(t, "", truncateDetail("界", 2))
	assert.Equal(t, "界", truncateDetail("界界", 3))
}

func TestPostActionEscapesName(t *testing.T) {
	var gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"message":"Force stopped"}`))
	}))
	res, err := c.PostAction(context.Background(), VerbKill, "db/primary 1")
	require.NoError(t, err)
	assert.Equal(t, "/vms/kill/db%2Fprimary%201", gotPath)
	assert.Equal(t, "Force stopped", res.Message)
}

func TestEditVMOmitsDiskPathWhenUnchanged(t *testing.T) {
	var bodies []map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(data, &payload))
		bodies = append(bodies, payload)
		_, _ = w.Write([]byte(`{"message":"VM updated successfully","details":["Memory set to 2048 MB (next boot)"]}`))
	}))

	res, err := c.EditVM(context.Background(), "web", EditRequest{MemoryMB: 2048, VCPUs: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"Memory set to 2048 MB (next boot)"}, res.Details)

	disk := "/images/web.qcow2"
	_, err = c.EditVM(context.Background(), "web", EditRequest{MemoryMB: 2048, VCPUs: 2, DiskPath: &disk})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.NotContains(t, bodies[0], "disk_path")
	assert.Equal(t, disk, bodies[1]["disk_path"])
	assert.EqualValues(t, 2048, bodies[0]["memory_mb"])
}

func TestHostCapacity(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"vcpus":8,"memory_kb":16777216,"memory_mb":16384}`))
	}))
	capacity, err := c.HostCapacity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16384, capacity.MemoryMB)
	assert.Equal(t, 8, capacity.VCPUs)

	c = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"vcpus":4,"memory_kb":0,"memory_mb":null}`))
	}))
	capacity, err = c.HostCapacity(context.Background())
	require.NoError(t, err)
	assert.Zero(t, capacity.MemoryMB)
	assert.Equal(t, 4, capacity.VCPUs)
}

func TestListDisks(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vms/web/disks", r.URL.Path)
		_, _ = w.Write([]byte(`{"disks":["/images/a.qcow2","",3,"/images/b.qcow2"]}`))
	}))
	disks, err := c.ListDisks(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"/images/a.qcow2", "/images/b.qcow2"}, disks)
}

func TestCreateVM(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vms/create", r.URL.Path)
		var req CreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "build", req.Name)
		assert.Equal(t, 20, req.DiskGB)
		_, _ = w.Write([]byte(`{"message":"VM 'build' created and started","disk_path":"/images/build.qcow2"}`))
	}))
	res, err := c.CreateVM(context.Background(), CreateRequest{Name: "build", MemoryMB: 1024, VCPUs: 1, DiskGB: 20})
	require.NoError(t, err)
	assert.Equal(t, "/images/build.qcow2", res.DiskPath)
}

func TestDecodeActionResult(t *testing.T) {
	res, err := decodeActionResult(nil)
	require.NoError(t, err)
	assert.Equal(t, &ActionResult{}, res)

	res, err = decodeActionResult([]byte(`{"message":"ok","details":"single"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"single"}, res.Details)

	_, err = decodeActionResult([]byte(`<html>`))
	assert.Error(t, err)
}
