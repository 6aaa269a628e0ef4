package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ccheshirecat/vmdeck/internal/fleet/bounds"
	"github.com/ccheshirecat/vmdeck/internal/fleet/descriptor"
)

// maxBodyBytes caps how much of a response is read into memory.
const maxBodyBytes = 8 << 20

// Verbs accepted by PostAction.
const (
	VerbStart   = "start"
	VerbStop    = "stop"
	VerbRestart = "restart"
	VerbReboot  = "reboot"
	VerbKill    = "kill"
)

// Client wraps REST access to the VM management backend.
type Client struct {
	transport *Transport
	logger    *slog.Logger
}

// New creates a client over a fresh transport.
func New(p Params) (*Client, error) {
	t, err := NewTransport(p)
	if err != nil {
		return nil, err
	}
	return &Client{transport: t, logger: t.logger}, nil
}

// NewWithTransport wraps an existing transport.
func NewWithTransport(t *Transport) *Client {
	return &Client{transport: t, logger: t.logger}
}

// Transport exposes the underlying endpoint list and failover logic.
func (c *Client) Transport() *Transport {
	return c.transport
}

// ActionResult is the acknowledgement body of a lifecycle, edit or create call.
type ActionResult struct {
	Message  string   `json:"message,omitempty"`
	Details  []string `json:"details,omitempty"`
	DiskPath string   `json:"disk_path,omitempty"`
}

// EditRequest changes a VM's resources. A nil DiskPath is omitted from the
// body so the backend leaves the disk untouched.
type EditRequest struct {
	MemoryMB int     `json:"memory_mb"`
	VCPUs    int     `json:"vcpus"`
	DiskPath *string `json:"disk_path,omitempty"`
}

// CreateRequest contains creation parameters.
type CreateRequest struct {
	Name     string `json:"name"`
	MemoryMB int    `json:"memory_mb"`
	VCPUs    int    `json:"vcpus"`
	DiskGB   int    `json:"disk_gb"`
	ISOPath  string `json:"iso_path,omitempty"`
}

// ListVMs fetches every VM descriptor. Entries without a name and duplicate
// names are dropped.
func (c *Client) ListVMs(ctx context.Context) ([]descriptor.Descriptor, error) {
	req := Request{Method: http.MethodGet, Path: "/vms"}
	body, target, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	vms, skipped, err := descriptor.DecodeList(body)
	if err != nil {
		return nil, &MalformedResponseError{Method: req.Method, URL: target, Err: err}
	}
	if skipped > 0 {
		c.logger.Warn("dropped vm entries", "skipped", skipped, "kept", len(vms), "shim_version", descriptor.ShimVersion)
	}
	return vms, nil
}

// HostCapacity reads the host's vCPU count and memory from /sys.
func (c *Client) HostCapacity(ctx context.Context) (*bounds.HostCapacity, error) {
	req := Request{Method: http.MethodGet, Path: "/sys"}
	body, target, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	var payload struct {
		VCPUs    *int `json:"vcpus"`
		MemoryMB *int `json:"memory_mb"`
		MemoryKB *int `json:"memory_kb"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &MalformedResponseError{Method: req.Method, URL: target, Err: err}
	}
	capacity := &bounds.HostCapacity{}
	if payload.VCPUs != nil {
		capacity.VCPUs = *payload.VCPUs
	}
	switch {
	case payload.MemoryMB != nil:
		capacity.MemoryMB = *payload.MemoryMB
	case payload.MemoryKB != nil:
		capacity.MemoryMB = *payload.MemoryKB / 1024
	}
	return capacity, nil
}

// ListDisks asks the backend for the disk images available to a VM.
func (c *Client) ListDisks(ctx context.Context, name string) ([]string, error) {
	req := Request{Method: http.MethodGet, Path: "/vms/" + url.PathEscape(name) + "/disks"}
	body, target, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &MalformedResponseError{Method: req.Method, URL: target, Err: err}
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		items, _ = v["disks"].([]any)
		if _, present := v["disks"]; !present {
			return nil, &MalformedResponseError{Method: req.Method, URL: target, Err: errors.New(`missing "disks"`)}
		}
	default:
		return nil, &MalformedResponseError{Method: req.Method, URL: target, Err: errors.New("unexpected disks shape")}
	}
	disks := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			disks = append(disks, strings.TrimSpace(s))
		}
	}
	return disks, nil
}

// PostAction invokes POST /vms/{verb}/{name}.
func (c *Client) PostAction(ctx context.Context, verb, name string) (*ActionResult, error) {
	req := Request{Method: http.MethodPost, Path: "/vms/" + verb + "/" + url.PathEscape(name)}
	return c.action(ctx, req)
}

// EditVM invokes POST /vms/edit/{name}.
func (c *Client) EditVM(ctx context.Context, name string, edit EditRequest) (*ActionResult, error) {
	payload, err := json.Marshal(edit)
	if err != nil {
		return nil, fmt.Errorf("client: encode body: %w", err)
	}
	req := Request{Method: http.MethodPost, Path: "/vms/edit/" + url.PathEscape(name), Body: payload}
	return c.action(ctx, req)
}

// CreateVM invokes POST /vms/create.
func (c *Client) CreateVM(ctx context.Context, create CreateRequest) (*ActionResult, error) {
	payload, err := json.Marshal(create)
	if err != nil {
		return nil, fmt.Errorf("client: encode body: %w", err)
	}
	req := Request{Method: http.MethodPost, Path: "/vms/create", Body: payload}
	return c.action(ctx, req)
}

func (c *Client) action(ctx context.Context, req Request) (*ActionResult, error) {
	body, target, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	result, err := decodeActionResult(body)
	if err != nil {
		return nil, &MalformedResponseError{Method: req.Method, URL: target, Err: err}
	}
	return result, nil
}

// call performs the request and returns the body of a 2xx response together
// with the URL that answered.
func (c *Client) call(ctx context.Context, req Request) ([]byte, string, error) {
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var target string
	if resp.Request != nil {
		target = resp.Request.URL.String()
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, target, fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, target, &HTTPError{
			Method: req.Method,
			URL:    target,
			Status: resp.StatusCode,
			Detail: parseErrorDetail(body),
			Body:   body,
		}
	}
	return body, target, nil
}

// decodeActionResult accepts an empty body, or a JSON object whose details
// may be a string or a list.
func decodeActionResult(body []byte) (*ActionResult, error) {
	result := &ActionResult{}
	if len(strings.TrimSpace(string(body))) == 0 {
		return result, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	result.Message, _ = payload["message"].(string)
	result.DiskPath, _ = payload["disk_path"].(string)
	switch details := payload["details"].(type) {
	case string:
		if details != "" {
			result.Details = []string{details}
		}
	case []any:
		for _, d := range details {
			if s, ok := d.(string); ok {
				result.Details = append(result.Details, s)
			}
		}
	}
	return result, nil
}
