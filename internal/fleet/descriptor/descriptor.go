// Package descriptor reads the loosely-typed VM records returned by the
// management backend.
//
// The backend schema is not stable: field names differ between backend
// versions and between list and detail endpoints. Every accessor in this
// package is therefore a capability probe over an ordered list of known key
// names (the "compatibility shim"), never a schema. Accessors never fail; a
// missing or mistyped field reads as absent.
package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ShimVersion identifies the revision of the probe tables below. Bump it when
// key lists change so logs can be correlated with backend upgrades.
const ShimVersion = 1

// Descriptor is one VM as serialized by the backend.
type Descriptor map[string]any

// ErrUnexpectedShape is returned by DecodeList when the payload is neither a
// JSON array nor an object holding a "vms" array.
var ErrUnexpectedShape = errors.New("descriptor: unexpected list shape")

var (
	memoryKeys      = []string{"memory_mb", "memory", "memoryMiB", "memory_mib"}
	vcpuKeys        = []string{"vcpus", "vcpu", "cpus", "cpu_cores"}
	displayPortKeys = []string{"port", "spice_port", "display_port"}
)

// Name returns the VM identity key, or "" when absent.
func (d Descriptor) Name() string {
	s, _ := d["name"].(string)
	return s
}

// Status returns the free-text status reported by the backend.
func (d Descriptor) Status() string {
	s, _ := d["status"].(string)
	return s
}

// Lifecycle classifies Status into the closed lifecycle set.
func (d Descriptor) Lifecycle() Lifecycle {
	return ClassifyStatus(d.Status())
}

// Active reports whether the VM is running. It drives display only.
func (d Descriptor) Active() bool {
	return d.Lifecycle() == Running
}

// MemoryMB returns the current memory allocation in MiB, or 0 if unknown.
func (d Descriptor) MemoryMB() int {
	if v, ok := d.firstInt(memoryKeys); ok {
		return v
	}
	if dom := d.domain(); dom != nil {
		return domainMemoryMB(dom)
	}
	return 0
}

// VCPUs returns the current vCPU allocation, or 0 if unknown.
func (d Descriptor) VCPUs() int {
	if v, ok := d.firstInt(vcpuKeys); ok {
		return v
	}
	if dom := d.domain(); dom != nil {
		return domainVCPUs(dom)
	}
	return 0
}

// DisplayPort returns the remote-display port, or 0 when the VM exposes none.
func (d Descriptor) DisplayPort() int {
	if v, ok := d.firstInt(displayPortKeys); ok && v > 0 {
		return v
	}
	if dom := d.domain(); dom != nil {
		return domainSpicePort(dom)
	}
	return 0
}

func (d Descriptor) firstInt(keys []string) (int, bool) {
	for _, key := range keys {
		if v, ok := toInt(d[key]); ok {
			return v, true
		}
	}
	return 0, false
}

// Clone returns a shallow copy so callers can annotate without touching the
// snapshot-owned map.
func (d Descriptor) Clone() Descriptor {
	out := make(Descriptor, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// DecodeList parses a GET /vms payload. Both a bare array and {"vms": [...]}
// are accepted. Entries without a string name are skipped; for duplicate names
// the first entry wins. The skipped count is returned for logging.
func DecodeList(data []byte) ([]Descriptor, int, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("descriptor: decode list: %w", err)
	}

	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		field, present := v["vms"]
		if !present {
			return nil, 0, ErrUnexpectedShape
		}
		if field == nil {
			return []Descriptor{}, 0, nil
		}
		list, ok := field.([]any)
		if !ok {
			return nil, 0, ErrUnexpectedShape
		}
		items = list
	default:
		return nil, 0, ErrUnexpectedShape
	}

	out := make([]Descriptor, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	skipped := 0
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		d := Descriptor(obj)
		name := d.Name()
		if name == "" {
			skipped++
			continue
		}
		if _, dup := seen[name]; dup {
			skipped++
			continue
		}
		seen[name] = struct{}{}
		out = append(out, d)
	}
	return out, skipped, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
