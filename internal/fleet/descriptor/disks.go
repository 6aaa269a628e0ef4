package descriptor

import (
	"regexp"
	"sort"
	"strings"
)

// diskImagePattern finds absolute path-like tokens inside free text. A path
// must start at the beginning of the text or right after a delimiter, so no
// suffix of a relative path or URL is reported. The extension filter is
// applied afterwards so "disk.img.bak" is not truncated to "disk.img".
var diskImagePattern = regexp.MustCompile(`(?:^|[\s'"<>=,;(){}\[\]])(/[^\s'"<>=,;(){}\[\]]+)`)

var diskImageExtensions = []string{".qcow2", ".img", ".raw"}

// diskProbe is one entry of the disk compatibility shim: a key and the way
// values stored under it are read.
type diskProbe struct {
	key    string
	access func(value any, add func(string))
}

// diskProbes lists every known location of disk references in priority order.
// All probes run; results are unioned.
var diskProbes = []diskProbe{
	// single-valued fields
	{"disk_path", stringValue},
	{"disk", stringValue},
	{"primary_disk", stringValue},
	{"root_disk", stringValue},
	{"boot_disk", stringValue},
	// arrays of raw paths
	{"disk_paths", stringElements},
	{"disks", stringElements},
	// arrays of disk objects
	{"disks", diskObjects},
	{"storage", diskObjects},
	{"volumes", diskObjects},
	// device lists
	{"devices", deviceList},
	// keyed block-device maps
	{"block_devices", blockDeviceMap},
	{"blockDevices", blockDeviceMap},
	// embedded machine descriptions
	{"xml", textBlob},
	{"domain_xml", textBlob},
	{"xml_desc", textBlob},
}

// DiskPaths extracts every disk-image identifier the descriptor references,
// de-duplicated in discovery order. It performs no I/O and returns an empty,
// non-nil slice when nothing matches.
func DiskPaths(d Descriptor) []string {
	out := make([]string, 0, 2)
	seen := make(map[string]struct{})
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, probe := range diskProbes {
		value, ok := d[probe.key]
		if !ok || value == nil {
			continue
		}
		probe.access(value, add)
	}
	return out
}

func stringValue(v any, add func(string)) {
	if s, ok := v.(string); ok {
		add(s)
	}
}

func stringElements(v any, add func(string)) {
	items, ok := v.([]any)
	if !ok {
		return
	}
	for _, item := range items {
		stringValue(item, add)
	}
}

func diskObjects(v any, add func(string)) {
	items, ok := v.([]any)
	if !ok {
		return
	}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		stringValue(obj["path"], add)
		sourceValue(obj["source"], add)
		stringValue(obj["file"], add)
	}
}

// sourceValue handles both the flat `"source": "/p"` form and the libvirt-like
// nested `"source": {"file": "/p"}` form.
func sourceValue(v any, add func(string)) {
	switch s := v.(type) {
	case string:
		add(s)
	case map[string]any:
		stringValue(s["file"], add)
		stringValue(s["dev"], add)
		stringValue(s["path"], add)
	}
}

func deviceList(v any, add func(string)) {
	items, ok := v.([]any)
	if !ok {
		return
	}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if kind, _ := obj["type"].(string); kind != "disk" {
			continue
		}
		sourceValue(obj["source"], add)
		stringValue(obj["file"], add)
	}
}

func blockDeviceMap(v any, add func(string)) {
	devices, ok := v.(map[string]any)
	if !ok {
		return
	}
	for _, key := range sortedKeys(devices) {
		switch dev := devices[key].(type) {
		case string:
			add(dev)
		case map[string]any:
			if p, _ := dev["path"].(string); strings.TrimSpace(p) != "" {
				add(p)
				continue
			}
			sourceValue(dev["source"], add)
		}
	}
}

func textBlob(v any, add func(string)) {
	text, ok := v.(string)
	if !ok || text == "" {
		return
	}
	for _, match := range diskImagePattern.FindAllStringSubmatch(text, -1) {
		if token := match[1]; hasDiskImageExtension(token) {
			add(token)
		}
	}
}

func hasDiskImageExtension(p string) bool {
	lower := strings.ToLower(p)
	for _, ext := range diskImageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
