package descriptor

import (
	"strings"

	"libvirt.org/go/libvirtxml"
)

// domain parses the first embedded domain description, or returns nil. The
// same keys the disk probes scan are tried in the same order.
func (d Descriptor) domain() *libvirtxml.Domain {
	for _, key := range []string{"xml", "domain_xml", "xml_desc"} {
		text, ok := d[key].(string)
		if !ok || !strings.Contains(text, "<domain") {
			continue
		}
		var dom libvirtxml.Domain
		if err := dom.Unmarshal(text); err != nil {
			continue
		}
		return &dom
	}
	return nil
}

func domainMemoryMB(dom *libvirtxml.Domain) int {
	if dom.CurrentMemory != nil && dom.CurrentMemory.Value > 0 {
		return toMiB(dom.CurrentMemory.Value, dom.CurrentMemory.Unit)
	}
	if dom.Memory != nil {
		return toMiB(dom.Memory.Value, dom.Memory.Unit)
	}
	return 0
}

func domainVCPUs(dom *libvirtxml.Domain) int {
	if dom.VCPU == nil {
		return 0
	}
	if dom.VCPU.Current > 0 {
		return int(dom.VCPU.Current)
	}
	return int(dom.VCPU.Value)
}

// domainSpicePort returns the SPICE port, ignoring the -1 autoport marker.
func domainSpicePort(dom *libvirtxml.Domain) int {
	if dom.Devices == nil {
		return 0
	}
	for _, g := range dom.Devices.Graphics {
		if g.Spice != nil && g.Spice.Port > 0 {
			return g.Spice.Port
		}
	}
	return 0
}

// toMiB converts a libvirt scaled integer. libvirt defaults to KiB.
func toMiB(value uint, unit string) int {
	v := uint64(value)
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "b", "bytes":
		return int(v / (1 << 20))
	case "kb":
		return int(v * 1000 / (1 << 20))
	case "", "k", "kib":
		return int(v / 1024)
	case "mb":
		return int(v * 1000 * 1000 / (1 << 20))
	case "m", "mib":
		return int(v)
	case "gb":
		return int(v * 1000 * 1000 * 1000 / (1 << 20))
	case "g", "gib":
		return int(v * 1024)
	case "t", "tib":
		return int(v * 1024 * 1024)
	default:
		return int(v / 1024)
	}
}
