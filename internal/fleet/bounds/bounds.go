// Package bounds derives the editable memory and vCPU ranges for a VM from the
// host's spare capacity.
package bounds

const (
	// ReservedMemoryMB is held back for the host itself.
	ReservedMemoryMB = 4096
	// ReservedVCPUs is held back for the host itself.
	ReservedVCPUs = 2
	// MinMemoryMB is the smallest allocation the editor offers.
	MinMemoryMB = 256
	// MinVCPUs is the smallest vCPU count the editor offers.
	MinVCPUs = 1
)

// HostCapacity is what the backend reports about the host. A zero field means
// that dimension is unavailable.
type HostCapacity struct {
	MemoryMB int `json:"memory_mb"`
	VCPUs    int `json:"vcpus"`
}

// Maximums are the caller-declared upper limits for an edit.
type Maximums struct {
	MemoryMB int
	VCPUs    int
}

// Bounds are the inclusive ranges an edit may choose from.
type Bounds struct {
	MemoryMin int
	MemoryMax int
	VCPUMin   int
	VCPUMax   int
}

// Allocation is a VM's current memory and vCPU assignment.
type Allocation struct {
	MemoryMB int
	VCPUs    int
}

// Compute returns the editable ranges. A nil capacity, or an unavailable
// dimension, yields the declared maximum for that dimension. The result is
// never above the declared maximum.
func Compute(capacity *HostCapacity, declared Maximums) Bounds {
	b := Bounds{
		MemoryMin: minInt(MinMemoryMB, declared.MemoryMB),
		MemoryMax: declared.MemoryMB,
		VCPUMin:   minInt(MinVCPUs, declared.VCPUs),
		VCPUMax:   declared.VCPUs,
	}
	if capacity == nil {
		return b
	}
	if capacity.MemoryMB > 0 {
		b.MemoryMax = clamp(capacity.MemoryMB-ReservedMemoryMB, b.MemoryMin, declared.MemoryMB)
	}
	if capacity.VCPUs > 0 {
		b.VCPUMax = clamp(capacity.VCPUs-ReservedVCPUs, b.VCPUMin, declared.VCPUs)
	}
	return b
}

// ClampAllocation pulls a current allocation down into range. Values of zero
// (unknown) are left alone; values below the minimum are raised to it.
func (b Bounds) ClampAllocation(a Allocation) Allocation {
	if a.MemoryMB > 0 {
		a.MemoryMB = clamp(a.MemoryMB, b.MemoryMin, b.MemoryMax)
	}
	if a.VCPUs > 0 {
		a.VCPUs = clamp(a.VCPUs, b.VCPUMin, b.VCPUMax)
	}
	return a
}

// ContainsMemory reports whether mb lies within the memory range.
func (b Bounds) ContainsMemory(mb int) bool {
	return mb >= b.MemoryMin && mb <= b.MemoryMax
}

// ContainsVCPUs reports whether n lies within the vCPU range.
func (b Bounds) ContainsVCPUs(n int) bool {
	return n >= b.VCPUMin && n <= b.VCPUMax
}

func clamp(x, lo, hi int) int {
	if x > hi {
		x = hi
	}
	if x < lo {
		x = lo
	}
	return x
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
