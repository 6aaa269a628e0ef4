package bounds

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var declared = Maximums{MemoryMB: 65536, VCPUs: 32}

func TestComputeReferenceHost(t *testing.T) {
	b := Compute(&HostCapacity{MemoryMB: 16384, VCPUs: 8}, declared)
	assert.Equal(t, 12288, b.MemoryMax)
	assert.Equal(t, 6, b.VCPUMax)
	assert.Equal(t, MinMemoryMB, b.MemoryMin)
	assert.Equal(t, MinVCPUs, b.VCPUMin)
}

func TestComputeUnavailableCapacity(t *testing.T) {
	b := Compute(nil, declared)
	assert.Equal(t, 65536, b.MemoryMax)
	assert.Equal(t, 32, b.VCPUMax)

	partial := Compute(&HostCapacity{VCPUs: 4}, declared)
	assert.Equal(t, 65536, partial.MemoryMax)
	assert.Equal(t, 2, partial.VCPUMax)
}

func TestComputeSmallHostFloorsAtMinimum(t *testing.T) {
	b := Compute(&HostCapacity{MemoryMB: 2048, VCPUs: 2}, declared)
	assert.Equal(t, MinMemoryMB, b.MemoryMax)
	assert.Equal(t, MinVCPUs, b.VCPUMax)
}

func TestComputeNeverExceedsDeclared(t *testing.T) {
	caps := []*HostCapacity{
		nil,
		{},
		{MemoryMB: 1 << 20, VCPUs: 512},
		{MemoryMB: 100, VCPUs: 1},
		{MemoryMB: 16384, VCPUs: 8},
	}
	maxes := []Maximums{
		declared,
		{MemoryMB: 128, VCPUs: 1},
		{MemoryMB: 8192, VCPUs: 4},
	}
	for _, c := range caps {
		for _, m := range maxes {
			b := Compute(c, m)
			assert.LessOrEqual(t, b.MemoryMax, m.MemoryMB)
			assert.LessOrEqual(t, b.VCPUMax, m.VCPUs)
			assert.LessOrEqual(t, b.MemoryMin, b.MemoryMax)
			assert.LessOrEqual(t, b.VCPUMin, b.VCPUMax)
			assert.Equal(t, b, Compute(c, m), "compute must be idempotent")
		}
	}
}

func TestClampAllocation(t *testing.T) {
	b := Compute(&HostCapacity{MemoryMB: 16384, VCPUs: 8}, declared)

	got := b.ClampAllocation(Allocation{MemoryMB: 32768, VCPUs: 16})
	assert.Equal(t, Allocation{MemoryMB: 12288, VCPUs: 6}, got)

	inRange := Allocation{MemoryMB: 4096, VCPUs: 2}
	assert.Equal(t, inRange, b.ClampAllocation(inRange))

	assert.Equal(t, Allocation{}, b.ClampAllocation(Allocation{}))
	assert.True(t, b.ContainsMemory(12288))
	assert.False(t, b.ContainsMemory(12289))
	assert.False(t, b.ContainsVCPUs(0))
}
