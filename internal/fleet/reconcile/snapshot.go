package reconcile

import (
	"time"

	"github.com/ccheshirecat/vmdeck/internal/fleet/descriptor"
)

// Snapshot is one applied view of the fleet. It is replaced wholesale and
// must be treated as read-only; Clone a descriptor before annotating it.
type Snapshot struct {
	VMs []descriptor.Descriptor
	// Seq is the request sequence number of the fetch that produced it.
	Seq uint64
	// Generation counts applied snapshots; zero means nothing applied yet.
	Generation uint64
	FetchedAt  time.Time

	index      map[string]int
	lifecycles map[string]descriptor.Lifecycle
}

func newSnapshot(vms []descriptor.Descriptor, seq, generation uint64, at time.Time) *Snapshot {
	s := &Snapshot{
		VMs:        vms,
		Seq:        seq,
		Generation: generation,
		FetchedAt:  at,
		index:      make(map[string]int, len(vms)),
		lifecycles: make(map[string]descriptor.Lifecycle, len(vms)),
	}
	for i, vm := range vms {
		name := vm.Name()
		s.index[name] = i
		s.lifecycles[name] = vm.Lifecycle()
	}
	return s
}

// Len is the number of VMs in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.VMs)
}

// Get returns the descriptor for name.
func (s *Snapshot) Get(name string) (descriptor.Descriptor, bool) {
	if s == nil {
		return nil, false
	}
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.VMs[i], true
}

// Lifecycle returns the classified state of name, Unknown if absent.
func (s *Snapshot) Lifecycle(name string) descriptor.Lifecycle {
	if s == nil {
		return descriptor.Unknown
	}
	return s.lifecycles[name]
}

// Active reports whether name is running. It drives display only.
func (s *Snapshot) Active(name string) bool {
	return s.Lifecycle(name) == descriptor.Running
}

// Names lists VM names in backend order.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.VMs))
	for i, vm := range s.VMs {
		out[i] = vm.Name()
	}
	return out
}
