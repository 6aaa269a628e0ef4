package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ccheshirecat/vmdeck/internal/fleet/bounds"
	"github.com/ccheshirecat/vmdeck/internal/fleet/descriptor"
	"github.com/ccheshirecat/vmdeck/internal/shared/logging"
)

// DiskMode picks where the new disk path comes from.
type DiskMode int

const (
	DiskUnchanged DiskMode = iota
	DiskKnown
	DiskCustom
)

// DiskSelection is either a known disk, a custom path, or no change. The
// mode makes the two sources mutually exclusive.
type DiskSelection struct {
	Mode DiskMode
	Path string
}

// KnownDisk selects one of the disks offered by the edit form.
func KnownDisk(path string) DiskSelection { return DiskSelection{Mode: DiskKnown, Path: path} }

// CustomDisk selects a user-typed path.
func CustomDisk(path string) DiskSelection { return DiskSelection{Mode: DiskCustom, Path: path} }

func (s DiskSelection) resolve() (*string, error) {
	switch s.Mode {
	case DiskUnchanged:
		return nil, nil
	case DiskKnown, DiskCustom:
		p := strings.TrimSpace(s.Path)
		if p == "" {
			return nil, errors.New("disk path is empty")
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown disk mode %d", s.Mode)
	}
}

// EditRequest is the user's edit intent.
type EditRequest struct {
	MemoryMB int
	VCPUs    int
	Disk     DiskSelection
}

// ErrOutOfBounds is returned by Editor.Save for values outside the form's
// ranges.
var ErrOutOfBounds = errors.New("dispatch: value outside editable range")

// ErrUnknownDisk is returned by Editor.Save when a known-disk selection is
// not one of the form's KnownDisks.
var ErrUnknownDisk = errors.New("dispatch: disk is not one of the known disks")

// SnapshotReader resolves a VM from the latest snapshot.
type SnapshotReader interface {
	Lookup(name string) (descriptor.Descriptor, error)
}

// CapacityReader is the part of the API client the edit form reads.
type CapacityReader interface {
	HostCapacity(ctx context.Context) (*bounds.HostCapacity, error)
	ListDisks(ctx context.Context, name string) ([]string, error)
}

// DiskSource says where EditForm.KnownDisks came from.
type DiskSource string

const (
	DiskSourceNone       DiskSource = ""
	DiskSourceDescriptor DiskSource = "descriptor"
	DiskSourceBackend    DiskSource = "backend"
)

// EditForm is everything needed to render the edit dialog.
type EditForm struct {
	Name       string
	Bounds     bounds.Bounds
	Current    bounds.Allocation
	KnownDisks []string
	DiskSource DiskSource
	// CapacityErr and DiskErr are informational; the form is usable anyway.
	CapacityErr error
	DiskErr     error
}

// Validate checks req against the form's ranges and, for a known-disk
// selection, against the form's disk list.
func (f *EditForm) Validate(req EditRequest) error {
	if !f.Bounds.ContainsMemory(req.MemoryMB) {
		return fmt.Errorf("%w: memory %d MB not in [%d, %d]", ErrOutOfBounds, req.MemoryMB, f.Bounds.MemoryMin, f.Bounds.MemoryMax)
	}
	if !f.Bounds.ContainsVCPUs(req.VCPUs) {
		return fmt.Errorf("%w: %d vCPUs not in [%d, %d]", ErrOutOfBounds, req.VCPUs, f.Bounds.VCPUMin, f.Bounds.VCPUMax)
	}
	if req.Disk.Mode == DiskKnown && !slices.Contains(f.KnownDisks, strings.TrimSpace(req.Disk.Path)) {
		return fmt.Errorf("%w: %q", ErrUnknownDisk, req.Disk.Path)
	}
	return nil
}

// Editor prepares and saves resource edits.
type Editor struct {
	snapshot   SnapshotReader
	backend    CapacityReader
	dispatcher *Dispatcher
	declared   bounds.Maximums
	logger     *slog.Logger
}

// NewEditor wires the edit flow.
func NewEditor(snapshot SnapshotReader, backend CapacityReader, dispatcher *Dispatcher, declared bounds.Maximums, logger *slog.Logger) *Editor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Editor{snapshot: snapshot, backend: backend, dispatcher: dispatcher, declared: declared, logger: logger}
}

// Prepare builds the form for name. Host capacity and, when the descriptor
// names no disks, the backend's disk list are fetched concurrently. Neither
// failure blocks editing.
func (e *Editor) Prepare(ctx context.Context, name string) (*EditForm, error) {
	vm, err := e.snapshot.Lookup(name)
	if err != nil {
		return nil, err
	}
	form := &EditForm{Name: name}
	known := descriptor.DiskPaths(vm)
	if len(known) > 0 {
		form.KnownDisks = known
		form.DiskSource = DiskSourceDescriptor
	}

	var capacity *bounds.HostCapacity
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := e.backend.HostCapacity(gctx)
		if err != nil {
			form.CapacityErr = err
			return nil
		}
		capacity = c
		return nil
	})
	if len(known) == 0 {
		g.Go(func() error {
			disks, err := e.backend.ListDisks(gctx, name)
			if err != nil {
				form.DiskErr = err
				return nil
			}
			form.KnownDisks = disks
			if len(disks) > 0 {
				form.DiskSource = DiskSourceBackend
			}
			return nil
		})
	}
	_ = g.Wait()

	if form.CapacityErr != nil {
		e.logger.Warn("host capacity unavailable, using declared maximums", "vm", name, "error", form.CapacityErr)
	}
	if form.DiskErr != nil {
		e.logger.Warn("disk listing failed", "vm", name, "error", form.DiskErr)
	}
	if form.KnownDisks == nil {
		form.KnownDisks = []string{}
	}

	form.Bounds = bounds.Compute(capacity, e.declared)
	form.Current = form.Bounds.ClampAllocation(bounds.Allocation{MemoryMB: vm.MemoryMB(), VCPUs: vm.VCPUs()})
	return form, nil
}

// Save validates req against the form's ranges and dispatches the edit.
func (e *Editor) Save(ctx context.Context, form *EditForm, req EditRequest) (*Result, error) {
	if form == nil {
		return nil, errors.New("dispatch: edit form is required")
	}
	if err := form.Validate(req); err != nil {
		return nil, &ActionError{Verb: VerbEdit, Target: form.Name, Err: err}
	}
	return e.dispatcher.Edit(ctx, form.Name, req)
}
