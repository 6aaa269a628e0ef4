// Package backendsim is an in-process stand-in for the VM management backend.
// It serves the same REST surface with the same messages and status codes so
// the client, the dashboard and the tests can run without a hypervisor.
package backendsim

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"libvirt.org/go/libvirtxml"
)

// DomainState mirrors libvirt's virDomainState.
type DomainState int

const (
	StateNoState DomainState = iota
	StateRunning
	StateBlocked
	StatePaused
	StateShutdown
	StateShutoff
	StateCrashed
	StatePMSuspended
)

var stateNames = map[DomainState]string{
	StateNoState:     "No State",
	StateRunning:     "Running",
	StateBlocked:     "Blocked",
	StatePaused:      "Paused",
	StateShutdown:    "Shutdown",
	StateShutoff:     "Shut off",
	StateCrashed:     "Crashed",
	StatePMSuspended: "PM Suspended",
}

func (s DomainState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

func (s DomainState) stopped() bool { return s == StateShutdown || s == StateShutoff }

// Errors carrying the status code the backend would answer with.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	ErrInvalid  = errors.New("invalid request")
)

// VM is one simulated domain.
type VM struct {
	Name      string
	State     DomainState
	MemoryMiB int
	VCPUs     int
	DiskPath  string
	ISOPath   string
	SpicePort int
}

// Host is the simulated hypervisor capacity.
type Host struct {
	VCPUs    int
	MemoryKB int
}

// Fleet is the mutable simulator state.
type Fleet struct {
	mu        sync.Mutex
	host      Host
	imageDir  string
	vms       map[string]*VM
	images    map[string]struct{}
	nextSpice int
}

// NewFleet creates an empty fleet on host with disk images under imageDir.
func NewFleet(host Host, imageDir string) *Fleet {
	return &Fleet{
		host:      host,
		imageDir:  imageDir,
		vms:       make(map[string]*VM),
		images:    make(map[string]struct{}),
		nextSpice: 5900,
	}
}

// Seed returns a small fleet in mixed states.
func Seed() *Fleet {
	f := NewFleet(Host{VCPUs: 8, MemoryKB: 16 * 1024 * 1024}, "/var/lib/libvirt/images")
	_ = f.Add(VM{Name: "web-01", State: StateRunning, MemoryMiB: 2048, VCPUs: 2})
	_ = f.Add(VM{Name: "db-primary", State: StateRunning, MemoryMiB: 8192, VCPUs: 4})
	_ = f.Add(VM{Name: "build-runner", State: StateShutoff, MemoryMiB: 4096, VCPUs: 2})
	_ = f.Add(VM{Name: "legacy", State: StatePaused, MemoryMiB: 1024, VCPUs: 1})
	f.AddImage(path.Join(f.imageDir, "debian-12.qcow2"))
	return f
}

// Add defines a VM, filling in a disk and SPICE port when absent.
func (f *Fleet) Add(vm VM) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(vm.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if _, exists := f.vms[vm.Name]; exists {
		return fmt.Errorf("%w: VM '%s' already exists", ErrConflict, vm.Name)
	}
	if vm.DiskPath == "" {
		vm.DiskPath = path.Join(f.imageDir, vm.Name+".qcow2")
	}
	if vm.SpicePort == 0 {
		vm.SpicePort = f.nextSpice
		f.nextSpice++
	}
	f.images[vm.DiskPath] = struct{}{}
	stored := vm
	f.vms[vm.Name] = &stored
	return nil
}

// AddImage makes a disk image visible to the disks endpoint.
func (f *Fleet) AddImage(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[p] = struct{}{}
}

// Get returns a copy of the named VM.
func (f *Fleet) Get(name string) (VM, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[name]
	if !ok {
		return VM{}, false
	}
	return *vm, true
}

// List returns copies of every VM sorted by name.
func (f *Fleet) List() []VM {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]VM, 0, len(f.vms))
	for _, vm := range f.vms {
		out = append(out, *vm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Host returns the simulated capacity.
func (f *Fleet) Host() Host {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.host
}

// Images lists the qcow2 images in the image directory, sorted.
func (f *Fleet) Images() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.images))
	for p := range f.images {
		if path.Dir(p) == f.imageDir && strings.HasSuffix(strings.ToLower(p), ".qcow2") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (f *Fleet) lookup(name string) (*VM, error) {
	vm, ok := f.vms[name]
	if !ok {
		return nil, fmt.Errorf("%w: VM '%s' not found", ErrNotFound, name)
	}
	return vm, nil
}

// Start boots a stopped VM.
func (f *Fleet) Start(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.lookup(name)
	if err != nil {
		return "", err
	}
	if vm.State == StateRunning {
		return "VM already running", nil
	}
	vm.State = StateRunning
	return "VM started", nil
}

// Stop performs a graceful shutdown; the simulator completes it at once.
func (f *Fleet) Stop(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.lookup(name)
	if err != nil {
		return "", err
	}
	if vm.State.stopped() {
		return "VM already stopped", nil
	}
	vm.State = StateShutoff
	return "Shutdown initiated", nil
}

// Kill pulls the power.
func (f *Fleet) Kill(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.lookup(name)
	if err != nil {
		return "", err
	}
	if vm.State.stopped() {
		return "VM already stopped", nil
	}
	vm.State = StateShutoff
	return "Force stopped", nil
}

// Reboot restarts a running VM.
func (f *Fleet) Reboot(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.lookup(name)
	if err != nil {
		return "", err
	}
	if vm.State.stopped() {
		return "VM is stopped", nil
	}
	vm.State = StateRunning
	return "Reboot initiated", nil
}

// EditRequest mirrors the backend's edit body; nil fields are unchanged.
type EditRequest struct {
	MemoryMB *int    `json:"memory_mb"`
	VCPUs    *int    `json:"vcpus"`
	DiskPath *string `json:"disk_path"`
}

// Edit applies resource changes live when running, else for next boot.
func (f *Fleet) Edit(name string, req EditRequest) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.lookup(name)
	if err != nil {
		return nil, err
	}
	live := vm.State == StateRunning
	var details []string
	if req.MemoryMB != nil {
		if *req.MemoryMB <= 0 {
			return nil, fmt.Errorf("%w: memory_mb must be positive", ErrInvalid)
		}
		vm.MemoryMiB = *req.MemoryMB
		if live {
			details = append(details, fmt.Sprintf("Memory changed live to %d MB", *req.MemoryMB))
		} else {
			details = append(details, fmt.Sprintf("Memory set to %d MB (next boot)", *req.MemoryMB))
		}
	}
	if req.VCPUs != nil {
		if *req.VCPUs <= 0 {
			return nil, fmt.Errorf("%w: vcpus must be positive", ErrInvalid)
		}
		vm.VCPUs = *req.VCPUs
		if live {
			details = append(details, fmt.Sprintf("vCPUs changed live to %d", *req.VCPUs))
		} else {
			details = append(details, fmt.Sprintf("vCPUs set to %d (next boot)", *req.VCPUs))
		}
	}
	if req.DiskPath != nil && *req.DiskPath != "" {
		vm.DiskPath = *req.DiskPath
		details = append(details, fmt.Sprintf("Disk set to %s (next boot)", *req.DiskPath))
	}
	return details, nil
}

// CreateRequest mirrors the backend's create body.
type CreateRequest struct {
	Name     string `json:"name"`
	MemoryMB int    `json:"memory_mb"`
	VCPUs    int    `json:"vcpus"`
	DiskGB   int    `json:"disk_gb"`
	ISOPath  string `json:"iso_path,omitempty"`
}

// Create defines and boots a new VM, returning its disk path.
func (f *Fleet) Create(req CreateRequest) (string, error) {
	if req.MemoryMB <= 0 || req.VCPUs <= 0 || req.DiskGB <= 0 {
		return "", fmt.Errorf("%w: memory_mb, vcpus and disk_gb must be positive", ErrInvalid)
	}
	vm := VM{Name: req.Name, State: StateRunning, MemoryMiB: req.MemoryMB, VCPUs: req.VCPUs, ISOPath: req.ISOPath}
	if err := f.Add(vm); err != nil {
		return "", err
	}
	created, _ := f.Get(req.Name)
	return created.DiskPath, nil
}

// DomainXML renders vm the way libvirt's XMLDesc would.
func DomainXML(vm VM) (string, error) {
	boot := "hd"
	if vm.ISOPath != "" {
		boot = "cdrom"
	}
	dom := libvirtxml.Domain{
		Type: "kvm",
		Name: vm.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(vm.MemoryMiB) * 1024,
			Unit:  "KiB",
		},
		CurrentMemory: &libvirtxml.DomainCurrentMemory{
			Value: uint(vm.MemoryMiB) * 1024,
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{Placement: "static", Value: uint(vm.VCPUs)},
		OS: &libvirtxml.DomainOS{
			Type:        &libvirtxml.DomainOSType{Arch: "x86_64", Machine: "pc", Type: "hvm"},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: boot}},
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{{
				Device: "disk",
				Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
				Source: &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: vm.DiskPath}},
				Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
			}},
			Graphics: []libvirtxml.DomainGraphic{{
				Spice: &libvirtxml.DomainGraphicSpice{Port: vm.SpicePort, AutoPort: "no"},
			}},
		},
	}
	if vm.ISOPath != "" {
		dom.Devices.Disks = append(dom.Devices.Disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
			Source: &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: vm.ISOPath}},
			Target: &libvirtxml.DomainDiskTarget{Dev: "sda", Bus: "sata"},
		})
	}
	return dom.Marshal()
}
