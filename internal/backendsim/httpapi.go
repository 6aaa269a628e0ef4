package backendsim

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ccheshirecat/vmdeck/internal/shared/logging"
)

// Options tunes the simulated backend's wire behaviour.
type Options struct {
	// BareList serves GET /vms as a bare array instead of {"vms": [...]}.
	BareList bool
	// RestartRoute adds POST /vms/restart/{name}; the real backend only has reboot.
	RestartRoute bool
	// AccessLog enables chi's request logger.
	AccessLog bool
	Logger    *slog.Logger
}

// Fault is an injected failure for one route pattern, e.g. "POST /vms/stop/{name}".
type Fault struct {
	Status int
	Detail string
}

// Handler serves the backend REST surface over a Fleet.
type Handler struct {
	fleet  *Fleet
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	faults map[string]Fault
	hits   map[string]int
}

// New constructs the router for fleet.
func New(fleet *Fleet, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		fleet:  fleet,
		opts:   opts,
		logger: logger.With("subsystem", "backendsim"),
		faults: make(map[string]Fault),
		hits:   make(map[string]int),
	}
}

// Fleet returns the simulated state.
func (h *Handler) Fleet() *Fleet { return h.fleet }

// InjectFault makes every request matching pattern fail with f until cleared.
func (h *Handler) InjectFault(pattern string, f Fault) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[pattern] = f
}

// ClearFaults removes every injected failure.
func (h *Handler) ClearFaults() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = make(map[string]Fault)
}

// Hits reports how many requests matched pattern.
func (h *Handler) Hits(pattern string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[pattern]
}

// Router builds the chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if h.opts.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.Get("/healthz", h.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(h.faultInjector)
		r.Get("/sys", h.handleHost)
		r.Get("/vms", h.handleList)
		r.Get("/vms/{name}/disks", h.handleDisks)
		r.Post("/vms/start/{name}", h.lifecycle(h.fleet.Start))
		r.Post("/vms/stop/{name}", h.lifecycle(h.fleet.Stop))
		r.Post("/vms/kill/{name}", h.lifecycle(h.fleet.Kill))
		r.Post("/vms/reboot/{name}", h.lifecycle(h.fleet.Reboot))
		if h.opts.RestartRoute {
			r.Post("/vms/restart/{name}", h.lifecycle(h.fleet.Reboot))
		}
		r.Post("/vms/edit/{name}", h.handleEdit)
		r.Post("/vms/create", h.handleCreate)
	})
	return r
}

// faultInjector counts matched requests and short-circuits injected faults.
// Group middleware runs after routing, so the route pattern is populated.
func (h *Handler) faultInjector(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := chi.RouteContext(r.Context())
		pattern := r.Method + " " + r.URL.Path
		if rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = r.Method + " " + p
			}
		}
		h.mu.Lock()
		h.hits[pattern]++
		fault, faulted := h.faults[pattern]
		h.mu.Unlock()
		if faulted {
			h.logger.Debug("injected fault", "pattern", pattern, "status", fault.Status)
			writeError(w, fault.Status, fault.Detail)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleHost(w http.ResponseWriter, r *http.Request) {
	host := h.fleet.Host()
	writeJSON(w, http.StatusOK, map[string]int{
		"vcpus":     host.VCPUs,
		"memory_kb": host.MemoryKB,
		"memory_mb": host.MemoryKB / 1024,
	})
}

type vmPayload struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Port      *int   `json:"port"`
	MemoryMB  int    `json:"memory_mb"`
	VCPUs     int    `json:"vcpus"`
	DomainXML string `json:"domain_xml,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	vms := h.fleet.List()
	out := make([]vmPayload, 0, len(vms))
	for _, vm := range vms {
		item := vmPayload{Name: vm.Name, Status: vm.State.String(), MemoryMB: vm.MemoryMiB, VCPUs: vm.VCPUs}
		if vm.State == StateRunning {
			port := vm.SpicePort
			item.Port = &port
		}
		xml, err := DomainXML(vm)
		if err != nil {
			h.logger.Warn("render domain xml", "vm", vm.Name, "error", err)
		} else {
			item.DomainXML = xml
		}
		out = append(out, item)
	}
	if h.opts.BareList {
		writeJSON(w, http.StatusOK, out)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vms": out})
}

func (h *Handler) handleDisks(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.fleet.Get(name); !ok {
		writeError(w, http.StatusNotFound, "VM '"+name+"' not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"disks": h.fleet.Images()})
}

func (h *Handler) lifecycle(op func(string) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := op(chi.URLParam(r, "name"))
		if err != nil {
			h.writeFleetError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": msg})
	}
}

func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid json")
		return
	}
	details, err := h.fleet.Edit(chi.URLParam(r, "name"), req)
	if err != nil {
		h.writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "VM updated successfully", "details": details})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid json")
		return
	}
	diskPath, err := h.fleet.Create(req)
	if err != nil {
		h.writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "VM '" + req.Name + "' created",
		"disk_path": diskPath,
	})
}

func (h *Handler) writeFleetError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalid):
		status = http.StatusBadRequest
	}
	writeError(w, status, detailOf(err))
}

// detailOf strips the sentinel prefix so the body reads like the backend's.
func detailOf(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{ErrNotFound, ErrConflict, ErrInvalid} {
		prefix := sentinel.Error() + ": "
		if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
			return msg[len(prefix):]
		}
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
