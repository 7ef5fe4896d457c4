/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package registry implements the Process Registry (C3): a periodically
// refreshed snapshot of running processes, backed by a bounded LRU miss
// cache for pids the last snapshot didn't carry, plus the supplemental
// process-category classification described in SPEC_FULL.md §3. Process
// enumeration is done with gopsutil/v4/process, following the same
// dependency the teacher uses for host/process introspection
// (ingest/log/utils.go imports gopsutil/host for PrintOSInfo).
package registry

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/routermgr/routerd/internal/lru"
	"github.com/routermgr/routerd/internal/rlog"
	"github.com/routermgr/routerd/internal/selection"
)

// SnapshotInterval is how often the main snapshot is refreshed, matching
// original_source/src/service/ProcessManager.cpp's REFRESH_INTERVAL.
const SnapshotInterval = 5 * time.Second

// MissCacheCapacity bounds the secondary LRU cache used for pids not
// present in the last full snapshot (e.g. a process that started and
// exited between refreshes, or one queried just after it started).
const MissCacheCapacity = 1000

// ProcessCategory is an informational classification of a process name,
// never consulted by routing decisions (SPEC_FULL.md §3 supplement).
type ProcessCategory uint8

const (
	CategoryUnknown ProcessCategory = iota
	CategoryGame
	CategoryDevTool
	CategoryCommunication
)

func (c ProcessCategory) String() string {
	switch c {
	case CategoryGame:
		return "Game"
	case CategoryDevTool:
		return "DevTool"
	case CategoryCommunication:
		return "Communication"
	default:
		return "Unknown"
	}
}

// gameIndicators/devIndicators/commIndicators mirror the substring arrays
// in original_source/src/common/Constants.h used for informational
// process categorization.
var (
	gameIndicators = []string{"steam", "epicgames", "battle.net", "riotclient", "origin"}
	devIndicators  = []string{"code.exe", "devenv", "idea", "pycharm", "goland", "git"}
	commIndicators = []string{"discord", "slack", "teams", "zoom", "skype"}
)

// Classify returns the informational category for an executable basename.
func Classify(processName string) ProcessCategory {
	name := strings.ToLower(processName)
	for _, ind := range commIndicators {
		if strings.Contains(name, ind) {
			return CategoryCommunication
		}
	}
	for _, ind := range gameIndicators {
		if strings.Contains(name, ind) {
			return CategoryGame
		}
	}
	for _, ind := range devIndicators {
		if strings.Contains(name, ind) {
			return CategoryDevTool
		}
	}
	return CategoryUnknown
}

// CachedProcess is one entry of the registry's view of a live process.
type CachedProcess struct {
	PID       uint32
	Name      string // executable basename
	ExePath   string
	CreatedAt time.Time
	Category  ProcessCategory
	Selected  bool
}

// Registry is the Process Registry (C3): a main snapshot refreshed every
// SnapshotInterval, plus an LRU-bounded miss cache for on-demand lookups of
// pids the snapshot doesn't (yet) carry.
type Registry struct {
	log *rlog.Logger
	sel *selection.Set

	mtx      sync.RWMutex
	snapshot map[uint32]CachedProcess

	misses *lru.Cache[uint32, CachedProcess]

	stop chan struct{}
	done chan struct{}
}

// New builds a Registry. sel is the live Selection Set (C4) consulted by
// IsSelectedByPID; Registry does not own sel's lifecycle.
func New(log *rlog.Logger, sel *selection.Set) *Registry {
	if log == nil {
		log = rlog.NewDiscard()
	}
	return &Registry{
		log:      log,
		sel:      sel,
		snapshot: make(map[uint32]CachedProcess),
		misses:   lru.New[uint32, CachedProcess](MissCacheCapacity),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start refreshes the snapshot once synchronously, then launches the
// background refresh loop. Callers should call Stop to join it on shutdown.
func (r *Registry) Start(ctx context.Context) error {
	r.RefreshSnapshot(ctx)
	go r.run(ctx)
	return nil
}

// Stop signals the refresh loop to exit and blocks until it has.
func (r *Registry) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)
	t := time.NewTicker(SnapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-t.C:
			r.RefreshSnapshot(ctx)
		}
	}
}

// RefreshSnapshot re-enumerates the OS process list and replaces the main
// snapshot. Entries found are removed from the miss cache; entries in the
// new snapshot carry Selected as evaluated against the current Selection
// Set at refresh time.
func (r *Registry) RefreshSnapshot(ctx context.Context) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		r.log.Warn("registry: failed to enumerate processes", r.log.KVErr(err))
		return
	}

	sel := r.currentSelection()

	next := make(map[uint32]CachedProcess, len(procs))
	for _, p := range procs {
		pid := uint32(p.Pid)
		exe, err := p.ExeWithContext(ctx)
		if err != nil || exe == "" {
			continue
		}
		createdMs, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			createdMs = 0
		}
		name := filepath.Base(exe)
		cp := CachedProcess{
			PID:       pid,
			Name:      name,
			ExePath:   exe,
			CreatedAt: time.UnixMilli(createdMs),
			Category:  Classify(name),
		}
		if sel != nil {
			cp.Selected = sel.Matches(name)
		}
		next[pid] = cp
	}

	r.mtx.Lock()
	r.snapshot = next
	r.mtx.Unlock()

	for _, cp := range next {
		r.misses.Delete(cp.PID)
	}
}

// Cached returns the registry's current view of pid, consulting the main
// snapshot first and falling back to a direct OS query (cached in the LRU
// miss cache) when the snapshot doesn't carry it. The second return value
// is false only when the pid cannot be resolved at all (already exited).
func (r *Registry) Cached(ctx context.Context, pid uint32) (CachedProcess, bool) {
	r.mtx.RLock()
	cp, ok := r.snapshot[pid]
	r.mtx.RUnlock()
	if ok {
		return cp, true
	}

	if cp, ok := r.misses.Get(pid); ok {
		return cp, true
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return CachedProcess{}, false
	}
	exe, err := p.ExeWithContext(ctx)
	if err != nil || exe == "" {
		return CachedProcess{}, false
	}
	createdMs, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		createdMs = 0
	}
	name := filepath.Base(exe)
	cp = CachedProcess{
		PID:       pid,
		Name:      name,
		ExePath:   exe,
		CreatedAt: time.UnixMilli(createdMs),
		Category:  Classify(name),
	}
	if sel := r.currentSelection(); sel != nil {
		cp.Selected = sel.Matches(name)
	}
	r.misses.Put(pid, cp)
	return cp, true
}

func (r *Registry) currentSelection() *selection.Set {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.sel
}

// IsSelectedByPID reports whether pid currently belongs to a process whose
// name matches the Selection Set. expectedCreatedAt, when non-zero, guards
// against pid reuse: if the live process's creation time disagrees, the pid
// has been recycled to a different process and IsSelectedByPID reports
// false rather than risk matching the wrong process's selection state.
func (r *Registry) IsSelectedByPID(ctx context.Context, pid uint32, expectedCreatedAt time.Time) bool {
	cp, ok := r.Cached(ctx, pid)
	if !ok {
		return false
	}
	if !expectedCreatedAt.IsZero() && !cp.CreatedAt.Equal(expectedCreatedAt) {
		return false
	}
	return cp.Selected
}

// Snapshot returns a copy of the current main snapshot, for the IPC
// Facade's GetProcesses call.
func (r *Registry) Snapshot() []CachedProcess {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]CachedProcess, 0, len(r.snapshot))
	for _, cp := range r.snapshot {
		out = append(out, cp)
	}
	return out
}

// SetSelection installs a new Selection Set, re-evaluates Selected across
// the current snapshot in place (so GetProcesses reflects the change
// without waiting for the next refresh tick), and clears the miss cache
// entirely since its entries carry Selected computed against the old set.
func (r *Registry) SetSelection(sel *selection.Set) {
	r.mtx.Lock()
	r.sel = sel
	for pid, cp := range r.snapshot {
		cp.Selected = sel.Matches(cp.Name)
		r.snapshot[pid] = cp
	}
	r.mtx.Unlock()
	r.misses.Clear()
}
