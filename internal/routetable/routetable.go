/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package routetable implements the Route Table (C6), the Route Installer
// (C7), and the Verifier (C9). It is grounded on
// original_source/src/service/RouteController.cpp for the add/remove/
// cleanup_all/update_config contracts and the modern/legacy API fallback,
// and on the fuchsia routes.go and yanet2 rib.go example files for the
// Go-idiomatic route-table key/lookup/refcount shape.
package routetable

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/routermgr/routerd/internal/ipnet"
	"github.com/routermgr/routerd/internal/rlog"
	"github.com/routermgr/routerd/pkg/routedriver"
)

// SizeCap and MaxAge implement spec.md §3 invariant I4.
const (
	SizeCap = 10000
	MaxAge  = 48 * time.Hour
)

// VerifyInterval is the Verifier's (C9) reinstall cadence.
const VerifyInterval = 30 * time.Second

const preloadProcessPrefix = "Preload-"

// RouteEntry is one row of the Route Table, per spec.md §3.
type RouteEntry struct {
	IP          string
	PrefixLen   int
	ProcessName string
	Gateway     string
	CreatedAt   time.Time
	refcount    int32
}

func routeKey(ip string, prefixLen int) string {
	return ip + "/" + itoa(prefixLen)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Table is the Route Table (C6), guarded by a single reader-writer lock as
// specified in spec.md §5's shared-resource discipline.
type Table struct {
	log       *rlog.Logger
	installer *Installer

	mtx     sync.RWMutex
	entries map[string]*RouteEntry
	dirty   bool

	onPreloadCleared func()
}

// NewTable builds an empty Route Table driving installer for every OS-level
// mutation.
func NewTable(log *rlog.Logger, installer *Installer) *Table {
	if log == nil {
		log = rlog.NewDiscard()
	}
	return &Table{
		log:       log,
		installer: installer,
		entries:   make(map[string]*RouteEntry),
	}
}

// OnPreloadCleared registers a callback invoked when CleanupAll removes at
// least one Preload-prefixed entry, so the caller can clear the
// AI-preload configuration bit (spec.md §4.4).
func (t *Table) OnPreloadCleared(fn func()) {
	t.onPreloadCleared = fn
}

// Dirty reports whether the table has mutated since the last call to
// ClearDirty, per spec.md §3 invariant I5.
func (t *Table) Dirty() bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.dirty
}

// ClearDirty resets the dirty bit after a successful persistence write.
func (t *Table) ClearDirty() {
	t.mtx.Lock()
	t.dirty = false
	t.mtx.Unlock()
}

// covers reports whether any non-host entry (prefix < 32) in the table
// covers ipU32, per spec.md §4.4's coverage check. Caller must hold at
// least a read lock.
func (t *Table) covers(ipU32 uint32) bool {
	for _, e := range t.entries {
		if e.PrefixLen >= 32 {
			continue
		}
		subnet, err := ipnet.ToUint32(e.IP)
		if err != nil {
			continue
		}
		mask := ipnet.Mask(e.PrefixLen)
		if ipU32&mask == subnet&mask {
			return true
		}
	}
	return false
}

// Add implements the C6 add contract (spec.md §4.4). prefixLength is
// normally 32 (host route) from the Batch Scheduler, but the Aggregator
// and Preload callers may pass shorter prefixes.
func (t *Table) Add(ip string, prefixLength int, processName string) (bool, error) {
	return t.AddWithGateway(ip, prefixLength, processName, "")
}

// AddWithGateway is Add, but records gateway (instead of the installer's
// current gateway) as the entry's Gateway, the one later used to uninstall
// it. The OS install itself always goes through the installer's current
// gateway.
func (t *Table) AddWithGateway(ip string, prefixLength int, processName, gateway string) (bool, error) {
	return t.restore(ip, prefixLength, processName, gateway, time.Time{})
}

// Restore is AddWithGateway but additionally pins the entry's CreatedAt to
// a previously-recorded instant (used by the Persistor on load, so a
// route's 48h age cap is computed from its original installation time, not
// from the moment it was replayed).
func (t *Table) Restore(ip string, prefixLength int, processName, gateway string, createdAt time.Time) (bool, error) {
	return t.restore(ip, prefixLength, processName, gateway, createdAt)
}

func (t *Table) restore(ip string, prefixLength int, processName, gateway string, createdAt time.Time) (bool, error) {
	ipU32, err := ipnet.ToUint32(ip)
	if err != nil {
		return false, nil
	}
	if ipnet.IsPrivate(ipU32) {
		return false, nil
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if prefixLength < 32 {
		// Aggregate/preload-range adds skip the coverage check; only host
		// routes are tested against existing non-host entries.
	} else if t.covers(ipU32) {
		return true, nil
	}

	key := routeKey(ip, prefixLength)
	if e, ok := t.entries[key]; ok {
		e.refcount++
		return true, nil
	}

	if len(t.entries) >= SizeCap {
		t.evictOlderThanLocked(MaxAge)
		if len(t.entries) >= SizeCap {
			return false, nil
		}
	}

	gw := gateway
	if gw == "" && t.installer != nil {
		gw = t.installer.Gateway()
	}
	if t.installer != nil {
		if err := t.installer.Install(ip, prefixLength); err != nil {
			return false, err
		}
	}

	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	t.entries[key] = &RouteEntry{
		IP:          ip,
		PrefixLen:   prefixLength,
		ProcessName: processName,
		Gateway:     gw,
		CreatedAt:   createdAt,
		refcount:    1,
	}
	t.dirty = true
	return true, nil
}

func (t *Table) evictOlderThanLocked(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	for key, e := range t.entries {
		if e.CreatedAt.Before(cutoff) {
			if t.installer != nil {
				_ = t.installer.Uninstall(e.IP, e.PrefixLen, e.Gateway)
			}
			delete(t.entries, key)
		}
	}
}

// Remove implements the C6 remove contract: decrement refcount, and on
// reaching zero, uninstall and delete.
func (t *Table) Remove(ip string, prefixLength int) (bool, error) {
	key := routeKey(ip, prefixLength)

	t.mtx.Lock()
	defer t.mtx.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false, nil
	}
	e.refcount--
	if e.refcount > 0 {
		return true, nil
	}

	if t.installer != nil {
		if err := t.installer.Uninstall(e.IP, e.PrefixLen, e.Gateway); err != nil {
			return false, err
		}
	}
	delete(t.entries, key)
	t.dirty = true
	return true, nil
}

// CleanupAll atomically snapshots and clears the table, uninstalling every
// entry. If any removed entry was a preload route, the registered
// OnPreloadCleared callback fires once.
func (t *Table) CleanupAll() {
	t.mtx.Lock()
	snapshot := t.entries
	t.entries = make(map[string]*RouteEntry)
	t.dirty = true
	t.mtx.Unlock()

	clearedPreload := false
	for _, e := range snapshot {
		if t.installer != nil {
			if err := t.installer.Uninstall(e.IP, e.PrefixLen, e.Gateway); err != nil {
				t.log.Warn("cleanup_all: uninstall failed", t.log.KV("ip", e.IP), t.log.KVErr(err))
			}
		}
		if len(e.ProcessName) >= len(preloadProcessPrefix) && e.ProcessName[:len(preloadProcessPrefix)] == preloadProcessPrefix {
			clearedPreload = true
		}
	}
	if clearedPreload && t.onPreloadCleared != nil {
		t.onPreloadCleared()
	}
}

// Snapshot returns a copy of every entry, for the Persistor, Verifier,
// Aggregator, and IPC GetRoutes.
func (t *Table) Snapshot() []RouteEntry {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	out := make([]RouteEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// UpdateConfig implements spec.md §4.4's update_config contract: a gateway
// change reinstalls every entry against the new gateway (uninstalling
// against the old first); a metric-only change reinstalls every entry in
// place since the OS treats metric as part of the row.
func (t *Table) UpdateConfig(newGateway string, metricChanged bool) {
	if t.installer == nil {
		return
	}
	oldGateway := t.installer.Gateway()
	gatewayChanged := newGateway != "" && newGateway != oldGateway

	if !gatewayChanged && !metricChanged {
		return
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if gatewayChanged {
		t.installer.SetGateway(newGateway)
		t.installer.InvalidateInterfaceCache()
		t.dirty = true
	}

	var successes, failures int
	for _, e := range t.entries {
		if gatewayChanged {
			if err := t.installer.UninstallWithGateway(e.IP, e.PrefixLen, oldGateway); err != nil {
				t.log.Warn("update_config: uninstall against old gateway failed", t.log.KV("ip", e.IP), t.log.KVErr(err))
			}
			e.Gateway = newGateway
		}
		if err := t.installer.Install(e.IP, e.PrefixLen); err != nil {
			failures++
			t.log.Warn("update_config: reinstall failed", t.log.KV("ip", e.IP), t.log.KVErr(err))
			continue
		}
		successes++
	}
	t.log.Info("update_config: reinstall complete", t.log.KV("successes", successes), t.log.KV("failures", failures))
}

// Installer is the Route Installer (C7): it mediates every OS-level route
// mutation and the modern/legacy API fallback, grounded on
// RouteController.cpp's InstallRoute/UninstallRoute.
type Installer struct {
	log    *rlog.Logger
	driver routedriver.Driver

	mtx          sync.Mutex
	gateway      string
	metric       uint32
	ifaceCacheOK bool
	cachedIface  uint32
}

// NewInstaller builds an Installer driving driver with the given gateway
// and configured metric.
func NewInstaller(log *rlog.Logger, driver routedriver.Driver, gateway string, metric uint32) *Installer {
	if log == nil {
		log = rlog.NewDiscard()
	}
	return &Installer{log: log, driver: driver, gateway: gateway, metric: metric}
}

// Gateway returns the installer's current gateway.
func (in *Installer) Gateway() string {
	in.mtx.Lock()
	defer in.mtx.Unlock()
	return in.gateway
}

// SetGateway updates the installer's gateway, used by UpdateConfig before
// it reinstalls every entry against the new gateway.
func (in *Installer) SetGateway(gw string) {
	in.mtx.Lock()
	in.gateway = gw
	in.mtx.Unlock()
}

// InvalidateInterfaceCache forces the next Install to re-resolve the best
// interface for the gateway.
func (in *Installer) InvalidateInterfaceCache() {
	in.mtx.Lock()
	in.ifaceCacheOK = false
	in.mtx.Unlock()
}

func (in *Installer) resolveInterface() (uint32, error) {
	in.mtx.Lock()
	if in.ifaceCacheOK {
		iface := in.cachedIface
		in.mtx.Unlock()
		return iface, nil
	}
	gw := in.gateway
	in.mtx.Unlock()

	iface, err := in.driver.BestInterface(gw)
	if err != nil {
		return 0, err
	}

	in.mtx.Lock()
	in.cachedIface = iface
	in.ifaceCacheOK = true
	in.mtx.Unlock()
	return iface, nil
}

// IsGatewayReachable reports whether the OS can resolve a best interface
// for the current gateway.
func (in *Installer) IsGatewayReachable() bool {
	_, err := in.driver.BestInterface(in.Gateway())
	return err == nil
}

// Install adds a route for ip/prefixLength, trying the modern API first and
// falling back to the legacy API on ErrRouteNotFound/ErrInvalidFunction, per
// spec.md §4.4.
func (in *Installer) Install(ip string, prefixLength int) error {
	iface, err := in.resolveInterface()
	if err != nil {
		return err
	}

	gw := in.Gateway()
	err = in.driver.InstallModern(ip, prefixLength, gw, iface, in.metric)
	if err == nil || err == routedriver.ErrObjectAlreadyExists {
		return nil
	}
	if err != routedriver.ErrRouteNotFound && err != routedriver.ErrInvalidFunction {
		return err
	}

	ifaceMetric, merr := in.driver.InterfaceMetric(iface)
	if merr != nil {
		ifaceMetric = 0
	}
	legacyMetric := ifaceMetric + in.metric
	err = in.driver.InstallLegacy(ip, prefixLength, gw, iface, legacyMetric)
	if err == routedriver.ErrObjectAlreadyExists {
		return nil
	}
	return err
}

// Uninstall removes a route for ip/prefixLength against gateway, treating
// ErrRouteNotFound as success. An empty gateway means the installer's
// current gateway; otherwise it behaves exactly like UninstallWithGateway.
func (in *Installer) Uninstall(ip string, prefixLength int, gateway string) error {
	if gateway == "" {
		gateway = in.Gateway()
	}
	return in.UninstallWithGateway(ip, prefixLength, gateway)
}

// UninstallWithGateway removes a route using an explicit gateway (used by
// UpdateConfig's old-gateway removal step).
func (in *Installer) UninstallWithGateway(ip string, prefixLength int, gateway string) error {
	iface, err := in.driver.BestInterface(gateway)
	if err != nil {
		iface = 0
	}
	if err := in.driver.RemoveModern(ip, prefixLength, gateway, iface); err == nil || err == routedriver.ErrRouteNotFound {
		return nil
	}
	err = in.driver.RemoveLegacy(ip, prefixLength, gateway, iface)
	if err == routedriver.ErrRouteNotFound {
		return nil
	}
	return err
}

// Verifier is C9: every VerifyInterval, reinstall every (ip, prefix) in the
// table, relying on the installer's OBJECT_ALREADY_EXISTS-as-success rule
// for idempotency.
type Verifier struct {
	log       *rlog.Logger
	table     *Table
	installer *Installer

	stop chan struct{}
	done chan struct{}
}

func NewVerifier(log *rlog.Logger, table *Table, installer *Installer) *Verifier {
	if log == nil {
		log = rlog.NewDiscard()
	}
	return &Verifier{log: log, table: table, installer: installer, stop: make(chan struct{}), done: make(chan struct{})}
}

// Run drives the verify loop until ctx is canceled or Stop is called.
func (v *Verifier) Run(ctx context.Context) {
	defer close(v.done)
	t := time.NewTicker(VerifyInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.stop:
			return
		case <-t.C:
			v.verifyOnce()
		}
	}
}

func (v *Verifier) Stop() {
	close(v.stop)
	<-v.done
}

func (v *Verifier) verifyOnce() {
	if !v.installer.IsGatewayReachable() {
		v.installer.InvalidateInterfaceCache()
		return
	}
	for _, e := range v.table.Snapshot() {
		if err := v.installer.Install(e.IP, e.PrefixLen); err != nil {
			v.log.Warn("verifier: reinstall failed", v.log.KV("ip", e.IP), v.log.KVErr(err))
		}
	}
}
