package routetable

import (
	"errors"
	"sync"
	"testing"

	"github.com/routermgr/routerd/pkg/routedriver"
)

type fakeDriver struct {
	mtx           sync.Mutex
	installed     map[string]bool
	failInstall   bool
	legacyOnly    bool
	ifaceMetric   uint32
	bestInterface uint32
	unreachable   bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{installed: make(map[string]bool), bestInterface: 7}
}

func key(dest string, prefix int) string { return dest + "/" + itoa(prefix) }

func (d *fakeDriver) InstallModern(dest string, prefix int, nextHop string, iface, metric uint32) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.legacyOnly {
		return routedriver.ErrInvalidFunction
	}
	if d.failInstall {
		return errors.New("boom")
	}
	if d.installed[key(dest, prefix)] {
		return routedriver.ErrObjectAlreadyExists
	}
	d.installed[key(dest, prefix)] = true
	return nil
}

func (d *fakeDriver) InstallLegacy(dest string, prefix int, nextHop string, iface, metric uint32) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.failInstall {
		return errors.New("boom")
	}
	d.installed[key(dest, prefix)] = true
	return nil
}

func (d *fakeDriver) RemoveModern(dest string, prefix int, nextHop string, iface uint32) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if !d.installed[key(dest, prefix)] {
		return routedriver.ErrRouteNotFound
	}
	delete(d.installed, key(dest, prefix))
	return nil
}

func (d *fakeDriver) RemoveLegacy(dest string, prefix int, nextHop string, iface uint32) error {
	return d.RemoveModern(dest, prefix, nextHop, iface)
}

func (d *fakeDriver) BestInterface(nextHop string) (uint32, error) {
	if d.unreachable {
		return 0, errors.New("unreachable")
	}
	return d.bestInterface, nil
}

func (d *fakeDriver) InterfaceMetric(iface uint32) (uint32, error) {
	return d.ifaceMetric, nil
}

func TestTableAddInstallsAndRefcounts(t *testing.T) {
	drv := newFakeDriver()
	in := NewInstaller(nil, drv, "10.0.0.1", 5)
	tbl := NewTable(nil, in)

	ok, err := tbl.Add("8.8.8.8", 32, "proc.exe")
	if err != nil || !ok {
		t.Fatalf("add failed: ok=%v err=%v", ok, err)
	}
	ok, err = tbl.Add("8.8.8.8", 32, "proc.exe")
	if err != nil || !ok {
		t.Fatalf("second add (refcount bump) failed: ok=%v err=%v", ok, err)
	}
	if len(tbl.Snapshot()) != 1 {
		t.Fatalf("expected one entry, got %d", len(tbl.Snapshot()))
	}
	if !tbl.Dirty() {
		t.Fatalf("expected dirty bit set after add")
	}
}

func TestTableAddRejectsPrivateIP(t *testing.T) {
	drv := newFakeDriver()
	in := NewInstaller(nil, drv, "10.0.0.1", 5)
	tbl := NewTable(nil, in)

	ok, err := tbl.Add("192.168.1.1", 32, "proc.exe")
	if err != nil || ok {
		t.Fatalf("expected private IP to be rejected, ok=%v err=%v", ok, err)
	}
}

func TestTableAddSkipsWhenCovered(t *testing.T) {
	drv := newFakeDriver()
	in := NewInstaller(nil, drv, "10.0.0.1", 5)
	tbl := NewTable(nil, in)

	if ok, err := tbl.Add("8.8.8.0", 24, "agg"); err != nil || !ok {
		t.Fatalf("aggregate add failed: %v %v", ok, err)
	}
	if ok, err := tbl.Add("8.8.8.8", 32, "proc.exe"); err != nil || !ok {
		t.Fatalf("covered host add should report success without modification: %v %v", ok, err)
	}
	if len(tbl.Snapshot()) != 1 {
		t.Fatalf("expected covered host route not to be inserted, got %d entries", len(tbl.Snapshot()))
	}
}

func TestTableRemoveDecrementsThenUninstalls(t *testing.T) {
	drv := newFakeDriver()
	in := NewInstaller(nil, drv, "10.0.0.1", 5)
	tbl := NewTable(nil, in)

	tbl.Add("8.8.8.8", 32, "proc.exe")
	tbl.Add("8.8.8.8", 32, "proc.exe")

	if ok, _ := tbl.Remove("8.8.8.8", 32); !ok {
		t.Fatalf("expected remove to succeed")
	}
	if len(tbl.Snapshot()) != 1 {
		t.Fatalf("expected entry to remain after single decrement")
	}
	if ok, _ := tbl.Remove("8.8.8.8", 32); !ok {
		t.Fatalf("expected second remove to succeed")
	}
	if len(tbl.Snapshot()) != 0 {
		t.Fatalf("expected entry gone after refcount reaches zero")
	}
}

func TestInstallerFallsBackToLegacy(t *testing.T) {
	drv := newFakeDriver()
	drv.legacyOnly = true
	in := NewInstaller(nil, drv, "10.0.0.1", 5)

	if err := in.Install("8.8.8.8", 32); err != nil {
		t.Fatalf("expected legacy fallback to succeed: %v", err)
	}
	if !drv.installed[key("8.8.8.8", 32)] {
		t.Fatalf("expected legacy install to have run")
	}
}

func TestCleanupAllClearsPreloadBit(t *testing.T) {
	drv := newFakeDriver()
	in := NewInstaller(nil, drv, "10.0.0.1", 5)
	tbl := NewTable(nil, in)
	tbl.Add("8.8.8.8", 32, "Preload-Discord")

	cleared := false
	tbl.OnPreloadCleared(func() { cleared = true })
	tbl.CleanupAll()

	if !cleared {
		t.Fatalf("expected preload-cleared callback to fire")
	}
	if len(tbl.Snapshot()) != 0 {
		t.Fatalf("expected table empty after cleanup_all")
	}
}

func TestVerifierSkipsWhenGatewayUnreachable(t *testing.T) {
	drv := newFakeDriver()
	drv.unreachable = true
	in := NewInstaller(nil, drv, "10.0.0.1", 5)
	tbl := NewTable(nil, in)
	v := NewVerifier(nil, tbl, in)
	v.verifyOnce() // should not panic and should be a no-op
}
