package persist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/routermgr/routerd/internal/routetable"
)

type noopDriver struct{}

func (noopDriver) InstallModern(string, int, string, uint32, uint32) error { return nil }
func (noopDriver) InstallLegacy(string, int, string, uint32, uint32) error { return nil }
func (noopDriver) RemoveModern(string, int, string, uint32) error         { return nil }
func (noopDriver) RemoveLegacy(string, int, string, uint32) error         { return nil }
func (noopDriver) BestInterface(string) (uint32, error)                   { return 1, nil }
func (noopDriver) InterfaceMetric(uint32) (uint32, error)                 { return 0, nil }

func TestWriteThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.txt")

	installer := routetable.NewInstaller(nil, noopDriver{}, "10.0.0.1", 1)
	tbl := routetable.NewTable(nil, installer)
	tbl.Add("8.8.8.8", 32, "proc.exe")

	p := New(nil, path, tbl, installer)
	p.WriteIfDirty()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected state file to exist: %v", err)
	}
	if !strings.Contains(string(data), "route=8.8.8.8,proc.exe,") {
		t.Fatalf("expected route line in state file, got:\n%s", data)
	}

	tbl2 := routetable.NewTable(nil, installer)
	p2 := New(nil, path, tbl2, installer)
	if err := p2.Load("10.0.0.1"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	snap := tbl2.Snapshot()
	if len(snap) != 1 || snap[0].IP != "8.8.8.8" {
		t.Fatalf("expected reloaded route, got %+v", snap)
	}
}

func TestLoadSkipsPreloadRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.txt")
	contents := "version=3\ntimestamp=1700000000\ngateway=10.0.0.1\n" +
		"route=162.159.128.1,Preload-Discord,1700000000,32,10.0.0.1\n" +
		"route=9.9.9.9,proc.exe,1700000000,32,10.0.0.1\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	installer := routetable.NewInstaller(nil, noopDriver{}, "10.0.0.1", 1)
	tbl := routetable.NewTable(nil, installer)
	p := New(nil, path, tbl, installer)
	if err := p.Load("10.0.0.1"); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	snap := tbl.Snapshot()
	if len(snap) != 1 || snap[0].IP != "9.9.9.9" {
		t.Fatalf("expected only the non-preload row to load, got %+v", snap)
	}
}

func TestWriteIfDirtyNoopWhenClean(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.txt")
	installer := routetable.NewInstaller(nil, noopDriver{}, "10.0.0.1", 1)
	tbl := routetable.NewTable(nil, installer)

	p := New(nil, path, tbl, installer)
	p.WriteIfDirty()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no file to be written when table isn't dirty")
	}
}
