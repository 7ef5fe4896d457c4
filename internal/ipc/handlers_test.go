package ipc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/routermgr/routerd/internal/registry"
	"github.com/routermgr/routerd/internal/routerconfig"
	"github.com/routermgr/routerd/internal/routetable"
	"github.com/routermgr/routerd/internal/selection"
)

type noopDriver struct{}

func (noopDriver) InstallModern(string, int, string, uint32, uint32) error { return nil }
func (noopDriver) InstallLegacy(string, int, string, uint32, uint32) error { return nil }
func (noopDriver) RemoveModern(string, int, string, uint32) error         { return nil }
func (noopDriver) RemoveLegacy(string, int, string, uint32) error         { return nil }
func (noopDriver) BestInterface(string) (uint32, error)                   { return 1, nil }
func (noopDriver) InterfaceMetric(uint32) (uint32, error)                 { return 0, nil }

func newTestServices() *Services {
	installer := routetable.NewInstaller(nil, noopDriver{}, "10.0.0.1", 1)
	tbl := routetable.NewTable(nil, installer)
	sel := selection.New()
	reg := registry.New(nil, sel)

	svcs := NewServices(routerconfig.Default(), time.Now())
	svcs.Table = tbl
	svcs.Installer = installer
	svcs.Registry = reg
	svcs.Sel = sel
	return svcs
}

func TestHandleAddRouteThenGetRoutes(t *testing.T) {
	svcs := newTestServices()

	addPayload, _ := json.Marshal(addRouteRequest{IP: "8.8.8.8", PrefixLen: 32, ProcessName: "x.exe"})
	resp := svcs.handleAddRoute(Request{Payload: addPayload})
	if !resp.Success {
		t.Fatalf("add route failed: %s", resp.Err)
	}

	resp = svcs.handleGetRoutes(Request{})
	if !resp.Success {
		t.Fatalf("get routes failed: %s", resp.Err)
	}
	var routes []routePayload
	if err := json.Unmarshal(resp.Data, &routes); err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 || routes[0].IP != "8.8.8.8" {
		t.Fatalf("unexpected routes: %+v", routes)
	}
}

func TestHandleSetConfigUpdatesSelection(t *testing.T) {
	svcs := newTestServices()

	next := routerconfig.Default()
	next.SelectedProcesses = []string{"discord.exe"}
	payload, _ := json.Marshal(next)

	resp := svcs.handleSetConfig(Request{Payload: payload})
	if !resp.Success {
		t.Fatalf("set config failed: %s", resp.Err)
	}
	if !svcs.Sel.Matches("discord.exe") {
		t.Fatalf("expected selection set to be updated")
	}
}

func TestHandleGetStatusReportsActiveRoutes(t *testing.T) {
	svcs := newTestServices()
	svcs.handleAddRoute(requestFor(addRouteRequest{IP: "1.2.3.4", PrefixLen: 32, ProcessName: "p"}))

	resp := svcs.handleGetStatus(Request{})
	var status statusPayload
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		t.Fatal(err)
	}
	if status.ActiveRoutes != 1 {
		t.Fatalf("expected 1 active route, got %d", status.ActiveRoutes)
	}
}

func requestFor(v interface{}) Request {
	b, _ := json.Marshal(v)
	return Request{Payload: b}
}
