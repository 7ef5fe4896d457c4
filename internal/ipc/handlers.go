/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ipc

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/routermgr/routerd/internal/aggregator"
	"github.com/routermgr/routerd/internal/flow"
	"github.com/routermgr/routerd/internal/persist"
	"github.com/routermgr/routerd/internal/registry"
	"github.com/routermgr/routerd/internal/rlog"
	"github.com/routermgr/routerd/internal/routerconfig"
	"github.com/routermgr/routerd/internal/routetable"
	"github.com/routermgr/routerd/internal/selection"
)

var errNoTable = errors.New("ipc: route table not wired")

// Services bundles every core component the dispatch table drives, per
// spec.md §4.8's component list.
type Services struct {
	Log        *rlog.Logger
	Table      *routetable.Table
	Installer  *routetable.Installer
	Registry   *registry.Registry
	Aggregator *aggregator.Aggregator
	Persistor  *persist.Persistor
	Filter     *flow.Filter
	Sel        *selection.Set

	config  routerconfig.Config
	started time.Time
}

// NewServices builds a Services bundle, recording cfg as the live
// configuration and now as the process start time for uptime reporting.
func NewServices(cfg routerconfig.Config, startedAt time.Time) *Services {
	return &Services{config: cfg, started: startedAt}
}

// statusPayload mirrors original_source/src/common/Models.h's
// ServiceStatus, the supplemental status surface added in SPEC_FULL.md §3.
type statusPayload struct {
	IsRunning     bool   `json:"is_running"`
	MonitorActive bool   `json:"monitor_active"`
	ActiveRoutes  int    `json:"active_routes"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	AIPreload     bool   `json:"ai_preload_enabled"`
}

type routePayload struct {
	IP          string `json:"ip"`
	PrefixLen   int    `json:"prefix_len"`
	ProcessName string `json:"process_name"`
	CreatedAt   int64  `json:"created_at"`
}

type processPayload struct {
	PID      uint32 `json:"pid"`
	Name     string `json:"name"`
	ExePath  string `json:"exe_path"`
	Selected bool   `json:"selected"`
	Category string `json:"category"`
}

func ok(data interface{}) Response {
	b, err := json.Marshal(data)
	if err != nil {
		return Response{Success: false, Err: err.Error()}
	}
	return Response{Success: true, Data: b}
}

func fail(err error) Response {
	return Response{Success: false, Err: err.Error()}
}

// RegisterHandlers wires every dispatch table entry from spec.md §4.8
// against svcs.
func RegisterHandlers(d *Dispatcher, svcs *Services) {
	d.Register(MsgGetStatus, svcs.handleGetStatus)
	d.Register(MsgGetConfig, svcs.handleGetConfig)
	d.Register(MsgSetConfig, svcs.handleSetConfig)
	d.Register(MsgGetProcesses, svcs.handleGetProcesses)
	d.Register(MsgSetSelectedProcesses, svcs.handleSetSelectedProcesses)
	d.Register(MsgGetRoutes, svcs.handleGetRoutes)
	d.Register(MsgAddRoute, svcs.handleAddRoute)
	d.Register(MsgRemoveRoute, svcs.handleRemoveRoute)
	d.Register(MsgClearRoutes, svcs.handleClearRoutes)
	d.Register(MsgOptimizeRoutes, svcs.handleOptimizeRoutes)
	d.Register(MsgSetAIPreload, svcs.handleSetAIPreload)
}

func (s *Services) handleGetStatus(Request) Response {
	var activeRoutes int
	if s.Table != nil {
		activeRoutes = len(s.Table.Snapshot())
	}
	var recordCount int
	if s.Filter != nil {
		recordCount = s.Filter.RecordCount()
	}
	return ok(statusPayload{
		IsRunning:     true,
		MonitorActive: recordCount >= 0,
		ActiveRoutes:  activeRoutes,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		AIPreload:     s.config.AIPreloadEnabled,
	})
}

func (s *Services) handleGetConfig(Request) Response {
	return ok(s.config)
}

func (s *Services) handleSetConfig(req Request) Response {
	var next routerconfig.Config
	if err := json.Unmarshal(req.Payload, &next); err != nil {
		return fail(err)
	}
	if err := next.Verify(); err != nil {
		return fail(err)
	}

	gatewayChanged := next.GatewayIP != s.config.GatewayIP
	metricChanged := next.Metric != s.config.Metric
	selectionChanged := !stringSlicesEqual(next.SelectedProcesses, s.config.SelectedProcesses)

	if s.Persistor != nil {
		// Write out any route changes still pending before the gateway/
		// metric update below. A gateway migration marks the table dirty,
		// so its result is written by the Persistor's next periodic write.
		s.Persistor.WriteIfDirty()
	}
	if s.Table != nil && (gatewayChanged || metricChanged) {
		s.Table.UpdateConfig(next.GatewayIP, metricChanged)
	}
	if selectionChanged && s.Registry != nil && s.Sel != nil {
		s.Sel.Replace(next.SelectedProcesses)
		s.Registry.SetSelection(s.Sel)
	}

	s.config = next
	return ok(s.config)
}

func (s *Services) handleGetProcesses(Request) Response {
	if s.Registry == nil {
		return ok([]processPayload{})
	}
	snap := s.Registry.Snapshot()
	out := make([]processPayload, 0, len(snap))
	for _, cp := range snap {
		out = append(out, processPayload{
			PID:      cp.PID,
			Name:     cp.Name,
			ExePath:  cp.ExePath,
			Selected: cp.Selected,
			Category: cp.Category.String(),
		})
	}
	return ok(out)
}

func (s *Services) handleSetSelectedProcesses(req Request) Response {
	var patterns []string
	if err := json.Unmarshal(req.Payload, &patterns); err != nil {
		return fail(err)
	}
	if s.Sel != nil {
		s.Sel.Replace(patterns)
	}
	if s.Registry != nil {
		s.Registry.SetSelection(s.Sel)
	}
	s.config.SelectedProcesses = patterns
	return ok(patterns)
}

func (s *Services) handleGetRoutes(Request) Response {
	if s.Table == nil {
		return ok([]routePayload{})
	}
	snap := s.Table.Snapshot()
	out := make([]routePayload, 0, len(snap))
	for _, e := range snap {
		out = append(out, routePayload{
			IP:          e.IP,
			PrefixLen:   e.PrefixLen,
			ProcessName: e.ProcessName,
			CreatedAt:   e.CreatedAt.Unix(),
		})
	}
	return ok(out)
}

type addRouteRequest struct {
	IP          string `json:"ip"`
	PrefixLen   int    `json:"prefix_len"`
	ProcessName string `json:"process_name"`
}

func (s *Services) handleAddRoute(req Request) Response {
	var ar addRouteRequest
	if err := json.Unmarshal(req.Payload, &ar); err != nil {
		return fail(err)
	}
	if s.Table == nil {
		return fail(errNoTable)
	}
	added, err := s.Table.Add(ar.IP, ar.PrefixLen, ar.ProcessName)
	if err != nil {
		return fail(err)
	}
	return ok(added)
}

type removeRouteRequest struct {
	IP        string `json:"ip"`
	PrefixLen int    `json:"prefix_len"`
}

func (s *Services) handleRemoveRoute(req Request) Response {
	var rr removeRouteRequest
	if err := json.Unmarshal(req.Payload, &rr); err != nil {
		return fail(err)
	}
	if s.Table == nil {
		return fail(errNoTable)
	}
	removed, err := s.Table.Remove(rr.IP, rr.PrefixLen)
	if err != nil {
		return fail(err)
	}
	return ok(removed)
}

func (s *Services) handleClearRoutes(Request) Response {
	if s.Table != nil {
		s.Table.CleanupAll()
	}
	if s.Persistor != nil {
		s.Persistor.WriteIfDirty()
	}
	return ok(true)
}

func (s *Services) handleOptimizeRoutes(Request) Response {
	if s.Aggregator == nil {
		return ok(aggregator.OptimizationPlan{})
	}
	plan := s.Aggregator.BuildPlan()
	s.Aggregator.Apply(plan)
	return ok(plan)
}

func (s *Services) handleSetAIPreload(req Request) Response {
	var enabled bool
	if err := json.Unmarshal(req.Payload, &enabled); err != nil {
		return fail(err)
	}
	s.config.AIPreloadEnabled = enabled
	return ok(enabled)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
