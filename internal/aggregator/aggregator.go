/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package aggregator implements the Aggregator (C10): a binary prefix-trie
// CIDR aggregation pass over the Route Table's host entries, producing an
// OptimizationPlan applied with rollback-safe ADD-then-REMOVE ordering.
// Grounded on original_source/src/service/RouteOptimizer.cpp for the exact
// waste-ratio algorithm; the trie shape is informed by gaissmai-bart's
// prefix-trie table files, though that library's generic radix API has no
// hook for this algorithm's per-depth waste-ratio test, so the trie here is
// hand-rolled rather than built on top of it (see DESIGN.md).
package aggregator

import (
	"context"
	"time"

	"github.com/routermgr/routerd/internal/ipnet"
	"github.com/routermgr/routerd/internal/routetable"
	"github.com/routermgr/routerd/internal/rlog"
)

// Cadence is the Aggregator's scheduled run interval (spec.md §4.6).
const Cadence = time.Hour

// DefaultWasteThresholds mirrors routerconfig.DefaultWasteThresholds, kept
// independent here so this package has no dependency on routerconfig's
// validation concerns — callers wire the live config's thresholds in via
// Settings.
func DefaultWasteThresholds() map[int]float64 {
	return map[int]float64{
		30: 0.75, 29: 0.80, 28: 0.85,
		27: 0.90, 26: 0.90, 25: 0.92, 24: 0.95,
	}
}

// Settings configures one aggregation pass.
type Settings struct {
	MinHostsToAggregate int
	WasteThresholds     map[int]float64
}

// PlanAdd is one aggregate route to install.
type PlanAdd struct {
	IP        string
	PrefixLen int
}

// PlanRemove is one host route to remove because an aggregate now covers
// it.
type PlanRemove struct {
	IP string
}

// OptimizationPlan is the output of one aggregation pass.
type OptimizationPlan struct {
	Adds    []PlanAdd
	Removes []PlanRemove
}

type trieNode struct {
	children [2]*trieNode
	isRoute  bool // an existing route (host or non-host) terminates here
}

// trie is a binary prefix trie keyed MSB-first over 32-bit IPv4 addresses.
type trie struct {
	root *trieNode
}

func newTrie() *trie {
	return &trie{root: &trieNode{}}
}

func (t *trie) insert(ipU32 uint32, prefixLen int) {
	n := t.root
	for d := 0; d < prefixLen; d++ {
		bit := (ipU32 >> (31 - d)) & 1
		if n.children[bit] == nil {
			n.children[bit] = &trieNode{}
		}
		n = n.children[bit]
	}
	n.isRoute = true
}

// count returns the number of host (depth-32) routes marked in the subtree
// rooted at n, which starts at depth d.
func count(n *trieNode, d int) int {
	if n == nil {
		return 0
	}
	if d == 32 {
		if n.isRoute {
			return 1
		}
		return 0
	}
	return count(n.children[0], d+1) + count(n.children[1], d+1)
}

// routeNodeCount reports how many pre-existing marked route nodes (at any
// depth) lie within the subtree rooted at n, used for spec.md §4.6 step 2's
// "subtree contains more than one existing route" guard.
func routeNodeCount(n *trieNode) int {
	if n == nil {
		return 0
	}
	c := 0
	if n.isRoute {
		c++
	}
	return c + routeNodeCount(n.children[0]) + routeNodeCount(n.children[1])
}

// Aggregator runs aggregation passes against a Route Table.
type Aggregator struct {
	log      *rlog.Logger
	table    *routetable.Table
	settings Settings

	triggerNow chan struct{}
	stop       chan struct{}
	done       chan struct{}
}

func New(log *rlog.Logger, table *routetable.Table, settings Settings) *Aggregator {
	if log == nil {
		log = rlog.NewDiscard()
	}
	if settings.MinHostsToAggregate == 0 {
		settings.MinHostsToAggregate = 2
	}
	if settings.WasteThresholds == nil {
		settings.WasteThresholds = DefaultWasteThresholds()
	}
	return &Aggregator{
		log:        log,
		table:      table,
		settings:   settings,
		triggerNow: make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run drives the hourly cadence until ctx is canceled or Stop is called.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)
	t := time.NewTicker(Cadence)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-t.C:
			a.RunOnce(ctx)
		case <-a.triggerNow:
			a.RunOnce(ctx)
		}
	}
}

func (a *Aggregator) Stop() {
	close(a.stop)
	<-a.done
}

// Trigger requests an out-of-band aggregation pass (C12 OptimizeRoutes).
func (a *Aggregator) Trigger() {
	select {
	case a.triggerNow <- struct{}{}:
	default:
	}
}

// BuildPlan computes an OptimizationPlan from the table's current public
// entries (non-host entries are marked in the trie too) without applying
// it; exported separately from RunOnce so tests can inspect a plan before
// it mutates anything, and so the IPC OptimizeRoutes handler can return
// the plan it applies.
func (a *Aggregator) BuildPlan() OptimizationPlan {
	tr := newTrie()

	for _, e := range a.table.Snapshot() {
		ipU32, err := ipnet.ToUint32(e.IP)
		if err != nil || ipnet.IsPrivate(ipU32) {
			continue
		}
		tr.insert(ipU32, e.PrefixLen)
	}

	plan := OptimizationPlan{}

	var walk func(n *trieNode, d int, prefix uint32)
	walk = func(n *trieNode, d int, prefix uint32) {
		if n == nil {
			return
		}
		hostCount := count(n, d)
		threshold, hasThreshold := a.settings.WasteThresholds[d]
		if hostCount >= a.settings.MinHostsToAggregate && hasThreshold && routeNodeCount(n) > 1 {
			subnetSize := uint32(1) << uint(32-d)
			waste := float64(int(subnetSize)-hostCount) / float64(subnetSize)
			if waste <= threshold {
				plan.Adds = append(plan.Adds, PlanAdd{IP: ipnet.FromUint32(prefix), PrefixLen: d})
				for _, hostU32 := range collectHosts(n, d, prefix) {
					plan.Removes = append(plan.Removes, PlanRemove{IP: ipnet.FromUint32(hostU32)})
				}
				return
			}
		}
		if d == 32 {
			return
		}
		walk(n.children[0], d+1, prefix)
		walk(n.children[1], d+1, prefix|(1<<uint(31-d)))
	}
	walk(tr.root, 0, 0)

	return plan
}

// collectHosts walks the subtree rooted at n (at depth d with accumulated
// address bits prefix) and returns the full 32-bit address of every marked
// host (depth-32) route beneath it.
func collectHosts(n *trieNode, d int, prefix uint32) []uint32 {
	if n == nil {
		return nil
	}
	if d == 32 {
		if n.isRoute {
			return []uint32{prefix}
		}
		return nil
	}
	var out []uint32
	out = append(out, collectHosts(n.children[0], d+1, prefix)...)
	out = append(out, collectHosts(n.children[1], d+1, prefix|(1<<uint(31-d)))...)
	return out
}

// RunOnce computes a plan and applies it, per spec.md §4.6's rollback-safe
// ADD-then-REMOVE ordering.
func (a *Aggregator) RunOnce(ctx context.Context) {
	plan := a.BuildPlan()
	if len(plan.Adds) == 0 && len(plan.Removes) == 0 {
		return
	}
	a.Apply(plan)
}

// Apply installs every ADD first; if any ADD fails, every successfully
// installed ADD is uninstalled and the plan aborts without touching
// REMOVEs. Only once every ADD succeeds are REMOVEs executed; REMOVE
// failures are logged and tolerated.
func (a *Aggregator) Apply(plan OptimizationPlan) {
	var applied []PlanAdd
	for _, add := range plan.Adds {
		ok, err := a.table.Add(add.IP, add.PrefixLen, "Aggregated")
		if err != nil || !ok {
			a.log.Warn("aggregator: add failed, rolling back", a.log.KV("ip", add.IP), a.log.KVErr(err))
			for _, done := range applied {
				a.table.Remove(done.IP, done.PrefixLen)
			}
			return
		}
		applied = append(applied, add)
	}

	for _, rm := range plan.Removes {
		if _, err := a.table.Remove(rm.IP, 32); err != nil {
			a.log.Warn("aggregator: remove of covered host failed", a.log.KV("ip", rm.IP), a.log.KVErr(err))
		}
	}
}
