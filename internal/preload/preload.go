/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package preload applies a preload service list against the Route Table
// (spec.md §4.10), installing every enabled range with a "Preload-<name>"
// process name. Parsing the on-disk preload file is the external
// config-I/O collaborator's job; this package only consumes an
// already-parsed []Service (or falls back to the single built-in default
// service when none is supplied), following
// original_source/src/service/RouteController.cpp's
// LoadPreloadConfig/CreateDefaultPreloadConfig/GetDefaultPreloadServices
// fallback chain exactly (SPEC_FULL.md §4.11).
package preload

import (
	"strconv"
	"strings"

	"github.com/routermgr/routerd/internal/ipnet"
	"github.com/routermgr/routerd/internal/rlog"
	"github.com/routermgr/routerd/internal/routetable"
)

const processNamePrefix = "Preload-"

// Service is one already-parsed preload entry: a name, an enabled flag,
// and a list of ranges, each either a bare dotted-quad (implicitly /32) or
// an "<ip>/<prefix>" CIDR.
type Service struct {
	Name    string
	Enabled bool
	Ranges  []string
}

// DefaultServices is the built-in fallback used when no preload file could
// be parsed, matching RouteController::GetDefaultPreloadServices.
func DefaultServices() []Service {
	return []Service{
		{Name: "Discord", Enabled: true, Ranges: []string{"162.159.128.0/19"}},
	}
}

// Apply installs every range of every enabled service in services against
// table, using "Preload-<name>" as the process name. Pass nil or an empty
// slice to fall back to DefaultServices().
func Apply(log *rlog.Logger, table *routetable.Table, services []Service) {
	if log == nil {
		log = rlog.NewDiscard()
	}
	if len(services) == 0 {
		services = DefaultServices()
	}

	for _, svc := range services {
		if !svc.Enabled {
			continue
		}
		processName := processNamePrefix + svc.Name
		for _, rng := range svc.Ranges {
			ip, prefix, ok := parseRange(rng)
			if !ok {
				log.Warn("preload: skipping malformed range", log.KV("service", svc.Name), log.KV("range", rng))
				continue
			}
			if ok, err := table.Add(ip, prefix, processName); err != nil || !ok {
				log.Warn("preload: failed to install range", log.KV("service", svc.Name), log.KV("range", rng), log.KVErr(err))
			}
		}
	}
}

func parseRange(rng string) (ip string, prefix int, ok bool) {
	if idx := strings.IndexByte(rng, '/'); idx >= 0 {
		ip = rng[:idx]
		p, err := strconv.Atoi(rng[idx+1:])
		if err != nil || p < 0 || p > 32 {
			return "", 0, false
		}
		if _, err := ipnet.ToUint32(ip); err != nil {
			return "", 0, false
		}
		return ip, p, true
	}
	if _, err := ipnet.ToUint32(rng); err != nil {
		return "", 0, false
	}
	return rng, 32, true
}
