/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package routerconfig defines the in-process configuration shape shared
// by the Route Table, the Aggregator, and the IPC Facade's SetConfig call.
// Loading/saving this struct to disk is the external UI/config-I/O
// collaborator's job (out of scope per SPEC_FULL.md §1); this package only
// owns the struct and its Verify-style validation, adapted from
// gravwell-gravwell/ingest/config/config.go's (*IngestConfig).Verify idiom.
package routerconfig

import (
	"errors"

	"github.com/routermgr/routerd/internal/ipnet"
)

var (
	ErrMissingGateway  = errors.New("routerconfig: gateway IP is required")
	ErrInvalidGateway  = errors.New("routerconfig: gateway is not a valid IPv4 address")
	ErrInvalidMetric   = errors.New("routerconfig: metric must be in [1,9999]")
	ErrInvalidPrefix   = errors.New("routerconfig: waste threshold prefix must be in [24,30]")
	ErrInvalidWaste    = errors.New("routerconfig: waste ratio must be in [0,1]")
	ErrInvalidMinHosts = errors.New("routerconfig: min hosts to aggregate must be >= 2")
)

// DefaultWasteThresholds are the default waste-ratio ceilings per prefix
// length, exactly as specified in SPEC_FULL.md §4.6 (confirmed against
// original_source/src/common/Models.h's OptimizerSettings default).
func DefaultWasteThresholds() map[int]float64 {
	return map[int]float64{
		30: 0.75, 29: 0.80, 28: 0.85,
		27: 0.90, 26: 0.90, 25: 0.92, 24: 0.95,
	}
}

// OptimizerSettings configures the Aggregator (C10).
type OptimizerSettings struct {
	MinHostsToAggregate int
	WasteThresholds     map[int]float64
}

// Config is the live router configuration, mutated only via SetConfig (C12).
type Config struct {
	GatewayIP          string
	Metric             uint32
	SelectedProcesses  []string
	AIPreloadEnabled   bool
	OptimizerSettings  OptimizerSettings
}

// Default returns the configuration baseline matching
// original_source/src/common/Models.h's ServiceConfig defaults.
func Default() Config {
	return Config{
		GatewayIP:         "10.200.210.1",
		Metric:            1,
		SelectedProcesses: nil,
		AIPreloadEnabled:  false,
		OptimizerSettings: OptimizerSettings{
			MinHostsToAggregate: 2,
			WasteThresholds:     DefaultWasteThresholds(),
		},
	}
}

// Verify validates c, normalizing defaults the way
// (*ingest/config.IngestConfig).Verify does: fill in zero-valued optional
// fields, then reject anything left inconsistent.
func (c *Config) Verify() error {
	if c.GatewayIP == "" {
		return ErrMissingGateway
	}
	if _, err := ipnet.ToUint32(c.GatewayIP); err != nil {
		return ErrInvalidGateway
	}
	if c.Metric == 0 {
		c.Metric = 1
	}
	if c.Metric > 9999 {
		return ErrInvalidMetric
	}
	if c.OptimizerSettings.MinHostsToAggregate == 0 {
		c.OptimizerSettings.MinHostsToAggregate = 2
	}
	if c.OptimizerSettings.MinHostsToAggregate < 2 {
		return ErrInvalidMinHosts
	}
	if c.OptimizerSettings.WasteThresholds == nil {
		c.OptimizerSettings.WasteThresholds = DefaultWasteThresholds()
	}
	for prefix, waste := range c.OptimizerSettings.WasteThresholds {
		if prefix < 24 || prefix > 30 {
			return ErrInvalidPrefix
		}
		if waste < 0 || waste > 1 {
			return ErrInvalidWaste
		}
	}
	return nil
}
