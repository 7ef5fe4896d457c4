/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"errors"

	"github.com/routermgr/routerd/pkg/flowsource"
	"github.com/routermgr/routerd/pkg/routedriver"
)

// unimplementedDriver and unimplementedSource satisfy pkg/routedriver.Driver
// and pkg/flowsource.Source so `routerd run` links and starts end to end.
// The real OS flow-capture driver and OS routing-table API are out of
// scope per spec.md §1's Non-goals; a platform build substitutes a real
// implementation for these two variables at wiring time in run().
var errPlatformDriverNotWired = errors.New("routerd: no platform route/flow driver wired into this build")

type unimplementedDriver struct{}

func (unimplementedDriver) InstallModern(string, int, string, uint32, uint32) error {
	return errPlatformDriverNotWired
}
func (unimplementedDriver) InstallLegacy(string, int, string, uint32, uint32) error {
	return errPlatformDriverNotWired
}
func (unimplementedDriver) RemoveModern(string, int, string, uint32) error {
	return errPlatformDriverNotWired
}
func (unimplementedDriver) RemoveLegacy(string, int, string, uint32) error {
	return errPlatformDriverNotWired
}
func (unimplementedDriver) BestInterface(string) (uint32, error) {
	return 0, errPlatformDriverNotWired
}
func (unimplementedDriver) InterfaceMetric(uint32) (uint32, error) {
	return 0, errPlatformDriverNotWired
}

var _ routedriver.Driver = unimplementedDriver{}

type unimplementedSource struct{}

func (unimplementedSource) Recv(ctx context.Context) (flowsource.Event, error) {
	<-ctx.Done()
	return flowsource.Event{}, ctx.Err()
}

func (unimplementedSource) Shutdown() error { return nil }

var _ flowsource.Source = unimplementedSource{}
