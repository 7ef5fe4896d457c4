/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package routedriver declares the external collaborator interface for the
// OS routing-table API (C2 in SPEC_FULL.md). The concrete implementation
// (Windows IPHLPAPI, a netlink-backed Linux driver, etc.) is out of scope;
// this package fixes the shape the Route Installer consumes, including the
// two "benign" result codes the Installer special-cases.
package routedriver

import "errors"

// Benign result sentinels the Installer treats specially rather than as
// hard failures (SPEC_FULL.md §4.4/§6).
var (
	// ErrObjectAlreadyExists is returned by an install call when the row is
	// already present; the Installer treats this as success.
	ErrObjectAlreadyExists = errors.New("routedriver: route already exists")
	// ErrRouteNotFound is returned by a remove call when the row is already
	// gone (treated as success) or by an install call to signal the modern
	// API is unavailable and the legacy one should be tried.
	ErrRouteNotFound = errors.New("routedriver: route not found")
	// ErrInvalidFunction mirrors ERROR_INVALID_FUNCTION: like
	// ErrRouteNotFound on install, it triggers the legacy-API fallback.
	ErrInvalidFunction = errors.New("routedriver: operation not supported, try legacy API")
)

// Driver is the external route-table collaborator.
type Driver interface {
	// InstallModern adds a route via the platform's modern routing API.
	InstallModern(destV4 string, prefixLength int, nextHopV4 string, interfaceIndex uint32, metric uint32) error
	// InstallLegacy adds a route via the platform's legacy routing API,
	// used when InstallModern reports ErrRouteNotFound/ErrInvalidFunction.
	InstallLegacy(destV4 string, prefixLength int, nextHopV4 string, interfaceIndex uint32, metric uint32) error
	// RemoveModern/RemoveLegacy remove a previously installed route.
	RemoveModern(destV4 string, prefixLength int, nextHopV4 string, interfaceIndex uint32) error
	RemoveLegacy(destV4 string, prefixLength int, nextHopV4 string, interfaceIndex uint32) error
	// BestInterface resolves the OS-selected outbound interface index for
	// reaching nextHopV4.
	BestInterface(nextHopV4 string) (interfaceIndex uint32, err error)
	// InterfaceMetric returns the OS-assigned base metric for an interface,
	// used by the legacy-API metric computation (interfaceMetric + configured).
	InterfaceMetric(interfaceIndex uint32) (uint32, error)
}
