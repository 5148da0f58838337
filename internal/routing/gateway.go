package routing

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/user/tunnel-client/internal/netcfg"
)

// ErrNoGatewayFound is returned when no physical default route is usable.
var ErrNoGatewayFound = errors.New("no physical gateway found")

// InterfaceFilter reports whether routes on the named interface must be
// ignored when looking for the physical gateway.
type InterfaceFilter func(alias string) bool

// NamePatternFilter excludes interfaces whose name contains any of the
// patterns, ignoring case.
func NamePatternFilter(patterns ...string) InterfaceFilter {
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			lowered = append(lowered, strings.ToLower(p))
		}
	}
	return func(alias string) bool {
		alias = strings.ToLower(alias)
		for _, p := range lowered {
			if strings.Contains(alias, p) {
				return true
			}
		}
		return false
	}
}

// Resolver finds the next hop of the preferred physical default route.
type Resolver struct {
	Backend netcfg.Backend
	Exclude InterfaceFilter
}

// Resolve queries the route table and returns the lowest-metric IPv4
// default gateway on a non-excluded interface.
func (r *Resolver) Resolve() (netip.Addr, error) {
	routes, err := r.Backend.DefaultRoutes()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %w", ErrNoGatewayFound, err)
	}

	candidates := routes[:0:0]
	for _, rt := range routes {
		if !rt.Gateway.Is4() || rt.Gateway.IsUnspecified() {
			continue
		}
		if r.Exclude != nil && r.Exclude(rt.Interface) {
			continue
		}
		candidates = append(candidates, rt)
	}
	if len(candidates) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: no default route outside tunnel interfaces", ErrNoGatewayFound)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Metric < candidates[j].Metric
	})
	return candidates[0].Gateway, nil
}
