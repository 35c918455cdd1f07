package outbound

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Resolver is a thin, cancellable abstraction over name resolution.
// Resolve returns the first address found for host; retries repeat
// the whole resolve-then-connect cycle rather than walking a list of
// candidate addresses (spec §4.2: "at-most-one attempt per
// resolution").
type Resolver interface {
	Resolve(ctx context.Context, network, host string) (netip.Addr, error)
}

// netResolver is the default Resolver, backed by net.Resolver.
type netResolver struct {
	r *net.Resolver
}

// NewResolver returns the default standard-library-backed Resolver.
// github.com/dpeckett/network's Network can be adapted into a
// Resolver with NetworkResolver for userspace-network deployments.
func NewResolver() Resolver {
	return &netResolver{r: net.DefaultResolver}
}

func (nr *netResolver) Resolve(ctx context.Context, network, host string) (netip.Addr, error) {
	ips, err := nr.r.LookupNetIP(ctx, netIPNetwork(network), host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("outbound: no addresses for %q", host)
	}
	return ips[0], nil
}

func netIPNetwork(network string) string {
	switch network {
	case "tcp", "udp":
		return "ip"
	default:
		return network
	}
}

// HostLookupNetwork is the interface implemented by
// github.com/dpeckett/network.Network's LookupHost, allowing callers
// that already compose that stack to plug it into the subsystem
// without this package importing that module.
type HostLookupNetwork interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// NetworkResolver adapts a HostLookupNetwork (e.g. dpeckett/network's
// userspace network stack) into a Resolver.
func NetworkResolver(n HostLookupNetwork) Resolver {
	return &networkResolver{n: n}
}

type networkResolver struct {
	n HostLookupNetwork
}

func (nr *networkResolver) Resolve(ctx context.Context, _ string, host string) (netip.Addr, error) {
	addrs, err := nr.n.LookupHost(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("outbound: no addresses for %q", host)
	}
	return netip.ParseAddr(addrs[0])
}

// rewriteLocalhost applies the application-layer "localhost" rewrite
// documented in spec §9: tests pinning "localhost" must observe
// 127.0.0.1 in RemoteAddr without depending on the OS's host
// database.
func rewriteLocalhost(host string) string {
	if host == "localhost" {
		return "127.0.0.1"
	}
	return host
}
