package microvm

import (
	"fmt"
	"net/netip"
)

// GatewayFor returns the gateway for the /24 implied by ip: its first
// assignable host address.
func GatewayFor(ip netip.Addr) netip.Addr {
	octets := ip.As4()
	octets[3] = 1
	return netip.AddrFrom4(octets)
}

// FindAvailableIP resolves the address an instance may claim. The requested
// address wins when it collides with nothing; on collision the /24 is
// scanned in ascending order, skipping the gateway, the requested address,
// and every address in inUse. The second return value reports whether the
// requested address was remapped.
func FindAvailableIP(requested netip.Addr, inUse map[netip.Addr]bool) (netip.Addr, bool, error) {
	gateway := GatewayFor(requested)

	if requested != gateway && !inUse[requested] {
		return requested, false, nil
	}

	base := requested.As4()
	for host := byte(1); host <= 254; host++ {
		candidate := netip.AddrFrom4([4]byte{base[0], base[1], base[2], host})
		if candidate == gateway || candidate == requested || inUse[candidate] {
			continue
		}
		return candidate, true, nil
	}

	prefix := netip.PrefixFrom(requested, 24).Masked()
	return netip.Addr{}, false, fmt.Errorf("no addresses available in %s", prefix)
}

// activeIPs collects the addresses currently claimed by the given instances.
func activeIPs(instances []Instance) map[netip.Addr]bool {
	inUse := make(map[netip.Addr]bool, len(instances))
	for _, instance := range instances {
		for _, network := range instance.Network {
			if addr, err := netip.ParseAddr(network.IPAddress); err == nil {
				inUse[addr] = true
			}
		}
	}
	return inUse
}
