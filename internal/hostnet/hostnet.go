// Package hostnet manages the host side of microVM networking: per-instance
// tap devices, NAT for guest internet access, and DNAT port forwarding.
package hostnet

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/kiln/internal/logging"
)

// Manager performs host networking operations through netlink and nft.
type Manager struct {
	Logger *slog.Logger
}

func (m *Manager) logger() *slog.Logger {
	if m == nil {
		return slog.Default()
	}
	return logging.Ensure(m.Logger)
}

// CreateTap creates the named tap device and brings it up. In bridged mode
// the tap is enslaved to bridgeName; otherwise the gateway address is
// assigned to the tap with a /24 prefix so the host routes the guest subnet.
func (m *Manager) CreateTap(name, gatewayIP string, bridged bool, bridgeName string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("look up tap %s: %w", name, err)
		}
		tap := &netlink.Tuntap{
			LinkAttrs: netlink.LinkAttrs{Name: name},
			Mode:      netlink.TUNTAP_MODE_TAP,
		}
		if err := netlink.LinkAdd(tap); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create tap %s: %w", name, err)
		}
		if link, err = netlink.LinkByName(name); err != nil {
			return fmt.Errorf("look up tap %s after create: %w", name, err)
		}
	}

	if bridged {
		bridge, err := netlink.LinkByName(bridgeName)
		if err != nil {
			return fmt.Errorf("look up bridge %s: %w", bridgeName, err)
		}
		if err := netlink.LinkSetMaster(link, bridge); err != nil {
			return fmt.Errorf("attach tap %s to bridge %s: %w", name, bridgeName, err)
		}
	} else {
		addr, err := netlink.ParseAddr(gatewayIP + "/24")
		if err != nil {
			return fmt.Errorf("parse gateway address %s: %w", gatewayIP, err)
		}
		if err := ensureAddress(link, addr); err != nil {
			return err
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up tap %s: %w", name, err)
	}

	m.logger().Debug("tap device ready", "tap", name, "bridged", bridged)
	return nil
}

// DeleteTap removes the named tap device. A missing device is not an error.
func (m *Manager) DeleteTap(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("look up tap %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete tap %s: %w", name, err)
	}
	m.logger().Debug("tap device removed", "tap", name)
	return nil
}

func ensureAddress(link netlink.Link, addr *netlink.Addr) error {
	existing, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses on %s: %w", link.Attrs().Name, err)
	}
	for _, have := range existing {
		if have.IPNet != nil && have.IP.Equal(addr.IP) {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("assign %s to %s: %w", addr.IPNet, link.Attrs().Name, err)
	}
	return nil
}

// HostIP returns the address the host uses to reach external networks.
func (m *Manager) HostIP() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return "", fmt.Errorf("determine host address: %w", err)
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP == nil {
		return "", fmt.Errorf("determine host address: unexpected local address %v", conn.LocalAddr())
	}
	return local.IP.String(), nil
}

// DefaultInterface returns the name of the interface carrying the default route.
func (m *Manager) DefaultInterface() (string, error) {
	routes, err := netlink.RouteList(nil, unix.AF_INET)
	if err != nil {
		return "", fmt.Errorf("list routes: %w", err)
	}
	for _, route := range routes {
		if route.Dst != nil || route.Gw == nil {
			continue
		}
		link, err := netlink.LinkByIndex(route.LinkIndex)
		if err != nil {
			return "", fmt.Errorf("look up default route interface: %w", err)
		}
		return link.Attrs().Name, nil
	}
	return "", errors.New("no default route found")
}
