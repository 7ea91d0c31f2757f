package microvm

import (
	"net/netip"
	"testing"
)

func TestGatewayFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ip   string
		want string
	}{
		{ip: "172.16.0.2", want: "172.16.0.1"},
		{ip: "172.16.0.254", want: "172.16.0.1"},
		{ip: "10.0.5.17", want: "10.0.5.1"},
	}
	for _, tc := range tests {
		got := GatewayFor(netip.MustParseAddr(tc.ip))
		if got.String() != tc.want {
			t.Errorf("GatewayFor(%s) = %s, want %s", tc.ip, got, tc.want)
		}
	}
}

func TestFindAvailableIPNoCollision(t *testing.T) {
	t.Parallel()

	requested := netip.MustParseAddr("172.16.0.2")
	got, remapped, err := FindAvailableIP(requested, nil)
	if err != nil {
		t.Fatalf("FindAvailableIP() error = %v", err)
	}
	if remapped {
		t.Fatal("FindAvailableIP() remapped a free address")
	}
	if got != requested {
		t.Fatalf("FindAvailableIP() = %s, want %s", got, requested)
	}
}

func TestFindAvailableIPCollisionPicksNextFree(t *testing.T) {
	t.Parallel()

	requested := netip.MustParseAddr("172.16.0.2")
	inUse := map[netip.Addr]bool{
		netip.MustParseAddr("172.16.0.2"): true,
		netip.MustParseAddr("172.16.0.3"): true,
	}

	got, remapped, err := FindAvailableIP(requested, inUse)
	if err != nil {
		t.Fatalf("FindAvailableIP() error = %v", err)
	}
	if !remapped {
		t.Fatal("FindAvailableIP() did not report a remap")
	}
	if want := netip.MustParseAddr("172.16.0.4"); got != want {
		t.Fatalf("FindAvailableIP() = %s, want %s", got, want)
	}
}

func TestFindAvailableIPNeverPicksGatewayOrOriginal(t *testing.T) {
	t.Parallel()

	requested := netip.MustParseAddr("172.16.0.2")
	inUse := map[netip.Addr]bool{requested: true}

	got, _, err := FindAvailableIP(requested, inUse)
	if err != nil {
		t.Fatalf("FindAvailableIP() error = %v", err)
	}
	if got == GatewayFor(requested) {
		t.Fatal("FindAvailableIP() chose the gateway")
	}
	if got == requested {
		t.Fatal("FindAvailableIP() chose the colliding address")
	}
}

func TestFindAvailableIPExhaustedSubnet(t *testing.T) {
	t.Parallel()

	requested := netip.MustParseAddr("172.16.0.2")
	inUse := map[netip.Addr]bool{}
	for host := 1; host <= 254; host++ {
		inUse[netip.AddrFrom4([4]byte{172, 16, 0, byte(host)})] = true
	}

	_, _, err := FindAvailableIP(requested, inUse)
	if err == nil {
		t.Fatal("FindAvailableIP() error = nil, want exhaustion error")
	}
}
