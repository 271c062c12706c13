package risk

import (
	"net"

	"github.com/seancfoley/ipaddress-go/ipaddr"
)

const (
	ipv4GroupBits = 24
	ipv6GroupBits = 64
)

// subnetOf returns the /24 (IPv4) or /64 (IPv6) block containing identity,
// or "" when identity is not an IP address.
func subnetOf(identity string) string {
	ip := net.ParseIP(identity)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		identity = v4.String()
	}
	addr, err := ipaddr.NewIPAddressString(identity).ToAddress()
	if err != nil {
		return ""
	}
	if addr.IsIPv4() {
		return addr.ToPrefixBlockLen(ipv4GroupBits).String()
	}
	return addr.ToPrefixBlockLen(ipv6GroupBits).String()
}
