package accesslist

import (
	"net"
	"strings"

	"github.com/seancfoley/ipaddress-go/ipaddr"
)

// entryKind classifies a list entry.
type entryKind int

const (
	kindIdentity entryKind = iota // opaque identity, exact match only
	kindAddress                   // single IP address
	kindPrefix                    // CIDR block
)

// normalize returns the canonical form of an entry and its kind. IP
// addresses and CIDR blocks are canonicalized so "2001:DB8::1" and
// "2001:db8:0::1" are the same entry.
func normalize(entry string) (string, entryKind, *ipaddr.IPAddress) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", kindIdentity, nil
	}

	if strings.Contains(entry, "/") {
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return entry, kindIdentity, nil
		}
		addr, err := ipaddr.NewIPAddressString(entry).ToAddress()
		if err != nil {
			return entry, kindIdentity, nil
		}
		block := addr.ToPrefixBlock()
		return block.String(), kindPrefix, block
	}

	if net.ParseIP(entry) == nil {
		return entry, kindIdentity, nil
	}
	addr, err := ipaddr.NewIPAddressString(entry).ToAddress()
	if err != nil {
		return entry, kindIdentity, nil
	}
	return addr.String(), kindAddress, addr
}

// prefixSet matches addresses against CIDR blocks using one trie per IP
// version.
type prefixSet struct {
	v4 *ipaddr.IPv4AddressTrie
	v6 *ipaddr.IPv6AddressTrie
}

func buildPrefixSet(blocks []*ipaddr.IPAddress) prefixSet {
	set := prefixSet{
		v4: &ipaddr.IPv4AddressTrie{},
		v6: &ipaddr.IPv6AddressTrie{},
	}
	for _, b := range blocks {
		if b.IsIPv4() {
			set.v4.Add(b.ToIPv4())
		} else if b.IsIPv6() {
			set.v6.Add(b.ToIPv6())
		}
	}
	return set
}

func (s prefixSet) contains(addr *ipaddr.IPAddress) bool {
	if addr == nil || s.v4 == nil || s.v6 == nil {
		return false
	}
	return (addr.IsIPv4() && s.v4.ElementContains(addr.ToIPv4())) ||
		(addr.IsIPv6() && s.v6.ElementContains(addr.ToIPv6()))
}
