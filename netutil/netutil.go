// Package netutil holds small IPv4 conversion helpers used across the
// filter builder, probes, and session tracker. Grounded on
// original_source/pidtree_bcc/utils.py's ip_to_int/int_to_ip/netmask_to_prefixlen.
package netutil

import (
	"fmt"
	"net"
)

// IPToInt parses a dotted-quad IPv4 string into its big-endian uint32
// representation (network byte order collapsed to a single integer, high
// octet in the high byte).
func IPToInt(ip string) (uint32, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, fmt.Errorf("invalid IPv4 address %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address %q", ip)
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), nil
}

// IntToIP renders a uint32 (as produced by IPToInt) back to dotted-quad form.
func IntToIP(v uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// NetmaskToPrefixLen counts the contiguous high bits of a dotted-quad
// netmask. Returns an error if the mask is not contiguous (1s followed by
// 0s, e.g. 255.0.255.0 is invalid).
func NetmaskToPrefixLen(mask string) (uint32, error) {
	v, err := IPToInt(mask)
	if err != nil {
		return 0, err
	}
	prefix := uint32(0)
	seenZero := false
	for i := 31; i >= 0; i-- {
		bit := (v >> uint(i)) & 1
		if bit == 1 {
			if seenZero {
				return 0, fmt.Errorf("netmask %q is not contiguous", mask)
			}
			prefix++
		} else {
			seenZero = true
		}
	}
	return prefix, nil
}
