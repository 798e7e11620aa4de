// ABOUTME: IP masking helpers for grouping clients by network segment
// ABOUTME: IPv4 masks to /24, IPv6 to /48

package netutil

import "net"

var (
	v4Mask = net.CIDRMask(24, 32)
	v6Mask = net.CIDRMask(48, 128)
)

// MaskIP groups an address with its network segment: IPv4 addresses
// are masked to /24, IPv6 to /48 (the common residential allocation).
// Rate limiting keys on the masked address so a client with a range of
// addresses cannot multiply its quota.
func MaskIP(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Mask(v4Mask)
	}
	return ip.Mask(v6Mask)
}
