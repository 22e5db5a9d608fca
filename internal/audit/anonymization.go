package audit

import (
	"net"
)

// AnonymizeIP truncates an address before it is stored: IPv4 keeps the first
// three octets, IPv6 keeps the first 48 bits. Invalid input yields "".
func AnonymizeIP(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}

	if v4 := ip.To4(); v4 != nil {
		masked := make(net.IP, len(v4))
		copy(masked, v4)
		masked[3] = 0
		return masked.String()
	}

	masked := make(net.IP, net.IPv6len)
	copy(masked, ip.To16()[:6])
	return masked.String()
}
