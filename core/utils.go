package core

import "net"

func isIPv4(ip net.IP) bool {
	return ip.To4() != nil
}

// Checksum is the RFC 1071 internet checksum of b. Running it over a packet that already
// carries a valid checksum yields zero.
func Checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
