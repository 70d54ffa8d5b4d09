// Package netstack provides the raw IPv4 channel the watchdog sessions run on.
//
// A Stack keeps one raw socket per bound local address. Every handle bound to the same
// address shares that socket, and each inbound datagram is offered to the handles in
// the order they were bound until one of them consumes it. The kernel strips the IPv4
// header from raw ICMP reads, so the stack rebuilds one from the control message before
// delivery. Handlers always see complete datagrams.
//
// Raw ICMP sockets need root or CAP_NET_RAW on Linux.
package netstack
