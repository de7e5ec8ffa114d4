//go:build !linux

package beacon

import "net"

// listenReusable falls back to a plain bind, with neither SO_REUSEADDR nor
// SO_REUSEPORT set, on platforms other than Linux; two Members sharing a gossip port
// on the same non-Linux host is not a configuration this module targets.
func listenReusable(port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{Port: port})
}
