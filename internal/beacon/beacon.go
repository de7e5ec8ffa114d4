// Package beacon is a thin UDP broadcast transport: it does not know
// anything about devmesh's gossip payload, it just sends and receives
// datagrams on a port shared by every Member in a group, optionally
// dropping datagrams that don't start with a caller-supplied filter key.
package beacon

import (
	"bytes"
	"fmt"
	"net"
	"sync"
)

// Signal is one received datagram, tagged with the address it arrived from.
type Signal struct {
	Addr net.Addr
	Data []byte
}

const recvBufferSize = 2048

// Beacon owns a single UDP socket bound to Port, broadcasting to
// BroadcastAddr and listening for inbound datagrams on the same port.
type Beacon struct {
	conn          *net.UDPConn
	port          int
	broadcastAddr *net.UDPAddr

	mu     sync.Mutex
	filter []byte
	closed bool

	signals chan *Signal
}

// New binds a UDP socket on port (reusing the address/port where the
// platform supports it, see reuseport_*.go) and prepares it for broadcast.
func New(port int, broadcastIP net.IP) (*Beacon, error) {
	conn, err := listenReusable(port)
	if err != nil {
		return nil, fmt.Errorf("beacon: listen udp :%d: %w", port, err)
	}
	if err := conn.SetWriteBuffer(recvBufferSize); err != nil {
		conn.Close()
		return nil, err
	}
	localPort := conn.LocalAddr().(*net.UDPAddr).Port
	b := &Beacon{
		conn:          conn,
		port:          localPort,
		broadcastAddr: &net.UDPAddr{IP: broadcastIP, Port: port},
		signals:       make(chan *Signal, 32),
	}
	return b, nil
}

// Port reports the bound local UDP port.
func (b *Beacon) Port() int { return b.port }

// SetFilter installs a required byte prefix: datagrams not beginning with
// filter are silently dropped before reaching Signals().
func (b *Beacon) SetFilter(filter []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = append([]byte(nil), filter...)
}

// Signals returns the channel of accepted inbound datagrams. It is never
// closed (Listen may still be draining a final read when Close returns), so
// callers must stop consuming via their own cancellation rather than relying
// on a closed-channel signal.
func (b *Beacon) Signals() <-chan *Signal { return b.signals }

// Send broadcasts data to the group's broadcast address. Errors are
// returned to the caller to log; a failed broadcast is not fatal to the
// beacon.
func (b *Beacon) Send(data []byte) error {
	_, err := b.conn.WriteToUDP(data, b.broadcastAddr)
	return err
}

// Listen runs the receive loop until the beacon is closed or ctx-like
// cancellation happens via Close. It is meant to be run by the caller's
// own supervised daemon loop, so it returns the read error (nil on a clean
// Close) rather than looping forever internally.
func (b *Beacon) Listen() error {
	buf := make([]byte, recvBufferSize)
	for {
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		b.mu.Lock()
		filter := b.filter
		b.mu.Unlock()
		if len(filter) > 0 {
			if n < len(filter) || !bytes.Equal(buf[:len(filter)], filter) {
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case b.signals <- &Signal{Addr: addr, Data: data}:
		default:
			// receiver is behind; drop rather than block the socket read.
		}
	}
}

// Close stops the beacon and unblocks any goroutine parked in Listen.
func (b *Beacon) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.conn.Close()
}
