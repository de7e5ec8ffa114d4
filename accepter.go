package devmesh

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/UofSSpaceTeam/robocluster/internal/wire"
)

// accepter listens for inbound TCP connections from peers that dialed us
// (the larger-uid side of a pair never dials, per the symmetry break in
// peer.go) and hands each accepted connection to the peer it claims to be.
type accepter struct {
	member *Member
	ln     net.Listener
	logger *zap.Logger
}

func newAccepter(m *Member) (*accepter, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, err
	}
	return &accepter{member: m, ln: ln, logger: m.logger}, nil
}

func (a *accepter) port() uint16 {
	return uint16(a.ln.Addr().(*net.TCPAddr).Port)
}

func (a *accepter) start() {
	a.member.sched.SpawnDaemon("accept", a.member.cfg.ConnectRetryRate, a.acceptDaemon)
}

func (a *accepter) acceptDaemon(ctx context.Context) error {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		a.member.sched.Spawn(func(context.Context) { a.handleConn(conn) })
	}
}

func (a *accepter) handleConn(conn net.Conn) {
	name, err := wire.ReadHandshake(conn)
	if err != nil {
		a.logger.Debug("handshake failed", zap.Error(err))
		conn.Close()
		return
	}
	peer := a.member.lookupPeer(name)
	if peer == nil {
		a.logger.Debug("handshake from unknown peer", zap.String("peer", name))
		conn.Close()
		return
	}
	peer.accept(conn)
}

func (a *accepter) close() error {
	return a.ln.Close()
}
