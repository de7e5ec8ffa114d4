package devmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/UofSSpaceTeam/robocluster/internal/beacon"
)

// beaconMsg is the 5-tuple [name, uid, acceptPort, wants, subs] gossiped
// once per GossipRate. It marshals/unmarshals as a JSON array rather than
// an object, so the wire representation stays a plain tuple.
type beaconMsg struct {
	Name string
	UID  uint32
	Port uint16
	Want []string
	Subs []string
}

func (m beaconMsg) MarshalJSON() ([]byte, error) {
	return json.Marshal([5]any{m.Name, m.UID, m.Port, m.Want, m.Subs})
}

func (m *beaconMsg) UnmarshalJSON(data []byte) error {
	var tuple [5]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[0], &m.Name); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[1], &m.UID); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[2], &m.Port); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[3], &m.Want); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[4], &m.Subs); err != nil {
		return err
	}
	return nil
}

// gossiper broadcasts the local Member's advertisement and folds received
// ones into the peer registry. It owns an internal/beacon.Beacon for plain
// UDP transport and adds the group filter key and JSON tuple codec on top,
// keeping transport and gossip protocol as separate concerns.
type gossiper struct {
	member *Member
	b      *beacon.Beacon
	key    []byte
	logger *zap.Logger
}

func newGossiper(m *Member) (*gossiper, error) {
	port := m.cfg.port()
	bcastIP, err := m.cfg.broadcastAddr()
	if err != nil {
		return nil, err
	}
	b, err := beacon.New(int(port), bcastIP)
	if err != nil {
		return nil, err
	}
	key := m.cfg.filterKey()
	b.SetFilter(key)
	return &gossiper{member: m, b: b, key: key, logger: m.logger}, nil
}

func (g *gossiper) start() {
	m := g.member
	m.sched.SpawnDaemon("gossip-recv", m.cfg.ConnectRetryRate, g.recvDaemon)
	m.sched.SpawnDaemon("gossip-send", m.cfg.ConnectRetryRate, g.sendDaemon)
}

func (g *gossiper) recvDaemon(ctx context.Context) error {
	go g.b.Listen()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-g.b.Signals():
			g.handleSignal(sig)
		}
	}
}

func (g *gossiper) handleSignal(sig *beacon.Signal) {
	var msg beaconMsg
	if err := json.Unmarshal(sig.Data[len(g.key):], &msg); err != nil {
		return
	}
	if msg.UID == g.member.uid {
		return // self-echo: beacons are filtered by uid, not address/port.
	}
	host, _, err := net.SplitHostPort(sig.Addr.String())
	if err != nil {
		host = sig.Addr.String()
	}
	addr := net.JoinHostPort(host, fmt.Sprint(msg.Port))
	g.member.requirePeer(msg.Name, msg.UID, addr, msg.Want, msg.Subs)
}

func (g *gossiper) sendDaemon(ctx context.Context) error {
	ticker := time.NewTicker(g.member.cfg.GossipRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.sendOnce()
		}
	}
}

func (g *gossiper) sendOnce() {
	m := g.member
	msg := beaconMsg{
		Name: m.name,
		UID:  m.uid,
		Port: g.member.accepter.port(),
		Want: m.wantsSnapshot(),
		Subs: m.subscriptionsSnapshot(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		g.logger.Error("marshal beacon", zap.Error(err))
		return
	}
	if err := g.b.Send(append(append([]byte(nil), g.key...), body...)); err != nil {
		g.logger.Warn("beacon send failed", zap.Error(err))
	}
}

func (g *gossiper) close() error {
	return g.b.Close()
}
