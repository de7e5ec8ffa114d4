// Package devmesh implements a peer-to-peer device mesh: members discover
// each other over UDP broadcast gossip, then exchange direct sends,
// publish/subscribe broadcasts, and request/response calls over unicast
// TCP connections. Exactly one side of each peer pair dials, chosen by
// comparing member ids, so a single TCP connection serves both directions.
package devmesh

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/UofSSpaceTeam/robocluster/internal/sched"
	"github.com/UofSSpaceTeam/robocluster/internal/wire"
)

// RecvHandler is invoked for a direct-recv (onRecv) match: the packet's
// source peer name and its decoded payload.
type RecvHandler func(source string, data any)

// SubscribeHandler is invoked for a subscription match: the source peer,
// the fully-qualified "<peer>/<endpoint>" the publisher used, and the
// decoded payload.
type SubscribeHandler func(source string, endpoint string, data any)

// RequestHandler answers a request and returns the value sent back to the
// caller. Returning an error-typed value is up to the caller's convention;
// devmesh itself only special-cases the "no endpoint registered" case
// (NoSuchEndpoint).
type RequestHandler func(args []any, kwargs map[string]any) any

type recvEntry struct {
	pattern string
	cb      RecvHandler
}

type subEntry struct {
	peerPattern string
	compound    string // peerPattern + "/" + endpointPattern
	cb          SubscribeHandler
}

// Member is the mesh participant applications construct. It is silent and
// invisible on the network until Start is called: built, configured, then
// started.
type Member struct {
	name   string
	uid    uint32
	cfg    Config
	logger *zap.Logger

	sched    *sched.Scheduler
	gossiper *gossiper
	accepter *accepter

	mu            sync.Mutex
	started       bool
	wants         map[string]struct{}
	subscriptions map[string]struct{}
	peers         map[string]*peerRecord
	onRecv        []recvEntry
	onSub         []subEntry
	onRequest     map[string]RequestHandler
}

// New constructs a Member with the given name. It does not touch the
// network until Start is called.
func New(name string, opts ...Option) (*Member, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	uid, err := randomUID()
	if err != nil {
		return nil, fmt.Errorf("devmesh: generate uid: %w", err)
	}
	return &Member{
		name:          name,
		uid:           uid,
		cfg:           cfg,
		logger:        cfg.Logger,
		wants:         make(map[string]struct{}),
		subscriptions: make(map[string]struct{}),
		peers:         make(map[string]*peerRecord),
		onRequest:     make(map[string]RequestHandler),
	}, nil
}

func randomUID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Name returns the Member's name.
func (m *Member) Name() string { return m.name }

// UID returns the Member's randomly generated session id.
func (m *Member) UID() uint32 { return m.uid }

// Start binds the accepter and gossiper and begins advertising/discovering
// peers. It is an error to call Start twice.
func (m *Member) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("devmesh: %s already started", m.name)
	}
	m.started = true
	m.mu.Unlock()

	m.sched = sched.New(m.logger)

	acc, err := newAccepter(m)
	if err != nil {
		return fmt.Errorf("devmesh: start accepter: %w", err)
	}
	m.accepter = acc

	gos, err := newGossiper(m)
	if err != nil {
		acc.close()
		return fmt.Errorf("devmesh: start gossiper: %w", err)
	}
	m.gossiper = gos

	acc.start()
	gos.start()
	m.sched.SpawnDaemon("reap", m.cfg.GossipRate, m.reapDaemon)

	m.logger.Info("member started", zap.String("name", m.name), zap.Uint32("uid", m.uid))
	return nil
}

// Stop tears down the accepter, gossiper, and every peer connection, and
// waits for all of the Member's goroutines to exit.
func (m *Member) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	peers := make([]*peerRecord, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.peers = make(map[string]*peerRecord)
	m.mu.Unlock()

	m.sched.Cancel()
	m.gossiper.close()
	m.accepter.close()
	for _, p := range peers {
		p.remove()
	}
	m.sched.Wait()
	m.logger.Info("member stopped", zap.String("name", m.name))
}

// OnRecv installs cb for packets whose raw endpoint matches the glob
// pattern. Every matching handler runs once per received packet.
func (m *Member) OnRecv(endpointPattern string, cb RecvHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecv = append(m.onRecv, recvEntry{pattern: endpointPattern, cb: cb})
}

// Subscribe installs cb for publications from peers matching peerPattern on
// endpoints matching endpointPattern, and adds peerPattern to wants (so the
// Member will connect to peers it subscribes to, even without ever
// Send-ing or Request-ing them directly). It returns ErrNotStarted if the
// Member hasn't been started yet.
func (m *Member) Subscribe(peerPattern, endpointPattern string, cb SubscribeHandler) error {
	if !m.isStarted() {
		return ErrNotStarted
	}
	compound := peerPattern + "/" + endpointPattern
	m.mu.Lock()
	m.onSub = append(m.onSub, subEntry{peerPattern: peerPattern, compound: compound, cb: cb})
	m.subscriptions[compound] = struct{}{}
	m.mu.Unlock()
	m.addWant(peerPattern)
	return nil
}

// OnRequest installs cb to answer requests addressed to endpoint (an exact
// name, not a glob: a Member answers its own requests, it doesn't fan them
// out).
func (m *Member) OnRequest(endpoint string, cb RequestHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRequest[endpoint] = cb
}

// Send transmits data to endpoint on peer, waiting for discovery and
// connection as needed. It returns ErrNotStarted if the Member hasn't been
// started yet, ErrUnknownPeer if peer is never discovered within the
// configured grace window, or ErrConnectionLost if the connection drops
// before the frame is written.
func (m *Member) Send(ctx context.Context, peer, endpoint string, data any) error {
	if !m.isStarted() {
		return ErrNotStarted
	}
	p, err := m.tryPeer(ctx, peer)
	if err != nil {
		return err
	}
	m.addWant(peer)
	return p.sendFrame(ctx, wire.KindSend, [2]any{endpoint, data})
}

// Publish best-effort sends data to every peer whose last-advertised
// subscriptions match "<localName>/<endpoint>". It returns ErrNotStarted if
// the Member hasn't been started yet; otherwise it never fails outright.
// Peers that don't match are skipped; each matching peer gets its frame from
// a background task that waits for that peer's connection, so the caller
// never blocks.
func (m *Member) Publish(endpoint string, data any) error {
	if !m.isStarted() {
		return ErrNotStarted
	}
	qualified := m.name + "/" + endpoint
	m.mu.Lock()
	peers := make([]*peerRecord, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	sched := m.sched
	m.mu.Unlock()
	if sched == nil {
		return nil
	}
	for _, p := range peers {
		p := p
		if !p.matchesSubscription(qualified) {
			continue
		}
		sched.Spawn(func(ctx context.Context) {
			_ = p.sendFrame(ctx, wire.KindSend, [2]any{qualified, data})
		})
	}
	return nil
}

// Request sends a request to endpoint on peer and blocks for its response,
// or until ctx is done. It returns ErrNotStarted if the Member hasn't been
// started yet.
func (m *Member) Request(ctx context.Context, peer, endpoint string, args []any, kwargs map[string]any) (any, error) {
	if !m.isStarted() {
		return nil, ErrNotStarted
	}
	p, err := m.tryPeer(ctx, peer)
	if err != nil {
		return nil, err
	}
	m.addWant(peer)
	return p.request(ctx, endpoint, args, kwargs)
}

func (m *Member) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Sleep blocks for d or until ctx is done. Stopping the Member does not
// wake it.
func (m *Member) Sleep(ctx context.Context, d time.Duration) error {
	return sched.SleepCtx(ctx, d)
}

func (m *Member) tryPeer(ctx context.Context, name string) (*peerRecord, error) {
	if p := m.lookupPeer(name); p != nil {
		return p, nil
	}
	deadline := time.Now().Add(m.cfg.PeerDiscoveryGrace)
	ticker := time.NewTicker(m.cfg.GossipRate)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if p := m.lookupPeer(name); p != nil {
				return p, nil
			}
		}
	}
	return nil, ErrUnknownPeer
}

func (m *Member) lookupPeer(name string) *peerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[name]
}

func (m *Member) addWant(pattern string) {
	m.mu.Lock()
	if _, exists := m.wants[pattern]; exists {
		m.mu.Unlock()
		return
	}
	m.wants[pattern] = struct{}{}
	peers := make([]*peerRecord, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	wants := snapshotKeys(m.wants)
	m.mu.Unlock()
	for _, p := range peers {
		p.recomputeWanted(wants)
	}
}

func (m *Member) wantsSnapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotKeys(m.wants)
}

func (m *Member) subscriptionsSnapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotKeys(m.subscriptions)
}

func snapshotKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// requirePeer creates a peer record on first sighting, or folds a fresh
// beacon into an existing one.
func (m *Member) requirePeer(name string, uid uint32, address string, wants, subs []string) {
	m.mu.Lock()
	p, ok := m.peers[name]
	if !ok {
		p = newPeerRecord(m, name, uid)
		m.peers[name] = p
		sc := m.sched
		m.mu.Unlock()
		sc.SpawnChild(p.ctx, p.run)
		m.logger.Info("peer discovered", zap.String("peer", name), zap.Uint32("uid", uid))
	} else {
		m.mu.Unlock()
	}
	p.updateAdvert(address, wants, subs)
}

func (m *Member) reapDaemon(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.GossipRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Member) reapOnce() {
	cutoff := time.Now().Add(-m.cfg.PeerExpiry)
	m.mu.Lock()
	var expired []*peerRecord
	for name, p := range m.peers {
		if p.lastSeenBefore(cutoff) {
			expired = append(expired, p)
			delete(m.peers, name)
		}
	}
	m.mu.Unlock()
	for _, p := range expired {
		m.logger.Info("peer expired", zap.String("peer", p.name))
		p.remove()
	}
}

func (m *Member) dispatchSend(source, endpoint string, data any) {
	m.mu.Lock()
	subs := append([]subEntry(nil), m.onSub...)
	recvs := append([]recvEntry(nil), m.onRecv...)
	m.mu.Unlock()
	for _, s := range subs {
		if globMatch(s.peerPattern, source) && globMatch(s.compound, endpoint) {
			s.cb(source, endpoint, data)
		}
	}
	for _, r := range recvs {
		if globMatch(r.pattern, endpoint) {
			r.cb(source, data)
		}
	}
}

func (m *Member) dispatchRequest(endpoint string, args []any, kwargs map[string]any) any {
	m.mu.Lock()
	cb, ok := m.onRequest[endpoint]
	m.mu.Unlock()
	if !ok {
		return NoSuchEndpoint
	}
	return cb(args, kwargs)
}
