package devmesh

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/UofSSpaceTeam/robocluster/internal/sched"
	"github.com/UofSSpaceTeam/robocluster/internal/wire"
)

// maxConsecutiveInvalidFrames caps how many malformed-but-decodable frames
// in a row a peer connection tolerates before being closed outright: a
// single bad frame is logged and dropped, but repeated failures close the
// connection rather than looping forever.
const maxConsecutiveInvalidFrames = 3

type pendingRequest struct {
	result chan requestResult
}

type requestResult struct {
	value any
	err   error
}

// peerRecord is the per-peer connection state machine: dial-or-wait
// symmetry break by uid comparison, reconnect-with-backoff, and the
// in-flight request table, all driven over a single owned net.Conn.
type peerRecord struct {
	member *Member
	name   string
	uid    uint32
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	address  string
	subs     []string // last-advertised remote subscriptions (for publish matching)
	wants    []string // last-advertised remote wants (for wantedFlag)
	conn     net.Conn
	lastSeen time.Time

	connected *levelEvent
	wanted    *levelEvent

	pendingMu sync.Mutex
	pending   map[uint32]*pendingRequest
}

func newPeerRecord(m *Member, name string, uid uint32) *peerRecord {
	ctx, cancel := context.WithCancel(m.sched.Context())
	return &peerRecord{
		member:    m,
		name:      name,
		uid:       uid,
		logger:    m.logger,
		ctx:       ctx,
		cancel:    cancel,
		connected: newLevelEvent(),
		wanted:    newLevelEvent(),
		pending:   make(map[uint32]*pendingRequest),
	}
}

// updateAdvert folds a freshly received beacon into peer state: address,
// advertised subscriptions/wants, and the derived wantedFlag.
func (p *peerRecord) updateAdvert(address string, wants, subs []string) {
	p.mu.Lock()
	changed := p.address != address
	p.address = address
	p.subs = subs
	p.wants = wants
	p.lastSeen = time.Now()
	p.mu.Unlock()
	if changed {
		p.closeConn(nil) // address changed: any existing connection is stale.
	}
	p.recomputeWanted(p.member.wantsSnapshot())
}

func (p *peerRecord) recomputeWanted(localWants []string) {
	p.mu.Lock()
	wanted := matchAny(localWants, p.name) || matchAny(p.wants, p.member.name)
	p.mu.Unlock()
	if wanted {
		p.wanted.Set()
	} else {
		p.wanted.Clear()
	}
}

func (p *peerRecord) matchesSubscription(qualifiedEndpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return matchAny(p.subs, qualifiedEndpoint)
}

func (p *peerRecord) lastSeenBefore(cutoff time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen.Before(cutoff)
}

func (p *peerRecord) addressSnapshot() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

func (p *peerRecord) getConn() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// run is the peer's daemon loop: wait to be wanted, then either wait to be
// dialed (we have the larger uid) or dial out (we have the smaller uid),
// then read frames until the connection drops, then start over. It returns
// only when ctx is cancelled (Member.Stop, or peer expiry).
func (p *peerRecord) run(ctx context.Context) {
	for {
		if err := p.wanted.Wait(ctx); err != nil {
			return
		}

		if p.member.uid >= p.uid {
			if err := p.waitAcceptedOrUnwanted(ctx); err != nil {
				return
			}
			if !p.connected.IsSet() {
				continue // became unwanted before anyone connected.
			}
		} else {
			if err := p.dial(ctx); err != nil {
				continue
			}
		}

		p.readLoop(ctx)
	}
}

func (p *peerRecord) waitAcceptedOrUnwanted(ctx context.Context) error {
	ticker := time.NewTicker(p.member.cfg.ConnectRetryRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.connected.IsSet() || !p.wanted.IsSet() {
				return nil
			}
		}
	}
}

func (p *peerRecord) dial(ctx context.Context) error {
	addr := p.addressSnapshot()
	if addr == "" {
		return errors.New("peer: no address yet")
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		p.logger.Debug("dial failed, retrying", zap.String("peer", p.name), zap.Error(err))
		return sched.SleepCtx(ctx, p.member.cfg.ConnectRetryRate)
	}
	if err := wire.WriteHandshake(conn, p.member.name); err != nil {
		conn.Close()
		return err
	}
	p.setConn(conn)
	return nil
}

func (p *peerRecord) setConn(conn net.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.connected.Set()
}

// accept adopts a connection handed to us by the accepter. If we're already
// connected, the new connection loses: it's closed and the existing one is
// kept.
func (p *peerRecord) accept(conn net.Conn) {
	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.mu.Unlock()
	p.connected.Set()
}

func (p *peerRecord) readLoop(ctx context.Context) {
	conn := p.getConn()
	if conn == nil {
		return
	}
	invalid := 0
	for {
		kind, payload, err := wire.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, wire.ErrInvalidFrame) {
				invalid++
				p.logger.Warn("invalid frame", zap.String("peer", p.name), zap.Int("consecutive", invalid))
				if invalid < maxConsecutiveInvalidFrames {
					continue
				}
			}
			p.closeConn(err)
			return
		}
		invalid = 0
		p.dispatchFrame(kind, payload)
	}
}

func (p *peerRecord) dispatchFrame(kind string, payload json.RawMessage) {
	switch kind {
	case wire.KindSend:
		var tuple [2]json.RawMessage
		if json.Unmarshal(payload, &tuple) != nil {
			return
		}
		var endpoint string
		var data any
		if json.Unmarshal(tuple[0], &endpoint) != nil {
			return
		}
		json.Unmarshal(tuple[1], &data)
		p.member.dispatchSend(p.name, endpoint, data)

	case wire.KindRequest:
		var tuple [4]json.RawMessage
		if json.Unmarshal(payload, &tuple) != nil {
			return
		}
		var rid uint32
		var endpoint string
		var args []any
		var kwargs map[string]any
		if json.Unmarshal(tuple[0], &rid) != nil || json.Unmarshal(tuple[1], &endpoint) != nil {
			return
		}
		json.Unmarshal(tuple[2], &args)
		json.Unmarshal(tuple[3], &kwargs)
		result := p.member.dispatchRequest(endpoint, args, kwargs)
		p.sendFrameBestEffort(wire.KindResponse, [2]any{rid, result})

	case wire.KindResponse:
		var tuple [2]json.RawMessage
		if json.Unmarshal(payload, &tuple) != nil {
			return
		}
		var rid uint32
		var result any
		if json.Unmarshal(tuple[0], &rid) != nil {
			return
		}
		json.Unmarshal(tuple[1], &result)
		p.completePending(rid, result, nil)
	}
}

func (p *peerRecord) sendFrameBestEffort(kind string, payload any) {
	conn := p.getConn()
	if conn == nil {
		return
	}
	if err := wire.WriteFrame(conn, kind, payload); err != nil {
		p.closeConn(err)
	}
}

// sendFrame waits for the connection, then writes a frame. Used by Member
// Send/Request, which can be cancelled via ctx while waiting.
func (p *peerRecord) sendFrame(ctx context.Context, kind string, payload any) error {
	if err := p.connected.Wait(ctx); err != nil {
		return err
	}
	conn := p.getConn()
	if conn == nil {
		return ErrConnectionLost
	}
	if err := wire.WriteFrame(conn, kind, payload); err != nil {
		p.closeConn(err)
		return ErrConnectionLost
	}
	return nil
}

func (p *peerRecord) request(ctx context.Context, endpoint string, args []any, kwargs map[string]any) (any, error) {
	if err := p.connected.Wait(ctx); err != nil {
		return nil, err
	}
	rid := randUint32()
	pr := &pendingRequest{result: make(chan requestResult, 1)}

	p.pendingMu.Lock()
	if old, exists := p.pending[rid]; exists {
		// Collision: the astronomically rare case of a reused request id.
		// The older request is failed immediately rather than left to
		// resolve only if the connection eventually closes.
		old.result <- requestResult{err: ErrConnectionLost}
	}
	p.pending[rid] = pr
	p.pendingMu.Unlock()

	conn := p.getConn()
	if conn == nil {
		p.removePending(rid)
		return nil, ErrConnectionLost
	}
	if err := wire.WriteFrame(conn, wire.KindRequest, [4]any{rid, endpoint, args, kwargs}); err != nil {
		p.closeConn(err)
		p.removePending(rid)
		return nil, ErrConnectionLost
	}

	select {
	case res := <-pr.result:
		return res.value, res.err
	case <-ctx.Done():
		p.removePending(rid)
		return nil, ctx.Err()
	}
}

func (p *peerRecord) completePending(rid uint32, value any, err error) {
	p.pendingMu.Lock()
	pr, ok := p.pending[rid]
	if ok {
		delete(p.pending, rid)
	}
	p.pendingMu.Unlock()
	if ok {
		pr.result <- requestResult{value: value, err: err}
	}
}

func (p *peerRecord) removePending(rid uint32) {
	p.pendingMu.Lock()
	delete(p.pending, rid)
	p.pendingMu.Unlock()
}

// closeConn drops the connection (if any), fails every pending request with
// ErrConnectionLost, and marks the peer disconnected. cause is logged when
// non-nil; a nil cause means a deliberate close on an address change
// (remove passes ErrConnectionLost).
func (p *peerRecord) closeConn(cause error) {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	p.connected.Clear()

	p.pendingMu.Lock()
	pending := p.pending
	p.pending = make(map[uint32]*pendingRequest)
	p.pendingMu.Unlock()
	for _, pr := range pending {
		pr.result <- requestResult{err: ErrConnectionLost}
	}

	if cause != nil {
		p.logger.Debug("peer connection closed", zap.String("peer", p.name), zap.Error(cause))
	}
}

// remove tears the peer down entirely: its run() goroutine is cancelled and
// any connection/pending requests are failed. Called on expiry or Stop.
func (p *peerRecord) remove() {
	p.cancel()
	p.closeConn(ErrConnectionLost)
}

func randUint32() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// time-derived value rather than panicking a request path.
		binary.BigEndian.PutUint32(buf[:], uint32(time.Now().UnixNano()))
	}
	return binary.BigEndian.Uint32(buf[:])
}
