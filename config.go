package devmesh

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// Config holds the knobs a Member is built with. It is never constructed
// directly; use defaultConfig() plus functional Options instead.
type Config struct {
	GroupName          string
	NetworkCIDR        string
	GossipRate         time.Duration
	PeerExpiry         time.Duration
	ConnectRetryRate   time.Duration
	PeerDiscoveryGrace time.Duration
	Logger             *zap.Logger

	groupKeyOverride []byte
}

// Option configures a Member at construction time.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		GroupName:          "devmesh",
		NetworkCIDR:        "0.0.0.0/0",
		GossipRate:         100 * time.Millisecond,
		PeerExpiry:         1 * time.Second,
		ConnectRetryRate:   100 * time.Millisecond,
		PeerDiscoveryGrace: 500 * time.Millisecond,
		Logger:             zap.NewNop(),
	}
}

// WithGroup sets the group name a Member's gossip port and filter key are
// derived from. Members in different groups never see each other's beacons.
func WithGroup(name string) Option {
	return func(c *Config) { c.GroupName = name }
}

// WithNetworkCIDR restricts the broadcast address used for gossip; the
// default "0.0.0.0/0" broadcasts to 255.255.255.255.
func WithNetworkCIDR(cidr string) Option {
	return func(c *Config) { c.NetworkCIDR = cidr }
}

// WithGossipRate sets how often beacons are sent and peer liveness is
// polled.
func WithGossipRate(d time.Duration) Option {
	return func(c *Config) { c.GossipRate = d }
}

// WithPeerExpiry sets how long a peer can go without a fresh beacon before
// it is garbage collected.
func WithPeerExpiry(d time.Duration) Option {
	return func(c *Config) { c.PeerExpiry = d }
}

// WithConnectRetryRate sets the backoff between failed dial attempts and
// daemon restarts.
func WithConnectRetryRate(d time.Duration) Option {
	return func(c *Config) { c.ConnectRetryRate = d }
}

// WithPeerDiscoveryGrace sets how long Send/Request/try-peer calls wait for
// an as-yet-undiscovered peer before failing with ErrUnknownPeer.
func WithPeerDiscoveryGrace(d time.Duration) Option {
	return func(c *Config) { c.PeerDiscoveryGrace = d }
}

// WithLogger attaches a structured logger. The zero value is zap.NewNop(),
// so a Member built without one stays silent.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// withGroupKey overrides the derived filter key. The gossip port is still
// derived from GroupName, so two meshes with different keys can share one
// port without seeing each other's beacons. Unexported, and not called
// anywhere in the module.
func withGroupKey(key []byte) Option {
	return func(c *Config) { c.groupKeyOverride = append([]byte(nil), key...) }
}

// port derives the UDP gossip port from GroupName: the first two bytes of
// sha256(GroupName), big-endian, re-hashed until the value is >= 1024.
func (c Config) port() uint16 {
	return derivePort(c.GroupName)
}

func derivePort(group string) uint16 {
	sum := sha256.Sum256([]byte(group))
	port := binary.BigEndian.Uint16(sum[:2])
	for port < 1024 {
		sum = sha256.Sum256(sum[:])
		port = binary.BigEndian.Uint16(sum[:2])
	}
	return port
}

// filterKey returns the beacon prefix used to distinguish this group's
// gossip from any other sharing the same broadcast domain.
func (c Config) filterKey() []byte {
	if c.groupKeyOverride != nil {
		return c.groupKeyOverride
	}
	return filterKeyForPort(c.port())
}

func filterKeyForPort(port uint16) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(port)*uint32(port))
	return key[:]
}

// broadcastAddr computes the directed broadcast address for NetworkCIDR.
func (c Config) broadcastAddr() (net.IP, error) {
	return computeBroadcastAddr(c.NetworkCIDR)
}

func computeBroadcastAddr(cidr string) (net.IP, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("devmesh: parse network cidr %q: %w", cidr, err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("devmesh: network cidr %q: ipv6 broadcast is not supported", cidr)
	}
	bcast := make(net.IP, len(ipnet.IP))
	for i := range ipnet.IP {
		bcast[i] = ipnet.IP[i] | ^ipnet.Mask[i]
	}
	return bcast, nil
}
