// Package wire implements devmesh's length-prefixed JSON framing: every TCP
// message is a 4-byte big-endian length followed by that many bytes of
// JSON. Unicast frames encode a [kind, payload] pair; the handshake that
// precedes them on a freshly dialed connection is a bare JSON string.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

// Frame kinds.
const (
	KindSend     = "send"
	KindRequest  = "request"
	KindResponse = "response"
)

// MaxFrameSize bounds both handshake and frame payloads so a corrupt or
// hostile length prefix cannot make a reader allocate unbounded memory.
const MaxFrameSize = 1 << 20 // 1 MiB

// ErrInvalidFrame means a length prefix or JSON body failed to decode into
// the expected shape. The connection is still usable; callers decide
// whether repeated ErrInvalidFrame warrants closing it.
var ErrInvalidFrame = errors.New("wire: invalid frame")

// ErrFrameTooLarge means the advertised length exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// WriteFrame writes a [kind, payload] tuple length-prefixed onto conn.
func WriteFrame(conn net.Conn, kind string, payload any) error {
	body, err := json.Marshal([2]any{kind, payload})
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	return writeLenPrefixed(conn, body)
}

// ReadFrame reads one [kind, payload] tuple from conn. On success, payload
// is left as raw JSON for the caller to decode according to kind.
func ReadFrame(conn net.Conn) (kind string, payload json.RawMessage, err error) {
	body, err := readLenPrefixed(conn)
	if err != nil {
		return "", nil, err
	}
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(body, &tuple); err != nil {
		return "", nil, ErrInvalidFrame
	}
	if err := json.Unmarshal(tuple[0], &kind); err != nil {
		return "", nil, ErrInvalidFrame
	}
	return kind, tuple[1], nil
}

// WriteHandshake writes the bare JSON-encoded local name a dialer sends
// immediately after connecting, before any framed traffic.
func WriteHandshake(conn net.Conn, name string) error {
	body, err := json.Marshal(name)
	if err != nil {
		return fmt.Errorf("wire: marshal handshake: %w", err)
	}
	return writeLenPrefixed(conn, body)
}

// ReadHandshake reads the peer name sent by a freshly connected dialer.
func ReadHandshake(conn net.Conn) (string, error) {
	body, err := readLenPrefixed(conn)
	if err != nil {
		return "", err
	}
	var name string
	if err := json.Unmarshal(body, &name); err != nil {
		return "", ErrInvalidFrame
	}
	return name, nil
}

func writeLenPrefixed(conn net.Conn, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(body)
	return err
}

func readLenPrefixed(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}
