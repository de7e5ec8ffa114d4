package wire

import (
	"encoding/json"
	"net"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- WriteFrame(client, KindSend, [2]any{"hello", "world"})
	}()

	kind, raw, err := ReadFrame(server)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if kind != KindSend {
		t.Fatalf("kind = %q, want %q", kind, KindSend)
	}
	var tuple [2]any
	if err := json.Unmarshal(raw, &tuple); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if tuple[0] != "hello" || tuple[1] != "world" {
		t.Fatalf("payload = %v, want [hello world]", tuple)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		var lenBuf [4]byte
		lenBuf[0] = 0x7f // huge length prefix
		client.Write(lenBuf[:])
	}()

	if _, _, err := ReadFrame(server); err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go WriteHandshake(client, "device-a")

	name, err := ReadHandshake(server)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if name != "device-a" {
		t.Fatalf("name = %q, want device-a", name)
	}
}
