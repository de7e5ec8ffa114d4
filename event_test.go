package devmesh

import (
	"context"
	"testing"
	"time"
)

func TestLevelEventSetWaitClear(t *testing.T) {
	e := newLevelEvent()
	if e.IsSet() {
		t.Fatal("new levelEvent should not be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.Wait(ctx); err == nil {
		t.Fatal("expected Wait to time out before Set")
	}

	e.Set()
	if !e.IsSet() {
		t.Fatal("expected IsSet after Set")
	}
	if err := e.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after Set should not block: %v", err)
	}

	e.Clear()
	if e.IsSet() {
		t.Fatal("expected cleared after Clear")
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if err := e.Wait(ctx2); err == nil {
		t.Fatal("expected Wait to time out after Clear")
	}
}

func TestLevelEventSetIsIdempotent(t *testing.T) {
	e := newLevelEvent()
	e.Set()
	e.Set() // must not panic (close of closed channel)
	if !e.IsSet() {
		t.Fatal("expected set")
	}
}
