package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxbooth/pkg/protocol"
)

// fakeConn records everything written to it.
type fakeConn struct {
	mu       sync.Mutex
	msgs     []protocol.ServerMessage
	audio    []byte
	frames   int
	closed   bool
	code     int
	reason   string
	writeErr error
}

var _ Conn = (*fakeConn)(nil)

func (c *fakeConn) WriteMessage(_ context.Context, msg protocol.ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fake: closed")
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) WriteAudio(_ context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.closed {
		return errors.New("fake: closed")
	}
	c.audio = append(c.audio, p...)
	c.frames++
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed, c.code, c.reason = true, code, reason
	}
	return nil
}

func (c *fakeConn) messages() []protocol.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ServerMessage(nil), c.msgs...)
}

func (c *fakeConn) received() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.audio...)
}

func (c *fakeConn) closeCode() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code, c.reason
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistry_Supersede(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first, second := &fakeConn{}, &fakeConn{}

	if prior := r.Register(first, "s1"); prior != nil {
		t.Fatalf("Register(first) returned %v, want nil", prior)
	}
	if prior := r.Register(second, "s1"); prior != first {
		t.Fatalf("Register(second) returned %v, want first", prior)
	}

	closed, code, reason := first.closeCode()
	if !closed || code != StatusSuperseded || reason != ReasonSuperseded {
		t.Errorf("first closed = %v code = %d reason = %q, want true %d %q",
			closed, code, reason, StatusSuperseded, ReasonSuperseded)
	}
	if closed, _, _ := second.closeCode(); closed {
		t.Error("second socket was closed")
	}
	if got := r.Lookup("s1"); got != second {
		t.Errorf("Lookup = %v, want second", got)
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
}

func TestRegistry_StaleUnregisterIgnored(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first, second := &fakeConn{}, &fakeConn{}
	r.Register(first, "s1")
	r.Register(second, "s1")

	if r.Unregister(first, "s1") {
		t.Error("Unregister(stale) = true, want false")
	}
	if got := r.Lookup("s1"); got != second {
		t.Errorf("Lookup after stale unregister = %v, want second", got)
	}
	if !r.Unregister(second, "s1") {
		t.Error("Unregister(current) = false, want true")
	}
	if got := r.Lookup("s1"); got != nil {
		t.Errorf("Lookup after unregister = %v, want nil", got)
	}
	if r.Unregister(second, "s1") {
		t.Error("second Unregister = true, want false")
	}
}

func TestRegistry_ReRegisterSameConn(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c := &fakeConn{}
	r.Register(c, "s1")
	if prior := r.Register(c, "s1"); prior != nil {
		t.Errorf("Register(same) returned %v, want nil", prior)
	}
	if closed, _, _ := c.closeCode(); closed {
		t.Error("re-registering the same socket closed it")
	}
}

func TestRegistry_Independent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a, b := &fakeConn{}, &fakeConn{}
	r.Register(a, "a")
	r.Register(b, "b")
	if r.Lookup("a") != a || r.Lookup("b") != b {
		t.Error("sessions interfere with each other")
	}

	r.CloseAll(1001, "bye")
	if closed, code, _ := a.closeCode(); !closed || code != 1001 {
		t.Errorf("a closed = %v code = %d, want true 1001", closed, code)
	}
	if got := r.Len(); got != 0 {
		t.Errorf("Len after CloseAll = %d, want 0", got)
	}
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	conns := make([]*fakeConn, 32)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = &fakeConn{}
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			r.Register(c, "s1")
		}(conns[i])
	}
	wg.Wait()

	live := r.Lookup("s1")
	open := 0
	for _, c := range conns {
		if closed, _, _ := c.closeCode(); !closed {
			open++
			if Conn(c) != live {
				t.Error("an unregistered socket was left open")
			}
		}
	}
	if open != 1 {
		t.Errorf("open sockets = %d, want 1", open)
	}
}
