package realtime

import "testing"

func TestRegistryBindAndLookup(t *testing.T) {
	registry := NewRegistry()
	conn := &fakeConn{}

	registry.Bind("USER01", conn)

	found, ok := registry.Lookup("USER01")
	if !ok {
		t.Fatalf("expected binding for USER01")
	}
	if found != conn {
		t.Fatalf("expected the bound connection")
	}
}

func TestRegistryReconnectEvictsPriorHandle(t *testing.T) {
	registry := NewRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	registry.Bind("USER01", first)
	registry.Bind("USER01", second)

	if len(first.kicks) != 1 || first.kicks[0] != EvictionReason {
		t.Fatalf("expected first handle to observe a forced close, got %v", first.kicks)
	}
	if len(second.kicks) != 0 {
		t.Fatalf("eviction must not be observable to the new connection")
	}

	found, ok := registry.Lookup("USER01")
	if !ok || found != second {
		t.Fatalf("expected lookup to return the second handle")
	}
}

func TestRegistryUnbindIsNoOpForSupersededHandle(t *testing.T) {
	registry := NewRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	registry.Bind("USER01", first)
	registry.Bind("USER01", second)

	// The evicted connection's read loop exits and unbinds; that must not
	// disturb the fresh binding.
	registry.Unbind(first)

	found, ok := registry.Lookup("USER01")
	if !ok || found != second {
		t.Fatalf("expected second handle to remain bound")
	}
}

func TestRegistryUnbindRemovesBinding(t *testing.T) {
	registry := NewRegistry()
	conn := &fakeConn{}

	registry.Bind("USER01", conn)
	registry.Unbind(conn)

	if _, ok := registry.Lookup("USER01"); ok {
		t.Fatalf("expected binding to be removed")
	}
}

func TestRegistryOneUserPerHandle(t *testing.T) {
	registry := NewRegistry()
	conn := &fakeConn{}

	registry.Bind("USER01", conn)
	registry.Bind("USER02", conn)
	registry.Unbind(conn)

	if _, ok := registry.Lookup("USER02"); ok {
		t.Fatalf("expected USER02 binding removed with its handle")
	}
}
