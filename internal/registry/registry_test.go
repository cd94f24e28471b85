package registry

import (
	"errors"
	"hash/crc32"
	"slices"
	"testing"
	"time"
)

type fakeConn struct {
	id   string
	done chan struct{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, done: make(chan struct{})}
}

func (f *fakeConn) ID() string            { return f.id }
func (f *fakeConn) Done() <-chan struct{} { return f.done }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	c := newFakeConn("local-0")
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}
	if got, ok := r.Get("local-0"); !ok || got != c {
		t.Fatal("Get failed")
	}
	if got, ok := r.ByUID(crc32.ChecksumIEEE([]byte("local-0"))); !ok || got != c {
		t.Fatal("ByUID failed")
	}
	if err := r.Register(newFakeConn("local-0")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v", err)
	}
}

func TestUnregisteredWhenDone(t *testing.T) {
	r := New()
	c := newFakeConn("ws://example:8080")
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}
	close(c.done)

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection not unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := r.ByUID(UID(c.id)); ok {
		t.Fatal("uid alias survived")
	}
}

func TestUnregisterIgnoresReplacedConnection(t *testing.T) {
	r := New()
	old := newFakeConn("local-1")
	r.Register(old)
	r.Unregister(old)
	fresh := newFakeConn("local-1")
	r.Register(fresh)
	r.Unregister(old)
	if got, _ := r.Get("local-1"); got != fresh {
		t.Fatal("stale unregister removed the new connection")
	}
}

func TestFind(t *testing.T) {
	r := New()
	c := newFakeConn("local-2")
	r.Register(c)

	if got, ok := r.FindConnection("local-2"); !ok || got != c {
		t.Fatal("plain id not found")
	}
	if got, ok := r.FindConnection("3@local-2"); !ok || got != c {
		t.Fatal("global window id not resolved to its connection")
	}

	got, win, ok := r.FindWindow(GlobalWindowID(3, "local-2"))
	if !ok || got != c || win != 3 {
		t.Fatalf("FindWindow = %v %d %v", got, win, ok)
	}
	for _, bad := range []string{"local-2", "x@local-2", "300@local-2", "1@nowhere"} {
		if _, _, ok := r.FindWindow(bad); ok {
			t.Errorf("FindWindow(%q) succeeded", bad)
		}
	}
}

func TestNextLocal(t *testing.T) {
	r := New()
	id, n, hasID := r.NextLocal()
	if id != "local-0" || n != 0 || hasID {
		t.Fatalf("first = %q %d %v", id, n, hasID)
	}

	r.Register(newFakeConn("local-0"))
	r.Register(newFakeConn("local-4"))
	r.Register(newFakeConn("ws://host"))
	id, n, hasID = r.NextLocal()
	if id != "local-5" || n != 5 || !hasID {
		t.Fatalf("next = %q %d %v", id, n, hasID)
	}

	if got := r.IDs(); !slices.Equal(got, []string{"local-0", "local-4", "ws://host"}) {
		t.Fatalf("ids = %v", got)
	}
}
