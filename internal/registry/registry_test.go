package registry

import (
	"errors"
	"sync"
	"testing"
)

type sent struct {
	event   string
	payload any
}

type fakeConn struct {
	id   string
	info ClientInfo

	mu     sync.Mutex
	sent   []sent
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, info: ClientInfo{Environment: "env-" + id}}
}

func (c *fakeConn) ID() string       { return c.id }
func (c *fakeConn) Info() ClientInfo { return c.info }
func (c *fakeConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.sent = append(c.sent, sent{event: event, payload: payload})
	return nil
}
func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, s := range c.sent {
		out = append(out, s.event)
	}
	return out
}

func TestStateTransitions(t *testing.T) {
	r := New()
	a := newFakeConn("a")
	r.Add(a)

	if err := r.BeginAuth("a"); err != nil {
		t.Fatalf("begin auth: %v", err)
	}
	if err := r.SetGuest("a"); !errors.Is(err, ErrAuthInFlight) {
		t.Fatalf("expected in-flight error, got %v", err)
	}
	if err := r.Bind("a", 7); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if state, userID, _ := r.State("a"); state != StateAuthenticated || userID != 7 {
		t.Fatalf("unexpected state %s user %d", state, userID)
	}
	if err := r.BeginAuth("a"); err != nil {
		t.Fatalf("re-auth as bound identity should be allowed: %v", err)
	}
	if err := r.Bind("a", 8); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected already bound, got %v", err)
	}
	if err := r.SetGuest("a"); !errors.Is(err, ErrAuthenticated) {
		t.Fatalf("expected authenticated error, got %v", err)
	}

	g := newFakeConn("g")
	r.Add(g)
	if err := r.SetGuest("g"); err != nil {
		t.Fatalf("set guest: %v", err)
	}
	if err := r.BeginAuth("g"); !errors.Is(err, ErrGuestLocked) {
		t.Fatalf("guest must not escalate, got %v", err)
	}
}

func TestAbortAuthReturnsToAnonymous(t *testing.T) {
	r := New()
	r.Add(newFakeConn("a"))
	_ = r.BeginAuth("a")
	r.AbortAuth("a")
	if state, _, _ := r.State("a"); state != StateAnonymous {
		t.Fatalf("expected anonymous, got %s", state)
	}
}

func TestEmitFanOut(t *testing.T) {
	r := New()
	a1, a2, b := newFakeConn("a1"), newFakeConn("a2"), newFakeConn("b")
	for _, c := range []*fakeConn{a1, a2, b} {
		r.Add(c)
		_ = r.BeginAuth(c.id)
	}
	_ = r.Bind("a1", 1)
	_ = r.Bind("a2", 1)
	_ = r.Bind("b", 2)
	_ = r.Join("a1", 10)
	_ = r.Join("b", 10)

	if n := r.EmitToUser(1, "ping", nil); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if n := r.EmitToGroup(10, "room", nil); n != 2 {
		t.Fatalf("expected 2 group deliveries, got %d", n)
	}
	if n := r.EmitToConns([]string{"b", "gone"}, "direct", nil); n != 1 {
		t.Fatalf("expected 1 direct delivery, got %d", n)
	}
	if n := r.EmitToUser(99, "nobody", nil); n != 0 {
		t.Fatalf("expected silent no-op, got %d", n)
	}
	if got := a2.events(); len(got) != 1 || got[0] != "ping" {
		t.Fatalf("unexpected a2 events %v", got)
	}

	members := r.GroupMembers(10)
	if len(members) != 2 || members[0].ConnID != "a1" || members[1].UserID != 2 {
		t.Fatalf("unexpected members %+v", members)
	}
}

func TestForceDisconnect(t *testing.T) {
	r := New()
	a1, a2 := newFakeConn("a1"), newFakeConn("a2")
	for _, c := range []*fakeConn{a1, a2} {
		r.Add(c)
		_ = r.BeginAuth(c.id)
		_ = r.Bind(c.id, 5)
		_ = r.Join(c.id, 1)
	}

	if n := r.ForceDisconnect(5, "deleted"); n != 2 {
		t.Fatalf("expected 2 closed, got %d", n)
	}
	for _, c := range []*fakeConn{a1, a2} {
		if got := c.events(); len(got) != 1 || got[0] != EventForcedLogout {
			t.Fatalf("expected forced logout notice, got %v", got)
		}
		if !c.closed {
			t.Fatalf("expected %s closed", c.id)
		}
	}
	if r.IsOnline(5) {
		t.Fatalf("expected identity offline")
	}
	if len(r.GroupMembers(1)) != 0 {
		t.Fatalf("expected group index cleared")
	}
	if userID, _ := r.Remove("a1"); userID != 0 {
		t.Fatalf("expected removed connection to be gone, got user %d", userID)
	}
}

func TestRemoveReturnsBindingAndGroups(t *testing.T) {
	r := New()
	r.Add(newFakeConn("a"))
	_ = r.BeginAuth("a")
	_ = r.Bind("a", 3)
	_ = r.Join("a", 2)
	_ = r.Join("a", 1)

	userID, groups := r.Remove("a")
	if userID != 3 || len(groups) != 2 || groups[0] != 1 || groups[1] != 2 {
		t.Fatalf("unexpected remove result user=%d groups=%v", userID, groups)
	}
	if r.IsOnline(3) {
		t.Fatalf("expected offline after remove")
	}
}

func TestCloseAllKeepsEntries(t *testing.T) {
	r := New()
	a, b := newFakeConn("a"), newFakeConn("b")
	r.Add(a)
	r.Add(b)

	if closed := r.CloseAll(); closed != 2 {
		t.Fatalf("expected 2 closed, got %d", closed)
	}
	if !a.closed || !b.closed {
		t.Fatalf("expected both connections closed")
	}
	if _, ok := r.Info("a"); !ok {
		t.Fatalf("expected entry to stay until the connection removes itself")
	}
}
