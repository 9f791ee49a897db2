package clientpool

import "testing"

func newTestClient() *Client {
	return &Client{}
}

// P1: insert 3 clients, transition one to queued, one to pending, leave one
// active — counters (1,1,1), each Next(state) returns the expected client.
func TestPoolThreeStates(t *testing.T) {
	p := NewPool()

	a := newTestClient()
	q := newTestClient()
	pe := newTestClient()

	p.Set(a, Active)
	p.Set(q, Queued)
	p.Set(pe, Pending)

	if got := p.Count(Active); got != 1 {
		t.Errorf("Count(Active) = %d, want 1", got)
	}
	if got := p.Count(Queued); got != 1 {
		t.Errorf("Count(Queued) = %d, want 1", got)
	}
	if got := p.Count(Pending); got != 1 {
		t.Errorf("Count(Pending) = %d, want 1", got)
	}

	if p.Next(Active) != a {
		t.Error("Next(Active) did not return the active client")
	}
	if p.Next(Queued) != q {
		t.Error("Next(Queued) did not return the queued client")
	}
	if p.Next(Pending) != pe {
		t.Error("Next(Pending) did not return the pending client")
	}
}

// P2: active -> active is a no-op; counters unchanged, client stays put.
func TestPoolSetSameStateIsNoop(t *testing.T) {
	p := NewPool()
	c := newTestClient()
	p.Set(c, Active)

	p.Set(c, Active)

	if got := p.Count(Active); got != 1 {
		t.Errorf("Count(Active) = %d, want 1", got)
	}
	if c.State() != Active {
		t.Errorf("State() = %v, want Active", c.State())
	}
	if p.Next(Active) != c {
		t.Error("client no longer reachable via Next after no-op Set")
	}
}

// P3: transitioning to Undef detaches the client from every set; a
// subsequent transition to any state attaches cleanly.
func TestPoolUndefDetaches(t *testing.T) {
	p := NewPool()
	c := newTestClient()
	p.Set(c, Active)

	p.Set(c, Undef)

	if got := p.Count(Active); got != 0 {
		t.Errorf("Count(Active) after Undef = %d, want 0", got)
	}
	if c.State() != Undef {
		t.Errorf("State() = %v, want Undef", c.State())
	}

	p.Set(c, Pending)
	if got := p.Count(Pending); got != 1 {
		t.Errorf("Count(Pending) = %d, want 1", got)
	}
	if p.Next(Pending) != c {
		t.Error("client not attached cleanly after re-transition from Undef")
	}
}

func TestPoolCountsConservedAcrossTransitions(t *testing.T) {
	p := NewPool()
	clients := make([]*Client, 5)
	for i := range clients {
		clients[i] = newTestClient()
		p.Set(clients[i], Active)
	}
	if p.Total() != 5 {
		t.Fatalf("Total() = %d, want 5", p.Total())
	}

	p.Set(clients[0], Queued)
	p.Set(clients[1], Pending)
	if p.Total() != 5 {
		t.Errorf("Total() after active/queued/pending moves = %d, want 5 (conserved)", p.Total())
	}

	p.Set(clients[2], Undef)
	if p.Total() != 4 {
		t.Errorf("Total() after move to undef = %d, want 4 (decreased by one)", p.Total())
	}
}

func TestPoolNextOnEmptyReturnsNil(t *testing.T) {
	p := NewPool()
	if c := p.Next(Active); c != nil {
		t.Errorf("Next(Active) on empty pool = %v, want nil", c)
	}
}

func TestPoolNextUndefPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Next(Undef) did not panic")
		}
	}()
	p := NewPool()
	p.Next(Undef)
}

func TestPoolInitResetsState(t *testing.T) {
	p := NewPool()
	c := newTestClient()
	p.Set(c, Active)

	p.Init()

	if got := p.Count(Active); got != 0 {
		t.Errorf("Count(Active) after Init = %d, want 0", got)
	}
	if got := p.Total(); got != 0 {
		t.Errorf("Total() after Init = %d, want 0", got)
	}
}
