package clientpool

import (
	"container/list"
	"sync"
)

// State is a client's position in the route-local admission/service
// pipeline. It is a closed enumeration; Pool.Set dispatches on it by
// switch, not by subclass.
type State int

const (
	Undef State = iota
	Active
	Queued
	Pending
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Queued:
		return "queued"
	case Pending:
		return "pending"
	default:
		return "undef"
	}
}

// Pool maintains three disjoint membership sets of clients keyed by state
// and supports O(1) Set/Count/Next. Each set is a container/list.List — the
// Go stand-in for the original's intrusive od_list_t link, since Go has no
// safe embedded-pointer list primitive. A client is in at most one list at
// a time; Set always detaches from the old list before attaching to the
// new one, which is what makes that true.
//
// The original runs each route's pool single-threaded inside one worker's
// cooperative scheduler, so it needs no lock. This port uses one goroutine
// per client connection instead (spec §9 permits OS threads + blocking I/O
// in place of the coroutine runtime), so a route's Pool can be touched by
// more than one goroutine and is guarded by a mutex.
type Pool struct {
	mu     sync.Mutex
	lists  map[State]*list.List
	elems  map[*Client]*list.Element
	counts map[State]int
}

// NewPool returns an initialized, empty Pool.
func NewPool() *Pool {
	p := &Pool{}
	p.Init()
	return p
}

// Init resets the pool to empty: all sets empty, all counters zero.
func (p *Pool) Init() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists = map[State]*list.List{
		Active:  list.New(),
		Queued:  list.New(),
		Pending: list.New(),
	}
	p.elems = make(map[*Client]*list.Element)
	p.counts = make(map[State]int, 3)
}

// Set transitions client to newState. A no-op if the client is already in
// that state. Otherwise it detaches the client from its current set
// (decrementing that set's counter, unless it was Undef), then — unless
// newState is Undef — attaches it to the new set and increments that
// counter. The client's own State() reflects the change immediately.
func (p *Pool) Set(client *Client, newState State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client.state == newState {
		return
	}

	if client.state != Undef {
		p.counts[client.state]--
		if elem, ok := p.elems[client]; ok {
			p.lists[client.state].Remove(elem)
			delete(p.elems, client)
		}
	}

	if newState != Undef {
		elem := p.lists[newState].PushBack(client)
		p.elems[client] = elem
		p.counts[newState]++
	}

	client.state = newState
}

// Next returns some client currently in state, or nil if that set is
// empty. Calling Next(Undef) is a programmer error, as in the original.
func (p *Pool) Next(state State) *Client {
	if state == Undef {
		panic("clientpool: Next(Undef) is a programmer error")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.lists[state]
	if l.Len() == 0 {
		return nil
	}
	return l.Front().Value.(*Client)
}

// Count returns the number of clients currently in state. Count(Undef)
// always returns 0 — Undef clients are not tracked by any set.
func (p *Pool) Count(state State) int {
	if state == Undef {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[state]
}

// Total returns the number of clients known to the pool across all three
// tracked states.
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[Active] + p.counts[Queued] + p.counts[Pending]
}
