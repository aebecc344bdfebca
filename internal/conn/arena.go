package conn

import "sync"

// Arena provides per-connection exclusive scopes. All transitions for one
// connection URI run serialized; different URIs proceed fully in parallel.
// Lock records are kept for the lifetime of the arena; the population is
// bounded by the number of connections the node hosts.
type Arena struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewArena() *Arena {
	return &Arena{locks: make(map[string]*sync.Mutex)}
}

func (a *Arena) lockFor(uri string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[uri]
	if !ok {
		l = &sync.Mutex{}
		a.locks[uri] = l
	}
	return l
}

// Do runs fn while holding the exclusive scope for uri.
func (a *Arena) Do(uri string, fn func() error) error {
	l := a.lockFor(uri)
	l.Lock()
	defer l.Unlock()
	return fn()
}
