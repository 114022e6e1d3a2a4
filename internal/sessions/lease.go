package sessions

import "sync"

// Lease serializes agent runs per session key: while one run holds a
// key's lease, later runs for the same key queue behind it so replies go
// out in arrival order. Distinct keys proceed concurrently.
type Lease struct {
	mu    sync.Mutex
	locks map[string]*leaseEntry
}

type leaseEntry struct {
	refs int
	sem  chan struct{}
}

func NewLease() *Lease {
	return &Lease{locks: make(map[string]*leaseEntry)}
}

// Acquire blocks until the key's lease is free and returns the release
// function. Releasing twice is a no-op.
func (l *Lease) Acquire(key string) func() {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &leaseEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.sem <- struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}
