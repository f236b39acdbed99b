package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PoolKey identifies a distinct backend connection: same address and
// username with a token present is a different pool slot than the
// same address with no token, since the two could resolve to
// different tenants or permission levels.
type PoolKey struct {
	Address  string
	Username string
	HasToken bool
}

func (k PoolKey) String() string {
	return fmt.Sprintf("%s|%s|token=%v", k.Address, k.Username, k.HasToken)
}

// Opener constructs a new Store for a pool key. Pools call it lazily,
// on first Acquire; concurrent first Acquires of one key may each call
// it, and then one Store is kept and the others are closed.
type Opener func(ctx context.Context) (Store, error)

const idleReapInterval = 5 * time.Minute

// Pool caches open Store connections by PoolKey, closing ones that
// have gone unused for longer than idleReapInterval so a long-running
// daemon serving many codebases does not accumulate unbounded
// backend connections.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry

	stopReaper chan struct{}
}

type poolEntry struct {
	store    Store
	lastUsed time.Time
}

// NewPool creates an empty Pool and starts its idle-reaping loop.
func NewPool() *Pool {
	p := &Pool{entries: make(map[string]*poolEntry), stopReaper: make(chan struct{})}
	go p.reapLoop()
	return p
}

// Acquire returns the cached Store for key, opening one via open if
// none exists yet.
func (p *Pool) Acquire(ctx context.Context, key PoolKey, open Opener) (Store, error) {
	k := key.String()

	p.mu.Lock()
	if e, ok := p.entries[k]; ok {
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return e.store, nil
	}
	p.mu.Unlock()

	store, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open vector store connection for %s: %w", k, err)
	}

	p.mu.Lock()
	if e, ok := p.entries[k]; ok {
		// Lost the race with another caller; keep theirs, close ours.
		p.mu.Unlock()
		store.Close()
		e.lastUsed = time.Now()
		return e.store, nil
	}
	p.entries[k] = &poolEntry{store: store, lastUsed: time.Now()}
	p.mu.Unlock()
	return store, nil
}

// Close shuts down every pooled connection and stops the reaper.
func (p *Pool) Close() error {
	close(p.stopReaper)

	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for k, e := range p.entries {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.entries, k)
	}
	return firstErr
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(idleReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for k, e := range p.entries {
		if now.Sub(e.lastUsed) > idleReapInterval {
			e.store.Close()
			delete(p.entries, k)
		}
	}
}
