package backend

import (
	"context"
	"errors"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Pool caches one Conn per address. It is used by the components that talk to
// many nodes concurrently (migration, consistency checks). The router does not
// use a pool since it holds at most one node connection at a time.
//
// Thread-safe: all methods are safe for concurrent use
type Pool struct {
	dial    Dialer
	entries *xsync.MapOf[string, *poolEntry]
}

type poolEntry struct {
	once sync.Once
	conn *Conn
	err  error
}

// NewPool creates an empty pool that opens connections with dial
func NewPool(dial Dialer) *Pool {
	return &Pool{
		dial:    dial,
		entries: xsync.NewMapOf[string, *poolEntry](),
	}
}

// Get returns the pooled connection for addr, opening it on first use.
// A failed dial is not cached, the next Get tries again.
func (p *Pool) Get(ctx context.Context, addr Address) (*Conn, error) {
	key := addr.String()
	entry, _ := p.entries.LoadOrCompute(key, func() *poolEntry {
		return &poolEntry{}
	})

	entry.once.Do(func() {
		entry.conn, entry.err = p.dial(ctx, addr)
	})

	if entry.err != nil {
		p.entries.Compute(key, func(old *poolEntry, loaded bool) (*poolEntry, bool) {
			// only evict the failed entry, a concurrent retry may have replaced it
			return old, loaded && old == entry
		})
		return nil, entry.err
	}
	return entry.conn, nil
}

// Len returns the number of cached addresses
func (p *Pool) Len() int {
	return p.entries.Size()
}

// Close closes all pooled connections and empties the pool
func (p *Pool) Close() error {
	var errs []error
	p.entries.Range(func(key string, entry *poolEntry) bool {
		if entry.conn != nil {
			if err := entry.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		p.entries.Delete(key)
		return true
	})
	return errors.Join(errs...)
}
