package proxy

import (
	"sync/atomic"

	"github.com/bardlex/lightmine/pkg/errors"
)

// Pool hands out proxies in round-robin order. Failing proxies are never
// removed; every call to Next advances the cursor regardless of outcome.
type Pool struct {
	items  []Descriptor
	cursor atomic.Uint64
}

// NewPool creates a pool over a non-empty proxy list.
func NewPool(items []Descriptor) (*Pool, error) {
	if len(items) == 0 {
		return nil, errors.New(errors.ErrorTypeConfiguration, "proxy_pool",
			"proxy pool cannot be empty")
	}

	cp := make([]Descriptor, len(items))
	copy(cp, items)
	return &Pool{items: cp}, nil
}

// Next returns the next proxy. Safe for concurrent use.
func (p *Pool) Next() Descriptor {
	n := p.cursor.Add(1) - 1
	return p.items[n%uint64(len(p.items))]
}

// Cursor returns the index the next call to Next will use, in [0, Len()).
func (p *Pool) Cursor() int {
	return int(p.cursor.Load() % uint64(len(p.items)))
}

// Len returns the number of proxies in the pool.
func (p *Pool) Len() int {
	return len(p.items)
}

// All returns a copy of the pool's proxies.
func (p *Pool) All() []Descriptor {
	cp := make([]Descriptor, len(p.items))
	copy(cp, p.items)
	return cp
}
