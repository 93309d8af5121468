package kcp

import (
	"errors"
	"sync"
)

// ErrPoolExhausted is returned when every conversation id is taken.
var ErrPoolExhausted = errors.New("conversation id pool exhausted")

// convPool hands out unique non-zero conversation ids.
type convPool struct {
	mu        sync.Mutex
	allocated map[uint32]struct{}
	next      uint32
	limit     int // for tests; 0 means the whole uint32 space
}

func newConvPool() *convPool {
	return &convPool{allocated: make(map[uint32]struct{}), next: 1}
}

// Allocate returns an id not currently allocated. 0 is never returned.
func (p *convPool) Allocate() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := int64(1<<32 - 1)
	if p.limit > 0 {
		capacity = int64(p.limit)
	}
	if int64(len(p.allocated)) >= capacity {
		return 0, ErrPoolExhausted
	}

	for {
		id := p.next
		p.next++
		if p.limit > 0 && int(p.next) > p.limit {
			p.next = 1
		}
		if id == 0 {
			continue
		}
		if _, taken := p.allocated[id]; taken {
			continue
		}
		p.allocated[id] = struct{}{}
		return id, nil
	}
}

// Release frees id. It reports whether id was allocated.
func (p *convPool) Release(id uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.allocated[id]; !ok {
		return false
	}
	delete(p.allocated, id)
	return true
}

// Allocated reports whether id is in use.
func (p *convPool) Allocated(id uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.allocated[id]
	return ok
}

// Len returns the number of ids in use.
func (p *convPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Reset frees every id. The next candidate keeps counting.
func (p *convPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocated = make(map[uint32]struct{})
}
