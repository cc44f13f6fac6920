package gateway

import (
	"errors"
	"sync"
)

var (
	ErrNotSeeded     = errors.New("gateway: request counter not seeded")
	ErrAlreadySeeded = errors.New("gateway: request counter already seeded")
)

// Counter allocates request ids. It is seeded once from the highest stored id
// and hands out strictly increasing values after that.
type Counter struct {
	mu     sync.Mutex
	seeded bool
	last   int64
}

// Seed sets the last allocated id. Only the first call takes effect.
func (c *Counter) Seed(last int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seeded {
		return ErrAlreadySeeded
	}
	c.last = last
	c.seeded = true
	return nil
}

// Next allocates the next id.
func (c *Counter) Next() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seeded {
		return 0, ErrNotSeeded
	}
	c.last++
	return c.last, nil
}

// Current returns the last allocated id and whether the counter is seeded.
func (c *Counter) Current() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.seeded
}
