package engine

import "sync/atomic"

// TxCounter issues process-wide monotonically increasing transaction
// numbers. It is dependency-injected rather than package-global so tests can
// run engines side by side.
type TxCounter struct {
	n atomic.Int64
}

// Next returns the next transaction number, starting at 1.
func (c *TxCounter) Next() int64 {
	return c.n.Add(1)
}

// Current returns the most recently issued number.
func (c *TxCounter) Current() int64 {
	return c.n.Load()
}
