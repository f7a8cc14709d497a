package llm

import "sync/atomic"

// Budget caps the number of model calls one ingestion job may spend. Once
// spent, the classifier stops escalating and falls back to the default
// classification for the rest of the job.
type Budget struct {
	remaining atomic.Int64
}

// NewBudget returns a budget of n calls. n <= 0 means no calls at all.
func NewBudget(n int) *Budget {
	b := &Budget{}
	b.remaining.Store(int64(n))
	return b
}

// Take reserves one call. It returns false once the budget is spent.
func (b *Budget) Take() bool {
	for {
		cur := b.remaining.Load()
		if cur <= 0 {
			return false
		}
		if b.remaining.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Remaining reports the calls left, for progress reporting.
func (b *Budget) Remaining() int64 {
	n := b.remaining.Load()
	if n < 0 {
		return 0
	}
	return n
}
