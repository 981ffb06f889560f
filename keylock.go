package cachekv

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/cachekv/internal/util"
)

// keyLocks serializes mutations of the same key across "engine write + cache
// update". Keys hash onto a fixed set of stripes; unrelated keys may share one.
//
// Each stripe also carries an epoch that every mutation advances while holding
// the stripe. Unlike generations it cannot fail, so a populate that saw the
// epoch move knows a mutation landed even when the generation store did not
// record it.
type keyLocks struct {
	stripes []stripe
}

type stripe struct {
	mu    sync.Mutex
	epoch atomic.Uint64
}

func newKeyLocks(n int) *keyLocks {
	return &keyLocks{stripes: make([]stripe, n)}
}

func (l *keyLocks) stripeFor(key []byte) *stripe {
	return &l.stripes[util.Stripe(key, len(l.stripes))]
}

func (l *keyLocks) lock(key []byte) (unlock func()) {
	s := l.stripeFor(key)
	s.mu.Lock()
	return s.mu.Unlock
}

// lockAll takes every stripe touched by keys in ascending order so that
// concurrent batches cannot deadlock.
func (l *keyLocks) lockAll(keys [][]byte) (unlock func()) {
	idx := util.Stripes(keys, len(l.stripes))
	for _, i := range idx {
		l.stripes[i].mu.Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].mu.Unlock()
		}
	}
}

// epoch returns the mutation epoch of key's stripe. No lock needed.
func (l *keyLocks) epoch(key []byte) uint64 {
	return l.stripeFor(key).epoch.Load()
}

// advance moves key's stripe to a new epoch. Caller holds the stripe.
func (l *keyLocks) advance(key []byte) {
	l.stripeFor(key).epoch.Add(1)
}
