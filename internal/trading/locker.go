package trading

import (
	"hash/fnv"
	"sync"

	"paper-trader/internal/models"
)

// KeyLocker serializes work per holding key using a fixed set of mutex
// stripes. Distinct keys may share a stripe.
type KeyLocker struct {
	stripes []sync.Mutex
}

// NewKeyLocker creates a locker with n stripes.
func NewKeyLocker(n int) *KeyLocker {
	if n < 1 {
		n = 1
	}
	return &KeyLocker{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe owning key and returns its release func.
func (l *KeyLocker) Lock(key models.HoldingKey) func() {
	m := &l.stripes[l.index(key)]
	m.Lock()
	return m.Unlock
}

func (l *KeyLocker) index(key models.HoldingKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(len(l.stripes)))
}
