package trading

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"paper-trader/internal/models"
)

func TestKeyLocker_SerializesSameKey(t *testing.T) {
	l := NewKeyLocker(8)
	key := models.HoldingKey{UserID: "u", Symbol: "INFY", Exchange: models.NSE}

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(key)
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyLocker_StableIndex(t *testing.T) {
	l := NewKeyLocker(0)
	assert.Len(t, l.stripes, 1)

	l = NewKeyLocker(16)
	key := models.HoldingKey{UserID: "u", Symbol: "TCS", Exchange: models.BSE}
	first := l.index(key)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, l.index(key))
	}
	assert.Less(t, first, 16)
}
