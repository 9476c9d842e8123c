package credit

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSaturates(t *testing.T) {
	var b Balance
	b.Add(math.MaxUint32 - 1)
	total := b.Add(10)
	assert.Equal(t, uint32(math.MaxUint32), total)
}

func TestTryConsumeMany(t *testing.T) {
	var b Balance
	b.Add(5)

	got := b.TryConsumeMany(3)
	assert.Equal(t, uint32(3), got)
	assert.Equal(t, uint32(2), b.Available())

	got = b.TryConsumeMany(10)
	assert.Equal(t, uint32(2), got)
	assert.Equal(t, uint32(0), b.Available())

	assert.False(t, b.TryConsume())
}

func TestResetReturnsPrior(t *testing.T) {
	var b Balance
	b.Add(7)
	prior := b.Reset()
	assert.Equal(t, uint32(7), prior)
	assert.Equal(t, uint32(0), b.Available())
}

func TestAddClampedRejectsOverflow(t *testing.T) {
	var b Balance
	b.Add(math.MaxUint32 - 2)

	_, overflowed := b.AddClamped(10)
	assert.True(t, overflowed)

	total, overflowed := b.AddClamped(2)
	assert.False(t, overflowed)
	assert.Equal(t, uint32(math.MaxUint32), total)
}

func TestConcurrentConsumeNeverUnderflows(t *testing.T) {
	var b Balance
	b.Add(1000)

	var wg sync.WaitGroup
	var consumedTotal atomicCounter
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				consumedTotal.add(uint64(b.TryConsumeMany(1)))
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, consumedTotal.load(), uint64(1000))
	assert.Equal(t, uint32(1000)-uint32(consumedTotal.load()), b.Available())
}

// atomicCounter avoids importing sync/atomic twice for a tiny test helper.
type atomicCounter struct {
	mu sync.Mutex
	n  uint64
}

func (c *atomicCounter) add(n uint64) {
	c.mu.Lock()
	c.n += n
	c.mu.Unlock()
}

func (c *atomicCounter) load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
