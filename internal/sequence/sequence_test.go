package sequence

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryNextIsStrictlyIncreasingPerSession(t *testing.T) {
	g := NewInMemory()
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := g.Next(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestInMemorySequencesAreIndependentPerSession(t *testing.T) {
	g := NewInMemory()
	ctx := context.Background()

	a1, _ := g.Next(ctx, "sess-a")
	b1, _ := g.Next(ctx, "sess-b")
	a2, _ := g.Next(ctx, "sess-a")

	assert.Equal(t, int64(1), a1)
	assert.Equal(t, int64(1), b1)
	assert.Equal(t, int64(2), a2)
}

// TestInMemoryNoGapsUnderConcurrency verifies the spec.md §8 sequencing
// property: concurrent Next calls for one session produce every integer in
// [1, n] exactly once, with no gaps or duplicates.
func TestInMemoryNoGapsUnderConcurrency(t *testing.T) {
	g := NewInMemory()
	ctx := context.Background()
	const n = 200

	results := make([]int64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := g.Next(ctx, "sess-concurrent")
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, v := range results {
		assert.Equal(t, int64(i+1), v, "expected gap-free sequence, got %v", results)
	}
}
