package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRunIDUniqueAndSortable(t *testing.T) {
	const n = 1000
	ids := make([]string, n)
	for i := range ids {
		ids[i] = NewRunID()
	}

	seen := make(map[string]struct{}, n)
	for i, id := range ids {
		assert.Len(t, id, 26)
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
		if i > 0 {
			assert.LessOrEqual(t, ids[i-1], id)
		}
	}
}

func TestNewRunIDConcurrent(t *testing.T) {
	const workers, per = 8, 100
	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*per)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				id := NewRunID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*per)
}
