package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerIDs_FixedThenCounter(t *testing.T) {
	gen := NewServerIDs("M", "HK1001")

	assert.Equal(t, "HK1001", gen.Generate())
	assert.Equal(t, "M1", gen.Generate())
	assert.Equal(t, "M2", gen.Generate())

	gen.Push("HK2002")
	assert.Equal(t, "HK2002", gen.Generate())
	assert.Equal(t, "M3", gen.Generate())
}

func TestServerIDs_EmptyPrefixDefault(t *testing.T) {
	gen := NewServerIDs("")
	assert.Equal(t, "id-1", gen.Generate())
}

func TestServerIDs_ThreadSafe(t *testing.T) {
	gen := NewServerIDs("x")

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := gen.Generate()
				mu.Lock()
				assert.False(t, seen[id], "duplicate id %s", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1000)
}
