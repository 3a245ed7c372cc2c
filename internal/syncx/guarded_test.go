package syncx

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuarded_ConcurrentDo(t *testing.T) {
	g := NewGuarded(map[string]int{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Do(func(m *map[string]int) { (*m)["n"]++ })
		}()
	}
	wg.Wait()

	n := Read(g, func(m *map[string]int) int { return (*m)["n"] })
	assert.Equal(t, 50, n)
}

func TestGuarded_Apply(t *testing.T) {
	g := NewGuarded([]int{1, 2})
	l := Apply(g, func(s *[]int) int {
		*s = append(*s, 3)
		return len(*s)
	})
	assert.Equal(t, 3, l)
}
