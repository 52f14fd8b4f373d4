package offline0

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	var wg sync.WaitGroup
	for _, n := range []int{10, 30, 20, -1} {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Observe(n)
		}(n)
	}
	wg.Wait()

	assert.Equal(t, statsSnapshot{Responses: 4, MinBytes: 0, MaxBytes: 30, AvgBytes: 15}, s.Snapshot())
}
