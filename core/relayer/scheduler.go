package relayer

import (
	"math/rand"
	"sync"
)

// Scheduler selects the probing order for one account-selection attempt.
// The Relayer walks the returned order, picking the first account that
// probes healthy.
type Scheduler interface {
	// SelectionOrder returns a permutation of [0, poolSize) to probe in
	// order for one selection attempt.
	SelectionOrder(poolSize int) []int
}

func rotate(start, poolSize int) []int {
	order := make([]int, poolSize)
	for i := 0; i < poolSize; i++ {
		order[i] = (start + i) % poolSize
	}
	return order
}

// RoundRobinScheduler probes accounts in rotating order, advancing its
// index by one past the previous selection attempt's starting point so the
// pool is walked fairly across attempts.
type RoundRobinScheduler struct {
	mu    sync.Mutex
	index int
}

// NewRoundRobinScheduler constructs a RoundRobinScheduler starting at index 0.
func NewRoundRobinScheduler() *RoundRobinScheduler {
	return &RoundRobinScheduler{}
}

func (s *RoundRobinScheduler) SelectionOrder(poolSize int) []int {
	if poolSize <= 0 {
		return nil
	}
	s.mu.Lock()
	start := s.index % poolSize
	s.index = (s.index + 1) % poolSize
	s.mu.Unlock()
	return rotate(start, poolSize)
}

// UniformRandomScheduler picks a random starting index and then probes in
// rotating order from there.
type UniformRandomScheduler struct{}

// NewUniformRandomScheduler constructs a UniformRandomScheduler.
func NewUniformRandomScheduler() *UniformRandomScheduler {
	return &UniformRandomScheduler{}
}

func (s *UniformRandomScheduler) SelectionOrder(poolSize int) []int {
	if poolSize <= 0 {
		return nil
	}
	start := rand.Intn(poolSize) //nolint:gosec // scheduling fairness only, not the oracle randomness source
	return rotate(start, poolSize)
}
