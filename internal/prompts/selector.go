package prompts

import (
	"math/rand"
	"sync"
	"time"
)

// Selector draws scene prompts at random without replacement, skipping
// blocked prompts and prompts the caller has already used this run.
type Selector struct {
	mu      sync.Mutex
	rng     *rand.Rand
	catalog []Scene
	blocked func(prompt string) bool
}

// NewSelector creates a selector over the given catalog. blocked is
// consulted per candidate prompt and may be nil.
func NewSelector(catalog []Scene, blocked func(string) bool) *Selector {
	if blocked == nil {
		blocked = func(string) bool { return false }
	}
	return &Selector{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		catalog: catalog,
		blocked: blocked,
	}
}

// Select returns up to n distinct scenes drawn at random from the
// catalog, excluding blocked prompts and any prompt in exclude. A short
// or empty result means the eligible pool is exhausted; callers must
// treat that as resource exhaustion, not a retryable error.
func (s *Selector) Select(n int, exclude map[string]bool) []Scene {
	if n <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]Scene, 0, len(s.catalog))
	for _, scene := range s.catalog {
		if exclude[scene.Prompt] || s.blocked(scene.Prompt) {
			continue
		}
		eligible = append(eligible, scene)
	}

	s.rng.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})

	if len(eligible) > n {
		eligible = eligible[:n]
	}
	return eligible
}

// PoolSize returns the number of currently eligible prompts given an
// exclusion set. Used for status reporting.
func (s *Selector) PoolSize(exclude map[string]bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, scene := range s.catalog {
		if exclude[scene.Prompt] || s.blocked(scene.Prompt) {
			continue
		}
		count++
	}
	return count
}
