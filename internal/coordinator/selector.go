package coordinator

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"golang.org/x/exp/slices"
)

// ErrInsufficientCandidates is returned when more ids are requested than exist.
var ErrInsufficientCandidates = errors.New("insufficient candidates")

// SelectDistinct picks n distinct elements of candidates uniformly at random.
// The result is ordered by pick order; candidates is not modified.
//
// It runs a partial Fisher–Yates shuffle on a private copy: pick a random
// index in the unselected range, swap it to the end of the range, shrink the
// range. Every ordered n-subset has equal probability.
//
// Example:
//
//	ids, err := SelectDistinct(2, registry.LiveWorkerIDs())
//	if errors.Is(err, ErrInsufficientCandidates) {
//	    // fewer than two live workers
//	}
func SelectDistinct[T any](n int, candidates []T) ([]T, error) {
	return selectDistinct(rand.IntN, n, candidates)
}

// selectDistinct takes the index source as a parameter so tests can drive it.
// intn(k) must return a value in [0, k).
func selectDistinct[T any](intn func(int) int, n int, candidates []T) ([]T, error) {
	if n < 0 {
		return nil, fmt.Errorf("select %d: count must not be negative", n)
	}
	if n > len(candidates) {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCandidates, n, len(candidates))
	}

	pool := slices.Clone(candidates)
	selected := make([]T, 0, n)
	remaining := len(pool)
	for range n {
		j := intn(remaining)
		selected = append(selected, pool[j])
		pool[j], pool[remaining-1] = pool[remaining-1], pool[j]
		remaining--
	}
	return selected, nil
}
