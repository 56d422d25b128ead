package ledger

import (
	"fmt"
	"math/rand/v2"
)

// SplitFixed divides total into count equal shares. total must be divisible
// by count so that no minor unit is created or lost.
func SplitFixed(total int64, count int) ([]int64, error) {
	if count < 1 || total < int64(count) {
		return nil, ErrInvalidAmount
	}
	if total%int64(count) != 0 {
		return nil, fmt.Errorf("%w: %d is not divisible into %d equal shares", ErrInvalidAmount, total, count)
	}
	amounts := make([]int64, count)
	for i := range amounts {
		amounts[i] = total / int64(count)
	}
	return amounts, nil
}

// SplitLucky divides total into count random shares of at least one minor
// unit each. Each of the first count-1 shares is capped at twice the mean of
// what is left, and at whatever still lets the remaining shares receive one
// unit. The result is shuffled so that claim order does not follow draw order.
func SplitLucky(total int64, count int, rng *rand.Rand) ([]int64, error) {
	if count < 1 || total < int64(count) {
		return nil, ErrInvalidAmount
	}
	amounts := make([]int64, 0, count)
	remaining := total
	for i := 0; i < count-1; i++ {
		left := int64(count - i)
		upper := min(remaining-(left-1), 2*remaining/left)
		if upper < 1 {
			upper = 1
		}
		share := 1 + rng.Int64N(upper)
		amounts = append(amounts, share)
		remaining -= share
	}
	amounts = append(amounts, remaining)
	rng.Shuffle(len(amounts), func(i, j int) {
		amounts[i], amounts[j] = amounts[j], amounts[i]
	})
	return amounts, nil
}
