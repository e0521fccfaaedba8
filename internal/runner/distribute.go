package runner

import (
	"fmt"
	"math"
	"sort"

	"github.com/torosent/crankswarm/internal/user"
)

// Distribute apportions n users over classes by weight using the largest
// remainder method. The result holds exactly n entries, grouped by class in
// declaration order followed by any remainder awards.
func Distribute(n int, classes []*user.Class) ([]*user.Class, error) {
	if n < 0 {
		return nil, &ConfigurationError{Field: "user_count", Err: fmt.Errorf("%w: cannot distribute %d users", ErrInvalidTarget, n)}
	}
	if len(classes) == 0 {
		return nil, &ConfigurationError{Field: "user_classes", Err: ErrNoUserClasses}
	}
	total := 0
	for _, c := range classes {
		if c.Weight < 1 {
			return nil, &ConfigurationError{Field: "weight", Err: fmt.Errorf("%w: class %q has weight %d", ErrInvalidWeight, c.Name, c.Weight)}
		}
		total += c.Weight
	}
	if n == 0 {
		return []*user.Class{}, nil
	}

	type share struct {
		index    int
		count    int
		residual float64
	}
	shares := make([]share, len(classes))
	allocated := 0
	for i, c := range classes {
		exact := float64(n) * float64(c.Weight) / float64(total)
		count := int(math.RoundToEven(exact))
		shares[i] = share{index: i, count: count, residual: exact - float64(count)}
		allocated += count
	}

	bucket := make([]*user.Class, 0, n)
	for _, s := range shares {
		for j := 0; j < s.count; j++ {
			bucket = append(bucket, classes[s.index])
		}
	}

	switch {
	case allocated < n:
		order := append([]share(nil), shares...)
		sort.SliceStable(order, func(a, b int) bool { return order[a].residual > order[b].residual })
		for i := 0; i < n-allocated; i++ {
			bucket = append(bucket, classes[order[i%len(order)].index])
		}
	case allocated > n:
		order := append([]share(nil), shares...)
		sort.SliceStable(order, func(a, b int) bool { return order[a].residual < order[b].residual })
		for i := 0; i < allocated-n; i++ {
			bucket = removeFirst(bucket, classes[order[i%len(order)].index])
		}
	}
	return bucket, nil
}

func removeFirst(bucket []*user.Class, c *user.Class) []*user.Class {
	for i, b := range bucket {
		if b == c {
			return append(bucket[:i], bucket[i+1:]...)
		}
	}
	return bucket
}
