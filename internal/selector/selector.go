// Package selector chooses which account receives the next due post out of a
// pool of eligible accounts. Selection is deterministic for a given scheduled
// post id so picks are reproducible in tests.
package selector

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/postflow/governor/internal/formula"
)

// Account is one eligible candidate in the pool. Eligibility (not resting,
// not rate limited) is the caller's job; the selector only picks.
type Account struct {
	ID      string
	GroupID string
	// Weight is the effective weight: GroupAccount weight times the group's
	// own weight
	Weight float64
	// Score is the rolling success/engagement score used by performance
	// mode; HasScore is false until analytics has produced one
	Score    float64
	HasScore bool
	// LastPostAt drives even-mode least-recently-used rotation
	LastPostAt time.Time
}

// Select picks the target account for the next post. The second return is
// false when the pool is empty, which is a normal scheduling outcome: the
// caller re-queues the post for a later tick.
func Select(mode formula.DistributionMode, pool []Account, scheduledPostID string) (Account, bool) {
	if len(pool) == 0 {
		return Account{}, false
	}

	switch mode {
	case formula.DistributionEven:
		return selectEven(pool), true
	case formula.DistributionPerformance:
		return selectPerformance(pool, scheduledPostID), true
	default:
		return selectWeighted(pool, scheduledPostID), true
	}
}

// selectEven rotates round-robin by least recently used, ties broken by
// account id for determinism
func selectEven(pool []Account) Account {
	best := pool[0]
	for _, a := range pool[1:] {
		if a.LastPostAt.Before(best.LastPostAt) ||
			(a.LastPostAt.Equal(best.LastPostAt) && a.ID < best.ID) {
			best = a
		}
	}
	return best
}

// selectWeighted picks proportionally to effective weight, seeded from the
// scheduled post id
func selectWeighted(pool []Account, scheduledPostID string) Account {
	weights := make([]float64, len(pool))
	for i, a := range pool {
		w := a.Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w
	}
	return pickByWeight(pool, weights, scheduledPostID)
}

// selectPerformance picks proportionally to the rolling score. Accounts that
// do not have a score yet borrow the pool's mean score scaled by their
// weight, and when nobody has a score the whole selection falls back to
// weighted mode.
func selectPerformance(pool []Account, scheduledPostID string) Account {
	var sum float64
	scored := 0
	for _, a := range pool {
		if a.HasScore && a.Score > 0 {
			sum += a.Score
			scored++
		}
	}
	if scored == 0 {
		return selectWeighted(pool, scheduledPostID)
	}

	mean := sum / float64(scored)
	weights := make([]float64, len(pool))
	for i, a := range pool {
		if a.HasScore && a.Score > 0 {
			weights[i] = a.Score
			continue
		}
		w := a.Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = mean * w
	}
	return pickByWeight(pool, weights, scheduledPostID)
}

// pickByWeight draws one account by cumulative weight using an rng seeded
// from the scheduled post id. The pool is sorted by id first so the draw is
// independent of caller ordering.
func pickByWeight(pool []Account, weights []float64, scheduledPostID string) Account {
	type entry struct {
		acct   Account
		weight float64
	}
	entries := make([]entry, len(pool))
	for i := range pool {
		entries[i] = entry{pool[i], weights[i]}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].acct.ID < entries[j].acct.ID })

	var total float64
	for _, e := range entries {
		total += e.weight
	}
	if total <= 0 {
		return entries[0].acct
	}

	rng := rand.New(rand.NewSource(seed(scheduledPostID)))
	draw := rng.Float64() * total
	for _, e := range entries {
		draw -= e.weight
		if draw < 0 {
			return e.acct
		}
	}
	return entries[len(entries)-1].acct
}

func seed(scheduledPostID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(scheduledPostID))
	return int64(h.Sum64())
}
