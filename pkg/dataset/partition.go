package dataset

import (
	"context"
	"math/rand"
	"sort"

	"github.com/refract-ml/refract/pkg/logging"
)

// Partition is the training material for one context: a capped train subset
// the optimizer evaluates candidates on, and a held-out eval subset.
type Partition struct {
	Context ContextID
	Train   []Example
	Eval    []Example
}

// PartitionOptions controls how examples are split into per-context subsets.
type PartitionOptions struct {
	ExcludeContexts []string // raw tags to drop entirely
	MaxTrain        int      // per-context training cap
	MaxEval         int      // per-context eval cap, taken after the train cut
	Seed            int64    // shuffle seed, fixed for reproducible splits
}

// PartitionStats reports rows that could not be partitioned. Rows without a
// usable context tag are a data-quality problem surfaced to the caller, not
// guessed into a bucket.
type PartitionStats struct {
	Total          int
	MissingContext int
	Excluded       int
}

// PartitionExamples groups examples by ContextID and applies per-context
// train/eval caps with a seeded shuffle. Partitions are returned in sorted
// context order so runs are deterministic.
func PartitionExamples(ctx context.Context, examples []Example, opts PartitionOptions) ([]Partition, PartitionStats) {
	logger := logging.GetLogger()

	excluded := make(map[ContextID]bool, len(opts.ExcludeContexts))
	for _, tag := range opts.ExcludeContexts {
		excluded[NormalizeContext(tag)] = true
	}

	stats := PartitionStats{Total: len(examples)}
	groups := make(map[ContextID][]Example)

	for _, ex := range examples {
		if ex.Context == "" {
			stats.MissingContext++
			continue
		}
		if excluded[ex.Context] {
			stats.Excluded++
			continue
		}
		groups[ex.Context] = append(groups[ex.Context], ex)
	}

	if stats.MissingContext > 0 {
		logger.Warn(ctx, "Skipped %d rows with missing context tag", stats.MissingContext)
	}

	ids := make([]ContextID, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rng := rand.New(rand.NewSource(opts.Seed))
	partitions := make([]Partition, 0, len(ids))

	for _, id := range ids {
		members := groups[id]
		rng.Shuffle(len(members), func(i, j int) {
			members[i], members[j] = members[j], members[i]
		})

		trainEnd := len(members)
		if opts.MaxTrain > 0 && opts.MaxTrain < trainEnd {
			trainEnd = opts.MaxTrain
		}
		evalEnd := len(members)
		if opts.MaxEval >= 0 && trainEnd+opts.MaxEval < evalEnd {
			evalEnd = trainEnd + opts.MaxEval
		}

		partitions = append(partitions, Partition{
			Context: id,
			Train:   members[:trainEnd],
			Eval:    members[trainEnd:evalEnd],
		})
	}

	logger.Info(ctx, "Partitioned dataset: contexts=%d, skipped_missing=%d, excluded=%d",
		len(partitions), stats.MissingContext, stats.Excluded)

	return partitions, stats
}
