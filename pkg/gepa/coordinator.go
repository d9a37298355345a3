package gepa

import (
	"context"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/refract-ml/refract/pkg/dataset"
	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/logging"
)

// Sink receives finalized per-context results, typically backed by the
// optimized-prompt registry.
type Sink interface {
	SaveResult(ctx context.Context, result *Result) error
}

// Coordinator fans out one optimization run per dataset context. Contexts
// are independent: a failed context does not abort its siblings.
type Coordinator struct {
	cfg             Config
	seedInstruction string
	contextWorkers  int
	newEvaluator    func() Evaluator
	sink            Sink
	opts            []Option
}

// NewCoordinator builds a coordinator. newEvaluator is called once per
// context so each run gets its own evaluation pipeline.
func NewCoordinator(cfg Config, seedInstruction string, contextWorkers int, newEvaluator func() Evaluator, sink Sink, opts ...Option) *Coordinator {
	if contextWorkers <= 0 {
		contextWorkers = 1
	}
	return &Coordinator{
		cfg:             cfg,
		seedInstruction: seedInstruction,
		contextWorkers:  contextWorkers,
		newEvaluator:    newEvaluator,
		sink:            sink,
		opts:            opts,
	}
}

// Run optimizes every partition and persists each finalized result. It
// returns the results in context order plus a joined error covering any
// contexts that failed.
func (c *Coordinator) Run(ctx context.Context, partitions []dataset.Partition) ([]*Result, error) {
	logger := logging.GetLogger()

	if len(partitions) == 0 {
		return nil, errors.New(errors.InvalidInput, "no context partitions to optimize")
	}

	logger.Info(ctx, "Optimizing %d contexts with %d concurrent runs", len(partitions), c.contextWorkers)

	var mu sync.Mutex
	results := make([]*Result, 0, len(partitions))
	var failures []error

	p := pool.New().WithMaxGoroutines(c.contextWorkers)
	for i, part := range partitions {
		i, part := i, part
		p.Go(func() {
			cfg := c.cfg
			if cfg.Seed != 0 {
				// Distinct deterministic stream per context
				cfg.Seed += int64(i)
			}
			opt := New(cfg, c.newEvaluator(), c.opts...)

			result, err := opt.Optimize(ctx, part.Context, c.seedInstruction, part.Train)
			if err != nil {
				logger.Error(ctx, "Context %s failed: %v", part.Context, err)
				mu.Lock()
				failures = append(failures, errors.WithFields(err, errors.Fields{"context": part.Context}))
				mu.Unlock()
				return
			}

			if c.sink != nil {
				if err := c.sink.SaveResult(ctx, result); err != nil {
					logger.Error(ctx, "Failed to persist result for context %s: %v", part.Context, err)
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
					return
				}
			}

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		})
	}
	p.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Context < results[j].Context })

	for _, r := range results {
		logger.Info(ctx, "Context %s: state=%s, fitness=%.4f, generations=%d",
			r.Context, r.State, r.Best.Fitness, r.Generations)
	}

	if len(failures) > 0 {
		return results, errors.WithFields(
			errors.New(errors.Unknown, "one or more contexts failed to optimize"),
			errors.Fields{"failed": len(failures), "first": failures[0].Error()})
	}
	return results, nil
}
