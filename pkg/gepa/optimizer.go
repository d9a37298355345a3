package gepa

import (
	"context"
	stderrors "errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/refract-ml/refract/pkg/dataset"
	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/evaluator"
	"github.com/refract-ml/refract/pkg/logging"
)

// State is the per-context optimization state machine.
type State int

const (
	Initializing State = iota
	Evolving
	// Converged: best fitness stopped improving or hit the ceiling.
	Converged
	// Exhausted: generation budget reached. Best effort within budget, not
	// an error.
	Exhausted
)

func (s State) String() string {
	return [...]string{"INITIALIZING", "EVOLVING", "CONVERGED", "EXHAUSTED"}[s]
}

// Config contains the evolutionary parameters for one optimization run.
type Config struct {
	PopulationSize   int
	MaxGenerations   int
	MutationRate     float64
	CrossoverRate    float64
	Epsilon          float64 // improvement below this counts as stagnation
	StagnationLimit  int     // consecutive stagnant generations before convergence
	FitnessCeiling   float64 // converge immediately at or above this fitness
	Workers          int     // concurrent candidate evaluations per generation
	GenerationBudget time.Duration
	Seed             int64
}

// DefaultConfig returns the evolutionary defaults.
func DefaultConfig() Config {
	return Config{
		PopulationSize:   8,
		MaxGenerations:   10,
		MutationRate:     0.3,
		CrossoverRate:    0.7,
		Epsilon:          0.01,
		StagnationLimit:  3,
		FitnessCeiling:   0.95,
		Workers:          3,
		GenerationBudget: 15 * time.Minute,
	}
}

// Evaluator is the fitness boundary, narrowed for testability.
type Evaluator interface {
	Evaluate(ctx context.Context, prompt evaluator.Prompt, examples []dataset.Example) (float64, error)
}

// Result is the finalization of one context's optimization run.
type Result struct {
	Context     dataset.ContextID
	Best        *Candidate
	State       State
	Generations int
}

// Optimizer runs the generational loop for a single context. Contexts share
// no mutable state, so one Optimizer per context may run concurrently with
// others.
type Optimizer struct {
	cfg  Config
	eval Evaluator

	mutate    Mutator
	crossover Crossover

	mu  sync.Mutex // guards rng and best
	rng *rand.Rand

	state      State
	best       *Candidate
	stagnation int
}

// Option customizes an Optimizer.
type Option func(*Optimizer)

// WithMutator installs a custom mutation operator.
func WithMutator(m Mutator) Option {
	return func(o *Optimizer) { o.mutate = m }
}

// WithCrossover installs a custom crossover operator.
func WithCrossover(c Crossover) Option {
	return func(o *Optimizer) { o.crossover = c }
}

func New(cfg Config, eval Evaluator, opts ...Option) *Optimizer {
	if cfg.PopulationSize < 2 {
		cfg.PopulationSize = 2
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StagnationLimit <= 0 {
		cfg.StagnationLimit = 3
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	o := &Optimizer{
		cfg:       cfg,
		eval:      eval,
		mutate:    DefaultMutator,
		crossover: DefaultCrossover,
		rng:       rand.New(rand.NewSource(seed)),
		state:     Initializing,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the optimizer's current lifecycle state.
func (o *Optimizer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Optimize runs the full state machine for one context and returns its
// finalization. Both terminal states produce a usable Result; only
// infrastructure failures (encoder down, canceled run) return an error.
func (o *Optimizer) Optimize(ctx context.Context, contextID dataset.ContextID, seedInstruction string, examples []dataset.Example) (*Result, error) {
	logger := logging.GetLogger()
	ctx = logging.WithContextID(ctx, string(contextID))

	if len(examples) == 0 {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "no training examples for context"),
			errors.Fields{"context": contextID})
	}
	if seedInstruction == "" {
		return nil, errors.New(errors.InvalidInput, "seed instruction required")
	}

	logger.Info(ctx, "Starting optimization: population=%d, max_generations=%d, examples=%d",
		o.cfg.PopulationSize, o.cfg.MaxGenerations, len(examples))

	pop := o.seedPopulation(seedInstruction)
	if err := o.evaluateAll(ctx, pop.Candidates, examples); err != nil {
		return nil, err
	}
	o.setState(Evolving)
	o.updateBest(pop)

	generations := 0
	for gen := 1; gen <= o.cfg.MaxGenerations; gen++ {
		if err := errors.CheckContext(ctx, "optimization run"); err != nil {
			return nil, err
		}

		prevBest := o.bestFitness()

		offspring := o.produceOffspring(pop)
		if err := o.evaluateAll(ctx, offspring, examples); err != nil {
			return nil, err
		}

		pop = o.nextGeneration(pop, offspring, gen)
		o.updateBest(pop)
		generations = gen

		logger.Info(ctx, "Generation %d complete: best=%.4f, mean=%.4f, population=%d",
			gen, o.bestFitness(), pop.MeanFitness(), len(pop.Candidates))

		if o.checkConvergence(prevBest) {
			o.setState(Converged)
			break
		}
	}

	if o.State() != Converged {
		o.setState(Exhausted)
	}

	result := &Result{
		Context:     contextID,
		Best:        o.bestCandidate(),
		State:       o.State(),
		Generations: generations,
	}

	logger.Info(ctx, "Optimization finalized: state=%s, best_fitness=%.4f, generations=%d",
		result.State, result.Best.Fitness, result.Generations)

	return result, nil
}

// seedPopulation builds generation 0 from the seed instruction plus textual
// perturbations of it.
func (o *Optimizer) seedPopulation(seedInstruction string) *Population {
	candidates := make([]*Candidate, 0, o.cfg.PopulationSize)
	root := newCandidate(seedInstruction, nil, 0)
	candidates = append(candidates, root)

	o.mu.Lock()
	for len(candidates) < o.cfg.PopulationSize {
		candidates = append(candidates, o.mutate(o.rng, root))
	}
	o.mu.Unlock()

	// Perturbations start at generation 0 like their root
	for _, c := range candidates {
		c.Generation = 0
	}
	return &Population{Candidates: candidates, Generation: 0}
}

// evaluateAll scores every unscored candidate, bounded by the worker pool
// and the generation time budget. A candidate whose oracle fails for every
// example is retried once, then kept at fitness 0. Encoder failures abort.
func (o *Optimizer) evaluateAll(ctx context.Context, candidates []*Candidate, examples []dataset.Example) error {
	genCtx := ctx
	if o.cfg.GenerationBudget > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, o.cfg.GenerationBudget)
		defer cancel()
	}

	p := pool.New().WithMaxGoroutines(o.cfg.Workers)

	var mu sync.Mutex
	var fatal error

	for _, candidate := range candidates {
		if candidate.Scored {
			continue
		}
		candidate := candidate
		p.Go(func() {
			fitness, err := o.eval.Evaluate(genCtx, candidate.Prompt(), examples)
			if stderrors.Is(err, evaluator.ErrAllExamplesFailed) {
				fitness, err = o.eval.Evaluate(genCtx, candidate.Prompt(), examples)
			}
			if err != nil {
				if stderrors.Is(err, evaluator.ErrAllExamplesFailed) {
					fitness = 0 // retried once, discard with worst fitness
				} else if ctx.Err() == nil && errors.HasCode(err, errors.Canceled) {
					fitness = 0 // generation budget expired mid-candidate
				} else {
					mu.Lock()
					if fatal == nil {
						fatal = err
					}
					mu.Unlock()
					return
				}
			}
			mu.Lock()
			candidate.Fitness = fitness
			candidate.Scored = true
			mu.Unlock()
		})
	}
	p.Wait()

	if fatal != nil {
		return fatal
	}
	// A candidate left unscored by budget expiry counts as worst fitness
	for _, c := range candidates {
		if !c.Scored {
			c.Fitness = 0
			c.Scored = true
		}
	}
	return nil
}

// produceOffspring creates a new batch of unscored candidates from
// fitness-weighted parents.
func (o *Optimizer) produceOffspring(pop *Population) []*Candidate {
	o.mu.Lock()
	defer o.mu.Unlock()

	offspring := make([]*Candidate, 0, o.cfg.PopulationSize)
	for len(offspring) < o.cfg.PopulationSize {
		p1 := o.selectParent(pop)
		p2 := o.selectParent(pop)
		for attempts := 0; p2.ID == p1.ID && len(pop.Candidates) > 1 && attempts < 5; attempts++ {
			p2 = o.selectParent(pop)
		}

		var c1, c2 *Candidate
		if o.rng.Float64() < o.cfg.CrossoverRate && p1.ID != p2.ID {
			c1, c2 = o.crossover(o.rng, p1, p2)
		} else {
			c1 = o.mutate(o.rng, p1)
			c2 = o.mutate(o.rng, p2)
		}

		if o.rng.Float64() < o.cfg.MutationRate {
			c1 = o.mutate(o.rng, c1)
		}
		if o.rng.Float64() < o.cfg.MutationRate {
			c2 = o.mutate(o.rng, c2)
		}

		offspring = append(offspring, c1)
		if len(offspring) < o.cfg.PopulationSize {
			offspring = append(offspring, c2)
		}
	}
	return offspring
}

// selectParent implements roulette-wheel selection: weighted by fitness
// rather than strictly greedy, to preserve diversity. Falls back to uniform
// choice when the population has no fitness signal yet.
func (o *Optimizer) selectParent(pop *Population) *Candidate {
	total := 0.0
	for _, c := range pop.Candidates {
		total += c.Fitness
	}
	if total == 0 {
		return pop.Candidates[o.rng.Intn(len(pop.Candidates))]
	}

	spin := o.rng.Float64() * total
	cumulative := 0.0
	for _, c := range pop.Candidates {
		cumulative += c.Fitness
		if cumulative >= spin {
			return c
		}
	}
	return pop.Candidates[len(pop.Candidates)-1]
}

// nextGeneration merges parents and offspring and truncates to the
// population cap by fitness. The best-ever candidate is pinned into the
// merged set first, so the retained best is monotonically non-decreasing
// even when every offspring regresses.
func (o *Optimizer) nextGeneration(pop *Population, offspring []*Candidate, generation int) *Population {
	merged := make([]*Candidate, 0, len(pop.Candidates)+len(offspring)+1)
	seen := make(map[string]bool)

	if best := o.bestCandidate(); best != nil {
		elite := best.clone()
		merged = append(merged, elite)
		seen[elite.ID] = true
	}
	for _, c := range append(append([]*Candidate{}, pop.Candidates...), offspring...) {
		if !seen[c.ID] {
			merged = append(merged, c)
			seen[c.ID] = true
		}
	}

	sortCandidates(merged, o.cfg.Epsilon)
	if len(merged) > o.cfg.PopulationSize {
		merged = merged[:o.cfg.PopulationSize]
	}

	return &Population{Candidates: merged, Generation: generation}
}

// updateBest pins the best-ever candidate. Fitness never decreases; equal
// fitness may swap in a simpler prompt.
func (o *Optimizer) updateBest(pop *Population) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, c := range pop.Candidates {
		if o.best == nil ||
			c.Fitness > o.best.Fitness ||
			(c.Fitness == o.best.Fitness && evaluator.Better(c.Fitness, o.best.Fitness, c.Prompt(), o.best.Prompt(), o.cfg.Epsilon)) {
			o.best = c.clone()
		}
	}
}

func (o *Optimizer) bestCandidate() *Candidate {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.best == nil {
		return nil
	}
	return o.best.clone()
}

func (o *Optimizer) bestFitness() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.best == nil {
		return 0
	}
	return o.best.Fitness
}

// checkConvergence applies the stagnation and ceiling rules after a
// generation completes.
func (o *Optimizer) checkConvergence(prevBest float64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.best != nil && o.best.Fitness >= o.cfg.FitnessCeiling {
		return true
	}

	improvement := o.best.Fitness - prevBest
	if improvement > o.cfg.Epsilon {
		o.stagnation = 0
		return false
	}
	o.stagnation++
	return o.stagnation >= o.cfg.StagnationLimit
}

func (o *Optimizer) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// sortCandidates orders by descending fitness, breaking near-ties toward
// simpler prompts.
func sortCandidates(candidates []*Candidate, epsilon float64) {
	// Insertion sort: populations are small and the comparator is not a
	// strict weak order across epsilon boundaries.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0; j-- {
			a, b := candidates[j], candidates[j-1]
			if evaluator.Better(a.Fitness, b.Fitness, a.Prompt(), b.Prompt(), epsilon) {
				candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
			} else {
				break
			}
		}
	}
}
