// Package gepa implements the evolutionary prompt optimizer: a generational
// search over prompt candidates driven by visual-fidelity fitness, run
// independently per dataset context.
package gepa

import (
	"time"

	"github.com/google/uuid"

	"github.com/refract-ml/refract/pkg/evaluator"
	"github.com/refract-ml/refract/pkg/oracle"
)

// Candidate is one prompt variant in a population. Candidates are immutable
// once scored: evolution produces new candidates, it never edits a scored
// one, so the fitness attached to a candidate always describes exactly the
// prompt it was measured on.
type Candidate struct {
	ID             string
	Instruction    string
	Demonstrations []oracle.Demonstration
	Generation     int
	Fitness        float64
	Scored         bool
	ParentIDs      []string
	CreatedAt      time.Time
}

// newCandidate builds an unscored candidate with fresh identity.
func newCandidate(instruction string, demos []oracle.Demonstration, generation int, parentIDs ...string) *Candidate {
	copied := make([]oracle.Demonstration, len(demos))
	copy(copied, demos)
	return &Candidate{
		ID:             uuid.NewString(),
		Instruction:    instruction,
		Demonstrations: copied,
		Generation:     generation,
		ParentIDs:      parentIDs,
		CreatedAt:      time.Now(),
	}
}

// Prompt exposes the candidate's evaluable surface.
func (c *Candidate) Prompt() evaluator.Prompt {
	return evaluator.Prompt{
		Instruction:    c.Instruction,
		Demonstrations: c.Demonstrations,
	}
}

// clone copies a candidate with its score intact, for carrying elites into
// the next generation.
func (c *Candidate) clone() *Candidate {
	demos := make([]oracle.Demonstration, len(c.Demonstrations))
	copy(demos, c.Demonstrations)
	parents := make([]string, len(c.ParentIDs))
	copy(parents, c.ParentIDs)
	dup := *c
	dup.Demonstrations = demos
	dup.ParentIDs = parents
	return &dup
}

// Population is one generation's candidates. The invariant at every
// generation boundary: len ≤ the configured cap and every member is scored.
type Population struct {
	Candidates []*Candidate
	Generation int
}

// Best returns the highest-fitness member, breaking near-ties toward the
// simpler prompt.
func (p *Population) Best(epsilon float64) *Candidate {
	if len(p.Candidates) == 0 {
		return nil
	}
	best := p.Candidates[0]
	for _, c := range p.Candidates[1:] {
		if evaluator.Better(c.Fitness, best.Fitness, c.Prompt(), best.Prompt(), epsilon) {
			best = c
		}
	}
	return best
}

// MeanFitness is the population's average fitness, for progress logging.
func (p *Population) MeanFitness() float64 {
	if len(p.Candidates) == 0 {
		return 0
	}
	total := 0.0
	for _, c := range p.Candidates {
		total += c.Fitness
	}
	return total / float64(len(p.Candidates))
}
