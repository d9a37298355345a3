// Package evaluator computes a prompt candidate's fitness by driving the
// VLM oracle, the program sandbox, and the fidelity scorer over a context's
// training examples.
package evaluator

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/refract-ml/refract/pkg/dataset"
	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/logging"
	"github.com/refract-ml/refract/pkg/oracle"
	"github.com/refract-ml/refract/pkg/sandbox"
	"github.com/refract-ml/refract/pkg/scorer"
)

// Prompt is the evaluable surface of a candidate: its instruction text and
// demonstration exemplars.
type Prompt struct {
	Instruction    string
	Demonstrations []oracle.Demonstration
}

// ErrAllExamplesFailed is returned when the oracle failed for every example
// of a candidate. It is retryable: the optimizer may retry the candidate
// once before discarding it.
var ErrAllExamplesFailed = errors.New(errors.OracleFailed, "oracle failed for every example")

// Evaluator aggregates per-example fidelity into a candidate fitness.
type Evaluator struct {
	oracle      oracle.Oracle
	runner      *sandbox.Runner
	scorer      *scorer.Scorer
	artifactDir string
}

func New(o oracle.Oracle, runner *sandbox.Runner, s *scorer.Scorer, artifactDir string) *Evaluator {
	if artifactDir == "" {
		artifactDir = os.TempDir()
	}
	return &Evaluator{oracle: o, runner: runner, scorer: s, artifactDir: artifactDir}
}

// Evaluate scores one prompt over a context's examples and returns the
// arithmetic mean fidelity. Every example stays in the denominator: a failed
// execution or per-example oracle failure contributes exactly 0 so broken
// programs still feel optimization pressure. An encoder failure aborts the
// evaluation; ErrAllExamplesFailed escalates when no example produced a
// program at all.
func (e *Evaluator) Evaluate(ctx context.Context, prompt Prompt, examples []dataset.Example) (float64, error) {
	logger := logging.GetLogger()

	if len(examples) == 0 {
		return 0, errors.New(errors.InvalidInput, "no examples to evaluate")
	}

	total := 0.0
	oracleFailures := 0

	for _, ex := range examples {
		if ctx.Err() != nil {
			// Generation budget expired. Remaining examples contribute 0 but
			// stay in the denominator: partial results count toward fitness
			// instead of stalling the run.
			break
		}

		score, err := e.scoreExample(ctx, prompt, ex)
		if err != nil {
			if errors.HasCode(err, errors.ScoringFailed) {
				// Fitness cannot be computed at all; surface instead of
				// silently optimizing against a broken signal.
				return 0, err
			}
			oracleFailures++
			logger.Debug(ctx, "Example failed, contributing 0: image=%s, err=%v", ex.Image, err)
			continue
		}
		total += score
	}

	if oracleFailures == len(examples) {
		return 0, ErrAllExamplesFailed
	}

	return total / float64(len(examples)), nil
}

// scoreExample runs one (prompt, example) pair through oracle, sandbox and
// scorer. Execution failures are results, not errors: they score 0.
func (e *Evaluator) scoreExample(ctx context.Context, prompt Prompt, ex dataset.Example) (float64, error) {
	program, err := e.oracle.GenerateProgram(ctx, oracle.Request{
		Instruction:    prompt.Instruction,
		Demonstrations: prompt.Demonstrations,
		ImagePath:      ex.Image,
		Question:       ex.Question,
	})
	if err != nil {
		return 0, err
	}

	dest := filepath.Join(e.artifactDir, "artifact-"+uuid.NewString()+".png")
	defer os.Remove(dest)

	result, err := e.runner.Execute(ctx, program.Source, dest)
	if err != nil {
		return 0, err
	}
	if result.Status != sandbox.Success {
		logging.GetLogger().Debug(ctx, "Execution %s for image=%s (%.2fs)",
			result.Status, ex.Image, result.Duration.Seconds())
		return 0, nil
	}

	return e.scorer.Score(ctx, ex.Image, result.ArtifactPath)
}

// Better reports whether candidate a should rank ahead of candidate b. When
// fitness differs by more than epsilon the higher fitness wins; within
// epsilon the simpler prompt wins, so the optimizer does not drift toward
// needlessly verbose prompts that do not improve fidelity.
func Better(fitA, fitB float64, a, b Prompt, epsilon float64) bool {
	diff := fitA - fitB
	if diff > epsilon {
		return true
	}
	if diff < -epsilon {
		return false
	}
	return simpler(a, b)
}

func simpler(a, b Prompt) bool {
	if len(a.Demonstrations) != len(b.Demonstrations) {
		return len(a.Demonstrations) < len(b.Demonstrations)
	}
	if da, db := demoLength(a), demoLength(b); da != db {
		return da < db
	}
	return len(a.Instruction) < len(b.Instruction)
}

func demoLength(p Prompt) int {
	total := 0
	for _, d := range p.Demonstrations {
		total += len(d.Input) + len(d.Output)
	}
	return total
}
