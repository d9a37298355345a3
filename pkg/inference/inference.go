// Package inference applies an optimized prompt to a new reference image,
// refining the generated program through verify-and-repair cycles until the
// artifact passes or the cycle budget runs out.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/refract-ml/refract/pkg/dataset"
	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/logging"
	"github.com/refract-ml/refract/pkg/oracle"
	"github.com/refract-ml/refract/pkg/registry"
	"github.com/refract-ml/refract/pkg/sandbox"
	"github.com/refract-ml/refract/pkg/verifier"
)

// PromptSource loads optimized prompts, typically the registry store.
type PromptSource interface {
	Load(ctx context.Context, contextID dataset.ContextID) (*registry.Record, error)
}

// Outcome is the result of one refinement run. A FAIL outcome is a normal
// result: the budget ran out before the artifact passed verification.
type Outcome struct {
	Status       verifier.Status    `json:"status"`
	Context      dataset.ContextID  `json:"context"`
	Image        string             `json:"image"`
	Cycles       int                `json:"cycles"`
	ArtifactPath string             `json:"artifact,omitempty"`
	Program      string             `json:"-"`
	Reports      []*verifier.Report `json:"-"`
	RunDir       string             `json:"run_dir"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
}

// Refiner drives the generate, execute, verify loop.
type Refiner struct {
	prompts  PromptSource
	oracle   oracle.Oracle
	runner   *sandbox.Runner
	verifier verifier.Verifier
	budget   int
	runRoot  string
}

func New(prompts PromptSource, o oracle.Oracle, runner *sandbox.Runner, v verifier.Verifier, budget int, runRoot string) *Refiner {
	if budget <= 0 {
		budget = 3
	}
	if runRoot == "" {
		runRoot = os.TempDir()
	}
	return &Refiner{
		prompts:  prompts,
		oracle:   o,
		runner:   runner,
		verifier: v,
		budget:   budget,
		runRoot:  runRoot,
	}
}

// Refine reconstructs imagePath using the optimized prompt for contextID.
// Each cycle generates a program, executes it, and verifies the artifact;
// the verifier's differences and suggestions feed the next cycle's prompt.
// The loop stops at the first PASS or when the budget is spent.
func (r *Refiner) Refine(ctx context.Context, contextID dataset.ContextID, imagePath, question string) (*Outcome, error) {
	logger := logging.GetLogger()
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	ctx = logging.WithContextID(ctx, string(contextID))

	record, err := r.prompts.Load(ctx, contextID)
	if err != nil {
		return nil, err
	}

	runDir := filepath.Join(r.runRoot, "run-"+runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to create run directory")
	}

	if question == "" {
		question = dataset.DefaultQuestion
	}

	outcome := &Outcome{
		Status:    verifier.Fail,
		Context:   contextID,
		Image:     imagePath,
		RunDir:    runDir,
		StartedAt: time.Now().UTC(),
	}

	logger.Info(ctx, "Starting refinement: image=%s, budget=%d, prompt_fitness=%.4f",
		imagePath, r.budget, record.Fitness)

	var feedback []string
	for cycle := 1; cycle <= r.budget; cycle++ {
		if err := errors.CheckContext(ctx, "refinement run"); err != nil {
			r.writeMetadata(ctx, outcome)
			return nil, err
		}
		outcome.Cycles = cycle

		program, err := r.oracle.GenerateProgram(ctx, oracle.Request{
			Instruction:    record.Instruction,
			Demonstrations: record.Demonstrations,
			ImagePath:      imagePath,
			Question:       question,
			Feedback:       feedback,
		})
		if err != nil {
			logger.Warn(ctx, "Cycle %d: oracle failed: %v", cycle, err)
			feedback = append(feedback, "The previous attempt produced no usable program. Emit a single complete script.")
			continue
		}
		outcome.Program = program.Source

		artifact := filepath.Join(runDir, fmt.Sprintf("cycle-%d.png", cycle))
		result, err := r.runner.Execute(ctx, program.Source, artifact)
		if err != nil {
			r.writeMetadata(ctx, outcome)
			return nil, err
		}
		if result.Status != sandbox.Success {
			logger.Info(ctx, "Cycle %d: execution %s", cycle, result.Status)
			feedback = append(feedback, executionFeedback(result))
			continue
		}
		outcome.ArtifactPath = artifact

		report, err := r.verifier.Verify(ctx, imagePath, artifact)
		if err != nil {
			r.writeMetadata(ctx, outcome)
			return nil, err
		}
		outcome.Reports = append(outcome.Reports, report)

		if report.Passed() {
			outcome.Status = verifier.Pass
			break
		}

		logger.Info(ctx, "Cycle %d: verification failed with %d differences",
			cycle, len(report.Differences))
		feedback = append(feedback, report.Differences...)
		feedback = append(feedback, report.Suggestions...)
	}

	outcome.FinishedAt = time.Now().UTC()
	logger.Info(ctx, "Refinement finished: status=%s, cycles=%d", outcome.Status, outcome.Cycles)

	r.writeMetadata(ctx, outcome)
	return outcome, nil
}

// executionFeedback turns a failed sandbox result into a repair hint.
func executionFeedback(result *sandbox.Result) string {
	switch result.Status {
	case sandbox.Timeout:
		return "The previous script ran past the time limit. Avoid loops over large ranges and interactive display calls."
	case sandbox.NoOutput:
		return "The previous script exited cleanly but saved no output file. Save the figure to output.png before exiting."
	default:
		msg := "The previous script crashed."
		if result.Stderr != "" {
			msg += " Error output: " + result.Stderr
		}
		return msg
	}
}

// writeMetadata records the run summary next to its artifacts. Failures are
// logged, not fatal.
func (r *Refiner) writeMetadata(ctx context.Context, outcome *Outcome) {
	if outcome.FinishedAt.IsZero() {
		outcome.FinishedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		logging.GetLogger().Warn(ctx, "Failed to encode run metadata: %v", err)
		return
	}
	path := filepath.Join(outcome.RunDir, "metadata.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logging.GetLogger().Warn(ctx, "Failed to write run metadata: %v", err)
	}
}
