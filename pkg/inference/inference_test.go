package inference

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/refract-ml/refract/internal/testutil"
	"github.com/refract-ml/refract/pkg/dataset"
	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/oracle"
	"github.com/refract-ml/refract/pkg/registry"
	"github.com/refract-ml/refract/pkg/sandbox"
	"github.com/refract-ml/refract/pkg/verifier"
)

type stubPrompts struct {
	record *registry.Record
	err    error
}

func (s *stubPrompts) Load(context.Context, dataset.ContextID) (*registry.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.record, nil
}

// recordingOracle captures every request and returns scripted programs.
type recordingOracle struct {
	mu       sync.Mutex
	requests []oracle.Request
	programs []string
}

func (o *recordingOracle) GenerateProgram(_ context.Context, req oracle.Request) (*oracle.Program, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
	source := o.programs[0]
	if len(o.programs) > 1 {
		o.programs = o.programs[1:]
	}
	return &oracle.Program{Source: source}, nil
}

func newShellRunner(t *testing.T) *sandbox.Runner {
	t.Helper()
	return sandbox.NewRunner(sandbox.Config{
		Interpreter: []string{"sh"},
		OutputFile:  "output.png",
		WorkRoot:    t.TempDir(),
		Timeout:     10 * time.Second,
	})
}

func promptRecord() *registry.Record {
	return &registry.Record{
		ContextID:   "geometry",
		Instruction: "Recreate the image.",
		Fitness:     0.8,
		Generation:  4,
		State:       "CONVERGED",
	}
}

func TestRefinePassesAfterRepairs(t *testing.T) {
	vlm := &recordingOracle{programs: []string{"printf 'x' > output.png"}}
	mockVerifier := new(testutil.MockVerifier)

	// Two failed verifications, then a pass, within a budget of three.
	mockVerifier.On("Verify", mock.Anything, "ref.png", mock.Anything).
		Return(&verifier.Report{
			Status:      verifier.Fail,
			Differences: []string{"circle is red, reference is blue"},
			Suggestions: []string{"use color='blue'"},
		}, nil).Twice()
	mockVerifier.On("Verify", mock.Anything, "ref.png", mock.Anything).
		Return(&verifier.Report{Status: verifier.Pass}, nil).Once()

	refiner := New(&stubPrompts{record: promptRecord()}, vlm, newShellRunner(t), mockVerifier, 3, t.TempDir())

	outcome, err := refiner.Refine(context.Background(), "geometry", "ref.png", "")
	require.NoError(t, err)

	assert.Equal(t, verifier.Pass, outcome.Status)
	assert.Equal(t, 3, outcome.Cycles)
	assert.FileExists(t, outcome.ArtifactPath)
	mockVerifier.AssertExpectations(t)

	// Verifier critiques accumulate into later oracle requests.
	require.Len(t, vlm.requests, 3)
	assert.Empty(t, vlm.requests[0].Feedback)
	assert.Contains(t, vlm.requests[1].Feedback, "circle is red, reference is blue")
	assert.Contains(t, vlm.requests[1].Feedback, "use color='blue'")
	assert.Len(t, vlm.requests[2].Feedback, 4)
}

func TestRefineBudgetExhaustionIsFailNotError(t *testing.T) {
	vlm := &recordingOracle{programs: []string{"printf 'x' > output.png"}}
	mockVerifier := new(testutil.MockVerifier)
	mockVerifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).
		Return(&verifier.Report{Status: verifier.Fail, Differences: []string{"wrong shape"}}, nil)

	refiner := New(&stubPrompts{record: promptRecord()}, vlm, newShellRunner(t), mockVerifier, 2, t.TempDir())

	outcome, err := refiner.Refine(context.Background(), "geometry", "ref.png", "")
	require.NoError(t, err)

	assert.Equal(t, verifier.Fail, outcome.Status)
	assert.Equal(t, 2, outcome.Cycles)
}

func TestRefineExecutionFailureFeedsBack(t *testing.T) {
	// First program crashes, second succeeds and passes.
	vlm := &recordingOracle{programs: []string{
		"echo oops >&2; exit 1",
		"printf 'x' > output.png",
	}}
	mockVerifier := new(testutil.MockVerifier)
	mockVerifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).
		Return(&verifier.Report{Status: verifier.Pass}, nil).Once()

	refiner := New(&stubPrompts{record: promptRecord()}, vlm, newShellRunner(t), mockVerifier, 3, t.TempDir())

	outcome, err := refiner.Refine(context.Background(), "geometry", "ref.png", "")
	require.NoError(t, err)

	assert.Equal(t, verifier.Pass, outcome.Status)
	assert.Equal(t, 2, outcome.Cycles)

	require.Len(t, vlm.requests, 2)
	require.Len(t, vlm.requests[1].Feedback, 1)
	assert.Contains(t, vlm.requests[1].Feedback[0], "crashed")
	assert.Contains(t, vlm.requests[1].Feedback[0], "oops")
}

func TestRefineUsesOptimizedPrompt(t *testing.T) {
	record := promptRecord()
	record.Demonstrations = []oracle.Demonstration{{Input: "a circle", Output: "plt.Circle(...)"}}

	vlm := &recordingOracle{programs: []string{"printf 'x' > output.png"}}
	mockVerifier := new(testutil.MockVerifier)
	mockVerifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).
		Return(&verifier.Report{Status: verifier.Pass}, nil)

	refiner := New(&stubPrompts{record: record}, vlm, newShellRunner(t), mockVerifier, 3, t.TempDir())

	_, err := refiner.Refine(context.Background(), "geometry", "ref.png", "")
	require.NoError(t, err)

	require.Len(t, vlm.requests, 1)
	assert.Equal(t, record.Instruction, vlm.requests[0].Instruction)
	assert.Equal(t, record.Demonstrations, vlm.requests[0].Demonstrations)
	assert.Equal(t, dataset.DefaultQuestion, vlm.requests[0].Question)
}

func TestRefineUnknownContext(t *testing.T) {
	missing := errors.New(errors.ResourceNotFound, "no optimized prompt for context")
	refiner := New(&stubPrompts{err: missing}, &recordingOracle{programs: []string{"true"}},
		newShellRunner(t), new(testutil.MockVerifier), 3, t.TempDir())

	_, err := refiner.Refine(context.Background(), "unknown", "ref.png", "")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ResourceNotFound))
}

func TestRefineWritesMetadata(t *testing.T) {
	vlm := &recordingOracle{programs: []string{"printf 'x' > output.png"}}
	mockVerifier := new(testutil.MockVerifier)
	mockVerifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).
		Return(&verifier.Report{Status: verifier.Pass}, nil)

	runRoot := t.TempDir()
	refiner := New(&stubPrompts{record: promptRecord()}, vlm, newShellRunner(t), mockVerifier, 3, runRoot)

	outcome, err := refiner.Refine(context.Background(), "geometry", "ref.png", "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(outcome.RunDir, "metadata.json"))
	require.NoError(t, err)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "PASS", meta["status"])
	assert.Equal(t, "geometry", meta["context"])
	assert.Equal(t, float64(1), meta["cycles"])
}
