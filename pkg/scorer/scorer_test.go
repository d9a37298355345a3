package scorer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refract-ml/refract/pkg/errors"
)

// countingEmbedder returns fixed vectors per path and counts calls.
type countingEmbedder struct {
	mu      sync.Mutex
	calls   map[string]int
	vectors map[string][]float64
	err     error
}

func (e *countingEmbedder) Embed(_ context.Context, imagePath string) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls == nil {
		e.calls = make(map[string]int)
	}
	e.calls[imagePath]++
	if e.err != nil {
		return nil, e.err
	}
	return e.vectors[imagePath], nil
}

func (e *countingEmbedder) callCount(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[path]
}

func TestScoreIdenticalEmbeddings(t *testing.T) {
	emb := &countingEmbedder{vectors: map[string][]float64{
		"ref.png":  {1, 0, 0},
		"cand.png": {1, 0, 0},
	}}
	s := New(emb)

	score, err := s.Score(context.Background(), "ref.png", "cand.png")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestScoreOppositeEmbeddings(t *testing.T) {
	emb := &countingEmbedder{vectors: map[string][]float64{
		"ref.png":  {1, 0},
		"cand.png": {-1, 0},
	}}
	s := New(emb)

	score, err := s.Score(context.Background(), "ref.png", "cand.png")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, score, 1e-9)
}

func TestScoreOrthogonalEmbeddings(t *testing.T) {
	emb := &countingEmbedder{vectors: map[string][]float64{
		"ref.png":  {1, 0},
		"cand.png": {0, 1},
	}}
	s := New(emb)

	score, err := s.Score(context.Background(), "ref.png", "cand.png")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestReferenceEmbeddingCached(t *testing.T) {
	emb := &countingEmbedder{vectors: map[string][]float64{
		"ref.png":  {1, 2, 3},
		"cand.png": {1, 2, 3},
	}}
	s := New(emb)

	for i := 0; i < 5; i++ {
		_, err := s.Score(context.Background(), "ref.png", "cand.png")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, emb.callCount("ref.png"), "reference should be embedded once")
	assert.Equal(t, 5, emb.callCount("cand.png"), "candidates are never cached")
	assert.Equal(t, 1, s.CachedReferences())
}

func TestCacheKeyedByReferencePath(t *testing.T) {
	emb := &countingEmbedder{vectors: map[string][]float64{
		"a.png":    {1, 0},
		"b.png":    {0, 1},
		"cand.png": {1, 1},
	}}
	s := New(emb)

	_, err := s.Score(context.Background(), "a.png", "cand.png")
	require.NoError(t, err)
	_, err = s.Score(context.Background(), "b.png", "cand.png")
	require.NoError(t, err)

	assert.Equal(t, 2, s.CachedReferences())
	assert.Equal(t, 1, emb.callCount("a.png"))
	assert.Equal(t, 1, emb.callCount("b.png"))
}

func TestScoreEmbedderFailure(t *testing.T) {
	emb := &countingEmbedder{err: errors.New(errors.Unknown, "encoder down")}
	s := New(emb)

	_, err := s.Score(context.Background(), "ref.png", "cand.png")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ScoringFailed))
}

func TestCosineDimensionMismatch(t *testing.T) {
	emb := &countingEmbedder{vectors: map[string][]float64{
		"ref.png":  {1, 0, 0},
		"cand.png": {1, 0},
	}}
	s := New(emb)

	_, err := s.Score(context.Background(), "ref.png", "cand.png")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ScoringFailed))
}

func TestZeroNormCandidateScoresZero(t *testing.T) {
	// A blank render embeds to the zero vector; that is the worst match,
	// never a run-aborting failure.
	emb := &countingEmbedder{vectors: map[string][]float64{
		"ref.png":  {1, 0},
		"cand.png": {0, 0},
	}}
	s := New(emb)

	score, err := s.Score(context.Background(), "ref.png", "cand.png")
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestZeroNormReferenceScoresZero(t *testing.T) {
	emb := &countingEmbedder{vectors: map[string][]float64{
		"ref.png":  {0, 0},
		"cand.png": {1, 0},
	}}
	s := New(emb)

	score, err := s.Score(context.Background(), "ref.png", "cand.png")
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestConcurrentScoring(t *testing.T) {
	emb := &countingEmbedder{vectors: map[string][]float64{
		"ref.png":  {1, 2},
		"cand.png": {2, 1},
	}}
	s := New(emb)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Score(context.Background(), "ref.png", "cand.png")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.CachedReferences())
}
