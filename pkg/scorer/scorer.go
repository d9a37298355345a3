// Package scorer turns a pair of images into a bounded visual-fidelity
// score by delegating embedding to an external visual encoder and computing
// cosine similarity.
package scorer

import (
	"context"
	"math"
	"sync"

	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/logging"
)

// Embedder is the external visual encoder boundary: a deterministic
// image-to-vector function.
type Embedder interface {
	Embed(ctx context.Context, imagePath string) ([]float64, error)
}

// Scorer computes fidelity scores in [0,1]. Reference embeddings are cached
// per unique path for the lifetime of the Scorer; the reference never changes
// across candidate evaluations, so re-embedding it is wasted encoder calls.
// Candidate embeddings are never cached, every candidate image is distinct.
type Scorer struct {
	embedder Embedder

	mu    sync.RWMutex
	cache map[string][]float64 // reference path -> embedding
}

func New(embedder Embedder) *Scorer {
	return &Scorer{
		embedder: embedder,
		cache:    make(map[string][]float64),
	}
}

// Score embeds both images and returns the cosine similarity re-normalized
// to [0,1]. An encoder failure is fatal to the caller's run: fitness cannot
// be computed at all, and defaulting would silently optimize against a
// broken signal.
func (s *Scorer) Score(ctx context.Context, referencePath, candidatePath string) (float64, error) {
	ref, err := s.referenceEmbedding(ctx, referencePath)
	if err != nil {
		return 0, err
	}

	cand, err := s.embedder.Embed(ctx, candidatePath)
	if err != nil {
		return 0, errors.WithFields(
			errors.Wrap(err, errors.ScoringFailed, "failed to embed candidate image"),
			errors.Fields{"image": candidatePath})
	}

	// A zero-norm embedding (a blank or degenerate render) is the worst
	// possible match, not an encoder failure: it scores 0 so the candidate
	// still feels optimization pressure.
	if isZeroNorm(ref) || isZeroNorm(cand) {
		logging.GetLogger().Debug(ctx, "Zero-norm embedding, scoring 0: reference=%s, candidate=%s",
			referencePath, candidatePath)
		return 0, nil
	}

	sim, err := cosine(ref, cand)
	if err != nil {
		return 0, err
	}
	// Cosine lands in [-1,1]; fitness is bounded to [0,1].
	return (sim + 1) / 2, nil
}

// referenceEmbedding returns the cached embedding for the reference image,
// computing it on first use. Concurrent first uses may both compute; the
// embedder is deterministic, so either insert wins without a lost update.
func (s *Scorer) referenceEmbedding(ctx context.Context, path string) ([]float64, error) {
	s.mu.RLock()
	emb, ok := s.cache[path]
	s.mu.RUnlock()
	if ok {
		return emb, nil
	}

	emb, err := s.embedder.Embed(ctx, path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.ScoringFailed, "failed to embed reference image"),
			errors.Fields{"image": path})
	}

	s.mu.Lock()
	if existing, ok := s.cache[path]; ok {
		emb = existing
	} else {
		s.cache[path] = emb
	}
	s.mu.Unlock()

	logging.GetLogger().Debug(ctx, "Cached reference embedding: image=%s, dims=%d", path, len(emb))
	return emb, nil
}

// CachedReferences reports how many reference embeddings are held.
func (s *Scorer) CachedReferences() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func isZeroNorm(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// cosine assumes both vectors have nonzero norm; callers check first.
func cosine(a, b []float64) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, errors.WithFields(
			errors.New(errors.ScoringFailed, "embedding dimension mismatch"),
			errors.Fields{"reference_dims": len(a), "candidate_dims": len(b)})
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
