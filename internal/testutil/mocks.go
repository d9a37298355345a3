// Package testutil provides shared mocks for tests.
package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/refract-ml/refract/pkg/oracle"
	"github.com/refract-ml/refract/pkg/verifier"
)

// MockOracle implements oracle.Oracle for testing.
type MockOracle struct {
	mock.Mock
}

func (m *MockOracle) GenerateProgram(ctx context.Context, req oracle.Request) (*oracle.Program, error) {
	args := m.Called(ctx, req)
	if program, ok := args.Get(0).(*oracle.Program); ok {
		return program, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockEmbedder implements scorer.Embedder for testing.
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, imagePath string) ([]float64, error) {
	args := m.Called(ctx, imagePath)
	if vec, ok := args.Get(0).([]float64); ok {
		return vec, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockVerifier implements verifier.Verifier for testing.
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, referencePath, artifactPath string) (*verifier.Report, error) {
	args := m.Called(ctx, referencePath, artifactPath)
	if report, ok := args.Get(0).(*verifier.Report); ok {
		return report, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockJudge implements verifier.Judge for testing.
type MockJudge struct {
	mock.Mock
}

func (m *MockJudge) Assess(ctx context.Context, referencePath, artifactPath, prompt string) (string, error) {
	args := m.Called(ctx, referencePath, artifactPath, prompt)
	return args.String(0), args.Error(1)
}
