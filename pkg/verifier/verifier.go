// Package verifier judges whether a rendered artifact visually matches its
// reference image, producing actionable feedback for the repair loop.
package verifier

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/logging"
)

// Status is the verifier's verdict.
type Status string

const (
	Pass Status = "PASS"
	Fail Status = "FAIL"
)

// Report is a structured comparison between artifact and reference.
type Report struct {
	Status      Status
	Differences []string
	Suggestions []string
}

// Passed reports whether the artifact was judged an acceptable match.
func (r *Report) Passed() bool {
	return r.Status == Pass
}

// Verifier compares a rendered artifact against the reference image.
type Verifier interface {
	Verify(ctx context.Context, referencePath, artifactPath string) (*Report, error)
}

// Judge is the raw VLM comparison call behind the oracle-backed verifier.
type Judge interface {
	Assess(ctx context.Context, referencePath, artifactPath, prompt string) (string, error)
}

const judgePrompt = `Compare the two images. The first is the reference, the second is a reproduction.
Respond with JSON only:
{"status": "PASS" or "FAIL", "differences": ["..."], "suggestions": ["..."]}
PASS means the reproduction is a faithful visual match. For FAIL, list the
concrete visual differences and a suggestion to fix each one.`

// VLMVerifier asks a vision model to compare the images and parses its
// judgment. Responses that are not clean JSON are salvaged with a text
// fallback rather than failing the cycle.
type VLMVerifier struct {
	judge Judge
}

func New(judge Judge) *VLMVerifier {
	return &VLMVerifier{judge: judge}
}

func (v *VLMVerifier) Verify(ctx context.Context, referencePath, artifactPath string) (*Report, error) {
	raw, err := v.judge.Assess(ctx, referencePath, artifactPath, judgePrompt)
	if err != nil {
		return nil, errors.Wrap(err, errors.OracleFailed, "verifier judgment failed")
	}

	report, err := parseReport(raw)
	if err != nil {
		logging.GetLogger().Warn(ctx, "Unparseable verifier response, using text fallback: %v", err)
		report = fallbackReport(raw)
	}
	return report, nil
}

type reportJSON struct {
	Status      string   `json:"status"`
	Differences []string `json:"differences"`
	Suggestions []string `json:"suggestions"`
}

// parseReport decodes the judgment JSON, tolerating surrounding prose and
// markdown fences.
func parseReport(raw string) (*Report, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, errors.New(errors.InvalidInput, "no JSON object in response")
	}

	var parsed reportJSON
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "malformed judgment JSON")
	}

	status := Status(strings.ToUpper(strings.TrimSpace(parsed.Status)))
	if status != Pass && status != Fail {
		return nil, errors.New(errors.InvalidInput, "judgment status must be PASS or FAIL")
	}

	return &Report{
		Status:      status,
		Differences: parsed.Differences,
		Suggestions: parsed.Suggestions,
	}, nil
}

// extractJSON returns the first balanced top-level JSON object in s.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// fallbackReport recovers a verdict from free-text responses. Any mention of
// a pass without a fail is treated as PASS; everything else conservatively
// fails, with bullet lines carried over as differences.
func fallbackReport(raw string) *Report {
	upper := strings.ToUpper(raw)
	status := Fail
	if strings.Contains(upper, "PASS") && !strings.Contains(upper, "FAIL") {
		status = Pass
	}

	var differences []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") {
			differences = append(differences, strings.TrimSpace(strings.TrimLeft(line, "-* ")))
		}
	}

	return &Report{Status: status, Differences: differences}
}
