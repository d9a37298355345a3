// Package oracle defines the VLM boundary: an opaque service that turns a
// prompt and a reference image into an executable program.
package oracle

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Demonstration is one (input, output) exemplar attached to a prompt.
type Demonstration struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Request carries everything one program-generation call needs. Feedback is
// empty on first attempts and accumulates verifier critiques during
// inference-time repair.
type Request struct {
	Instruction    string
	Demonstrations []Demonstration
	ImagePath      string
	Question       string
	Feedback       []string
}

// Program is the oracle's product: extracted source plus the raw completion
// it came from.
type Program struct {
	Source string
	Raw    string
}

// Oracle generates a program for a reference image. Failures (refusal,
// malformed output) surface as typed errors, never as a crash.
type Oracle interface {
	GenerateProgram(ctx context.Context, req Request) (*Program, error)
}

// ExtractCode pulls the program source out of a model completion. Fenced
// python blocks win, then any fenced block, then the raw text.
func ExtractCode(raw string) string {
	if idx := strings.Index(raw, "```python"); idx >= 0 {
		rest := raw[idx+len("```python"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	if idx := strings.Index(raw, "```"); idx >= 0 {
		rest := raw[idx+3:]
		// Drop a language tag on the fence line, if any
		if nl := strings.Index(rest, "\n"); nl >= 0 && !strings.ContainsAny(rest[:nl], " \t{}();") {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(raw)
}

// BuildPrompt renders the textual part of a generation request. The image
// travels separately as a content block.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(req.Instruction)
	b.WriteString("\n")

	for i, demo := range req.Demonstrations {
		fmt.Fprintf(&b, "\nExample %d:\nInput: %s\nOutput:\n%s\n", i+1, demo.Input, demo.Output)
	}

	question := req.Question
	if question == "" {
		question = "Recreate this image visually."
	}
	fmt.Fprintf(&b, "\nTask: %s\n", question)
	b.WriteString("Respond with a single executable Python script in a markdown code block. " +
		"The script must save its output image to 'output.png' in the current directory.\n")

	if len(req.Feedback) > 0 {
		b.WriteString("\nYour previous attempt did not pass verification. Fix the script based on this feedback:\n")
		for _, f := range req.Feedback {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}

	return b.String()
}

// MimeType guesses the image media type from the file extension.
func MimeType(imagePath string) string {
	switch strings.ToLower(filepath.Ext(imagePath)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
