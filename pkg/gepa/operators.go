package gepa

import (
	"math/rand"
	"strings"
)

// Mutator produces a perturbed copy of a candidate. Operators are
// context-agnostic; installing a custom Mutator allows domain-specific
// variants without touching the loop.
type Mutator func(rng *rand.Rand, c *Candidate) *Candidate

// Crossover recombines two parents into two offspring.
type Crossover func(rng *rand.Rand, a, b *Candidate) (*Candidate, *Candidate)

// Instruction perturbation vocabulary for the image-reconstruction task.
var (
	mutationPrefixes = []string{
		"Carefully", "Precisely", "Methodically", "Step by step,",
	}
	mutationSuffixes = []string{
		" Match the colors and layout of the reference exactly.",
		" Pay close attention to proportions and positioning.",
		" Keep the script minimal and deterministic.",
		" Double-check axis ranges, labels, and scale before saving.",
	}
	synonyms = map[string][]string{
		"recreate": {"reproduce", "replicate", "reconstruct"},
		"write":    {"produce", "generate", "compose"},
		"analyze":  {"examine", "study", "inspect"},
		"image":    {"picture", "figure"},
	}
)

// DefaultMutator perturbs either the instruction text (prefix, suffix, or
// synonym swap) or the demonstration set (drop or reorder).
func DefaultMutator(rng *rand.Rand, c *Candidate) *Candidate {
	child := newCandidate(c.Instruction, c.Demonstrations, c.Generation+1, c.ID)

	switch rng.Intn(5) {
	case 0:
		prefix := mutationPrefixes[rng.Intn(len(mutationPrefixes))]
		child.Instruction = prefix + " " + lowerFirst(child.Instruction)
	case 1:
		suffix := mutationSuffixes[rng.Intn(len(mutationSuffixes))]
		if !strings.Contains(child.Instruction, suffix) {
			child.Instruction += suffix
		}
	case 2:
		child.Instruction = swapSynonym(rng, child.Instruction)
	case 3:
		// Drop a random demonstration; simpler prompts win near-ties
		if len(child.Demonstrations) > 0 {
			i := rng.Intn(len(child.Demonstrations))
			child.Demonstrations = append(child.Demonstrations[:i], child.Demonstrations[i+1:]...)
		} else {
			child.Instruction = swapSynonym(rng, child.Instruction)
		}
	default:
		if len(child.Demonstrations) > 1 {
			i, j := rng.Intn(len(child.Demonstrations)), rng.Intn(len(child.Demonstrations))
			child.Demonstrations[i], child.Demonstrations[j] = child.Demonstrations[j], child.Demonstrations[i]
		} else {
			suffix := mutationSuffixes[rng.Intn(len(mutationSuffixes))]
			if !strings.Contains(child.Instruction, suffix) {
				child.Instruction += suffix
			}
		}
	}

	return child
}

// DefaultCrossover splits both parents' instructions at the midpoint and
// recombines the halves; each child inherits one parent's demonstration set
// whole, never a mix.
func DefaultCrossover(rng *rand.Rand, a, b *Candidate) (*Candidate, *Candidate) {
	wordsA := strings.Fields(a.Instruction)
	wordsB := strings.Fields(b.Instruction)
	splitA := len(wordsA) / 2
	splitB := len(wordsB) / 2

	instr1 := strings.Join(append(append([]string{}, wordsA[:splitA]...), wordsB[splitB:]...), " ")
	instr2 := strings.Join(append(append([]string{}, wordsB[:splitB]...), wordsA[splitA:]...), " ")

	gen := maxInt(a.Generation, b.Generation) + 1
	child1 := newCandidate(instr1, a.Demonstrations, gen, a.ID, b.ID)
	child2 := newCandidate(instr2, b.Demonstrations, gen, a.ID, b.ID)
	return child1, child2
}

func swapSynonym(rng *rand.Rand, instruction string) string {
	words := strings.Fields(instruction)
	for i, word := range words {
		key := strings.ToLower(strings.Trim(word, ".,!"))
		if syns, ok := synonyms[key]; ok && rng.Float64() < 0.5 {
			words[i] = syns[rng.Intn(len(syns))]
			break
		}
	}
	return strings.Join(words, " ")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
