// Package prompt assembles agent prompts under a token budget and derives
// the deterministic context hash used for idempotent spawn admission.
package prompt

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode/utf8"
)

// DefaultMaxPromptTokens is the budget used when the caller passes none.
const DefaultMaxPromptTokens = 16000

// Section is one labeled block of prompt content. Sections are emitted in
// the order given; later sections are the first to be cut when the budget
// runs out.
type Section struct {
	Name    string
	Content string
}

// Options control prompt assembly. When Description and OperatorID are both
// set, Build also derives the context hash for the request.
type Options struct {
	MaxPromptTokens int
	Description     string
	OperatorID      string
}

// Result is an assembled prompt.
type Result struct {
	Prompt      string
	ContextHash string
	Truncated   bool
}

// Builder assembles prompts. It is stateless and safe for concurrent use.
type Builder struct{}

func NewBuilder() *Builder {
	return &Builder{}
}

// Build concatenates sections as "## Name\n\ncontent" blocks, dropping or
// trimming from the tail until the estimate fits the budget. It is pure:
// same sections and options, same result.
func (b *Builder) Build(sections []Section, opts Options) Result {
	budget := opts.MaxPromptTokens
	if budget <= 0 {
		budget = DefaultMaxPromptTokens
	}

	var (
		sb        strings.Builder
		truncated bool
		used      int
	)
	for _, sec := range sections {
		if strings.TrimSpace(sec.Content) == "" {
			continue
		}
		block := fmt.Sprintf("## %s\n\n%s\n\n", sec.Name, sec.Content)
		cost := EstimateTokens(block)
		if used+cost > budget {
			remaining := budget - used
			if remaining <= 0 {
				truncated = true
				break
			}
			// Roughly four chars per token for the trim point, backed off
			// to a rune boundary so the tail stays valid UTF-8.
			cut := remaining * 4
			if cut < len(block) {
				for cut > 0 && !utf8.RuneStart(block[cut]) {
					cut--
				}
				block = block[:cut]
				truncated = true
			}
			sb.WriteString(block)
			used = budget
			if truncated {
				break
			}
			continue
		}
		sb.WriteString(block)
		used += cost
	}

	res := Result{
		Prompt:    strings.TrimRight(sb.String(), "\n") + "\n",
		Truncated: truncated,
	}
	if opts.Description != "" && opts.OperatorID != "" {
		res.ContextHash = ContextHash(opts.Description, opts.OperatorID)
	}
	return res
}

// ContextHash derives the idempotency token for a spawn request. FNV-64a
// over "description|operatorID": deterministic, cheap, and stable across
// restarts.
func ContextHash(description, operatorID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(description))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(operatorID))
	return fmt.Sprintf("%016x", h.Sum64())
}
