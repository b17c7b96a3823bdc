package prompt_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/basket/fleetd/internal/prompt"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty", "", 0},
		{"single word", "hello", 1},
		{"prose uses word estimate", "The quick brown fox jumps over the lazy dog near the river bank", 17},
		{"dense code uses char floor", `func main() { fmt.Println("hello") }`, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := prompt.EstimateTokens(tt.content); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestBuild_Deterministic(t *testing.T) {
	b := prompt.NewBuilder()
	sections := []prompt.Section{
		{Name: "Task", Content: "Fix the reconnect loop."},
		{Name: "Constraints", Content: "Do not touch the public API."},
	}
	opts := prompt.Options{MaxPromptTokens: 1000, Description: "fix reconnect", OperatorID: "op-1"}

	first := b.Build(sections, opts)
	second := b.Build(sections, opts)
	if first != second {
		t.Fatal("Build must be pure")
	}
	if first.Truncated {
		t.Fatal("small prompt must not truncate")
	}
	if !strings.Contains(first.Prompt, "## Task") || !strings.Contains(first.Prompt, "## Constraints") {
		t.Fatalf("sections missing from prompt:\n%s", first.Prompt)
	}
	if first.ContextHash == "" || len(first.ContextHash) != 16 {
		t.Fatalf("context hash = %q, want 16 hex chars", first.ContextHash)
	}
}

func TestBuild_TruncatesAtBudget(t *testing.T) {
	b := prompt.NewBuilder()
	big := strings.Repeat("context line about the failing subsystem\n", 500)
	res := b.Build([]prompt.Section{
		{Name: "Task", Content: "Fix it."},
		{Name: "History", Content: big},
	}, prompt.Options{MaxPromptTokens: 100})

	if !res.Truncated {
		t.Fatal("oversized input must set Truncated")
	}
	if got := prompt.EstimateTokens(res.Prompt); got > 120 {
		t.Fatalf("prompt estimate %d well over the budget of 100", got)
	}
	if !strings.Contains(res.Prompt, "## Task") {
		t.Fatal("leading section must survive truncation")
	}
}

func TestBuild_TruncationPreservesUTF8(t *testing.T) {
	b := prompt.NewBuilder()
	res := b.Build([]prompt.Section{
		{Name: "Task", Content: strings.Repeat("インデクサのメモリ増加を調査する ", 300)},
	}, prompt.Options{MaxPromptTokens: 40})
	if !res.Truncated {
		t.Fatal("oversized input must set Truncated")
	}
	if !utf8.ValidString(res.Prompt) {
		t.Fatal("truncation split a multibyte rune")
	}
}

func TestBuild_SkipsEmptySections(t *testing.T) {
	b := prompt.NewBuilder()
	res := b.Build([]prompt.Section{
		{Name: "Task", Content: "Do the thing."},
		{Name: "Notes", Content: "   "},
	}, prompt.Options{})
	if strings.Contains(res.Prompt, "## Notes") {
		t.Fatal("blank section must be dropped")
	}
}

func TestContextHash_StableAndKeyed(t *testing.T) {
	a := prompt.ContextHash("fix login", "op-1")
	b := prompt.ContextHash("fix login", "op-1")
	if a != b {
		t.Fatal("hash must be deterministic")
	}
	if a == prompt.ContextHash("fix login", "op-2") {
		t.Fatal("hash must vary by operator")
	}
	if a == prompt.ContextHash("fix logout", "op-1") {
		t.Fatal("hash must vary by description")
	}
}
