package pipeline

import (
	"strings"
	"testing"
)

func TestAssembleDecisionTree(t *testing.T) {
	req := &Request{Prompt: "explain quicksort"}

	asm := assemblePrompt(req, map[string]string{SourceStrategy: "use few-shot examples"}, 0)
	if asm.Method != MethodStrategyGuided {
		t.Errorf("method = %q, want strategy-guided", asm.Method)
	}
	if !strings.Contains(asm.System, "use few-shot examples") {
		t.Error("strategy text not embedded in system message")
	}

	asm = assemblePrompt(req, map[string]string{SourceWebContext: "some web facts"}, 0)
	if asm.Method != MethodContextEnriched {
		t.Errorf("method = %q, want context-enriched", asm.Method)
	}

	asm = assemblePrompt(req, map[string]string{}, 0)
	if asm.Method != MethodStandard {
		t.Errorf("method = %q, want standard", asm.Method)
	}
}

func TestAssembleStrategyWinsOverContext(t *testing.T) {
	req := &Request{Prompt: "explain quicksort"}
	asm := assemblePrompt(req, map[string]string{
		SourceStrategy:   "strategy text",
		SourceWebContext: "web text",
	}, 0)
	if asm.Method != MethodStrategyGuided {
		t.Errorf("method = %q, want strategy-guided", asm.Method)
	}
	if !strings.Contains(asm.User, "web text") {
		t.Error("web context missing from user message")
	}
}

func TestSettingsImperatives(t *testing.T) {
	s := Settings{
		WordCount:          300,
		Language:           "hindi",
		OutputFormat:       "tabular",
		CustomInstructions: "cite sources",
	}
	out := settingsImperatives(s, 194)

	for _, want := range []string{
		"300 words",
		"entirely in hindi",
		"| column delimiters",
		"cite sources",
		"not exceed 194 characters",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("imperatives missing %q", want)
		}
	}
	if strings.Count(out, "CRITICAL") != 5 {
		t.Errorf("expected 5 CRITICAL lines, got %d", strings.Count(out, "CRITICAL"))
	}
}

func TestUserMessageCarriesAddenda(t *testing.T) {
	req := &Request{
		Prompt:       "write a poem",
		WritingStyle: "formal",
		Intent:       "creative",
	}
	user := buildUserMessage(req, map[string]string{SourceDocumentContext: "doc excerpt"})
	for _, want := range []string{"write a poem", "doc excerpt", "formal", "creative"} {
		if !strings.Contains(user, want) {
			t.Errorf("user message missing %q", want)
		}
	}
}

func TestValidateOutputWordCount(t *testing.T) {
	s := Settings{WordCount: 10}
	// 10 words, exactly on target.
	if v := validateOutput(strings.Repeat("word ", 10), s); len(v) != 0 {
		t.Errorf("on-target output flagged: %v", v)
	}
	// 11 words is within the ceil(1.0) tolerance.
	if v := validateOutput(strings.Repeat("word ", 11), s); len(v) != 0 {
		t.Errorf("within-tolerance output flagged: %v", v)
	}
	// 15 words is out of tolerance.
	if v := validateOutput(strings.Repeat("word ", 15), s); len(v) == 0 {
		t.Error("out-of-tolerance output not flagged")
	}
}

func TestValidateOutputScript(t *testing.T) {
	s := Settings{Language: "hindi"}
	if v := validateOutput("this is english only", s); len(v) == 0 {
		t.Error("missing Devanagari not flagged")
	}
	if v := validateOutput("नमस्ते दुनिया", s); len(v) != 0 {
		t.Errorf("Devanagari output flagged: %v", v)
	}
	// Unmapped languages are not script-checked.
	if v := validateOutput("bonjour", Settings{Language: "french"}); len(v) != 0 {
		t.Errorf("unmapped language flagged: %v", v)
	}
}

func TestValidateOutputTabular(t *testing.T) {
	s := Settings{OutputFormat: "tabular"}
	if v := validateOutput("| a | b |\n|---|---|", s); len(v) != 0 {
		t.Errorf("table output flagged: %v", v)
	}
	if v := validateOutput("plain prose", s); len(v) == 0 {
		t.Error("missing table delimiters not flagged")
	}
}

func TestScrubBrandNames(t *testing.T) {
	in := "ChatGPT and Claude agree; so does Gemini. OpenAI built GPT-4."
	out := scrubBrandNames(in)
	for _, brand := range []string{"ChatGPT", "Claude", "Gemini", "OpenAI", "GPT-4"} {
		if strings.Contains(out, brand) {
			t.Errorf("brand %q survived scrubbing: %q", brand, out)
		}
	}
	if !strings.Contains(out, "agree") {
		t.Error("surrounding text damaged")
	}
}

func TestStrengthenSystemListsViolations(t *testing.T) {
	out := strengthenSystem("base", []string{"word count is 5, target 100"})
	if !strings.Contains(out, "base") || !strings.Contains(out, "word count is 5") {
		t.Errorf("strengthened system incomplete: %q", out)
	}
}
