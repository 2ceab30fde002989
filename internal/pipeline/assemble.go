package pipeline

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Enhancement methods reported in the complete payload.
const (
	MethodStrategyGuided  = "strategy-guided"
	MethodContextEnriched = "context-enriched"
	MethodStandard        = "standard"
)

const (
	systemStandard = `You are an expert prompt engineer. Rewrite the user's prompt into a clear, specific, well-structured prompt that will produce the best possible response from a large language model. Preserve the user's intent exactly. Return only the enhanced prompt, with no preamble or commentary.`

	systemContextEnriched = `You are an expert prompt engineer. Rewrite the user's prompt into a clear, specific, well-structured prompt, weaving in the relevant facts from the supplied context so the enhanced prompt is self-contained. Preserve the user's intent exactly. Return only the enhanced prompt, with no preamble or commentary.`

	systemStrategyGuided = `You are an expert prompt engineer. Apply the following proven prompting strategy when rewriting the user's prompt:

%s

Rewrite the prompt so it follows this strategy while preserving the user's intent exactly. Return only the enhanced prompt, with no preamble or commentary.`
)

// assembly is the outcome of the prompt-assembly decision tree.
type assembly struct {
	System string
	User   string
	Method string
}

// assemblePrompt builds the system and user messages. Strategy text wins
// over gathered context; gathered context wins over the standard template.
// charLimit > 0 marks a hard-character-limit target.
func assemblePrompt(req *Request, gathered map[string]string, charLimit int) assembly {
	var a assembly

	switch {
	case gathered[SourceStrategy] != "":
		a.Method = MethodStrategyGuided
		a.System = fmt.Sprintf(systemStrategyGuided, gathered[SourceStrategy])
	case gathered[SourceWebContext] != "" || gathered[SourceDocumentContext] != "":
		a.Method = MethodContextEnriched
		a.System = systemContextEnriched
	default:
		a.Method = MethodStandard
		a.System = systemStandard
	}

	a.System += settingsImperatives(req.Settings, charLimit)
	a.User = buildUserMessage(req, gathered)
	return a
}

// settingsImperatives renders each present constraint as a CRITICAL line
// appended to the system message.
func settingsImperatives(s Settings, charLimit int) string {
	var b strings.Builder
	if s.WordCount > 0 {
		fmt.Fprintf(&b, "\n\nCRITICAL: The enhanced prompt must contain approximately %d words, within 10 percent of that target.", s.WordCount)
	}
	if s.Language != "" {
		fmt.Fprintf(&b, "\n\nCRITICAL: Write the enhanced prompt entirely in %s.", s.Language)
	}
	if s.ComplexityLevel != "" {
		fmt.Fprintf(&b, "\n\nCRITICAL: Match a %s complexity level in vocabulary and structure.", s.ComplexityLevel)
	}
	if s.OutputFormat == "tabular" {
		b.WriteString("\n\nCRITICAL: Structure the enhanced prompt as a table using | column delimiters and - separator rows.")
	}
	if s.CustomInstructions != "" {
		fmt.Fprintf(&b, "\n\nCRITICAL: Follow these instructions exactly: %s", s.CustomInstructions)
	}
	if s.Template != "" {
		fmt.Fprintf(&b, "\n\nCRITICAL: Follow this template structure: %s", s.Template)
	}
	if charLimit > 0 {
		fmt.Fprintf(&b, "\n\nCRITICAL: The complete response must not exceed %d characters. Count characters carefully and stop before the limit.", charLimit)
	}
	return b.String()
}

// buildUserMessage concatenates the original prompt with retrieved context
// blocks and request addenda.
func buildUserMessage(req *Request, gathered map[string]string) string {
	var b strings.Builder
	b.WriteString("Original prompt:\n")
	b.WriteString(req.Prompt)

	if web := gathered[SourceWebContext]; web != "" {
		b.WriteString("\n\nRelevant web context:\n")
		b.WriteString(web)
	}
	if doc := gathered[SourceDocumentContext]; doc != "" {
		b.WriteString("\n\nRelevant excerpts from the user's uploaded document:\n")
		b.WriteString(doc)
	}
	if hist := gathered[SourceChatHistory]; hist != "" {
		b.WriteString("\n\nRecent conversation history:\n")
		b.WriteString(hist)
	}
	if req.WritingStyle != "" {
		b.WriteString("\n\nDesired writing style: ")
		b.WriteString(req.WritingStyle)
	}
	if req.Intent != "" {
		b.WriteString("\n\nUser intent: ")
		b.WriteString(req.Intent)
		if req.IntentDescription != "" {
			b.WriteString(" (")
			b.WriteString(req.IntentDescription)
			b.WriteString(")")
		}
	}
	return b.String()
}

// strengthenSystem appends violation feedback for a re-enhancement attempt.
func strengthenSystem(system string, violations []string) string {
	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\nYour previous attempt violated these requirements. Fix every one of them:")
	for _, v := range violations {
		b.WriteString("\n- ")
		b.WriteString(v)
	}
	return b.String()
}

var brandPattern = regexp.MustCompile(`(?i)\b(ChatGPT|GPT-4o|GPT-[345](\.5)?|OpenAI|Claude|Anthropic|Gemini|Bard|NVIDIA|Llama)\b`)

// scrubBrandNames removes backend brand references from generated text.
func scrubBrandNames(chunk string) string {
	return brandPattern.ReplaceAllString(chunk, "the AI model")
}

// scriptRanges maps a script-bound language to a representative unicode
// range used to verify the output is actually written in it.
var scriptRanges = map[string]*unicode.RangeTable{
	"hindi":    unicode.Devanagari,
	"japanese": unicode.Hiragana,
	"chinese":  unicode.Han,
	"korean":   unicode.Hangul,
	"arabic":   unicode.Arabic,
	"russian":  unicode.Cyrillic,
	"greek":    unicode.Greek,
	"hebrew":   unicode.Hebrew,
	"thai":     unicode.Thai,
}

// validateOutput checks the accumulated output against the settings
// constraints and returns one message per violation.
func validateOutput(text string, s Settings) []string {
	var violations []string

	if s.WordCount > 0 {
		actual := len(strings.Fields(text))
		tolerance := int(math.Ceil(0.1 * float64(s.WordCount)))
		if actual < s.WordCount-tolerance || actual > s.WordCount+tolerance {
			violations = append(violations,
				fmt.Sprintf("word count is %d, target %d (tolerance %d)", actual, s.WordCount, tolerance))
		}
	}

	if rt, ok := scriptRanges[strings.ToLower(s.Language)]; ok {
		if !containsScript(text, rt) {
			violations = append(violations,
				fmt.Sprintf("output contains no %s script characters", s.Language))
		}
	}

	if s.OutputFormat == "tabular" {
		if !strings.Contains(text, "|") || !strings.Contains(text, "-") {
			violations = append(violations, "output lacks table delimiters | and -")
		}
	}
	return violations
}

func containsScript(text string, rt *unicode.RangeTable) bool {
	for _, r := range text {
		if unicode.Is(rt, r) {
			return true
		}
	}
	return false
}
