package guard

import (
	"regexp"
	"strings"
)

// FilterOutcome is the result of sanitizing extracted page text before it
// is embedded in a structured state.
type FilterOutcome struct {
	Text     string
	Redacted bool
}

// injectionPatterns mirrors PromptInjectionFilter.INJECTION_PATTERNS: a
// fixed set of case-insensitive phrases that look like an attempt to steer
// an LLM consuming the extracted state rather than describe page content.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore previous instructions`),
	regexp.MustCompile(`(?i)disregard above`),
	regexp.MustCompile(`(?i)system prompt`),
	regexp.MustCompile(`(?i)developer message`),
	regexp.MustCompile(`(?i)tool call`),
	regexp.MustCompile(`(?i)exfiltrate`),
	regexp.MustCompile(`(?i)reveal secrets`),
	regexp.MustCompile(`(?i)bypass security`),
	regexp.MustCompile(`(?i)do not follow policy`),
}

const redactionPlaceholder = "[filtered_instruction]"

var whitespaceRun = regexp.MustCompile(`\s+`)

// PromptInjectionFilter sanitizes text extracted from a page before it is
// embedded in a StructuredState, so a malicious page cannot smuggle
// instructions to whatever reads the extracted state downstream.
type PromptInjectionFilter struct{}

// Sanitize normalizes whitespace, redacts any injection pattern match, and
// truncates to maxLen, reporting whether any redaction occurred.
func (PromptInjectionFilter) Sanitize(text string, maxLen int) FilterOutcome {
	normalized := whitespaceRun.ReplaceAllString(strings.TrimSpace(text), " ")

	redacted := false
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(normalized) {
			normalized = pattern.ReplaceAllString(normalized, redactionPlaceholder)
			redacted = true
		}
	}

	if len(normalized) > maxLen {
		normalized = normalized[:maxLen]
	}

	return FilterOutcome{Text: normalized, Redacted: redacted}
}
