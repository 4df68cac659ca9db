package domain

import (
	"regexp"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeCategory lowercases and underscore-separates a raw category label
// returned by the LLM port, matching the cp_llm sub-phase's normalization step.
func NormalizeCategory(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = nonAlnum.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}
