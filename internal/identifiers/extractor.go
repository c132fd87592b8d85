// Package identifiers pulls change-ticket numbers and patch identifiers out of
// free-form text. Every function here is pure: no logging, no I/O.
package identifiers

import (
	"regexp"
	"strings"
)

var (
	// ticketPattern matches change tickets such as CHG0000338290.
	ticketPattern = regexp.MustCompile(`(?i)CHG\d{10}`)

	// patchPattern matches KB articles such as KB5062070, tolerating a
	// separator ("KB-5062070", "KB 5062070") that is dropped on output.
	patchPattern = regexp.MustCompile(`(?i)KB[- ]?(\d{6,7})`)
)

// Tickets returns the distinct ticket identifiers in text, uppercased, in
// order of first appearance. Empty input yields an empty, non-nil slice.
func Tickets(text string) []string {
	if text == "" {
		return []string{}
	}
	return dedupe(ticketPattern.FindAllString(text, -1), strings.ToUpper)
}

// Patches returns the distinct patch identifiers in text in canonical
// "KB<digits>" form, in order of first appearance.
func Patches(text string) []string {
	if text == "" {
		return []string{}
	}
	matches := patchPattern.FindAllStringSubmatch(text, -1)
	raw := make([]string, 0, len(matches))
	for _, m := range matches {
		raw = append(raw, "KB"+m[1])
	}
	return dedupe(raw, strings.ToUpper)
}

// NormalizePatch canonicalizes a single patch identifier: trims, uppercases
// and ensures the KB prefix. Returns "" for empty input.
func NormalizePatch(value string) string {
	value = strings.ToUpper(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	if m := patchPattern.FindStringSubmatch(value); m != nil {
		return "KB" + m[1]
	}
	if !strings.HasPrefix(value, "KB") {
		value = "KB" + value
	}
	return value
}

// Merge appends identifiers from extra that are not already in base,
// preserving order. The result never aliases base.
func Merge(base []string, extra ...string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	return dedupe(append(out, extra...), strings.ToUpper)
}

func dedupe(values []string, normalize func(string) string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = normalize(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
