// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokens provides the heuristic token counter used when the provider
// omits usage numbers. It is an estimate, not a tokenizer: roughly one token
// per four characters of English text, with a word-count floor so terse
// inputs are not undercounted.
package tokens

import (
	"strings"
	"unicode/utf8"
)

// Estimate returns the approximate token count of s.
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	chars := utf8.RuneCountInString(s)
	byChars := (chars + 3) / 4
	words := len(strings.Fields(s))
	if words > byChars {
		return words
	}
	return byChars
}

// EstimateAll sums the estimates of several strings.
func EstimateAll(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += Estimate(p)
	}
	return total
}
