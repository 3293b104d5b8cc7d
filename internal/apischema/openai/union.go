// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package openai

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// StringOrArray is a union of a single string and a list of strings, used by
// fields such as stop sequences and embeddings input.
type StringOrArray struct {
	String *string
	Array  []string
}

// Values flattens the union into a slice.
func (s StringOrArray) Values() []string {
	if s.String != nil {
		return []string{*s.String}
	}
	return s.Array
}

// IsZero reports whether neither member is set.
func (s StringOrArray) IsZero() bool { return s.String == nil && s.Array == nil }

// UnmarshalJSON accepts a string, null, or an array of strings.
func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	idx, err := skipLeadingWhitespace("value", data, 0)
	if err != nil {
		return err
	}
	switch data[idx] {
	case '"':
		v, err := unquoteOrUnmarshalJSONString("value", data)
		if err != nil {
			return err
		}
		s.String = &v
		return nil
	case 'n':
		return nil
	case '[':
		var arr []string
		if err := json.Unmarshal(data, &arr); err != nil {
			return fmt.Errorf("cannot unmarshal value as []string: %w", err)
		}
		s.Array = arr
		return nil
	default:
		return fmt.Errorf("value must be a string or an array of strings")
	}
}

// MarshalJSON renders the union back into its wire shape.
func (s StringOrArray) MarshalJSON() ([]byte, error) {
	if s.String != nil {
		return json.Marshal(*s.String)
	}
	if s.Array != nil {
		return json.Marshal(s.Array)
	}
	return []byte("null"), nil
}

// skipLeadingWhitespace is unlikely to advance past index zero, but keeping it
// explicit lets the callers use strconv.Unquote for the fast path.
func skipLeadingWhitespace(typ string, data []byte, idx int) (int, error) {
	for idx < len(data) && (data[idx] == ' ' || data[idx] == '\t' || data[idx] == '\n' || data[idx] == '\r') {
		idx++
	}
	if idx >= len(data) {
		return 0, fmt.Errorf("truncated %s data", typ)
	}
	return idx, nil
}

func unquoteOrUnmarshalJSONString(typ string, data []byte) (string, error) {
	// Fast-path parse of a normal quoted string.
	s, err := strconv.Unquote(string(data))
	if err == nil {
		return s, nil
	}
	// strconv.Unquote rejects escapes such as `\/`; fall back to full JSON
	// decoding for those rare bodies.
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return "", fmt.Errorf("cannot unmarshal %s as string: %w", typ, err)
	}
	return str, nil
}
