package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON coerces raw model text into a single JSON value using a
// layered strategy with escalating leniency:
//
//  1. Direct parse of the trimmed text.
//  2. Extraction from a fenced ```json block.
//  3. First balanced {...} or [...] region recovery.
//
// If every layer fails the call fails with a structured-extraction
// error rather than returning malformed data.
func ExtractJSON(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, NewInvocationError(KindStructuredExtraction, fmt.Errorf("empty model output"))
	}

	// Layer 1: direct parse.
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	// Layer 2: fenced block.
	if fenced, ok := extractFencedBlock(trimmed); ok && json.Valid([]byte(fenced)) {
		return json.RawMessage(fenced), nil
	}

	// Layer 3: first balanced bracket region.
	if balanced, ok := extractBalanced(trimmed); ok && json.Valid([]byte(balanced)) {
		return json.RawMessage(balanced), nil
	}

	return nil, NewInvocationError(KindStructuredExtraction,
		fmt.Errorf("no extraction layer produced valid JSON (output length %d)", len(raw)))
}

// ExtractJSONInto unmarshals the extracted JSON into target.
func ExtractJSONInto(raw string, target interface{}) error {
	data, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return NewInvocationError(KindStructuredExtraction, fmt.Errorf("unmarshal extracted JSON: %w", err))
	}
	return nil
}

// extractFencedBlock pulls the body of the first ```json (or bare ```)
// fence.
func extractFencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start == -1 {
		return "", false
	}
	rest := s[start+3:]

	// Skip an optional language tag on the fence line.
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "json" || firstLine == "" {
			rest = rest[nl+1:]
		}
	}

	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// extractBalanced finds the first balanced top-level {...} or [...]
// region, respecting JSON string literals and escapes.
func extractBalanced(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return "", false
	}

	opener := s[start]
	var closer byte
	if opener == '{' {
		closer = '}'
	} else {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
