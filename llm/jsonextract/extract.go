// Package jsonextract recovers JSON values from arbitrary LLM output: code
// fences, leading prose, truncated braces, trailing commas. Providers emit
// semi-malformed JSON non-deterministically; this package tolerates the
// common shapes without ever fabricating content. If no stage yields a
// parse, the result is nil, never an error.
package jsonextract

import (
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap"
)

// Stage identifies which recovery stage produced a parse.
type Stage int

const (
	StageDirect Stage = iota
	StageFence
	StageSlice
	StageRepair
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageDirect:
		return "direct"
	case StageFence:
		return "fence"
	case StageSlice:
		return "slice"
	case StageRepair:
		return "repair"
	default:
		return "failed"
	}
}

// Extract recovers a JSON object from raw text, or nil when nothing can be
// recovered. Stages run in order and stop at the first success: direct
// parse, fenced-code-block interior, slice between the first opener and the
// last closer, bounded repair. Any success past the direct parse is logged
// at warning level because it means provider output is being tolerated.
func Extract(raw string, logger *zap.Logger) map[string]any {
	val, stage := ExtractValue(raw, logger)
	if obj, ok := val.(map[string]any); ok {
		return obj
	}
	if val != nil && logger != nil {
		logger.Warn("extracted JSON is not an object", zap.String("stage", stage.String()))
	}
	return nil
}

// ExtractValue is Extract without the top-level-object restriction. It
// returns the recovered value and the stage that produced it.
func ExtractValue(raw string, logger *zap.Logger) (any, Stage) {
	if logger == nil {
		logger = zap.NewNop()
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, StageFailed
	}

	if v, ok := tryParse(trimmed); ok {
		return v, StageDirect
	}

	if inner, ok := stripFence(trimmed); ok {
		if v, ok := tryParse(inner); ok {
			logger.Warn("json recovered from fenced code block")
			return v, StageFence
		}
		// Later stages work on the fence interior when one exists; the
		// fence markers themselves would defeat slicing and repair.
		trimmed = inner
	}

	if sliced, ok := sliceToLastCloser(trimmed); ok {
		if v, ok := tryParse(sliced); ok {
			logger.Warn("json recovered by slicing to last closing bracket")
			return v, StageSlice
		}
	}

	if repaired, ok := repair(trimmed); ok {
		if v, ok := tryParse(repaired); ok {
			logger.Warn("json recovered by repair pass")
			return v, StageRepair
		}
	}

	return nil, StageFailed
}

func tryParse(s string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	// Reject "valid prefix" parses like `{"a":1} extra`. The decoder stops
	// at the end of the first value, so require nothing but space after it.
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	default:
		return nil, false
	}
}

// stripFence returns the interior of the first fenced code block, preferring
// a ```json tag but accepting a bare fence.
func stripFence(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the info string ("json", "JSON", or nothing).
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || strings.EqualFold(tag, "json") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	inner := strings.TrimSpace(rest)
	if inner == "" {
		return "", false
	}
	return inner, true
}

// sliceToLastCloser cuts the text between the first opening brace/bracket
// and the last closing one, dropping surrounding prose.
func sliceToLastCloser(s string) (string, bool) {
	first := strings.IndexAny(s, "{[")
	if first < 0 {
		return "", false
	}
	last := strings.LastIndexAny(s, "}]")
	if last <= first {
		return "", false
	}
	return s[first : last+1], true
}

// repair applies the bounded repair pass: drop trailing commas before
// closers, close an odd quote, then append closers for every bracket still
// open. The pass is purely syntactic; it never invents keys or values.
func repair(s string) (string, bool) {
	first := strings.IndexAny(s, "{[")
	if first < 0 {
		return "", false
	}
	s = s[first:]

	var out []byte
	var stack []byte
	inString := false
	escaped := false

	stripTrailingComma := func() {
		i := len(out)
		for i > 0 && isSpace(out[i-1]) {
			i--
		}
		if i > 0 && out[i-1] == ',' {
			out = append(out[:i-1], out[i:]...)
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			stripTrailingComma()
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
		out = append(out, c)
	}

	// Odd quote count: close the string before closing brackets.
	if inString {
		out = append(out, '"')
	}

	stripTrailingComma()

	// Close every bracket still open, innermost first.
	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, stack[i])
	}

	repaired := string(out)
	if repaired == s {
		return "", false
	}
	return repaired, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
