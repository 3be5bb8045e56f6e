// Package jsonx extracts one JSON object from noisy text: model output wrapped
// in markdown fences, or a subprocess stdout with log lines around the payload.
//
// Parsing is two-stage. Sanitize trims fences and locates the object between
// the first '{' and the last '}'; Decode then strictly unmarshals that span.
// Failures are reported as a tagged Result instead of an error value so callers
// can branch on the kind.
package jsonx

import (
	"encoding/json"
	"strings"
)

// Kind classifies a decode attempt
type Kind int

const (
	KindOK Kind = iota
	KindNoObject
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNoObject:
		return "no_object"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Result is the outcome of Decode
type Result struct {
	Kind Kind
	Raw  string // original input, kept for diagnostics
	Span string // extracted object text, empty for KindNoObject
	Err  error  // unmarshal error for KindMalformed
}

// OK reports whether the value was decoded
func (r Result) OK() bool { return r.Kind == KindOK }

// StripFences removes a surrounding ```json ... ``` (or bare ```) block
func StripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}

	t = strings.TrimPrefix(t, "```")
	// drop the language tag line, if any
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		tag := strings.TrimSpace(t[:nl])
		if tag == "" || !strings.ContainsAny(tag, "{}[]\"") {
			t = t[nl+1:]
		}
	}
	t = strings.TrimSpace(t)
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

// ExtractObject returns the text between the first '{' and the last '}'
func ExtractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

// Sanitize applies StripFences then ExtractObject
func Sanitize(s string) (string, bool) {
	return ExtractObject(StripFences(s))
}

// Decode sanitizes s and unmarshals the object into v
func Decode(s string, v any) Result {
	span, found := Sanitize(s)
	if !found {
		return Result{Kind: KindNoObject, Raw: s}
	}

	if err := json.Unmarshal([]byte(span), v); err != nil {
		return Result{Kind: KindMalformed, Raw: s, Span: span, Err: err}
	}

	return Result{Kind: KindOK, Raw: s, Span: span}
}
