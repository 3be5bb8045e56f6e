package advisory

import (
	"strings"

	"greentrace/pkg/errors"
	"greentrace/pkg/jsonx"
)

// ParseResult decodes a provider response, tolerating markdown fences and surrounding prose
func ParseResult(raw string) (*AnalysisResult, error) {
	var res AnalysisResult
	decoded := jsonx.Decode(raw, &res)

	switch decoded.Kind {
	case jsonx.KindNoObject:
		return nil, errors.Wrap(errors.ErrMalformedResponse, "provider response contains no JSON object")
	case jsonx.KindMalformed:
		return nil, errors.Mark(decoded.Err, errors.ErrMalformedResponse)
	}

	res.Disease = strings.TrimSpace(res.Disease)
	if res.Disease == "" {
		return nil, errors.Wrap(errors.ErrMalformedResponse, "provider response has no disease label")
	}

	res.Severity = strings.TrimSpace(res.Severity)
	if res.Severity == "" {
		res.Severity = "None"
	}
	return &res, nil
}
