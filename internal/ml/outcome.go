package ml

import (
	"encoding/json"
	"time"

	"greentrace/pkg/errors"
)

// Kind classifies a model invocation
type Kind int

const (
	KindSuccess Kind = iota
	KindModelError
	KindProcessError
	KindParseError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindModelError:
		return "model_error"
	case KindProcessError:
		return "process_error"
	case KindParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Status values reported by the model script
const (
	StatusModelError   = "model_error"
	StatusInvalidImage = "invalid_image"
)

// Outcome is the result of one model invocation. It is never retried.
type Outcome struct {
	Kind     Kind            `json:"kind"`
	Data     json.RawMessage `json:"data,omitempty"`
	Status   string          `json:"status,omitempty"`
	Message  string          `json:"message,omitempty"`
	Raw      string          `json:"raw,omitempty"`
	ExitCode int             `json:"exit_code,omitempty"`
	Stderr   string          `json:"stderr,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// OK reports a successful invocation
func (o Outcome) OK() bool { return o.Kind == KindSuccess }

// Err converts a failed outcome to an error
func (o Outcome) Err() error {
	switch o.Kind {
	case KindSuccess:
		return nil
	case KindParseError:
		return errors.Wrap(errors.ErrMalformedResponse, o.Message)
	default:
		return errors.Wrapf(errors.ErrModelProcess, "%s: %s", o.Kind, o.Message)
	}
}

// payload is the single JSON object the model script writes to stdout
type payload struct {
	Success bool            `json:"success"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}
