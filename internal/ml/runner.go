package ml

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"greentrace/internal/adapters/config"
	"greentrace/internal/metrics"
	"greentrace/pkg/errors"
	"greentrace/pkg/jsonx"
	"greentrace/pkg/logger"
)

// Runner invokes the local model script as a subprocess.
// stdout must carry one JSON object; anything on stderr is diagnostics.
type Runner struct {
	interpreter string
	script      string
	timeout     time.Duration
	log         *logger.Logger
}

// NewRunner creates a runner from config
func NewRunner(cfg config.MLConfig, log *logger.Logger) *Runner {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Runner{
		interpreter: cfg.Interpreter,
		script:      cfg.Script,
		timeout:     cfg.Timeout,
		log:         log.With("component", "ml_runner"),
	}
}

// Run executes `<interpreter> <script> <args...>` and classifies the result
func (r *Runner) Run(ctx context.Context, args []string) Outcome {
	start := time.Now()
	out := r.run(ctx, args)
	out.Duration = time.Since(start)

	mode := modeOf(args)
	metrics.RecordMLRun(mode, out.Kind.String(), out.Duration)

	if out.OK() {
		r.log.Debugw("Model run finished", "mode", mode, "status", out.Status, "duration", out.Duration)
	} else {
		r.log.Warnw("Model run failed",
			"mode", mode,
			"kind", out.Kind,
			"message", out.Message,
			"exit_code", out.ExitCode,
			"duration", out.Duration,
		)
	}
	return out
}

func (r *Runner) run(ctx context.Context, args []string) Outcome {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmdArgs := make([]string, 0, len(args)+1)
	if r.script != "" {
		cmdArgs = append(cmdArgs, r.script)
	}
	cmdArgs = append(cmdArgs, args...)

	cmd := exec.CommandContext(runCtx, r.interpreter, cmdArgs...)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if stderr.Len() > 0 {
		r.log.Debugw("Model stderr", "stderr", stderr.String())
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		return Outcome{
			Kind:    KindProcessError,
			Message: fmt.Sprintf("model timed out after %s", r.timeout),
			Raw:     stdout.String(),
			Stderr:  stderr.String(),
		}
	case ctx.Err() != nil:
		return Outcome{
			Kind:    KindProcessError,
			Message: "model run cancelled: " + ctx.Err().Error(),
			Stderr:  stderr.String(),
		}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Outcome{
				Kind:     KindModelError,
				Message:  lastLine(stderr.String(), exitErr.Error()),
				Raw:      stdout.String(),
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderr.String(),
			}
		}
		return Outcome{
			Kind:    KindProcessError,
			Message: "failed to start model: " + err.Error(),
		}
	}

	var p payload
	res := jsonx.Decode(stdout.String(), &p)
	switch res.Kind {
	case jsonx.KindNoObject:
		return Outcome{
			Kind:    KindParseError,
			Message: "model output contains no JSON object",
			Raw:     res.Raw,
			Stderr:  stderr.String(),
		}
	case jsonx.KindMalformed:
		return Outcome{
			Kind:    KindParseError,
			Message: "model output is not valid JSON: " + res.Err.Error(),
			Raw:     res.Raw,
			Stderr:  stderr.String(),
		}
	}

	if !p.Success {
		msg := p.Error
		if msg == "" {
			msg = p.Message
		}
		return Outcome{
			Kind:    KindModelError,
			Status:  p.Status,
			Message: msg,
			Raw:     res.Span,
			Stderr:  stderr.String(),
		}
	}

	return Outcome{
		Kind:    KindSuccess,
		Data:    p.Data,
		Status:  p.Status,
		Message: p.Message,
		Raw:     res.Span,
	}
}

func modeOf(args []string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--mode" {
			return args[i+1]
		}
	}
	return "default"
}

func lastLine(s, fallback string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return fallback
}
