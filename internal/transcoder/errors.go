package transcoder

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrToolUnavailable is returned when ffmpeg or ffprobe cannot be located or started.
	ErrToolUnavailable = errors.New("transcoder unavailable")

	// ErrDecode is returned when the input carries no decodable audio stream.
	ErrDecode = errors.New("no decodable audio stream")
)

// Bound names which duration limit a ValidationError tripped.
type Bound string

const (
	BoundMinDuration Bound = "min_duration"
	BoundMaxDuration Bound = "max_duration"
)

// ValidationError reports an input that decodes fine but breaks a business rule.
type ValidationError struct {
	Bound  Bound
	Limit  time.Duration
	Actual time.Duration
}

func (e *ValidationError) Error() string {
	switch e.Bound {
	case BoundMinDuration:
		return fmt.Sprintf("audio too short: %.1fs is below the %s minimum", e.Actual.Seconds(), e.Limit)
	case BoundMaxDuration:
		return fmt.Sprintf("audio too long: %.1fs exceeds the %s maximum", e.Actual.Seconds(), e.Limit)
	default:
		return fmt.Sprintf("invalid audio: %s", e.Bound)
	}
}

// TranscodeError carries the diagnostic of an encoder that ran and failed.
type TranscodeError struct {
	Tool       string
	ExitCode   int
	Diagnostic string
	Err        error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.Diagnostic)
}

func (e *TranscodeError) Unwrap() error {
	return e.Err
}

const maxDiagnostic = 4096

// tail keeps the end of an encoder log, where ffmpeg prints the actual failure.
func tail(b []byte) string {
	if len(b) > maxDiagnostic {
		return "..." + string(b[len(b)-maxDiagnostic:])
	}
	return string(b)
}
