package sandbox

import "time"

// TimeoutMessage is the stderr value recorded for every timed-out execution.
// It replaces whatever the subprocess managed to print, so a TIMEOUT result
// is deterministic rather than dependent on partial buffering.
const TimeoutMessage = "Execution timed out"

// OutcomeKind classifies how a sandbox run ended.
type OutcomeKind int

const (
	// OutcomeCompleted means the subprocess exited within the timeout,
	// regardless of its exit code.
	OutcomeCompleted OutcomeKind = iota

	// OutcomeFailed means no usable subprocess run happened: the language
	// was unrecognized, the source file could not be written, or the
	// interpreter could not be started.
	OutcomeFailed

	// OutcomeTimedOut means the subprocess was force-killed at the
	// wall-clock bound.
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one sandbox run. The runner never
// signals job-semantic failures through error returns; callers branch on
// Kind instead.
type Outcome struct {
	Kind     OutcomeKind
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Completed builds a successful outcome with fully drained streams.
func Completed(stdout, stderr string, d time.Duration) Outcome {
	return Outcome{Kind: OutcomeCompleted, Stdout: stdout, Stderr: stderr, Duration: d}
}

// Failed builds a failure outcome. The message is surfaced as stderr;
// stdout stays empty.
func Failed(message string) Outcome {
	return Outcome{Kind: OutcomeFailed, Stderr: message}
}

// TimedOut builds a timeout outcome carrying the fixed sentinel stderr.
func TimedOut(d time.Duration) Outcome {
	return Outcome{Kind: OutcomeTimedOut, Stderr: TimeoutMessage, Duration: d}
}
