package detector

import (
	"fmt"
	"time"
)

// Kind tags the variant of an Outcome.
type Kind int

const (
	KindSuccess Kind = iota
	KindFailure
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reason explains a Failure.
type Reason string

const (
	ReasonNavigation      Reason = "NavigationError"
	ReasonElementNotFound Reason = "ElementNotFound"
	ReasonLoginRejected   Reason = "LoginRejected"
	ReasonChallenge       Reason = "ChallengeRequired"
	ReasonProbeError      Reason = "ProbeError"
	ReasonCancelled       Reason = "Cancelled"
	ReasonMisconfigured   Reason = "Misconfigured"
)

// Exit codes propagated by the caller.
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitTimeout       = 2
	ExitConfiguration = 3
)

// Outcome is the single result of one login attempt.
//
// Success carries FinalURL, Failure carries Reason, Detail and Diagnostics, and
// Timeout carries Elapsed and Diagnostics. Elapsed is set for every kind.
type Outcome struct {
	Kind        Kind
	FinalURL    string
	Reason      Reason
	Detail      string
	Matched     string
	Elapsed     time.Duration
	Diagnostics *Diagnostics
}

// Diagnostics are best-effort artifacts captured for a non-success outcome.
type Diagnostics struct {
	ScreenshotPath string
	PageURL        string
	ContentExcerpt string
	ContentPath    string
}

// Succeeded reports whether the outcome is a Success.
func (o Outcome) Succeeded() bool {
	return o.Kind == KindSuccess
}

// ExitCode maps the outcome to a process exit status.
func (o Outcome) ExitCode() int {
	switch o.Kind {
	case KindSuccess:
		return ExitSuccess
	case KindTimeout:
		return ExitTimeout
	default:
		return ExitFailure
	}
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindSuccess:
		return fmt.Sprintf("Success{finalUrl: %q}", o.FinalURL)
	case KindFailure:
		return fmt.Sprintf("Failure{reason: %s, detail: %q}", o.Reason, o.Detail)
	default:
		return fmt.Sprintf("Timeout{elapsedMs: %d}", o.Elapsed.Milliseconds())
	}
}
