package supervisor

import "github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"

// Class is how the agent loop reacts to a failed action.
type Class int

const (
	// Retryable failures are retried locally with backoff, then reported
	// as a retryable StepFailed.
	Retryable Class = iota
	// Recoverable failures are recorded as an error step whose content is
	// fed back to the model as a correction.
	Recoverable
	// Stuck failures trigger a plan repair.
	Stuck
	// Fatal failures end the run.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Recoverable:
		return "recoverable"
	case Stuck:
		return "stuck"
	default:
		return "fatal"
	}
}

// Classify maps an error onto a Class.
func Classify(err error) Class {
	switch errs.CodeOf(err) {
	case errs.RetryableToolError, errs.RateLimited, errs.Timeout, errs.InFlight, errs.BackpressureRejected:
		return Retryable
	case errs.ValidationError:
		return Recoverable
	case errs.StuckError, errs.PlanValidationError:
		return Stuck
	case errs.Internal:
		if errs.IsRetryable(err) {
			return Retryable
		}
		return Fatal
	default:
		return Fatal
	}
}
