package job

// OutcomeKind discriminates handler results.
type OutcomeKind int

// Handler outcome kinds.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetry
	OutcomeFail
)

// Outcome is the explicit handler result the worker loop acts on.
// Success calls the completion script, Retry the retry script,
// Fail the completion script with a failed terminal status.
type Outcome struct {
	Kind   OutcomeKind
	Result interface{} // Success
	Err    error       // Retry / Fail
}

// Success reports a completed job with an optional result value.
func Success(result interface{}) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

// Retry reports a transient failure that should re-run after backoff.
func Retry(err error) Outcome {
	return Outcome{Kind: OutcomeRetry, Err: err}
}

// Fail reports a terminal failure that must not retry.
func Fail(err error) Outcome {
	return Outcome{Kind: OutcomeFail, Err: err}
}
