package crawler

// outcomeKind distinguishes the three ways a request handler invocation can
// end. Using an explicit sum type here — rather than panicking with a
// sentinel error and recovering in the pipeline — keeps the retry decision
// a plain switch instead of control flow threaded through recover().
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetriable
	outcomeTerminal
)

// Outcome is what a RequestHandler or FailedRequestHandler returns to tell
// the pipeline what happened. Build one with Success, Retriable, or
// Terminal.
type Outcome struct {
	kind        outcomeKind
	err         error
	blameSessID string
}

// Success reports that the request was handled and should be marked done.
func Success() Outcome { return Outcome{kind: outcomeSuccess} }

// Retriable reports a transient failure: the request should be re-queued
// if it still has retry budget, or escalated to terminal failure otherwise.
// sessionID, if non-empty, identifies the session to blame (so the pool can
// penalize it); pass "" if the failure isn't attributable to the session.
func Retriable(err error, sessionID string) Outcome {
	return Outcome{kind: outcomeRetriable, err: err, blameSessID: sessionID}
}

// Terminal reports a failure that should not be retried regardless of
// remaining budget.
func Terminal(err error) Outcome {
	return Outcome{kind: outcomeTerminal, err: err}
}

// IsSuccess reports whether this is a success outcome.
func (o Outcome) IsSuccess() bool { return o.kind == outcomeSuccess }

// IsRetriable reports whether this is a retriable-failure outcome.
func (o Outcome) IsRetriable() bool { return o.kind == outcomeRetriable }

// IsTerminal reports whether this is a terminal-failure outcome.
func (o Outcome) IsTerminal() bool { return o.kind == outcomeTerminal }

// Err returns the wrapped error, if any.
func (o Outcome) Err() error { return o.err }

// BlamedSessionID returns the session ID to penalize for a retriable
// outcome, or "" if none was given.
func (o Outcome) BlamedSessionID() string { return o.blameSessID }
