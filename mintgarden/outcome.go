package mintgarden

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/catmint/catmint/token"
)

// ErrPrecondition is wrapped by all errors that abort a run before any worker
// was started.
var ErrPrecondition = errors.New("precondition failed")

// preconditionErr marks err as a precondition failure.
func preconditionErr(err error) error {
	return fmt.Errorf("%w: %w", ErrPrecondition, err)
}

// FatalError is a non-retryable failure of a single worker. Sibling workers
// are not affected.
type FatalError struct {
	// Reason is a human readable description of the violation.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

// Error returns the error string.
func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}

	return e.Reason
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// OutcomeKind is the tag of a WorkerOutcome.
type OutcomeKind uint8

const (
	// OutcomeMinted means the worker broadcast a mint transaction.
	OutcomeMinted OutcomeKind = 0

	// OutcomeExhausted means the worker ran out of attempts, minters or
	// funds, or was cancelled.
	OutcomeExhausted OutcomeKind = 1

	// OutcomeFatal means the worker hit a non-retryable error.
	OutcomeFatal OutcomeKind = 2
)

// String returns a human-readable string for the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeMinted:
		return "minted"

	case OutcomeExhausted:
		return "exhausted"

	case OutcomeFatal:
		return "fatal"

	default:
		return fmt.Sprintf("unknown(%v)", int(k))
	}
}

// Exhaustion reasons.
const (
	ReasonNoMinter      = "no minter available"
	ReasonMaxRetries    = "max retries reached"
	ReasonInsufficient  = "insufficient satoshis balance"
	ReasonCancelled     = "cancelled"
	ReasonExceedsLimit  = "amount exceeds limit"
	ReasonPremineAmount = "first mint amount must equal premine amount"
	ReasonUnknownMinter = "unknown minter"
)

// WorkerOutcome is the final result of a single worker.
type WorkerOutcome struct {
	// WorkerID identifies the worker within its run.
	WorkerID string

	// BatchIndex is the index of the batch the worker was given.
	BatchIndex int

	// Kind tags the outcome.
	Kind OutcomeKind

	// Txid is the mint transaction of a minted outcome.
	Txid *chainhash.Hash

	// Amount is the minted amount of a minted outcome.
	Amount token.Amount

	// Reason describes an exhausted outcome.
	Reason string

	// Err is the error of a fatal outcome.
	Err error

	// Attempts is the number of minter selections the worker made.
	Attempts int

	// Finished is when the worker terminated.
	Finished time.Time
}

// String returns a short description of the outcome.
func (o *WorkerOutcome) String() string {
	switch o.Kind {
	case OutcomeMinted:
		return fmt.Sprintf("minted %d in %v", o.Amount, o.Txid)

	case OutcomeExhausted:
		return fmt.Sprintf("exhausted: %v", o.Reason)

	default:
		return fmt.Sprintf("fatal: %v", o.Err)
	}
}
