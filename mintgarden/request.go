package mintgarden

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/catmint/catmint/fn"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// validate is the shared validator instance, it caches struct metadata.
var validate = validator.New()

// RunRequest is a request to mint a token using all available fee inputs of
// the wallet.
type RunRequest struct {
	// TokenID is the id of the token to mint.
	TokenID string `validate:"required"`

	// Amount is the decimal amount to mint per worker. Empty means mint
	// the maximum allowed per mint. It is parsed by token.ScaleAmount.
	Amount string

	// ReceiverPubKey is the optional hex encoded x-only public key that
	// receives the minted tokens instead of the wallet.
	ReceiverPubKey string `validate:"omitempty,hexadecimal,len=64"`

	// ReceiverAddr must match one of the addresses derived from
	// ReceiverPubKey.
	ReceiverAddr string `validate:"required_with=ReceiverPubKey"`

	// DryRun only plans the batches without minting.
	DryRun bool
}

// Validate checks the request fields for well-formedness.
func (r *RunRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid run request: %w", err)
	}

	return nil
}

// RunSummary is the result of a mint run.
type RunSummary struct {
	// RunID uniquely identifies the run.
	RunID uuid.UUID

	// TokenID is the minted token.
	TokenID string

	// Batches are the fee input batches of the run, one per worker.
	Batches []*InputBatch

	// Outcomes holds the outcome of every worker that finished before
	// the run returned, in completion order.
	Outcomes []*WorkerOutcome

	// TimedOut is set if the run stopped waiting for its workers.
	TimedOut bool

	// DryRun is set if no worker was started.
	DryRun bool

	// Started and Finished mark the duration of the run.
	Started  time.Time
	Finished time.Time
}

// Count returns the number of outcomes of the given kind.
func (s *RunSummary) Count(kind OutcomeKind) int {
	return fn.Count(s.Outcomes, func(o *WorkerOutcome) bool {
		return o.Kind == kind
	})
}

// FeeValue returns the total value of all fee inputs of the run.
func (s *RunSummary) FeeValue() btcutil.Amount {
	var total btcutil.Amount
	for _, b := range s.Batches {
		total += b.TotalValue()
	}

	return total
}
