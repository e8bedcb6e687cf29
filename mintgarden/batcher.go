package mintgarden

import (
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// DefaultBatchCeiling is the default upper bound of the fee input
	// value handed to a single worker (0.05 BTC).
	DefaultBatchCeiling btcutil.Amount = 5_000_000

	// DefaultDustLimit is the default value at or below which fee inputs
	// are ignored. Outputs this small usually carry tokens or other data
	// and must not be burned as fees.
	DefaultDustLimit btcutil.Amount = 546
)

// InputBatch is an ordered set of fee inputs used by a single worker.
type InputBatch struct {
	// Index is the position of the batch in the run.
	Index int

	// Inputs are the fee inputs of the batch in wallet order.
	Inputs []*SpendableInput
}

// TotalValue returns the sum of all input values of the batch.
func (b *InputBatch) TotalValue() btcutil.Amount {
	var total btcutil.Amount
	for _, in := range b.Inputs {
		total += in.Value
	}

	return total
}

// BatchInputs partitions the passed inputs into batches. Inputs with a value
// at or below dust are dropped. The remaining inputs are walked in order and
// appended to the current batch, which is sealed as soon as its value reaches
// the ceiling. A trailing batch below the ceiling is kept as well.
func BatchInputs(inputs []*SpendableInput, ceiling,
	dust btcutil.Amount) []*InputBatch {

	var (
		batches []*InputBatch
		current []*SpendableInput
		sum     btcutil.Amount
	)

	seal := func() {
		batches = append(batches, &InputBatch{
			Index:  len(batches),
			Inputs: current,
		})
		current = nil
		sum = 0
	}

	for _, in := range inputs {
		if in.Value <= dust {
			log.Tracef("Skipping dust input %v (%v)", in.OutPoint,
				in.Value)
			continue
		}

		current = append(current, in)
		sum += in.Value

		if sum >= ceiling {
			seal()
		}
	}

	if len(current) > 0 {
		seal()
	}

	return batches
}
