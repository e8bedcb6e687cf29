package mintgarden

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// makeInputs creates one fee input per passed value. The input index is
// stored as the outpoint index so order can be checked.
func makeInputs(values ...btcutil.Amount) []*SpendableInput {
	inputs := make([]*SpendableInput, len(values))
	for i, v := range values {
		inputs[i] = &SpendableInput{
			OutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{byte(i), byte(i >> 8)},
				Index: uint32(i),
			},
			Value:    v,
			PkScript: []byte{0x51, 0x20},
		}
	}

	return inputs
}

func batchSizes(batches []*InputBatch) []int {
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = len(b.Inputs)
	}

	return sizes
}

// TestBatchInputs tests the batching of fee inputs for a set of known input
// sets.
func TestBatchInputs(t *testing.T) {
	t.Parallel()

	const ceiling = 5_000_000

	repeat := func(v btcutil.Amount, n int) []btcutil.Amount {
		values := make([]btcutil.Amount, n)
		for i := range values {
			values[i] = v
		}
		return values
	}

	testCases := []struct {
		name   string
		values []btcutil.Amount
		sizes  []int
	}{{
		name:   "no inputs",
		values: nil,
		sizes:  []int{},
	}, {
		name:   "twelve equal inputs",
		values: repeat(1_000_000, 12),
		sizes:  []int{5, 5, 2},
	}, {
		name:   "exact multiple of ceiling",
		values: repeat(2_500_000, 4),
		sizes:  []int{2, 2},
	}, {
		name:   "single input above ceiling",
		values: []btcutil.Amount{9_000_000, 1_000, 2_000},
		sizes:  []int{1, 2},
	}, {
		name:   "dust only",
		values: []btcutil.Amount{546, 100, 546},
		sizes:  []int{},
	}, {
		name:   "dust dropped between inputs",
		values: []btcutil.Amount{4_000_000, 546, 1_000_000, 547},
		sizes:  []int{2, 1},
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			batches := BatchInputs(
				makeInputs(tc.values...), ceiling,
				DefaultDustLimit,
			)
			require.Equal(t, tc.sizes, batchSizes(batches))

			for i, b := range batches {
				require.Equal(t, i, b.Index)
			}
		})
	}
}

// TestBatchInputsDustNeverBatched makes sure an input at the dust limit is
// dropped entirely.
func TestBatchInputsDustNeverBatched(t *testing.T) {
	t.Parallel()

	inputs := makeInputs(546, 1_000_000)
	batches := BatchInputs(inputs, 5_000_000, 546)

	require.Len(t, batches, 1)
	require.Equal(t, []*SpendableInput{inputs[1]}, batches[0].Inputs)
	require.Equal(t, btcutil.Amount(1_000_000), batches[0].TotalValue())
}

// TestBatchInputsProperties checks the batching rules for random input
// sets.
func TestBatchInputsProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(r *rapid.T) {
		values := rapid.SliceOfN(
			rapid.Int64Range(1, 3_000_000), 0, 60,
		).Draw(r, "values")
		ceiling := btcutil.Amount(
			rapid.Int64Range(1, 10_000_000).Draw(r, "ceiling"),
		)
		dust := btcutil.Amount(
			rapid.Int64Range(0, 1_000).Draw(r, "dust"),
		)

		amounts := make([]btcutil.Amount, len(values))
		for i, v := range values {
			amounts[i] = btcutil.Amount(v)
		}
		inputs := makeInputs(amounts...)

		batches := BatchInputs(inputs, ceiling, dust)

		var flattened []*SpendableInput
		for i, b := range batches {
			require.NotEmpty(r, b.Inputs)

			// Every batch but the last one is sealed, so it
			// reached the ceiling. The value before its last input
			// was still below.
			total := b.TotalValue()
			last := b.Inputs[len(b.Inputs)-1].Value
			require.Less(r, total-last, ceiling)
			if i < len(batches)-1 {
				require.GreaterOrEqual(r, total, ceiling)
			}

			for _, in := range b.Inputs {
				require.Greater(r, in.Value, dust)
			}

			flattened = append(flattened, b.Inputs...)
		}

		// All non-dust inputs end up in a batch, in their original
		// order.
		var expected []*SpendableInput
		for _, in := range inputs {
			if in.Value > dust {
				expected = append(expected, in)
			}
		}
		require.Equal(r, expected, flattened)
	})
}
