package cattx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/catmint/catmint/mintgarden"
)

// rpcTxAlreadyInChain is the RPC error code bitcoind returns when a
// transaction is already confirmed.
const rpcTxAlreadyInChain btcjson.RPCErrorCode = -27

// retryableRejects are fragments of the reject reasons bitcoind and btcd give
// for transactions that may well be accepted if rebuilt on a fresh minter.
var retryableRejects = []string{
	// Another mint spent the same minter output first.
	"txn-mempool-conflict",
	"bad-txns-inputs-missingorspent",
	"missing-inputs",
	"missing inputs",
	"already spent",

	// The mint was already published.
	"transaction already in block chain",
	"txn-already-known",
	"already have transaction",

	// The fee rate moved.
	"min relay fee not met",
	"mempool min fee not met",
	"insufficient fee",
}

// needRetry returns true if the broadcast error is expected under contention
// for minter outputs.
func needRetry(err error) bool {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == rpcTxAlreadyInChain {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, reject := range retryableRejects {
		if strings.Contains(msg, reject) {
			return true
		}
	}

	return false
}

// classifyBroadcastErr wraps err with mintgarden.ErrNeedRetry if the mint
// should be rebuilt and tried again.
func classifyBroadcastErr(err error) error {
	if needRetry(err) {
		return fmt.Errorf("%w: %v", mintgarden.ErrNeedRetry, err)
	}

	return fmt.Errorf("unable to broadcast mint: %w", err)
}
