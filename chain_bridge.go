package catmint

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/catmint/catmint/healthcheck"
	"github.com/catmint/catmint/mintgarden"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// maxUnspentConfs is the upper confirmation bound when listing the
	// fee inputs of the wallet.
	maxUnspentConfs = 9999999
)

// RpcChainBridge is an implementation of the mintgarden.ChainBridge and the
// cattx.Broadcaster interfaces backed by the JSON-RPC interface of a bitcoind
// node.
type RpcChainBridge struct {
	client *rpcclient.Client
}

// NewRpcChainBridge creates a new chain bridge that talks to the bitcoind node
// described by the passed config.
func NewRpcChainBridge(cfg *BitcoindConfig) (*RpcChainBridge, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		DisableTLS:   !cfg.TLS,
		HTTPPostMode: true,
	}

	if cfg.TLS && cfg.CertPath != "" {
		cert, err := healthcheck.ReadCert(cfg.CertPath, time.Now())
		if err != nil {
			return nil, fmt.Errorf("invalid rpc cert: %w", err)
		}
		connCfg.Certificates = cert
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create rpc client: %w", err)
	}

	return &RpcChainBridge{
		client: client,
	}, nil
}

// rpcCall runs a blocking RPC call and returns early if the context is
// cancelled. The call itself continues in the background until the client
// gives up on it.
func rpcCall[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	resultChan := make(chan result, 1)
	go func() {
		val, err := call()
		resultChan <- result{val: val, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.val, res.err

	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// EstimateFee returns a fee estimate for the confirmation target. The estimate
// never drops below the relay fee floor.
func (r *RpcChainBridge) EstimateFee(ctx context.Context,
	confTarget uint32) (chainfee.SatPerKVByte, error) {

	mode := btcjson.EstimateModeConservative
	resp, err := rpcCall(ctx, func() (*btcjson.EstimateSmartFeeResult,
		error) {

		return r.client.EstimateSmartFee(int64(confTarget), &mode)
	})
	if err != nil {
		return 0, fmt.Errorf("unable to estimate fee: %w", err)
	}

	if resp.FeeRate == nil {
		return 0, fmt.Errorf("no fee estimate for target %d: %v",
			confTarget, resp.Errors)
	}

	// The fee rate is expressed in BTC/kvB.
	perKVByte, err := btcutil.NewAmount(*resp.FeeRate)
	if err != nil {
		return 0, fmt.Errorf("invalid fee estimate: %w", err)
	}

	feeRate := chainfee.SatPerKVByte(perKVByte)
	floor := chainfee.FeePerKwFloor.FeePerKVByte()
	if feeRate < floor {
		catmLog.Debugf("Fee estimate %v below floor, using %v",
			feeRate, floor)

		feeRate = floor
	}

	return feeRate, nil
}

// ListUnspent returns all unspent outputs of the given address, including
// unconfirmed ones.
func (r *RpcChainBridge) ListUnspent(ctx context.Context,
	addr btcutil.Address) ([]*mintgarden.SpendableInput, error) {

	utxos, err := rpcCall(ctx, func() ([]btcjson.ListUnspentResult, error) {
		return r.client.ListUnspentMinMaxAddresses(
			0, maxUnspentConfs, []btcutil.Address{addr},
		)
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list unspent: %w", err)
	}

	inputs := make([]*mintgarden.SpendableInput, 0, len(utxos))
	for _, utxo := range utxos {
		input, err := parseUnspent(&utxo)
		if err != nil {
			return nil, err
		}

		inputs = append(inputs, input)
	}

	return inputs, nil
}

// parseUnspent converts a listunspent entry into a spendable input.
func parseUnspent(utxo *btcjson.ListUnspentResult) (*mintgarden.SpendableInput,
	error) {

	txid, err := chainhash.NewHashFromStr(utxo.TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %v: %w", utxo.TxID, err)
	}

	pkScript, err := hex.DecodeString(utxo.ScriptPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid pk script of %v:%d: %w",
			utxo.TxID, utxo.Vout, err)
	}

	value, err := btcutil.NewAmount(utxo.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount of %v:%d: %w",
			utxo.TxID, utxo.Vout, err)
	}

	return &mintgarden.SpendableInput{
		OutPoint: *wire.NewOutPoint(txid, utxo.Vout),
		Value:    value,
		PkScript: pkScript,
	}, nil
}

// PublishTransaction broadcasts the passed transaction. Rejections are
// returned as is, the caller decides which of them are retryable.
func (r *RpcChainBridge) PublishTransaction(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	return rpcCall(ctx, func() (*chainhash.Hash, error) {
		return r.client.SendRawTransaction(tx, false)
	})
}

// Stop shuts down the RPC client.
func (r *RpcChainBridge) Stop() {
	r.client.Shutdown()
}

// A compile-time assertion to ensure RpcChainBridge meets the
// mintgarden.ChainBridge interface.
var _ mintgarden.ChainBridge = (*RpcChainBridge)(nil)
