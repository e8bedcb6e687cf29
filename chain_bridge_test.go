package catmint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/catmint/catmint/internal/test"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
)

// rpcRequest is a JSON-RPC request as sent by the rpc client.
type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

// newRPCServer starts a JSON-RPC server that answers every request with the
// result returned by the handler.
func newRPCServer(t *testing.T,
	handler func(req *rpcRequest) any) *RpcChainBridge {

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			var req rpcRequest
			err := json.NewDecoder(r.Body).Decode(&req)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}

			result, err := json.Marshal(handler(&req))
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}

			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": json.RawMessage(result),
				"error":  nil,
				"id":     req.ID,
			})
		},
	))
	t.Cleanup(srv.Close)

	bridge, err := NewRpcChainBridge(&BitcoindConfig{
		Host: strings.TrimPrefix(srv.URL, "http://"),
		User: "user",
		Pass: "pass",
	})
	require.NoError(t, err)
	t.Cleanup(bridge.Stop)

	return bridge
}

// TestEstimateFee checks the conversion of the BTC/kvB estimate and the fee
// floor.
func TestEstimateFee(t *testing.T) {
	t.Parallel()

	feeRate := 0.0002
	bridge := newRPCServer(t, func(req *rpcRequest) any {
		if req.Method != "estimatesmartfee" {
			return nil
		}

		return map[string]any{
			"feerate": feeRate,
			"blocks":  6,
		}
	})

	ctx := context.Background()
	fee, err := bridge.EstimateFee(ctx, 6)
	require.NoError(t, err)
	require.Equal(t, chainfee.SatPerKVByte(20_000), fee)
}

// TestEstimateFeeFloor checks that tiny estimates are raised to the relay
// fee floor.
func TestEstimateFeeFloor(t *testing.T) {
	t.Parallel()

	bridge := newRPCServer(t, func(req *rpcRequest) any {
		return map[string]any{
			"feerate": 0.000001,
			"blocks":  2,
		}
	})

	fee, err := bridge.EstimateFee(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, chainfee.FeePerKwFloor.FeePerKVByte(), fee)
}

// TestEstimateFeeMissing makes sure an estimate without a fee rate is an
// error.
func TestEstimateFeeMissing(t *testing.T) {
	t.Parallel()

	bridge := newRPCServer(t, func(req *rpcRequest) any {
		return map[string]any{
			"errors": []string{"Insufficient data"},
			"blocks": 0,
		}
	})

	_, err := bridge.EstimateFee(context.Background(), 6)
	require.ErrorContains(t, err, "no fee estimate")
}

// TestListUnspent checks that listunspent entries are turned into spendable
// inputs of the requested address.
func TestListUnspent(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	wif, err := btcutil.NewWIF(test.RandPrivKey(t), params, true)
	require.NoError(t, err)
	wallet, err := NewKeyWalletAnchor(wif.String(), params)
	require.NoError(t, err)

	addr := wallet.Address()
	pkScript := wallet.Signer().PkScript()
	hash := test.RandHash()

	var gotAddrs []string
	bridge := newRPCServer(t, func(req *rpcRequest) any {
		require.Equal(t, "listunspent", req.Method)
		require.Len(t, req.Params, 3)
		_ = json.Unmarshal(req.Params[2], &gotAddrs)

		return []map[string]any{{
			"txid":          hash.String(),
			"vout":          3,
			"address":       addr.EncodeAddress(),
			"scriptPubKey":  hex.EncodeToString(pkScript),
			"amount":        0.0015,
			"confirmations": 0,
			"spendable":     true,
		}}
	})

	inputs, err := bridge.ListUnspent(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, []string{addr.EncodeAddress()}, gotAddrs)

	require.Len(t, inputs, 1)
	require.Equal(t, hash, inputs[0].OutPoint.Hash)
	require.EqualValues(t, 3, inputs[0].OutPoint.Index)
	require.Equal(t, btcutil.Amount(150_000), inputs[0].Value)
	require.Equal(t, pkScript, inputs[0].PkScript)
}

// TestRPCCallCancel makes sure a blocked call returns once the context is
// cancelled.
func TestRPCCallCancel(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rpcCall(ctx, func() (int, error) {
		<-block
		return 0, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
