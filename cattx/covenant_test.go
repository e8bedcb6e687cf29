package cattx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/catmint/catmint/fn"
	"github.com/catmint/catmint/mintgarden"
	"github.com/stretchr/testify/require"
)

// newTestCovenant starts a builder service backed by the handler.
func newTestCovenant(t *testing.T, handler http.HandlerFunc) *RemoteCovenant {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewRemoteCovenant(&CovenantConfig{
		Host: srv.URL,
		Retry: fn.RetryConfig{
			MaxRetries:        2,
			InitialBackoff:    time.Millisecond,
			BackoffMultiplier: 1,
			MaxBackoff:        time.Millisecond,
		},
	})
}

// TestRemoteCovenant tests the mint request encoding and the decoding of the
// returned packet.
func TestRemoteCovenant(t *testing.T) {
	t.Parallel()

	h := newBuilderHarness(t)
	pkt, err := h.buildPacket(h.params)
	require.NoError(t, err)
	b64, err := pkt.B64Encode()
	require.NoError(t, err)

	var calls int32
	covenant := newTestCovenant(t, func(w http.ResponseWriter,
		r *http.Request) {

		// The first call hits a busy builder.
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, mintPath, r.URL.Path)

		var req mintRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		params := h.params
		require.Equal(t, params.Token.TokenID, req.TokenID)
		require.Equal(
			t, params.Minter.OutPoint.Hash.String(), req.Minter.TxID,
		)
		require.Equal(t, "500", req.Amount)
		require.EqualValues(t, 10, req.FeeRate)
		require.Len(t, req.FeeUtxos, 2)
		require.Equal(t, params.ChangeAddr.String(), req.ChangeAddress)
		require.Empty(t, req.ReceiverPubKey)

		fmt.Fprintf(w, `{"code":0,"msg":"OK","data":{"psbt":%q}}`, b64)
	})

	built, err := covenant.BuildMint(context.Background(), h.params)
	require.NoError(t, err)
	require.Equal(t, pkt.UnsignedTx.TxHash(), built.UnsignedTx.TxHash())
	require.Equal(
		t, pkt.Inputs[0].FinalScriptWitness,
		built.Inputs[0].FinalScriptWitness,
	)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

// TestRemoteCovenantConflict tests that a builder refusing a spent minter
// results in a retryable mint error without repeating the request.
func TestRemoteCovenantConflict(t *testing.T) {
	t.Parallel()

	var calls int32
	covenant := newTestCovenant(t, func(w http.ResponseWriter,
		_ *http.Request) {

		atomic.AddInt32(&calls, 1)
		http.Error(w, "minter already spent", http.StatusConflict)
	})

	h := newBuilderHarness(t)
	builder := NewMintBuilder(&MintBuilderConfig{
		Covenant:    covenant,
		Signer:      h.signer,
		Broadcaster: h.broadcaster,
	})

	_, err := builder.BuildAndBroadcast(context.Background(), h.params)
	require.ErrorIs(t, err, mintgarden.ErrNeedRetry)
	require.Contains(t, err.Error(), "minter already spent")
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.Empty(t, h.broadcaster.Published)
}

// TestRemoteCovenantCodeError tests that an error code in the response body
// is reported.
func TestRemoteCovenantCodeError(t *testing.T) {
	t.Parallel()

	covenant := newTestCovenant(t, func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, `{"code":100,"msg":"invalid amount","data":null}`)
	})

	h := newBuilderHarness(t)
	_, err := covenant.BuildMint(context.Background(), h.params)

	var builderErr *BuilderError
	require.ErrorAs(t, err, &builderErr)
	require.Equal(t, "invalid amount", builderErr.Msg)
}
