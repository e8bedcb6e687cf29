package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/catmint/catmint/fn"
	"github.com/catmint/catmint/mintgarden"
	"github.com/catmint/catmint/token"
	"github.com/stretchr/testify/require"
)

const (
	testTokenID = "45ee725c2c5993b3e4d308842d87e973bf1951f5f7a804b21e4dd964ecd12d6b_0"

	testMinterTxid = "45ee725c2c5993b3e4d308842d87e973bf1951f5f7a804b21e4dd964ecd12d6b"

	tokenResponse = `{"code":0,"msg":"OK","data":{
		"tokenId":"` + testTokenID + `",
		"tokenAddr":"bc1ptokenaddr",
		"minterAddr":"bc1pminteraddr",
		"genesisTxid":"` + testMinterTxid + `",
		"revealTxid":"` + testMinterTxid + `",
		"timestamp":1726000000,
		"info":{"name":"cat","symbol":"CAT","decimals":2,
			"minterMd5":"21cbd2e538f2b6cc40ee180e174f1e25",
			"max":21000000,"limit":5,"premine":0}}}`

	minterResponse = `{"code":0,"msg":"OK","data":{"utxos":[{
		"utxo":{"txId":"` + testMinterTxid + `","outputIndex":1,
			"script":"5120aabb","satoshis":"331"},
		"txoStateHashes":["aa","bb"],
		"state":{"isPremined":true,"remainingSupply":"2099999500"}}],
		"trackerBlockHeight":860000}}`
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(&Config{
		Host:    server.URL,
		Timeout: time.Second,
		Retry: fn.RetryConfig{
			MaxRetries:        3,
			InitialBackoff:    time.Millisecond,
			BackoffMultiplier: 2,
			MaxBackoff:        5 * time.Millisecond,
		},
	})
}

func TestFetchToken(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tokens/"+testTokenID,
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, tokenResponse)
		},
	)
	mux.HandleFunc("/api/tokens/null_0",
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"code":0,"msg":"OK","data":null}`)
		},
	)
	client := newTestClient(t, mux)
	ctx := context.Background()

	meta, err := client.FetchToken(ctx, testTokenID)
	require.NoError(t, err)
	require.Equal(t, testTokenID, meta.TokenID)
	require.Equal(t, token.OpenMinterV1, meta.Info.MinterMd5)
	require.Equal(t, uint8(2), meta.Info.Decimals)
	require.Equal(t, uint64(5), meta.Info.Limit)

	// Unknown tokens are reported both as 404 and as empty data.
	_, err = client.FetchToken(ctx, "unknown_0")
	require.ErrorIs(t, err, mintgarden.ErrTokenNotFound)

	_, err = client.FetchToken(ctx, "null_0")
	require.ErrorIs(t, err, mintgarden.ErrTokenNotFound)
}

func TestMinters(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		offsets []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/minters/"+testTokenID+"/utxoCount",
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"code":0,"msg":"OK","data":{"count":"7",`+
				`"trackerBlockHeight":860000}}`)
		},
	)
	mux.HandleFunc("/api/minters/"+testTokenID+"/utxos",
		func(w http.ResponseWriter, r *http.Request) {
			offset := r.URL.Query().Get("offset")
			mu.Lock()
			offsets = append(offsets, offset)
			mu.Unlock()

			if offset != "3" {
				fmt.Fprint(w, `{"code":0,"msg":"OK",`+
					`"data":{"utxos":[]}}`)
				return
			}

			fmt.Fprint(w, minterResponse)
		},
	)
	client := newTestClient(t, mux)
	ctx := context.Background()

	count, err := client.CountMinters(ctx, testTokenID)
	require.NoError(t, err)
	require.Equal(t, uint64(7), count)

	minter, err := client.FetchMinter(ctx, testTokenID, 3)
	require.NoError(t, err)
	require.NotNil(t, minter)
	require.Equal(t, testMinterTxid, minter.OutPoint.Hash.String())
	require.Equal(t, uint32(1), minter.OutPoint.Index)
	require.Equal(t, btcutil.Amount(331), minter.Value)
	require.Equal(t, []byte{0x51, 0x20, 0xaa, 0xbb}, minter.PkScript)
	require.Equal(t, []string{"aa", "bb"}, minter.TxoStateHashes)
	require.True(t, minter.IsPremined)
	require.Equal(t, token.Amount(2099999500), minter.RemainingSupply)

	// A spent minter results in an empty page.
	minter, err = client.FetchMinter(ctx, testTokenID, 5)
	require.NoError(t, err)
	require.Nil(t, minter)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"3", "5"}, offsets)
}

func TestRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			// The count endpoint is flaky for two calls.
			case "/api/minters/flaky_0/utxoCount":
				if calls.Add(1) <= 2 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				fmt.Fprint(w, `{"code":0,"data":{"count":2}}`)

			// Tracker errors aren't retried.
			case "/api/minters/bad_0/utxoCount":
				calls.Add(1)
				fmt.Fprint(w, `{"code":100,"msg":"bad token"}`)

			default:
				calls.Add(1)
				w.WriteHeader(http.StatusBadRequest)
			}
		},
	))
	ctx := context.Background()

	count, err := client.CountMinters(ctx, "flaky_0")
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
	require.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	_, err = client.CountMinters(ctx, "bad_0")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 100, statusErr.Code)
	require.Equal(t, int32(1), calls.Load())

	calls.Store(0)
	_, err = client.CountMinters(ctx, "other_0")
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.HTTPStatus)
	require.Equal(t, int32(1), calls.Load())
}
