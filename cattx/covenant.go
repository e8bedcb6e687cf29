package cattx

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/catmint/catmint/fn"
	"github.com/catmint/catmint/mintgarden"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// DefaultTimeout is the default timeout of a single builder request.
	DefaultTimeout = 30 * time.Second

	// mintPath is the endpoint of the covenant builder that creates the
	// unsigned mint transaction.
	mintPath = "/api/mint"

	// maxErrBody bounds how much of an error response body is read.
	maxErrBody = 2048
)

// Covenant creates the unsigned mint transaction for a set of mint params.
// The returned packet spends the minter output with a finalized covenant
// witness, and the fee inputs without any signature.
type Covenant interface {
	// BuildMint creates the unsigned mint packet.
	BuildMint(ctx context.Context,
		params *mintgarden.MintParams) (*psbt.Packet, error)
}

// CovenantConfig is the configuration of the remote covenant builder.
type CovenantConfig struct {
	// Host is the base URL of the builder service.
	Host string

	// Timeout bounds every single HTTP request.
	Timeout time.Duration

	// Retry is the retry policy for transient failures.
	Retry fn.RetryConfig

	// UserAgent is sent with every request if set.
	UserAgent string
}

// BuilderError is returned for a builder response with a non-OK status.
type BuilderError struct {
	// HTTPStatus is the HTTP status code.
	HTTPStatus int

	// Msg is the error message returned by the builder.
	Msg string
}

// Error returns the error string.
func (e *BuilderError) Error() string {
	return fmt.Sprintf("covenant builder error (status=%d): %v",
		e.HTTPStatus, e.Msg)
}

// utxoJSON is an output in the builder's request format.
type utxoJSON struct {
	TxID        string `json:"txId"`
	OutputIndex uint32 `json:"outputIndex"`
	Script      string `json:"script"`
	Satoshis    string `json:"satoshis"`
}

// mintRequest is the request body of the mint endpoint.
type mintRequest struct {
	TokenID        string     `json:"tokenId"`
	MinterMd5      string     `json:"minterMd5"`
	Minter         utxoJSON   `json:"minter"`
	TxoStateHashes []string   `json:"txoStateHashes"`
	Amount         string     `json:"amount"`
	FeeUtxos       []utxoJSON `json:"feeUtxos"`
	FeeRate        uint64     `json:"feeRate"`
	ChangeAddress  string     `json:"changeAddress"`
	ReceiverPubKey string     `json:"receiverPubKey,omitempty"`
}

// mintResponse is the response body of the mint endpoint.
type mintResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Psbt string `json:"psbt"`
	} `json:"data"`
}

// RemoteCovenant asks a covenant builder service for the unsigned mint
// transaction. The builder knows how to construct the covenant unlocking
// witness of the minter output, the fee inputs are signed locally.
type RemoteCovenant struct {
	cfg  *CovenantConfig
	http *http.Client
}

// NewRemoteCovenant creates a new covenant builder client.
func NewRemoteCovenant(cfg *CovenantConfig) *RemoteCovenant {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = fn.DefaultRetryConfig()
	}

	return &RemoteCovenant{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// newMintRequest converts the mint params into the builder's request format.
func newMintRequest(params *mintgarden.MintParams) *mintRequest {
	minter := params.Minter
	req := &mintRequest{
		TokenID:   params.Token.TokenID,
		MinterMd5: string(params.Token.Info.MinterMd5),
		Minter: utxoJSON{
			TxID:        minter.OutPoint.Hash.String(),
			OutputIndex: minter.OutPoint.Index,
			Script:      hex.EncodeToString(minter.PkScript),
			Satoshis:    fmt.Sprintf("%d", minter.Value),
		},
		TxoStateHashes: minter.TxoStateHashes,
		Amount:         fmt.Sprintf("%d", params.Amount),
		FeeRate:        satPerVByte(params.FeeRate),
		ChangeAddress:  params.ChangeAddr.String(),
	}

	for _, in := range params.FeeInputs {
		req.FeeUtxos = append(req.FeeUtxos, utxoJSON{
			TxID:        in.OutPoint.Hash.String(),
			OutputIndex: in.OutPoint.Index,
			Script:      hex.EncodeToString(in.PkScript),
			Satoshis:    fmt.Sprintf("%d", in.Value),
		})
	}

	if params.Recipient != nil {
		req.ReceiverPubKey = hex.EncodeToString(
			params.Recipient.XOnlyKey[:],
		)
	}

	return req
}

// satPerVByte converts the fee rate to sat/vbyte, rounding up.
func satPerVByte(feeRate chainfee.SatPerKVByte) uint64 {
	return (uint64(feeRate) + 999) / 1000
}

// BuildMint creates the unsigned mint packet.
func (r *RemoteCovenant) BuildMint(ctx context.Context,
	params *mintgarden.MintParams) (*psbt.Packet, error) {

	body, err := json.Marshal(newMintRequest(params))
	if err != nil {
		return nil, err
	}

	retryCfg := r.cfg.Retry
	retryCfg.ShouldRetry = isTransient

	packet, err := fn.RetryFuncN(ctx, retryCfg, func() (string, error) {
		return r.post(ctx, mintPath, body)
	})
	if err != nil {
		return nil, err
	}

	pkt, err := psbt.NewFromRawBytes(strings.NewReader(packet), true)
	if err != nil {
		return nil, fmt.Errorf("unable to decode mint psbt: %w", err)
	}

	return pkt, nil
}

// post issues a single request and returns the base64 encoded packet.
func (r *RemoteCovenant) post(ctx context.Context, path string,
	body []byte) (string, error) {

	reqURL := strings.TrimSuffix(r.cfg.Host, "/") + path
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, reqURL, bytes.NewReader(body),
	)
	if err != nil {
		return "", fmt.Errorf("unable to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("builder request failed: %w", err)
	}
	defer resp.Body.Close()

	log.Tracef("POST %v: status=%d, latency=%v", path, resp.StatusCode,
		time.Since(start))

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return "", &BuilderError{
			HTTPStatus: resp.StatusCode,
			Msg:        strings.TrimSpace(string(msg)),
		}
	}

	var mintResp mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&mintResp); err != nil {
		return "", fmt.Errorf("unable to decode response: %w", err)
	}

	if mintResp.Code != 0 {
		return "", &BuilderError{
			HTTPStatus: resp.StatusCode,
			Msg:        mintResp.Msg,
		}
	}

	if mintResp.Data.Psbt == "" {
		return "", errors.New("builder returned no psbt")
	}

	return mintResp.Data.Psbt, nil
}

// isTransient returns true for builder errors worth repeating right away.
func isTransient(err error) bool {
	if fn.IsCanceled(err) {
		return false
	}

	var builderErr *BuilderError
	if errors.As(err, &builderErr) {
		switch builderErr.HTTPStatus {
		case http.StatusTooManyRequests, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:

			return true

		default:
			return false
		}
	}

	return true
}

var _ Covenant = (*RemoteCovenant)(nil)
