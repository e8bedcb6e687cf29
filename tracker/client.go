package tracker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/catmint/catmint/fn"
	"github.com/catmint/catmint/mintgarden"
	"github.com/catmint/catmint/token"
)

const (
	// DefaultTimeout is the default timeout of a single tracker request.
	DefaultTimeout = 10 * time.Second

	// maxErrBody bounds how much of an error response body is read.
	maxErrBody = 2048
)

// Config is the configuration of the tracker client.
type Config struct {
	// Host is the base URL of the tracker, e.g. http://127.0.0.1:3000.
	Host string

	// Timeout bounds every single HTTP request.
	Timeout time.Duration

	// Retry is the retry policy for transient failures.
	Retry fn.RetryConfig

	// UserAgent is sent with every request if set.
	UserAgent string
}

// StatusError is returned for a tracker response with a non-OK HTTP status or
// a non-zero response code.
type StatusError struct {
	// HTTPStatus is the HTTP status code.
	HTTPStatus int

	// Code is the tracker's response code.
	Code int

	// Msg is the tracker's message or the response body.
	Msg string
}

// Error returns the error string.
func (e *StatusError) Error() string {
	return fmt.Sprintf("tracker error (status=%d, code=%d): %v",
		e.HTTPStatus, e.Code, e.Msg)
}

// transient returns true if the request might succeed when repeated.
func (e *StatusError) transient() bool {
	switch e.HTTPStatus {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		http.StatusInternalServerError:

		return true

	default:
		return false
	}
}

// envelope wraps every tracker response.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client talks to a CAT protocol tracker over its REST API. It resolves token
// metadata and the minter outputs of a token.
type Client struct {
	cfg  *Config
	http *http.Client
}

// NewClient creates a new tracker client.
func NewClient(cfg *Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = fn.DefaultRetryConfig()
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// FetchToken returns the metadata of the token with the passed id.
func (c *Client) FetchToken(ctx context.Context,
	tokenID string) (*token.Metadata, error) {

	var meta *token.Metadata
	err := c.get(ctx, "/api/tokens/"+url.PathEscape(tokenID), &meta)
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr) &&
		statusErr.HTTPStatus == http.StatusNotFound:

		return nil, fmt.Errorf("%w: %v", mintgarden.ErrTokenNotFound,
			tokenID)

	case err != nil:
		return nil, err

	// The tracker answers with an empty data field for unknown tokens.
	case meta == nil || meta.TokenID == "":
		return nil, fmt.Errorf("%w: %v", mintgarden.ErrTokenNotFound,
			tokenID)
	}

	log.Debugf("Fetched token %v (%v), minter %v", meta.TokenID,
		meta.Info.Symbol, meta.Info.MinterMd5)

	return meta, nil
}

// CountMinters returns the number of unspent minter outputs of the token.
func (c *Client) CountMinters(ctx context.Context,
	tokenID string) (uint64, error) {

	var resp struct {
		Count              jsonUint `json:"count"`
		TrackerBlockHeight uint32   `json:"trackerBlockHeight"`
	}
	path := fmt.Sprintf(
		"/api/minters/%v/utxoCount", url.PathEscape(tokenID),
	)
	if err := c.get(ctx, path, &resp); err != nil {
		return 0, err
	}

	log.Tracef("Token %v has %d minters at height %d", tokenID,
		resp.Count, resp.TrackerBlockHeight)

	return uint64(resp.Count), nil
}

// minterUtxo is a single minter output as returned by the tracker.
type minterUtxo struct {
	Utxo struct {
		TxID        string   `json:"txId"`
		OutputIndex uint32   `json:"outputIndex"`
		Script      string   `json:"script"`
		Satoshis    jsonUint `json:"satoshis"`
	} `json:"utxo"`

	TxoStateHashes []string `json:"txoStateHashes"`

	State *struct {
		IsPremined      bool     `json:"isPremined"`
		RemainingSupply jsonUint `json:"remainingSupply"`
		RemainingCount  jsonUint `json:"remainingCount"`
	} `json:"state"`
}

// FetchMinter returns the minter output at the given offset. If there's no
// output at the offset anymore, nil is returned.
func (c *Client) FetchMinter(ctx context.Context, tokenID string,
	offset uint64) (*mintgarden.MinterResource, error) {

	var resp struct {
		Utxos []*minterUtxo `json:"utxos"`
	}
	path := fmt.Sprintf("/api/minters/%v/utxos?limit=1&offset=%d",
		url.PathEscape(tokenID), offset)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	if len(resp.Utxos) == 0 {
		return nil, nil
	}

	return parseMinter(resp.Utxos[0])
}

// parseMinter converts the tracker's representation of a minter output.
func parseMinter(m *minterUtxo) (*mintgarden.MinterResource, error) {
	txid, err := chainhash.NewHashFromStr(m.Utxo.TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid minter txid: %w", err)
	}

	pkScript, err := hex.DecodeString(m.Utxo.Script)
	if err != nil {
		return nil, fmt.Errorf("invalid minter script: %w", err)
	}

	minter := &mintgarden.MinterResource{
		OutPoint: wire.OutPoint{
			Hash:  *txid,
			Index: m.Utxo.OutputIndex,
		},
		Value:          btcutil.Amount(m.Utxo.Satoshis),
		PkScript:       pkScript,
		TxoStateHashes: m.TxoStateHashes,
	}

	// A minter without state data is a fresh genesis minter.
	if m.State != nil {
		minter.IsPremined = m.State.IsPremined
		minter.RemainingSupply = token.Amount(m.State.RemainingSupply)
		minter.RemainingCount = uint64(m.State.RemainingCount)
	}

	return minter, nil
}

// get issues a GET request against the tracker and decodes the data field of
// the response into target. Transient failures are retried.
func (c *Client) get(ctx context.Context, path string, target any) error {
	retryCfg := c.cfg.Retry
	retryCfg.ShouldRetry = isTransient

	doReq := func() (json.RawMessage, error) {
		return c.do(ctx, path)
	}
	data, err := fn.RetryFuncN(ctx, retryCfg, doReq)
	if err != nil {
		return err
	}

	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unable to decode %v: %w", path, err)
	}

	return nil
}

// do issues a single request and returns the data field of the response.
func (c *Client) do(ctx context.Context, path string) (json.RawMessage,
	error) {

	reqURL := strings.TrimSuffix(c.cfg.Host, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker request %v failed: %w", path, err)
	}
	defer resp.Body.Close()

	log.Tracef("GET %v: status=%d, latency=%v", path, resp.StatusCode,
		time.Since(start))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, &StatusError{
			HTTPStatus: resp.StatusCode,
			Msg:        strings.TrimSpace(string(body)),
		}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("unable to decode response: %w", err)
	}

	if env.Code != 0 {
		return nil, &StatusError{
			HTTPStatus: resp.StatusCode,
			Code:       env.Code,
			Msg:        env.Msg,
		}
	}

	if string(env.Data) == "null" {
		return nil, nil
	}

	return env.Data, nil
}

// isTransient returns true for errors worth retrying. Cancellation and
// permanent tracker errors are not retried.
func isTransient(err error) bool {
	if fn.IsCanceled(err) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.transient()
	}

	return true
}

// jsonUint is an unsigned integer that the tracker either encodes as a JSON
// number or, for big values, as a string.
type jsonUint uint64

// UnmarshalJSON decodes a number or a numeric string.
func (j *jsonUint) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*j = 0
		return nil
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unsigned integer %s: %w", b, err)
	}

	*j = jsonUint(v)
	return nil
}

var _ mintgarden.MinterSource = (*Client)(nil)
var _ mintgarden.TokenStore = (*Client)(nil)
