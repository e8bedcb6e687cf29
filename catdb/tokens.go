package catdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/catmint/catmint/mintgarden"
	"github.com/catmint/catmint/token"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	selectTokenMetadata = `
SELECT metadata FROM token_metadata
WHERE token_id = $1`

	upsertTokenMetadata = `
INSERT INTO token_metadata (token_id, symbol, minter_md5, metadata, fetched_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (token_id) DO UPDATE SET
    symbol = excluded.symbol,
    minter_md5 = excluded.minter_md5,
    metadata = excluded.metadata,
    fetched_at = excluded.fetched_at`
)

// TokenCache is a mintgarden.TokenStore that persists the metadata returned
// by an upstream store. Deploy information of a token never changes, so a
// cached entry is served without asking the upstream store again.
type TokenCache struct {
	db *TransactionExecutor[Querier]

	upstream mintgarden.TokenStore

	clock clock.Clock
}

// NewTokenCache creates a new token cache in front of the upstream store.
func NewTokenCache(db BatchedQuerier, upstream mintgarden.TokenStore,
	clock clock.Clock) *TokenCache {

	return &TokenCache{
		db:       newQuerierExecutor(db),
		upstream: upstream,
		clock:    clock,
	}
}

// FetchToken returns the metadata of the token with the given id.
func (t *TokenCache) FetchToken(ctx context.Context,
	tokenID string) (*token.Metadata, error) {

	meta, err := t.cached(ctx, tokenID)
	switch {
	case err == nil:
		log.Tracef("Token %v served from cache", tokenID)
		return meta, nil

	case !errors.Is(err, mintgarden.ErrTokenNotFound):
		return nil, err
	}

	meta, err = t.upstream.FetchToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	if err := t.store(ctx, meta); err != nil {
		// The metadata is still good, we just fetch it again next
		// time.
		log.Warnf("Unable to cache token %v: %v", tokenID, err)
	}

	return meta, nil
}

// cached reads the metadata of a token from the database.
func (t *TokenCache) cached(ctx context.Context,
	tokenID string) (*token.Metadata, error) {

	var blob []byte
	err := t.db.ExecTx(ctx, ReadTxOption(), func(q Querier) error {
		return q.QueryRowContext(
			ctx, selectTokenMetadata, tokenID,
		).Scan(&blob)
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, mintgarden.ErrTokenNotFound

	case err != nil:
		return nil, fmt.Errorf("unable to read token %v: %w", tokenID,
			err)
	}

	var meta token.Metadata
	if err := json.Unmarshal(blob, &meta); err != nil {
		return nil, fmt.Errorf("unable to decode token %v: %w",
			tokenID, err)
	}

	return &meta, nil
}

// store upserts the metadata of a token.
func (t *TokenCache) store(ctx context.Context, meta *token.Metadata) error {
	blob, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	now := t.clock.Now().UTC()
	return t.db.ExecTx(ctx, WriteTxOption(), func(q Querier) error {
		_, err := q.ExecContext(
			ctx, upsertTokenMetadata, meta.TokenID,
			meta.Info.Symbol, string(meta.Info.MinterMd5), blob,
			now,
		)
		return err
	})
}

// A compile-time assertion to ensure TokenCache meets the
// mintgarden.TokenStore interface.
var _ mintgarden.TokenStore = (*TokenCache)(nil)
