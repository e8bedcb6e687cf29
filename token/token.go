package token

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned if a decimal amount can't be expressed
	// in the smallest token unit.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAmountOverflow is returned if a scaled amount doesn't fit into 64
	// bits.
	ErrAmountOverflow = errors.New("amount overflows 64 bits")
)

// MinterType identifies the covenant a token's minter is locked with. The
// value is the md5 of the minter contract as reported by the tracker.
type MinterType string

const (
	// OpenMinterV1 is the first open minter version. Its state tracks the
	// remaining issuable supply directly, and every mint may take up to
	// the per-mint limit.
	OpenMinterV1 MinterType = "21cbd2e538f2b6cc40ee180e174f1e25"

	// OpenMinterV2 is the second open minter version. Its state tracks
	// the number of remaining mints, and every mint must be exactly the
	// per-mint limit.
	OpenMinterV2 MinterType = "a6c2e92d74a23c07bb6220b676c6cb9b"
)

// String returns a human-readable string for the minter type.
func (m MinterType) String() string {
	switch m {
	case OpenMinterV1:
		return "OpenMinterV1"

	case OpenMinterV2:
		return "OpenMinterV2"

	default:
		return fmt.Sprintf("UnknownMinter(%s)", string(m))
	}
}

// IsOpenMinter returns true if the minter type is one of the open minter
// versions we know how to drive.
func (m MinterType) IsOpenMinter() bool {
	return m == OpenMinterV1 || m == OpenMinterV2
}

// OpenMinterInfo is the deploy-time configuration of an open minter token.
// All supply values are expressed in whole token units.
type OpenMinterInfo struct {
	// Name is the full token name.
	Name string `json:"name"`

	// Symbol is the ticker symbol of the token.
	Symbol string `json:"symbol"`

	// Decimals is the number of decimal places of the token.
	Decimals uint8 `json:"decimals"`

	// MinterMd5 identifies the minter covenant.
	MinterMd5 MinterType `json:"minterMd5"`

	// Max is the maximum total supply.
	Max uint64 `json:"max"`

	// Limit is the maximum amount a single mint may issue.
	Limit uint64 `json:"limit"`

	// Premine is the amount that must be issued by the very first mint,
	// zero if the token has no premine.
	Premine uint64 `json:"premine"`
}

// Metadata is the full description of a deployed token.
type Metadata struct {
	// TokenID is the genesis outpoint based identifier of the token.
	TokenID string `json:"tokenId"`

	// TokenAddr is the taproot address of the token covenant.
	TokenAddr string `json:"tokenAddr"`

	// MinterAddr is the taproot address of the minter covenant.
	MinterAddr string `json:"minterAddr"`

	// GenesisTxid is the txid of the genesis transaction.
	GenesisTxid string `json:"genesisTxid"`

	// RevealTxid is the txid of the deploy reveal transaction.
	RevealTxid string `json:"revealTxid"`

	// Timestamp is the deploy time as a unix timestamp.
	Timestamp int64 `json:"timestamp"`

	// Info holds the token's minter configuration.
	Info OpenMinterInfo `json:"info"`
}

// Amount is a token quantity in the token's smallest unit.
type Amount uint64

// Format renders the amount in whole token units given the token's number of
// decimals.
func (a Amount) Format(decimals uint8) string {
	d := decimal.NewFromBigInt(
		new(big.Int).SetUint64(uint64(a)), -int32(decimals),
	)

	return d.String()
}

// ScaledInfo is an OpenMinterInfo with all supply values scaled to the
// token's smallest unit.
type ScaledInfo struct {
	Name      string
	Symbol    string
	Decimals  uint8
	MinterMd5 MinterType
	Max       Amount
	Limit     Amount
	Premine   Amount
}

// scale multiplies a whole unit value by 10^decimals.
func scale(v uint64, decimals uint8) (Amount, error) {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)

	return toAmount(d.Shift(int32(decimals)))
}

// toAmount converts an already scaled decimal into an Amount.
func toAmount(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %v is negative", ErrInvalidAmount, d)
	}

	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("%w: %v has too many decimal places",
			ErrInvalidAmount, d)
	}

	i := d.BigInt()
	if !i.IsUint64() {
		return 0, fmt.Errorf("%w: %v", ErrAmountOverflow, d)
	}

	return Amount(i.Uint64()), nil
}

// ScaleConfig scales the supply values of the passed token configuration to
// the token's smallest unit.
func ScaleConfig(info *OpenMinterInfo) (*ScaledInfo, error) {
	maxSupply, err := scale(info.Max, info.Decimals)
	if err != nil {
		return nil, fmt.Errorf("unable to scale max supply: %w", err)
	}

	limit, err := scale(info.Limit, info.Decimals)
	if err != nil {
		return nil, fmt.Errorf("unable to scale limit: %w", err)
	}

	premine, err := scale(info.Premine, info.Decimals)
	if err != nil {
		return nil, fmt.Errorf("unable to scale premine: %w", err)
	}

	return &ScaledInfo{
		Name:      info.Name,
		Symbol:    info.Symbol,
		Decimals:  info.Decimals,
		MinterMd5: info.MinterMd5,
		Max:       maxSupply,
		Limit:     limit,
		Premine:   premine,
	}, nil
}

// ScaleAmount parses a decimal amount in whole token units and scales it to
// the token's smallest unit. Amounts with more decimal places than the token
// supports are rejected rather than silently rounded.
func ScaleAmount(amount string, decimals uint8) (Amount, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, amount,
			err)
	}

	return toAmount(d.Shift(int32(decimals)))
}
