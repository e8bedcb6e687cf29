package mintgarden

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/catmint/catmint/address"
	"github.com/catmint/catmint/token"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

var (
	// ErrTokenNotFound is returned by a TokenStore if no metadata is known
	// for the requested token.
	ErrTokenNotFound = errors.New("token not found")

	// ErrNeedRetry is wrapped by a MintTxBuilder for failures that are
	// expected under contention, like losing the race for a minter output
	// or a fee rate that is too low. The worker backs off and selects a
	// fresh minter when it sees this error.
	ErrNeedRetry = errors.New("mint needs retry")

	// ErrMissingTxid is returned if a builder reports success without the
	// txid of the mint.
	ErrMissingTxid = errors.New("mint builder returned no txid")
)

// SpendableInput is an unspent output owned by the wallet that can be used to
// pay the fees of a mint transaction.
type SpendableInput struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Value is the amount of satoshis carried by the output.
	Value btcutil.Amount

	// PkScript is the output script, needed to sign the input.
	PkScript []byte
}

// MinterResource is a handle to a single minter output of a token together
// with the part of its covenant state the worker needs to validate a mint.
type MinterResource struct {
	// OutPoint is the minter output that is spent by the mint.
	OutPoint wire.OutPoint

	// Value is the amount of satoshis locked in the minter output.
	Value btcutil.Amount

	// PkScript is the covenant script of the minter output.
	PkScript []byte

	// TxoStateHashes are the state hashes committed to by the transaction
	// that created the minter output.
	TxoStateHashes []string

	// IsPremined is true once the premine has been minted from this minter
	// lineage.
	IsPremined bool

	// RemainingSupply is the amount that can still be minted from this
	// minter output and its future splits. Only tracked by OpenMinterV1.
	RemainingSupply token.Amount

	// RemainingCount is the number of limit sized mints left in this
	// minter output. Only tracked by OpenMinterV2.
	RemainingCount uint64
}

// MinterSource gives read access to the set of minter outputs of a token.
type MinterSource interface {
	// CountMinters returns the number of unspent minter outputs of the
	// token.
	CountMinters(ctx context.Context, tokenID string) (uint64, error)

	// FetchMinter returns the minter output at the given offset. A nil
	// minter without an error means the output was spent in the meantime.
	FetchMinter(ctx context.Context, tokenID string,
		offset uint64) (*MinterResource, error)
}

// TokenStore resolves token metadata.
type TokenStore interface {
	// FetchToken returns the metadata of the token with the given id, or
	// ErrTokenNotFound.
	FetchToken(ctx context.Context, tokenID string) (*token.Metadata,
		error)
}

// SpendTracker keeps track of fee inputs that were already spent by a mint
// transaction that may not have confirmed yet.
type SpendTracker interface {
	// IsUnspent returns true if the outpoint wasn't used by a previous
	// mint.
	IsUnspent(ctx context.Context, op wire.OutPoint) (bool, error)

	// MarkSpent records the outpoints as spent by the given transaction.
	MarkSpent(ctx context.Context, txid chainhash.Hash,
		ops ...wire.OutPoint) error
}

// WalletAnchor is the wallet that owns the fee inputs.
type WalletAnchor interface {
	// Address returns the wallet address holding the fee inputs. Change
	// of mint transactions is also sent here.
	Address() btcutil.Address
}

// ChainBridge is our interface to the chain backend.
type ChainBridge interface {
	// EstimateFee returns a fee estimate for the confirmation target.
	EstimateFee(ctx context.Context,
		confTarget uint32) (chainfee.SatPerKVByte, error)

	// ListUnspent returns all unspent outputs of the given address.
	ListUnspent(ctx context.Context,
		addr btcutil.Address) ([]*SpendableInput, error)
}

// MintParams carries everything needed to construct a single mint
// transaction.
type MintParams struct {
	// Token is the token being minted.
	Token *token.Metadata

	// Minter is the minter output that is spent.
	Minter *MinterResource

	// Amount is the scaled number of token units to mint.
	Amount token.Amount

	// FeeInputs are the wallet outputs paying for the transaction.
	FeeInputs []*SpendableInput

	// FeeRate is the fee rate to use.
	FeeRate chainfee.SatPerKVByte

	// ChangeAddr receives the left over fee input value.
	ChangeAddr btcutil.Address

	// Recipient optionally overrides the owner of the minted tokens. If
	// nil, the tokens are sent to the wallet.
	Recipient *address.Derived
}

// MintTxBuilder constructs, signs and broadcasts mint transactions.
type MintTxBuilder interface {
	// BuildAndBroadcast creates a mint transaction for the passed params
	// and publishes it. Errors that wrap ErrNeedRetry are retried by the
	// caller, any other error is final for the worker.
	BuildAndBroadcast(ctx context.Context,
		params *MintParams) (*chainhash.Hash, error)
}

// MintLog persists the outcomes of mint runs.
type MintLog interface {
	// LogOutcome records the outcome of a single worker of a run.
	LogOutcome(ctx context.Context, runID, tokenID string,
		outcome *WorkerOutcome) error
}

// WorkerState is an enum that represents the states of the mint worker state
// machine.
type WorkerState uint8

const (
	// WorkerStateSelectMinter is the initial state. The worker picks a
	// minter output at a random offset.
	WorkerStateSelectMinter WorkerState = 0

	// WorkerStateValidate checks the requested amount against the premine
	// and limit of the token and the state of the selected minter.
	WorkerStateValidate WorkerState = 1

	// WorkerStateAttempt hands the mint off to the MintTxBuilder.
	WorkerStateAttempt WorkerState = 2

	// WorkerStateSuccess is a terminal state, the mint was broadcast.
	WorkerStateSuccess WorkerState = 3

	// WorkerStateAbort is a terminal state, the worker either exhausted
	// its attempts or hit a fatal error.
	WorkerStateAbort WorkerState = 4
)

// String returns a human-readable string for the target worker state.
func (s WorkerState) String() string {
	switch s {
	case WorkerStateSelectMinter:
		return "WorkerStateSelectMinter"

	case WorkerStateValidate:
		return "WorkerStateValidate"

	case WorkerStateAttempt:
		return "WorkerStateAttempt"

	case WorkerStateSuccess:
		return "WorkerStateSuccess"

	case WorkerStateAbort:
		return "WorkerStateAbort"

	default:
		return fmt.Sprintf("UnknownState(%v)", int(s))
	}
}
