package cattx

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/catmint/catmint/mintgarden"
	"github.com/davecgh/go-spew/spew"
)

const (
	// DefaultMaxFeeMultiple is the factor by which the absolute fee of a
	// mint may exceed the fee expected for the requested rate.
	DefaultMaxFeeMultiple = 10
)

var (
	// ErrFeeTooHigh is returned if the builder created a transaction that
	// pays much more fees than requested.
	ErrFeeTooHigh = errors.New("mint transaction fee too high")

	// ErrUnsignedFeeInputs is returned if not all fee inputs of the mint
	// could be signed.
	ErrUnsignedFeeInputs = errors.New("fee inputs left unsigned")
)

// Broadcaster publishes transactions to the network.
type Broadcaster interface {
	// PublishTransaction broadcasts the transaction and returns its txid.
	PublishTransaction(ctx context.Context,
		tx *wire.MsgTx) (*chainhash.Hash, error)
}

// MintBuilderConfig holds the collaborators of the MintBuilder.
type MintBuilderConfig struct {
	// Covenant creates the unsigned mint packet.
	Covenant Covenant

	// Signer signs the fee inputs.
	Signer Signer

	// Broadcaster publishes the final transaction.
	Broadcaster Broadcaster

	// MaxFeeMultiple bounds the absolute fee, see DefaultMaxFeeMultiple.
	MaxFeeMultiple int64
}

// MintBuilder implements the mintgarden.MintTxBuilder. It lets the covenant
// builder create the mint packet, signs the fee inputs with the wallet key and
// broadcasts the final transaction.
type MintBuilder struct {
	cfg *MintBuilderConfig
}

// NewMintBuilder creates a new mint transaction builder.
func NewMintBuilder(cfg *MintBuilderConfig) *MintBuilder {
	if cfg.MaxFeeMultiple <= 0 {
		cfg.MaxFeeMultiple = DefaultMaxFeeMultiple
	}

	return &MintBuilder{
		cfg: cfg,
	}
}

// BuildAndBroadcast creates a mint transaction for the passed params and
// publishes it.
func (m *MintBuilder) BuildAndBroadcast(ctx context.Context,
	params *mintgarden.MintParams) (*chainhash.Hash, error) {

	pkt, err := m.cfg.Covenant.BuildMint(ctx, params)
	var builderErr *BuilderError
	switch {
	// The builder refuses to spend a minter that it already saw spent.
	case errors.As(err, &builderErr) &&
		builderErr.HTTPStatus == http.StatusConflict:

		return nil, fmt.Errorf("%w: %v", mintgarden.ErrNeedRetry, err)

	case err != nil:
		return nil, fmt.Errorf("unable to build mint: %w", err)
	}

	tx, err := m.signMint(pkt, params)
	if err != nil {
		return nil, err
	}

	log.Debugf("Broadcasting mint tx %v spending minter %v",
		tx.TxHash(), params.Minter.OutPoint)

	txid, err := m.cfg.Broadcaster.PublishTransaction(ctx, tx)
	if err != nil {
		return nil, classifyBroadcastErr(err)
	}

	return txid, nil
}

// signMint completes the witness UTXOs of the fee inputs, signs them and
// extracts the final transaction.
func (m *MintBuilder) signMint(pkt *psbt.Packet,
	params *mintgarden.MintParams) (*wire.MsgTx, error) {

	if err := addFeeUtxos(pkt, params.FeeInputs); err != nil {
		return nil, err
	}

	signed, err := m.cfg.Signer.SignPacket(pkt)
	if err != nil {
		return nil, fmt.Errorf("unable to sign mint: %w", err)
	}
	if signed < len(params.FeeInputs) {
		return nil, fmt.Errorf("%w: signed %d of %d",
			ErrUnsignedFeeInputs, signed, len(params.FeeInputs))
	}

	err = psbt.MaybeFinalizeAll(pkt)
	if err != nil {
		log.Debugf("Unable to finalize mint packet: %v",
			spew.Sdump(pkt))
		return nil, fmt.Errorf("unable to finalize psbt: %w", err)
	}

	tx, err := psbt.Extract(pkt)
	if err != nil {
		return nil, fmt.Errorf("unable to extract psbt: %w", err)
	}

	if err := m.checkFee(pkt, tx, params); err != nil {
		return nil, err
	}

	return tx, nil
}

// addFeeUtxos sets the witness UTXO of every fee input the covenant builder
// left empty.
func addFeeUtxos(pkt *psbt.Packet,
	feeInputs []*mintgarden.SpendableInput) error {

	utxos := make(map[wire.OutPoint]*mintgarden.SpendableInput)
	for _, in := range feeInputs {
		utxos[in.OutPoint] = in
	}

	found := 0
	for idx, txIn := range pkt.UnsignedTx.TxIn {
		in, ok := utxos[txIn.PreviousOutPoint]
		if !ok {
			continue
		}
		found++

		if pkt.Inputs[idx].WitnessUtxo != nil {
			continue
		}
		pkt.Inputs[idx].WitnessUtxo = wire.NewTxOut(
			int64(in.Value), in.PkScript,
		)
	}

	if found != len(feeInputs) {
		return fmt.Errorf("mint spends %d of %d fee inputs", found,
			len(feeInputs))
	}

	return nil
}

// checkFee makes sure the transaction doesn't burn an unreasonable amount of
// fees.
func (m *MintBuilder) checkFee(pkt *psbt.Packet, tx *wire.MsgTx,
	params *mintgarden.MintParams) error {

	if len(pkt.Inputs) != len(tx.TxIn) {
		return fmt.Errorf("mint has %d inputs but %d psbt inputs",
			len(tx.TxIn), len(pkt.Inputs))
	}

	var in, out int64
	for idx := range pkt.Inputs {
		utxo, err := spentOutput(
			&pkt.Inputs[idx], tx.TxIn[idx].PreviousOutPoint,
		)
		if err != nil {
			return fmt.Errorf("input %d of mint: %w", idx, err)
		}

		in += utxo.Value
	}
	for _, txOut := range tx.TxOut {
		out += txOut.Value
	}

	fee := btcutil.Amount(in - out)
	if fee < 0 {
		return fmt.Errorf("mint outputs exceed inputs by %v", -fee)
	}

	expected := params.FeeRate.FeeForVSize(virtualSize(tx))
	if expected > 0 && fee > expected*btcutil.Amount(m.cfg.MaxFeeMultiple) {
		return fmt.Errorf("%w: %v, expected %v", ErrFeeTooHigh, fee,
			expected)
	}

	log.Tracef("Mint tx %v pays %v in fees (%v)", tx.TxHash(), fee,
		params.FeeRate)

	return nil
}

// virtualSize returns the virtual size of a transaction in vbytes.
func virtualSize(tx *wire.MsgTx) int64 {
	baseSize := tx.SerializeSizeStripped()
	totalSize := tx.SerializeSize()
	weight := int64(baseSize*3 + totalSize)

	return (weight + 3) / 4
}

var _ mintgarden.MintTxBuilder = (*MintBuilder)(nil)
