package cattx

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrMissingUtxo is returned if an input of a packet doesn't carry
	// the output it spends.
	ErrMissingUtxo = errors.New("input without utxo")

	// ErrInvalidUtxo is returned if the previous transaction of an input
	// doesn't contain the spent outpoint.
	ErrInvalidUtxo = errors.New("invalid input utxo")
)

// PayToTaprootScript creates the output script of a taproot output key.
func PayToTaprootScript(taprootKey *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(taprootKey)).
		Script()
}

// Signer signs the wallet owned inputs of a mint packet.
type Signer interface {
	// SignPacket adds a final witness to every input of the packet the
	// signer owns and returns the number of signed inputs.
	SignPacket(pkt *psbt.Packet) (int, error)
}

// KeySigner signs BIP-0086 key spend inputs of a single private key.
type KeySigner struct {
	privKey  *btcec.PrivateKey
	pkScript []byte
}

// NewKeySigner creates a signer for the BIP-0086 taproot output of the key.
func NewKeySigner(privKey *btcec.PrivateKey) (*KeySigner, error) {
	outputKey := txscript.ComputeTaprootKeyNoScript(privKey.PubKey())
	pkScript, err := PayToTaprootScript(outputKey)
	if err != nil {
		return nil, err
	}

	return &KeySigner{
		privKey:  privKey,
		pkScript: pkScript,
	}, nil
}

// PkScript returns the output script the signer can spend.
func (k *KeySigner) PkScript() []byte {
	return k.pkScript
}

// spentOutput returns the output spent by a packet input. The witness UTXO
// is preferred, a full previous transaction must match the outpoint.
func spentOutput(pIn *psbt.PInput, prevOut wire.OutPoint) (*wire.TxOut,
	error) {

	switch {
	case pIn.WitnessUtxo != nil:
		return pIn.WitnessUtxo, nil

	case pIn.NonWitnessUtxo != nil:
		prevTx := pIn.NonWitnessUtxo
		if prevTx.TxHash() != prevOut.Hash {
			return nil, fmt.Errorf("%w: previous tx %v doesn't "+
				"match outpoint %v", ErrInvalidUtxo,
				prevTx.TxHash(), prevOut)
		}
		if prevOut.Index >= uint32(len(prevTx.TxOut)) {
			return nil, fmt.Errorf("%w: outpoint %v out of range "+
				"of %d outputs", ErrInvalidUtxo, prevOut,
				len(prevTx.TxOut))
		}

		return prevTx.TxOut[prevOut.Index], nil

	default:
		return nil, ErrMissingUtxo
	}
}

// prevOutFetcher collects the spent outputs of all inputs of the packet.
func prevOutFetcher(pkt *psbt.Packet) (*txscript.MultiPrevOutFetcher, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range pkt.UnsignedTx.TxIn {
		prevOut := txIn.PreviousOutPoint
		utxo, err := spentOutput(&pkt.Inputs[idx], prevOut)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", idx, err)
		}

		fetcher.AddPrevOut(prevOut, utxo)
	}

	return fetcher, nil
}

// SignPacket adds a key spend witness to every input that spends the signer's
// output script.
func (k *KeySigner) SignPacket(pkt *psbt.Packet) (int, error) {
	fetcher, err := prevOutFetcher(pkt)
	if err != nil {
		return 0, err
	}

	tx := pkt.UnsignedTx
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	var signed int
	for idx := range pkt.Inputs {
		pIn := &pkt.Inputs[idx]
		utxo := fetcher.FetchPrevOutput(tx.TxIn[idx].PreviousOutPoint)
		if len(pIn.FinalScriptWitness) > 0 ||
			!bytes.Equal(utxo.PkScript, k.pkScript) {

			continue
		}

		sig, err := txscript.RawTxInTaprootSignature(
			tx, sigHashes, idx, utxo.Value, utxo.PkScript, nil,
			txscript.SigHashDefault, k.privKey,
		)
		if err != nil {
			return 0, fmt.Errorf("unable to sign input %d: %w", idx,
				err)
		}

		var witness bytes.Buffer
		err = psbt.WriteTxWitness(&witness, wire.TxWitness{sig})
		if err != nil {
			return 0, err
		}

		pIn.TaprootKeySpendSig = sig
		pIn.FinalScriptWitness = witness.Bytes()
		signed++
	}

	return signed, nil
}

var _ Signer = (*KeySigner)(nil)
