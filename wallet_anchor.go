package catmint

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/catmint/catmint/cattx"
	"github.com/catmint/catmint/mintgarden"
)

// KeyWalletAnchor is an implementation of the mintgarden.WalletAnchor
// interface backed by a single private key. The fee inputs live in the
// BIP-0086 taproot output of that key.
type KeyWalletAnchor struct {
	addr   *btcutil.AddressTaproot
	signer *cattx.KeySigner
}

// NewKeyWalletAnchor creates a wallet anchor from a WIF encoded private key.
// The key must be encoded for the passed network.
func NewKeyWalletAnchor(wifKey string,
	params *chaincfg.Params) (*KeyWalletAnchor, error) {

	if wifKey == "" {
		return nil, fmt.Errorf("wallet key missing")
	}

	wif, err := btcutil.DecodeWIF(wifKey)
	if err != nil {
		return nil, fmt.Errorf("unable to decode wallet key: %w", err)
	}

	if !wif.IsForNet(params) {
		return nil, fmt.Errorf("wallet key is not for network %v",
			params.Name)
	}

	outputKey := txscript.ComputeTaprootKeyNoScript(wif.PrivKey.PubKey())
	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(outputKey), params,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to derive wallet address: %w",
			err)
	}

	signer, err := cattx.NewKeySigner(wif.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("unable to create signer: %w", err)
	}

	return &KeyWalletAnchor{
		addr:   addr,
		signer: signer,
	}, nil
}

// Address returns the taproot address holding the fee inputs.
func (k *KeyWalletAnchor) Address() btcutil.Address {
	return k.addr
}

// Signer returns the signer for the fee inputs.
func (k *KeyWalletAnchor) Signer() *cattx.KeySigner {
	return k.signer
}

// A compile-time assertion to ensure KeyWalletAnchor meets the
// mintgarden.WalletAnchor interface.
var _ mintgarden.WalletAnchor = (*KeyWalletAnchor)(nil)
