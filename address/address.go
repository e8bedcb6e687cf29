package address

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
)

var (
	// ErrInvalidPubKey is returned if a recipient public key can't be
	// parsed as a 32-byte x-only key.
	ErrInvalidPubKey = errors.New("invalid recipient public key")

	// ErrMissingAddress is returned if a recipient public key was given
	// without the matching address used for cross-checking.
	ErrMissingAddress = errors.New("recipient address required when " +
		"setting a recipient public key")

	// ErrAddressMismatch is returned if the supplied recipient address
	// doesn't match any of the addresses derived from the public key.
	ErrAddressMismatch = errors.New("recipient address does not match " +
		"public key")
)

// Derived holds the address forms derived from a single 32-byte x-only
// public key.
type Derived struct {
	// XOnlyKey is the serialized 32-byte key all forms are derived from.
	XOnlyKey [schnorr.PubKeyBytesLen]byte

	// Legacy is the base58 check encoding of the key with the network's
	// pay-to-pubkey-hash version byte.
	Legacy string

	// NativeSegwit is the bech32 encoding of the key as a 32-byte witness
	// v0 program.
	NativeSegwit string

	// Taproot is the bech32m encoding of the key as a witness v1 program.
	Taproot string
}

// Matches returns true if the passed address equals either the native segwit
// or the taproot form.
func (d *Derived) Matches(addr string) bool {
	return addr == d.NativeSegwit || addr == d.Taproot
}

// ParseXOnlyKey decodes a hex encoded 32-byte x-only public key.
func ParseXOnlyKey(pubKeyHex string) (*btcec.PublicKey, error) {
	keyBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}

	if len(keyBytes) != schnorr.PubKeyBytesLen {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidPubKey, schnorr.PubKeyBytesLen, len(keyBytes))
	}

	key, err := schnorr.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}

	return key, nil
}

// Derive creates all address forms for the passed x-only public key on the
// given network. The key is used as the witness program directly, no taproot
// tweak is applied.
func Derive(key *btcec.PublicKey, params *chaincfg.Params) (*Derived,
	error) {

	var xOnly [schnorr.PubKeyBytesLen]byte
	copy(xOnly[:], schnorr.SerializePubKey(key))

	segwit, err := btcutil.NewAddressWitnessScriptHash(xOnly[:], params)
	if err != nil {
		return nil, fmt.Errorf("unable to derive segwit address: %w",
			err)
	}

	taproot, err := btcutil.NewAddressTaproot(xOnly[:], params)
	if err != nil {
		return nil, fmt.Errorf("unable to derive taproot address: %w",
			err)
	}

	return &Derived{
		XOnlyKey:     xOnly,
		Legacy:       base58.CheckEncode(xOnly[:], params.PubKeyHashAddrID),
		NativeSegwit: segwit.EncodeAddress(),
		Taproot:      taproot.EncodeAddress(),
	}, nil
}

// ValidateRecipient parses the recipient public key, derives its address
// forms and checks that the caller supplied address matches one of them. Any
// failure here is a hard precondition failure.
func ValidateRecipient(pubKeyHex, addr string,
	params *chaincfg.Params) (*Derived, error) {

	key, err := ParseXOnlyKey(pubKeyHex)
	if err != nil {
		return nil, err
	}

	derived, err := Derive(key, params)
	if err != nil {
		return nil, err
	}

	log.Infof("Recipient %x derives native segwit address %v, taproot "+
		"address %v", derived.XOnlyKey[:], derived.NativeSegwit,
		derived.Taproot)

	if addr == "" {
		return nil, ErrMissingAddress
	}

	if !derived.Matches(addr) {
		return nil, fmt.Errorf("%w: got %v, expected %v or %v",
			ErrAddressMismatch, addr, derived.NativeSegwit,
			derived.Taproot)
	}

	return derived, nil
}
