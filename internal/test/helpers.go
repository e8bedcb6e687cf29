package test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// RandBool rolls a random boolean.
func RandBool() bool {
	return rand.Int()%2 == 0
}

// RandInt makes a random integer of the specified type.
func RandInt[T ~int | ~int32 | ~int64 | ~uint32 | ~uint64]() T {
	return T(rand.Int63()) // nolint:gosec
}

func RandPrivKey(t *testing.T) *btcec.PrivateKey {
	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return privKey
}

func SchnorrPubKey(t *testing.T, privKey *btcec.PrivateKey) *btcec.PublicKey {
	return SchnorrKey(t, privKey.PubKey())
}

func SchnorrKey(t *testing.T, pubKey *btcec.PublicKey) *btcec.PublicKey {
	key, err := schnorr.ParsePubKey(schnorr.SerializePubKey(pubKey))
	require.NoError(t, err)
	return key
}

func RandPubKey(t *testing.T) *btcec.PublicKey {
	return SchnorrPubKey(t, RandPrivKey(t))
}

func RandBytes(num int) []byte {
	randBytes := make([]byte, num)
	_, _ = rand.Read(randBytes)
	return randBytes
}

// RandHash creates a random chain hash.
func RandHash() chainhash.Hash {
	var hash chainhash.Hash
	copy(hash[:], RandBytes(chainhash.HashSize))
	return hash
}

// RandOutPoint creates a random outpoint.
func RandOutPoint(t *testing.T) wire.OutPoint {
	return wire.OutPoint{
		Hash:  RandHash(),
		Index: uint32(rand.Int31n(10)),
	}
}

// RandTaprootPkScript creates a key spend only taproot output script for a
// random key.
func RandTaprootPkScript(t *testing.T) []byte {
	internalKey := RandPubKey(t)
	outputKey := txscript.ComputeTaprootKeyNoScript(internalKey)

	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(outputKey)).
		Script()
	require.NoError(t, err)

	return pkScript
}

// Guard returns a function that fails the test if it isn't called before the
// timeout passes. Used to make sure tests with goroutines don't hang forever.
func Guard(t *testing.T, timeout time.Duration) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			panic("test timeout")

		case <-done:
		}
	}()

	return func() {
		close(done)
	}
}
