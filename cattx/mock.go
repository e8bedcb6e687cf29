package cattx

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/catmint/catmint/mintgarden"
)

// MockCovenant returns packets created by a callback.
type MockCovenant struct {
	BuildFunc func(*mintgarden.MintParams) (*psbt.Packet, error)
}

func (m *MockCovenant) BuildMint(_ context.Context,
	params *mintgarden.MintParams) (*psbt.Packet, error) {

	return m.BuildFunc(params)
}

// MockBroadcaster records published transactions.
type MockBroadcaster struct {
	mu sync.Mutex

	// Published holds all transactions that were accepted.
	Published []*wire.MsgTx

	// Errors are returned by consecutive calls. Once exhausted, calls
	// succeed.
	Errors []error
}

func (m *MockBroadcaster) PublishTransaction(_ context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Errors) > 0 {
		err := m.Errors[0]
		m.Errors = m.Errors[1:]
		return nil, err
	}

	m.Published = append(m.Published, tx)

	txid := tx.TxHash()
	return &txid, nil
}

var _ Covenant = (*MockCovenant)(nil)
var _ Broadcaster = (*MockBroadcaster)(nil)
