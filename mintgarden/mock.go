package mintgarden

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/catmint/catmint/token"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// MockMinterSource serves a fixed set of minters.
type MockMinterSource struct {
	mu sync.Mutex

	// Minters is the current set of minter outputs.
	Minters []*MinterResource

	// Counts, if non-empty, overrides the minter count of consecutive
	// CountMinters calls. Once exhausted, len(Minters) is returned.
	Counts []uint64

	// Offsets records the offset of every FetchMinter call.
	Offsets []uint64

	// CountCalls is the number of CountMinters calls.
	CountCalls int
}

func NewMockMinterSource(minters ...*MinterResource) *MockMinterSource {
	return &MockMinterSource{
		Minters: minters,
	}
}

func (m *MockMinterSource) CountMinters(_ context.Context,
	_ string) (uint64, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.CountCalls++
	if len(m.Counts) > 0 {
		count := m.Counts[0]
		m.Counts = m.Counts[1:]
		return count, nil
	}

	return uint64(len(m.Minters)), nil
}

func (m *MockMinterSource) FetchMinter(_ context.Context, _ string,
	offset uint64) (*MinterResource, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Offsets = append(m.Offsets, offset)
	if offset >= uint64(len(m.Minters)) {
		return nil, nil
	}

	return m.Minters[offset], nil
}

// MockMintTxBuilder records all mint attempts.
type MockMintTxBuilder struct {
	mu sync.Mutex

	// Calls holds the params of every BuildAndBroadcast call.
	Calls []*MintParams

	// Errors are returned by consecutive calls. Once exhausted, calls
	// succeed.
	Errors []error

	// BuildFunc, if set, replaces the default behavior.
	BuildFunc func(context.Context, *MintParams) (*chainhash.Hash, error)
}

func (m *MockMintTxBuilder) BuildAndBroadcast(ctx context.Context,
	params *MintParams) (*chainhash.Hash, error) {

	m.mu.Lock()
	m.Calls = append(m.Calls, params)
	callNum := len(m.Calls)

	var err error
	if len(m.Errors) > 0 {
		err = m.Errors[0]
		m.Errors = m.Errors[1:]
	}
	buildFunc := m.BuildFunc
	m.mu.Unlock()

	if buildFunc != nil {
		return buildFunc(ctx, params)
	}
	if err != nil {
		return nil, err
	}

	return MockTxid(params.Minter.OutPoint, callNum), nil
}

// NumCalls returns the number of mint attempts so far.
func (m *MockMintTxBuilder) NumCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}

// MockTxid derives a deterministic txid for a mock mint.
func MockTxid(minter wire.OutPoint, n int) *chainhash.Hash {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))

	txid := chainhash.DoubleHashH(append(minter.Hash[:], b[:]...))
	return &txid
}

// MockTokenStore serves token metadata from memory.
type MockTokenStore struct {
	Tokens map[string]*token.Metadata
}

func NewMockTokenStore(tokens ...*token.Metadata) *MockTokenStore {
	m := &MockTokenStore{
		Tokens: make(map[string]*token.Metadata),
	}
	for _, t := range tokens {
		m.Tokens[t.TokenID] = t
	}

	return m
}

func (m *MockTokenStore) FetchToken(_ context.Context,
	tokenID string) (*token.Metadata, error) {

	meta, ok := m.Tokens[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrTokenNotFound, tokenID)
	}

	return meta, nil
}

// MockSpendTracker keeps spent outpoints in memory.
type MockSpendTracker struct {
	mu    sync.Mutex
	Spent map[wire.OutPoint]chainhash.Hash
}

func NewMockSpendTracker() *MockSpendTracker {
	return &MockSpendTracker{
		Spent: make(map[wire.OutPoint]chainhash.Hash),
	}
}

func (m *MockSpendTracker) IsUnspent(_ context.Context,
	op wire.OutPoint) (bool, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.Spent[op]
	return !ok, nil
}

func (m *MockSpendTracker) MarkSpent(_ context.Context, txid chainhash.Hash,
	ops ...wire.OutPoint) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range ops {
		m.Spent[op] = txid
	}

	return nil
}

// NumSpent returns the number of outpoints marked as spent.
func (m *MockSpendTracker) NumSpent() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Spent)
}

// MockChainBridge serves a fixed set of fee inputs.
type MockChainBridge struct {
	Inputs  []*SpendableInput
	FeeRate chainfee.SatPerKVByte
}

func (m *MockChainBridge) EstimateFee(_ context.Context,
	_ uint32) (chainfee.SatPerKVByte, error) {

	return m.FeeRate, nil
}

func (m *MockChainBridge) ListUnspent(_ context.Context,
	_ btcutil.Address) ([]*SpendableInput, error) {

	return m.Inputs, nil
}

// MockWalletAnchor returns a fixed address.
type MockWalletAnchor struct {
	Addr btcutil.Address
}

func (m *MockWalletAnchor) Address() btcutil.Address {
	return m.Addr
}

// MockMintLog keeps logged outcomes in memory.
type MockMintLog struct {
	mu       sync.Mutex
	Outcomes map[string][]*WorkerOutcome
}

func NewMockMintLog() *MockMintLog {
	return &MockMintLog{
		Outcomes: make(map[string][]*WorkerOutcome),
	}
}

func (m *MockMintLog) LogOutcome(_ context.Context, runID, _ string,
	outcome *WorkerOutcome) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Outcomes[runID] = append(m.Outcomes[runID], outcome)
	return nil
}

// NumOutcomes returns the number of outcomes logged for a run.
func (m *MockMintLog) NumOutcomes(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Outcomes[runID])
}

var _ MinterSource = (*MockMinterSource)(nil)
var _ MintTxBuilder = (*MockMintTxBuilder)(nil)
var _ TokenStore = (*MockTokenStore)(nil)
var _ SpendTracker = (*MockSpendTracker)(nil)
var _ ChainBridge = (*MockChainBridge)(nil)
var _ WalletAnchor = (*MockWalletAnchor)(nil)
var _ MintLog = (*MockMintLog)(nil)
