package evm

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fake Chain
// =============================================================================

// fakeChain mines every transaction immediately, one block per transaction.
// Creation transactions leave their data as code at the derived address;
// calls are matched against abi by selector. With advance set, every head
// read also builds a new block.
type fakeChain struct {
	abi abi.ABI

	mu       sync.Mutex
	head     uint64
	advance  bool
	nonces   map[common.Address]uint64
	code     map[common.Address][]byte
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	reverts  map[string]bool
	results  map[string][]byte
	noCode   bool
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	require.NoError(t, err)
	return &fakeChain{
		abi:      parsed,
		nonces:   make(map[common.Address]uint64),
		code:     make(map[common.Address][]byte),
		receipts: make(map[common.Hash]*types.Receipt),
		reverts:  make(map[string]bool),
		results:  make(map[string][]byte),
	}
}

func (f *fakeChain) methodFor(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	for name, m := range f.abi.Methods {
		if bytes.Equal(m.ID, data[:4]) {
			return name
		}
	}
	return ""
}

// transacted returns the method names of sent non-creation transactions.
func (f *fakeChain) transacted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, tx := range f.sent {
		if tx.To() != nil {
			out = append(out, f.methodFor(tx.Data()))
		}
	}
	return out
}

func (f *fakeChain) CodeAt(_ context.Context, addr common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noCode {
		return nil, nil
	}
	return f.code[addr], nil
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := f.methodFor(call.Data)
	if out, ok := f.results[name]; ok {
		return out, nil
	}
	return nil, errors.New("execution reverted")
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	number := new(big.Int).SetUint64(f.head)
	if f.advance {
		f.head++
	}
	return &types.Header{Number: number, BaseFee: big.NewInt(1_000_000_000)}, nil
}

// minedIn returns the block number of tx's receipt.
func (f *fakeChain) minedIn(tx *types.Transaction) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[tx.Hash()].BlockNumber.Uint64()
}

func (f *fakeChain) height() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

func (f *fakeChain) PendingCodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return f.CodeAt(ctx, addr, nil)
}

func (f *fakeChain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonces[sender] = tx.Nonce() + 1
	f.head++

	receipt := &types.Receipt{
		TxHash:      tx.Hash(),
		Status:      types.ReceiptStatusSuccessful,
		GasUsed:     21_000,
		BlockNumber: new(big.Int).SetUint64(f.head),
	}
	if tx.To() == nil {
		receipt.ContractAddress = crypto.CreateAddress(sender, tx.Nonce())
		f.code[receipt.ContractAddress] = tx.Data()
	} else if f.reverts[f.methodFor(tx.Data())] {
		receipt.Status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = receipt
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeChain) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("subscriptions not supported")
}

// =============================================================================
// Helpers
// =============================================================================

func setupBackend(t *testing.T) (*Backend, *fakeChain, string) {
	t.Helper()
	return setupBackendWith(t, Config{GasLimit: 3_000_000})
}

// setupBackendWith builds a backend over a fake chain with cfg; the artifacts
// directory is filled in.
func setupBackendWith(t *testing.T, cfg Config) (*Backend, *fakeChain, string) {
	t.Helper()
	dir := t.TempDir()
	writeArtifact(t, dir, "Registry", truffleArtifact("Registry", registryABI))
	writeArtifact(t, dir, "Pool", foundryArtifact(poolABI))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg.ArtifactsDir = dir
	chain := newFakeChain(t)
	b, err := NewBackend(chain, key, big.NewInt(1337), cfg, nil)
	require.NoError(t, err)
	b.pollInterval = time.Millisecond
	return b, chain, dir
}

// =============================================================================
// Provision Tests
// =============================================================================

func TestBackend_Provision(t *testing.T) {
	b, chain, _ := setupBackend(t)

	addr, err := b.Provision(context.Background(), "Registry", []string{addrText, "1000", "Registry"})
	require.NoError(t, err)

	assert.Equal(t, crypto.CreateAddress(b.Caller(), 0).Hex(), addr)
	require.Len(t, chain.sent, 1)
	assert.Nil(t, chain.sent[0].To())
	assert.Equal(t, uint64(3_000_000), chain.sent[0].Gas())
	assert.True(t, bytes.HasPrefix(chain.sent[0].Data(), []byte{0x60, 0x80, 0x60, 0x40, 0x52}))
}

func TestBackend_ProvisionUsesNextNonce(t *testing.T) {
	b, _, _ := setupBackend(t)
	ctx := context.Background()

	first, err := b.Provision(ctx, "Pool", nil)
	require.NoError(t, err)
	second, err := b.Provision(ctx, "Pool", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, crypto.CreateAddress(b.Caller(), 1).Hex(), second)
}

func TestBackend_ProvisionErrors(t *testing.T) {
	b, chain, _ := setupBackend(t)
	ctx := context.Background()

	_, err := b.Provision(ctx, "Ghost", nil)
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	_, err = b.Provision(ctx, "Registry", []string{addrText})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = b.Provision(ctx, "Registry", []string{"0xBAD", "1", "x"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Empty(t, chain.sent)

	chain.noCode = true
	_, err = b.Provision(ctx, "Pool", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionFailed)
}

func TestBackend_ProvisionUsesDynamicFeesByDefault(t *testing.T) {
	b, chain, _ := setupBackend(t)

	_, err := b.Provision(context.Background(), "Pool", nil)
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)
	assert.Equal(t, uint8(types.DynamicFeeTxType), chain.sent[0].Type())
}

func TestBackend_ProvisionWithGasPrice(t *testing.T) {
	price := big.NewInt(7_000_000_000)
	b, chain, _ := setupBackendWith(t, Config{GasLimit: 3_000_000, GasPrice: price})
	ctx := context.Background()

	pool, err := b.Provision(ctx, "Pool", nil)
	require.NoError(t, err)
	require.NoError(t, b.Invoke(ctx, pool, "addOperator", []string{addrText}))

	require.Len(t, chain.sent, 2)
	for _, tx := range chain.sent {
		assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
		assert.Equal(t, 0, price.Cmp(tx.GasPrice()), "gas price %s", tx.GasPrice())
	}
	assert.Equal(t, int64(7_000_000_000), price.Int64(), "configured price is not mutated")
}

func TestBackend_ProvisionWaitsForConfirmations(t *testing.T) {
	b, chain, _ := setupBackendWith(t, Config{GasLimit: 3_000_000, Confirmations: 3})
	chain.advance = true

	addr, err := b.Provision(context.Background(), "Pool", nil)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(b.Caller(), 0).Hex(), addr)

	require.Len(t, chain.sent, 1)
	assert.GreaterOrEqual(t, chain.height(), chain.minedIn(chain.sent[0])+3)
}

func TestBackend_ProvisionUnconfirmed(t *testing.T) {
	b, chain, _ := setupBackendWith(t, Config{
		GasLimit:      3_000_000,
		Confirmations: 2,
		Timeout:       50 * time.Millisecond,
	})

	_, err := b.Provision(context.Background(), "Pool", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.Contains(t, err.Error(), "deployed at "+crypto.CreateAddress(b.Caller(), 0).Hex())
	assert.Contains(t, err.Error(), "waiting for 2 confirmations")
	assert.Len(t, chain.sent, 1)
}

// =============================================================================
// Invoke Tests
// =============================================================================

func TestBackend_InvokeDeployedUnit(t *testing.T) {
	b, chain, _ := setupBackend(t)
	ctx := context.Background()

	registry, err := b.Provision(ctx, "Registry", []string{addrText, "1", "r"})
	require.NoError(t, err)

	require.NoError(t, b.Invoke(ctx, registry, "addOperator", []string{addrText}))
	assert.Equal(t, []string{"addOperator"}, chain.transacted())
	assert.Equal(t, common.HexToAddress(registry), *chain.sent[1].To())
}

func TestBackend_InvokeUnknownAddressUsesArtifacts(t *testing.T) {
	b, chain, _ := setupBackend(t)

	// deployed by an earlier run; only the method name identifies the ABI
	err := b.Invoke(context.Background(), addrText, "setManagerPool", []string{addrText})
	require.NoError(t, err)
	assert.Equal(t, []string{"setManagerPool"}, chain.transacted())
}

func TestBackend_InvokeErrors(t *testing.T) {
	b, chain, _ := setupBackend(t)
	ctx := context.Background()

	pool, err := b.Provision(ctx, "Pool", nil)
	require.NoError(t, err)

	tests := []struct {
		name      string
		target    string
		operation string
		args      []string
		wantErr   error
	}{
		{"target not an address", "MARKETPLACE_ADDRESS", "addOperator", []string{addrText}, ErrInvalidAddress},
		{"method missing on known unit", pool, "setManagerPool", []string{addrText}, ErrUnknownMethod},
		{"method in no artifact", addrText, "burn", nil, ErrUnknownMethod},
		{"bad argument", pool, "addOperator", []string{"nope"}, ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Invoke(ctx, tt.target, tt.operation, tt.args)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, chain.transacted())
}

func TestBackend_InvokeWaitsForConfirmations(t *testing.T) {
	b, chain, _ := setupBackendWith(t, Config{GasLimit: 3_000_000, Confirmations: 2})
	chain.advance = true
	ctx := context.Background()

	pool, err := b.Provision(ctx, "Pool", nil)
	require.NoError(t, err)

	require.NoError(t, b.Invoke(ctx, pool, "addOperator", []string{addrText}))

	require.Len(t, chain.sent, 2)
	assert.GreaterOrEqual(t, chain.height(), chain.minedIn(chain.sent[1])+2)
}

func TestBackend_InvokeReverted(t *testing.T) {
	b, chain, _ := setupBackend(t)
	chain.reverts["addOperator"] = true

	err := b.Invoke(context.Background(), addrText, "addOperator", []string{addrText})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.Contains(t, err.Error(), "reverted")
}

// =============================================================================
// Query Tests
// =============================================================================

func TestBackend_Query(t *testing.T) {
	b, chain, _ := setupBackend(t)
	ctx := context.Background()

	registry, err := b.Provision(ctx, "Registry", []string{addrText, "1", "r"})
	require.NoError(t, err)

	packed, err := chain.abi.Methods["managerPool"].Outputs.Pack(common.HexToAddress(addrText))
	require.NoError(t, err)
	chain.results["managerPool"] = packed

	got, err := b.Query(ctx, registry, "managerPool", nil)
	require.NoError(t, err)
	assert.Equal(t, addrText, got)
	assert.Empty(t, chain.transacted(), "queries never send transactions")
}

func TestBackend_QueryFails(t *testing.T) {
	b, _, _ := setupBackend(t)

	_, err := b.Query(context.Background(), addrText, "managerPool", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionFailed)
}

// =============================================================================
// Key Tests
// =============================================================================

func TestParsePrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))
	want := crypto.PubkeyToAddress(key.PublicKey)

	for _, in := range []string{hexKey, "0x" + hexKey, "  " + hexKey + "\n"} {
		_, addr, err := ParsePrivateKey(in)
		require.NoError(t, err)
		assert.Equal(t, want, addr)
	}

	_, _, err = ParsePrivateKey("")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, _, err = ParsePrivateKey("0xzz")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
