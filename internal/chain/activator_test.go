package chain

import (
	"context"
	"encoding/hex"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bardlex/lightmine/pkg/circuit"
	"github.com/bardlex/lightmine/pkg/errors"
	"github.com/bardlex/lightmine/pkg/log"
)

// fakeBackend implements the calls made while sending and mining a
// dynamic-fee transaction. Anything else hits the nil embedded interface.
type fakeBackend struct {
	Backend

	mu            sync.Mutex
	chainID       *big.Int
	chainIDErr    error
	estimateErr   error
	receiptStatus uint64
	sent          []*types.Transaction
	chainIDCalls  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chainID: big.NewInt(1125), receiptStatus: types.ReceiptStatusSuccessful}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chainIDCalls++
	return f.chainID, f.chainIDErr
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(10), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{
		Status:      f.receiptStatus,
		TxHash:      hash,
		BlockNumber: big.NewInt(11),
		GasUsed:     42_000,
	}, nil
}

func testKey(t *testing.T) (string, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey)
}

func newTestActivator(t *testing.T, backend Backend) *ContractActivator {
	t.Helper()
	a, err := NewActivator(backend, &Config{Contract: DefaultContract, Timeout: 5 * time.Second}, log.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewActivator_InvalidContract(t *testing.T) {
	_, err := NewActivator(newFakeBackend(), &Config{Contract: "not-an-address"}, log.Nop())
	if !errors.IsType(err, errors.ErrorTypeConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestActivate_Success(t *testing.T) {
	backend := newFakeBackend()
	a := newTestActivator(t, backend)
	key, from := testKey(t)

	hash, err := a.Activate(context.Background(), key)
	if err != nil {
		t.Fatalf("Activate() unexpected error: %v", err)
	}

	if len(backend.sent) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if hash != tx.Hash().Hex() {
		t.Errorf("hash = %s, want %s", hash, tx.Hash().Hex())
	}
	if *tx.To() != common.HexToAddress(DefaultContract) {
		t.Errorf("tx sent to %s", tx.To().Hex())
	}
	if tx.ChainId().Cmp(backend.chainID) != 0 {
		t.Errorf("chain id = %s", tx.ChainId())
	}

	selector := crypto.Keccak256([]byte("active()"))[:4]
	if hex.EncodeToString(tx.Data()) != hex.EncodeToString(selector) {
		t.Errorf("calldata = %x, want %x", tx.Data(), selector)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(backend.chainID), tx)
	if err != nil {
		t.Fatal(err)
	}
	if sender != from {
		t.Errorf("signed by %s, want %s", sender.Hex(), from.Hex())
	}
}

func TestActivate_CachesChainID(t *testing.T) {
	backend := newFakeBackend()
	a := newTestActivator(t, backend)
	key, _ := testKey(t)

	for i := 0; i < 3; i++ {
		if _, err := a.Activate(context.Background(), key); err != nil {
			t.Fatal(err)
		}
	}
	if backend.chainIDCalls != 1 {
		t.Errorf("ChainID called %d times, want 1", backend.chainIDCalls)
	}
}

func TestActivate_Failures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*fakeBackend)
		key      string
		wantType errors.ErrorType
		wantHash bool
	}{
		{
			name:     "invalid key",
			setup:    func(*fakeBackend) {},
			key:      "k1",
			wantType: errors.ErrorTypeSigning,
		},
		{
			name:     "reverted receipt",
			setup:    func(f *fakeBackend) { f.receiptStatus = types.ReceiptStatusFailed },
			wantType: errors.ErrorTypeChain,
			wantHash: true,
		},
		{
			name:     "estimate reverts",
			setup:    func(f *fakeBackend) { f.estimateErr = errors.New(errors.ErrorTypeInternal, "rpc", "execution reverted") },
			wantType: errors.ErrorTypeChain,
		},
		{
			name:     "chain id unavailable",
			setup:    func(f *fakeBackend) { f.chainIDErr = errors.New(errors.ErrorTypeInternal, "rpc", "connection refused") },
			wantType: errors.ErrorTypeTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			tt.setup(backend)
			a := newTestActivator(t, backend)

			key := tt.key
			if key == "" {
				key, _ = testKey(t)
			}

			hash, err := a.Activate(context.Background(), key)
			if !errors.IsType(err, tt.wantType) {
				t.Fatalf("expected %s error, got %v", tt.wantType, err)
			}
			if tt.wantHash && hash == "" {
				t.Error("expected tx hash alongside a reverted receipt")
			}
		})
	}
}

func TestActivate_RevertsDoNotTripBreaker(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptStatus = types.ReceiptStatusFailed
	a := newTestActivator(t, backend)
	key, _ := testKey(t)

	for i := 0; i < 10; i++ {
		_, _ = a.Activate(context.Background(), key)
		_, _ = a.Activate(context.Background(), "not-a-key")
	}
	if s := a.breaker.GetState(); s != circuit.StateClosed {
		t.Errorf("breaker state = %s after reverts and bad keys, want closed", s)
	}
}

func TestActivate_RPCFailuresTripBreaker(t *testing.T) {
	backend := newFakeBackend()
	backend.chainIDErr = errors.New(errors.ErrorTypeInternal, "rpc", "connection refused")
	a := newTestActivator(t, backend)
	key, _ := testKey(t)

	for i := 0; i < 5; i++ {
		_, _ = a.Activate(context.Background(), key)
	}
	if s := a.breaker.GetState(); s != circuit.StateOpen {
		t.Fatalf("breaker state = %s, want open", s)
	}

	calls := backend.chainIDCalls
	if _, err := a.Activate(context.Background(), key); err == nil {
		t.Fatal("expected rejection while open")
	}
	if backend.chainIDCalls != calls {
		t.Error("open breaker should not reach the backend")
	}
}
