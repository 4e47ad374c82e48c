// Package chain sends the on-chain activation transaction that accompanies
// every API mining start.
package chain

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/bardlex/lightmine/internal/wallet"
	"github.com/bardlex/lightmine/pkg/circuit"
	"github.com/bardlex/lightmine/pkg/errors"
	"github.com/bardlex/lightmine/pkg/log"
)

const (
	// DefaultRPCURL is the chain's public JSON-RPC endpoint.
	DefaultRPCURL = "https://rpc-mainnet.taker.xyz/"
	// DefaultContract is the mining contract exposing active().
	DefaultContract = "0xB3eFE5105b835E5Dd9D206445Dbd66DF24b912AB"
)

const miningABI = `[{"inputs":[],"name":"active","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// Activator marks a wallet as actively mining on chain.
type Activator interface {
	Activate(ctx context.Context, privateKey string) (txHash string, err error)
}

// Backend is what the activator needs from an RPC client. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config holds activator settings.
type Config struct {
	RPCURL   string
	Contract string
	Timeout  time.Duration
}

// DefaultConfig returns the mainnet endpoint and contract with a two-minute timeout.
func DefaultConfig() *Config {
	return &Config{
		RPCURL:   DefaultRPCURL,
		Contract: DefaultContract,
		Timeout:  2 * time.Minute,
	}
}

// ContractActivator calls active() on the mining contract and waits for the receipt.
type ContractActivator struct {
	backend  Backend
	contract *bind.BoundContract
	address  common.Address
	timeout  time.Duration
	breaker  *circuit.Breaker
	logger   *log.Logger

	chainMu sync.Mutex
	chainID *big.Int
}

// Dial connects to the RPC endpoint and returns an activator bound to it.
func Dial(ctx context.Context, cfg *Config, logger *log.Logger) (*ContractActivator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "dial_chain",
			"failed to connect to chain RPC").WithContext("rpc_url", cfg.RPCURL)
	}

	return NewActivator(client, cfg, logger)
}

// NewActivator creates an activator over an existing backend.
func NewActivator(backend Backend, cfg *Config, logger *log.Logger) (*ContractActivator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, errors.New(errors.ErrorTypeConfiguration, "new_activator",
			"invalid contract address").WithContext("contract", cfg.Contract)
	}

	parsed, err := abi.JSON(strings.NewReader(miningABI))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "new_activator", "failed to parse ABI")
	}

	address := common.HexToAddress(cfg.Contract)
	logger = logger.WithComponent("chain")

	breakerCfg := &circuit.Config{
		Name:            "chain_rpc",
		MaxFailures:     5,
		SuccessRequired: 1,
		Timeout:         time.Minute,
		ResetTimeout:    5 * time.Minute,
		// Reverts mean "already active today" or "no balance"; bad keys are local.
		// Only RPC trouble trips the breaker.
		IsFailure: func(err error) bool {
			return !errors.IsType(err, errors.ErrorTypeChain) && !errors.IsType(err, errors.ErrorTypeSigning)
		},
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &ContractActivator{
		backend:  backend,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		address:  address,
		timeout:  cfg.Timeout,
		breaker:  circuit.New(breakerCfg),
		logger:   logger,
	}, nil
}

// Activate sends active() signed by privateKey and returns the mined tx hash.
func (a *ContractActivator) Activate(ctx context.Context, privateKey string) (string, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	return circuit.ExecuteWithResult(ctx, a.breaker, func() (string, error) {
		return a.activate(ctx, privateKey)
	})
}

func (a *ContractActivator) activate(ctx context.Context, privateKey string) (string, error) {
	key, err := wallet.ParseKey(privateKey)
	if err != nil {
		return "", err
	}

	chainID, err := a.loadChainID(ctx)
	if err != nil {
		return "", err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeSigning, "activate", "failed to build transactor")
	}
	opts.Context = ctx

	tx, err := a.contract.Transact(opts, "active")
	if err != nil {
		// Gas estimation fails when the call would revert.
		return "", errors.Wrap(err, errors.ErrorTypeChain, "activate", "active() transaction rejected").
			WithContext("contract", a.address.Hex())
	}

	a.logger.Info("activation transaction sent", "tx_hash", tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, a.backend, tx)
	if err != nil {
		return tx.Hash().Hex(), errors.Wrap(err, errors.ErrorTypeTimeout, "activate",
			"waiting for activation receipt failed").WithContext("tx_hash", tx.Hash().Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash().Hex(), errors.New(errors.ErrorTypeChain, "activate", "activation transaction reverted").
			WithContext("tx_hash", tx.Hash().Hex()).
			WithContext("block", receipt.BlockNumber.String())
	}

	a.logger.Info("activation transaction mined",
		"tx_hash", tx.Hash().Hex(),
		"block", receipt.BlockNumber.String(),
		"gas_used", receipt.GasUsed,
	)
	return tx.Hash().Hex(), nil
}

func (a *ContractActivator) loadChainID(ctx context.Context) (*big.Int, error) {
	a.chainMu.Lock()
	defer a.chainMu.Unlock()

	if a.chainID != nil {
		return a.chainID, nil
	}

	id, err := a.backend.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "chain_id", "failed to read chain ID")
	}
	a.chainID = id
	return id, nil
}

// Stats returns the RPC breaker counters.
func (a *ContractActivator) Stats() circuit.Stats {
	return a.breaker.GetStats()
}
