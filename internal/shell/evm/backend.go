package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the settings of one EVM network.
type Config struct {
	RPCURL       string
	ChainID      int64 // 0 asks the node
	PrivateKey   string
	ArtifactsDir string
	GasLimit     uint64        // 0 lets the node estimate
	GasPrice     *big.Int      // nil uses dynamic fees; set forces legacy transactions
	Timeout      time.Duration // per deploy or transaction, 0 waits indefinitely

	// Confirmations is how many blocks must be built on top of the one that
	// mined a deployment or transaction before it counts as done.
	Confirmations uint64
}

// defaultPollInterval is how often the chain head is read while waiting for
// confirmations.
const defaultPollInterval = time.Second

// Client is the part of an RPC client the backend needs.
type Client interface {
	bind.ContractBackend
	bind.DeployBackend
}

// =============================================================================
// Backend
// =============================================================================

// Backend provisions units by deploying contract artifacts and runs wiring
// operations as transactions signed by the configured key.
type Backend struct {
	client    Client
	closeFn   func()
	artifacts *Artifacts
	auth      *bind.TransactOpts
	gasLimit  uint64
	gasPrice  *big.Int
	timeout   time.Duration
	logger    *slog.Logger

	confirmations uint64
	pollInterval  time.Duration

	mu       sync.Mutex
	deployed map[common.Address]string // address -> unit, for this process
}

// Dial connects to cfg.RPCURL and builds a backend signing with cfg.PrivateKey.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	key, _, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, NewChainError("Dial", "rpc", cfg.RPCURL, err.Error(), ErrConnectionFailed)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, NewChainError("Dial", "rpc", cfg.RPCURL, "failed to read chain id: "+err.Error(), ErrConnectionFailed)
		}
	}

	b, err := NewBackend(client, key, chainID, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	b.closeFn = client.Close
	return b, nil
}

// NewBackend builds a backend over an existing client.
func NewBackend(client Client, key *ecdsa.PrivateKey, chainID *big.Int, cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, NewChainError("NewBackend", "key", "", err.Error(), ErrInvalidKey)
	}
	return &Backend{
		client:    client,
		artifacts: NewArtifacts(cfg.ArtifactsDir),
		auth:      auth,
		gasLimit:  cfg.GasLimit,
		gasPrice:  cfg.GasPrice,
		timeout:   cfg.Timeout,
		logger:    logger.With("component", "evm", "chain_id", chainID.String()),
		deployed:  make(map[common.Address]string),

		confirmations: cfg.Confirmations,
		pollInterval:  defaultPollInterval,
	}, nil
}

// Close releases the RPC connection.
func (b *Backend) Close() error {
	if b.closeFn != nil {
		b.closeFn()
	}
	return nil
}

// Caller returns the address transactions are sent from.
func (b *Backend) Caller() common.Address {
	return b.auth.From
}

// ParsePrivateKey decodes a hex private key, with or without 0x prefix.
func ParsePrivateKey(v string) (*ecdsa.PrivateKey, common.Address, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "0x")
	if v == "" {
		return nil, common.Address{}, NewChainError("ParsePrivateKey", "key", "", "private key is empty", ErrInvalidKey)
	}
	key, err := crypto.HexToECDSA(v)
	if err != nil {
		return nil, common.Address{}, NewChainError("ParsePrivateKey", "key", "", err.Error(), ErrInvalidKey)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout > 0 {
		return context.WithTimeout(ctx, b.timeout)
	}
	return context.WithCancel(ctx)
}

func (b *Backend) transactOpts(ctx context.Context) *bind.TransactOpts {
	opts := *b.auth
	opts.Context = ctx
	opts.GasLimit = b.gasLimit
	if b.gasPrice != nil {
		opts.GasPrice = new(big.Int).Set(b.gasPrice)
	}
	return &opts
}

// waitConfirmations blocks until b.confirmations blocks sit on top of block
// mined.
func (b *Backend) waitConfirmations(ctx context.Context, mined *big.Int) error {
	if b.confirmations == 0 || mined == nil {
		return nil
	}
	target := new(big.Int).Add(mined, new(big.Int).SetUint64(b.confirmations))

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		head, err := b.client.HeaderByNumber(ctx, nil)
		if err != nil {
			b.logger.Debug("failed to read chain head", "error", err)
		} else if head.Number.Cmp(target) >= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d confirmations after block %s: %w", b.confirmations, mined, ctx.Err())
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Deployer
// =============================================================================

// Provision deploys the artifact named unit with args as constructor
// arguments and returns the contract address once code is on chain.
func (b *Backend) Provision(ctx context.Context, unit string, args []string) (string, error) {
	art, err := b.artifacts.Load(unit)
	if err != nil {
		return "", err
	}
	params, err := ConvertArgs(art.ABI.Constructor.Inputs, args)
	if err != nil {
		return "", NewChainError("deploy", unit, "", err.Error(), err)
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, tx, _, err := bind.DeployContract(b.transactOpts(ctx), art.ABI, art.Bytecode, b.client, params...)
	if err != nil {
		return "", NewChainError("deploy", unit, "", err.Error(), ErrTransactionFailed)
	}
	b.logger.Debug("deployment sent", "unit", unit, "tx", tx.Hash().Hex())

	addr, err := bind.WaitDeployed(ctx, b.client, tx)
	if err != nil {
		return "", NewChainError("deploy", unit, tx.Hash().Hex(), err.Error(), ErrTransactionFailed)
	}
	if b.confirmations > 0 {
		receipt, err := b.client.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return "", NewChainError("deploy", unit, tx.Hash().Hex(), err.Error(), ErrTransactionFailed)
		}
		if err := b.waitConfirmations(ctx, receipt.BlockNumber); err != nil {
			msg := fmt.Sprintf("deployed at %s but not confirmed: %v", addr.Hex(), err)
			return "", NewChainError("deploy", unit, tx.Hash().Hex(), msg, ErrTransactionFailed)
		}
	}

	b.mu.Lock()
	b.deployed[addr] = unit
	b.mu.Unlock()

	b.logger.Info("contract deployed", "unit", unit, "address", addr.Hex(), "tx", tx.Hash().Hex())
	return addr.Hex(), nil
}

// =============================================================================
// Invoker
// =============================================================================

// Invoke sends operation to target and waits for a successful receipt.
func (b *Backend) Invoke(ctx context.Context, target, operation string, args []string) error {
	contract, method, err := b.contract(target, operation, len(args))
	if err != nil {
		return err
	}
	params, err := ConvertArgs(method.Inputs, args)
	if err != nil {
		return NewChainError("transact", operation, target, err.Error(), err)
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	tx, err := contract.Transact(b.transactOpts(ctx), operation, params...)
	if err != nil {
		return NewChainError("transact", operation, target, err.Error(), ErrTransactionFailed)
	}

	receipt, err := bind.WaitMined(ctx, b.client, tx)
	if err != nil {
		return NewChainError("transact", operation, tx.Hash().Hex(), err.Error(), ErrTransactionFailed)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return NewChainError("transact", operation, tx.Hash().Hex(), "transaction reverted", ErrTransactionFailed)
	}
	if err := b.waitConfirmations(ctx, receipt.BlockNumber); err != nil {
		return NewChainError("transact", operation, tx.Hash().Hex(), err.Error(), ErrTransactionFailed)
	}

	b.logger.Debug("transaction mined", "operation", operation, "target", target, "tx", tx.Hash().Hex(), "gas_used", receipt.GasUsed)
	return nil
}

// Query runs a constant call and returns its outputs as comma separated text.
func (b *Backend) Query(ctx context.Context, target, call string, args []string) (string, error) {
	contract, method, err := b.contract(target, call, len(args))
	if err != nil {
		return "", err
	}
	params, err := ConvertArgs(method.Inputs, args)
	if err != nil {
		return "", NewChainError("call", call, target, err.Error(), err)
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx, From: b.auth.From}, &out, call, params...); err != nil {
		return "", NewChainError("call", call, target, err.Error(), ErrTransactionFailed)
	}

	parts := make([]string, len(out))
	for i, v := range out {
		parts[i] = FormatValue(v)
	}
	return strings.Join(parts, ","), nil
}

// contract resolves the ABI for target: the unit deployed there by this process
// if known, otherwise any artifact declaring the method.
func (b *Backend) contract(target, method string, nargs int) (*bind.BoundContract, abi.Method, error) {
	if !common.IsHexAddress(target) {
		return nil, abi.Method{}, NewChainError("bind", method, target, "target is not an address", ErrInvalidAddress)
	}
	addr := common.HexToAddress(target)

	b.mu.Lock()
	unit, known := b.deployed[addr]
	b.mu.Unlock()

	var (
		art *Artifact
		m   abi.Method
		err error
	)
	if known {
		art, err = b.artifacts.Load(unit)
		if err != nil {
			return nil, abi.Method{}, err
		}
		var ok bool
		m, ok = art.ABI.Methods[method]
		if !ok {
			return nil, abi.Method{}, NewChainError("bind", method, target, fmt.Sprintf("%s has no method %s", unit, method), ErrUnknownMethod)
		}
	} else {
		art, m, err = b.artifacts.FindMethod(method, nargs)
		if err != nil {
			return nil, abi.Method{}, err
		}
	}

	return bind.NewBoundContract(addr, art.ABI, b.client, b.client, b.client), m, nil
}
