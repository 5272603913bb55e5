// Package kernel builds ZeroDev Kernel v3.1 smart accounts: counterfactual addresses,
// factory init data, EntryPoint nonces and execute call data.
package kernel

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	addressCacheSize = 256
	addressCacheTTL  = 10 * time.Minute
)

// IChainReader is the subset of a node client the kernel package reads from.
type IChainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// FactoryConfig identifies the contracts an account is built from.
type FactoryConfig struct {
	ChainID    uint64
	Factory    common.Address
	Validator  common.Address
	EntryPoint common.Address
}

// Factory derives Kernel accounts on one chain. Resolved addresses are cached.
type Factory struct {
	config *FactoryConfig
	client IChainReader
	cache  *expirable.LRU[string, common.Address]
	logger *zap.Logger
}

func NewFactory(cfg *FactoryConfig, client IChainReader, l *zap.Logger) *Factory {
	return &Factory{
		config: cfg,
		client: client,
		cache:  expirable.NewLRU[string, common.Address](addressCacheSize, nil, addressCacheTTL),
		logger: l,
	}
}

func (f *Factory) Config() *FactoryConfig {
	return f.config
}

// FactoryData returns createAccount(initialize(validator, owner), index).
func (f *Factory) FactoryData(owner common.Address, index uint64) ([]byte, error) {
	initData, err := EncodeInitialize(f.config.Validator, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to encode initialize: %w", err)
	}
	return EncodeCreateAccount(initData, index)
}

// GetAddress resolves the counterfactual account address for owner and index with an eth_call
// to the factory.
//
// Parameters:
//   - ctx: Context for the eth_call
//   - owner: The account owner that the root validator checks signatures against
//   - index: The salt distinguishing accounts of the same owner
//
// Returns:
//   - common.Address: The account address
//   - error: An error if the call fails or returns malformed data
func (f *Factory) GetAddress(ctx context.Context, owner common.Address, index uint64) (common.Address, error) {
	key := fmt.Sprintf("%d/%s/%s/%d", f.config.ChainID, f.config.Validator.Hex(), owner.Hex(), index)
	if addr, ok := f.cache.Get(key); ok {
		return addr, nil
	}

	initData, err := EncodeInitialize(f.config.Validator, owner)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to encode initialize: %w", err)
	}
	callData, err := EncodeGetAddress(initData, index)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to encode getAddress: %w", err)
	}
	out, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &f.config.Factory, Data: callData}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to call factory %s: %w", f.config.Factory.Hex(), err)
	}
	addr, err := DecodeGetAddress(out)
	if err != nil {
		return common.Address{}, err
	}

	f.logger.Sugar().Debugw("resolved kernel account address",
		zap.Uint64("chainId", f.config.ChainID),
		zap.String("owner", owner.Hex()),
		zap.String("account", addr.Hex()),
	)
	f.cache.Add(key, addr)
	return addr, nil
}

// SmartAccount is a Kernel account owned by a wallet address on one chain.
type SmartAccount struct {
	address common.Address
	owner   common.Address
	index   uint64
	factory *Factory
	logger  *zap.Logger
}

// NewSmartAccount resolves the account address of owner through factory.
func NewSmartAccount(ctx context.Context, factory *Factory, owner common.Address, index uint64, l *zap.Logger) (*SmartAccount, error) {
	addr, err := factory.GetAddress(ctx, owner, index)
	if err != nil {
		return nil, err
	}
	return &SmartAccount{
		address: addr,
		owner:   owner,
		index:   index,
		factory: factory,
		logger:  l,
	}, nil
}

func (a *SmartAccount) Address() common.Address {
	return a.address
}

func (a *SmartAccount) Owner() common.Address {
	return a.owner
}

func (a *SmartAccount) ChainID() uint64 {
	return a.factory.config.ChainID
}

func (a *SmartAccount) EntryPoint() common.Address {
	return a.factory.config.EntryPoint
}

// IsDeployed reports whether the account has code on chain.
func (a *SmartAccount) IsDeployed(ctx context.Context) (bool, error) {
	code, err := a.factory.client.CodeAt(ctx, a.address, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get code for %s: %w", a.address.Hex(), err)
	}
	return len(code) > 0, nil
}

// GetNonce reads the account's EntryPoint nonce for the root validator key.
func (a *SmartAccount) GetNonce(ctx context.Context) (*big.Int, error) {
	callData, err := EncodeGetNonce(a.address, new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("failed to encode getNonce: %w", err)
	}
	entryPoint := a.factory.config.EntryPoint
	out, err := a.factory.client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call EntryPoint %s: %w", entryPoint.Hex(), err)
	}
	return DecodeGetNonce(out)
}

// FactoryArgs returns the factory and factory data for an undeployed account, or nil when deployed.
func (a *SmartAccount) FactoryArgs(ctx context.Context) (*common.Address, []byte, error) {
	deployed, err := a.IsDeployed(ctx)
	if err != nil {
		return nil, nil, err
	}
	if deployed {
		return nil, nil, nil
	}
	data, err := a.factory.FactoryData(a.owner, a.index)
	if err != nil {
		return nil, nil, err
	}
	factory := a.factory.config.Factory
	return &factory, data, nil
}

// EncodeCalls encodes calls as the account's execute call data.
func (a *SmartAccount) EncodeCalls(calls []Call) ([]byte, error) {
	return EncodeCalls(calls)
}
