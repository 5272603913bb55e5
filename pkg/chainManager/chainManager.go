// Package chainManager provides blockchain connection management for multichain operations.
// Each registered chain carries a node client and, when configured, a bundler client for
// submitting user operations.
package chainManager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Layr-Labs/multichain-aa-go/pkg/bundler"
	"github.com/Layr-Labs/multichain-aa-go/pkg/config"
	"github.com/Layr-Labs/multichain-aa-go/pkg/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

var (
	// ErrChainNotFound is returned when a requested chain ID is not found in the manager
	ErrChainNotFound = errors.New("chain not found")
	// ErrNoBundler is returned when a chain was registered without a bundler endpoint
	ErrNoBundler = errors.New("chain has no bundler")
)

// IChainManager defines the interface for managing blockchain connections.
type IChainManager interface {
	// AddChain adds a new blockchain connection to the manager
	AddChain(ctx context.Context, cfg *ChainConfig) error
	// GetChainForId retrieves a chain connection by its chain ID
	GetChainForId(chainId uint64) (*Chain, error)
	// GetChainIds returns the registered chain IDs in registration order
	GetChainIds() []uint64
}

// ChainConfig holds the configuration for connecting to a blockchain and its AA services.
type ChainConfig struct {
	// ChainID is the unique identifier for the blockchain network
	ChainID uint64
	// RPCUrl is the URL endpoint for connecting to the blockchain RPC
	RPCUrl string
	// BundlerUrl is the ERC-4337 bundler endpoint; empty disables user operations
	BundlerUrl string
	// PaymasterUrl is the ERC-7677 paymaster endpoint; empty disables sponsorship
	PaymasterUrl string
	// EntryPoint is the EntryPoint the bundler submits to
	EntryPoint common.Address
}

// Name returns the human readable network name.
func (c *ChainConfig) Name() string {
	if name, ok := config.ChainIdToName[config.ChainId(c.ChainID)]; ok {
		return name
	}
	return fmt.Sprintf("chain-%d", c.ChainID)
}

// Chain represents an active connection to a blockchain.
type Chain struct {
	config *ChainConfig
	// RPCClient is the active client connection for this chain
	RPCClient EthClientInterface
	// Bundler submits user operations; nil when no bundler is configured
	Bundler *bundler.Client
}

func (c *Chain) Config() *ChainConfig {
	return c.config
}

func (c *Chain) ID() uint64 {
	return c.config.ChainID
}

// RequireBundler returns the chain's bundler or ErrNoBundler.
func (c *Chain) RequireBundler() (*bundler.Client, error) {
	if c.Bundler == nil {
		return nil, fmt.Errorf("chain %d: %w", c.config.ChainID, ErrNoBundler)
	}
	return c.Bundler, nil
}

// ChainManager implements IChainManager and manages multiple blockchain connections.
// This implementation is thread-safe using sync.Map for concurrent access.
type ChainManager struct {
	Chains    sync.Map // map[uint64]*Chain
	order     []uint64
	orderLock sync.Mutex
	collector metrics.ICollector
	logger    *zap.Logger
}

// NewChainManager creates a new ChainManager instance.
//
// Parameters:
//   - collector: Metrics collector passed to bundler clients, may be nil
//   - l: Logger
//
// Returns:
//   - *ChainManager: A new chain manager instance
func NewChainManager(collector metrics.ICollector, l *zap.Logger) *ChainManager {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	return &ChainManager{
		collector: collector,
		logger:    l,
	}
}

// AddChain dials the chain's node and, when configured, its bundler and paymaster.
// This method is thread-safe and can be called concurrently.
//
// Parameters:
//   - ctx: Context for dialing
//   - cfg: The chain configuration
//
// Returns:
//   - error: An error if the chain already exists or a connection fails
func (cm *ChainManager) AddChain(ctx context.Context, cfg *ChainConfig) error {
	if _, exists := cm.Chains.Load(cfg.ChainID); exists {
		return fmt.Errorf("chain with ID %d already exists", cfg.ChainID)
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCUrl)
	if err != nil {
		return fmt.Errorf("failed to connect to RPC URL %s: %w", cfg.RPCUrl, err)
	}

	var bundlerClient *bundler.Client
	if cfg.BundlerUrl != "" {
		bundlerClient, err = bundler.NewClient(ctx, &bundler.Config{
			ChainID:      cfg.ChainID,
			BundlerURL:   cfg.BundlerUrl,
			PaymasterURL: cfg.PaymasterUrl,
			EntryPoint:   cfg.EntryPoint,
		}, cm.collector, cm.logger)
		if err != nil {
			client.Close()
			return fmt.Errorf("failed to connect bundler for chain %d: %w", cfg.ChainID, err)
		}
	}
	return cm.AddChainWithClients(cfg, client, bundlerClient)
}

// AddChainWithClients registers a chain with already constructed clients.
func (cm *ChainManager) AddChainWithClients(cfg *ChainConfig, client EthClientInterface, bundlerClient *bundler.Client) error {
	chain := &Chain{
		config:    cfg,
		RPCClient: client,
		Bundler:   bundlerClient,
	}
	if _, loaded := cm.Chains.LoadOrStore(cfg.ChainID, chain); loaded {
		return fmt.Errorf("chain with ID %d already exists", cfg.ChainID)
	}
	cm.orderLock.Lock()
	cm.order = append(cm.order, cfg.ChainID)
	cm.orderLock.Unlock()

	cm.logger.Sugar().Infow("registered chain",
		zap.Uint64("chainId", cfg.ChainID),
		zap.String("name", cfg.Name()),
		zap.Bool("bundler", bundlerClient != nil),
		zap.Bool("paymaster", bundlerClient != nil && bundlerClient.HasPaymaster()),
	)
	return nil
}

// GetChainForId retrieves a chain connection by its chain ID.
// This method is thread-safe and can be called concurrently.
//
// Parameters:
//   - chainId: The chain ID to look up
//
// Returns:
//   - *Chain: The chain connection if found
//   - error: ErrChainNotFound if the chain ID is not registered
func (cm *ChainManager) GetChainForId(chainId uint64) (*Chain, error) {
	value, exists := cm.Chains.Load(chainId)
	if !exists {
		return nil, fmt.Errorf("chain %d: %w", chainId, ErrChainNotFound)
	}
	chain, ok := value.(*Chain)
	if !ok {
		return nil, fmt.Errorf("invalid chain type stored for ID %d", chainId)
	}
	return chain, nil
}

func (cm *ChainManager) GetChainIds() []uint64 {
	cm.orderLock.Lock()
	defer cm.orderLock.Unlock()
	ids := make([]uint64, len(cm.order))
	copy(ids, cm.order)
	return ids
}

// Close releases every node and bundler connection.
func (cm *ChainManager) Close() {
	cm.Chains.Range(func(_, value interface{}) bool {
		chain := value.(*Chain)
		if closer, ok := chain.RPCClient.(interface{ Close() }); ok {
			closer.Close()
		}
		if chain.Bundler != nil {
			chain.Bundler.Close()
		}
		return true
	})
}
