// Package bundler is a JSON-RPC client for ERC-4337 bundlers and ERC-7677 paymasters.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/metrics"
	"github.com/Layr-Labs/multichain-aa-go/pkg/provider"
	"github.com/Layr-Labs/multichain-aa-go/pkg/userOperation"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	MethodSendUserOperation        = "eth_sendUserOperation"
	MethodEstimateUserOperationGas = "eth_estimateUserOperationGas"
	MethodGetUserOperationReceipt  = "eth_getUserOperationReceipt"
	MethodSupportedEntryPoints     = "eth_supportedEntryPoints"
	MethodGetPaymasterStubData     = "pm_getPaymasterStubData"
	MethodGetPaymasterData         = "pm_getPaymasterData"
)

const (
	DefaultRequestsPerSecond   = 10
	DefaultReceiptPollInterval = 2 * time.Second
	defaultRequestBurst        = 5
)

var (
	// ErrUserOperationFailed is returned when a receipt reports that execution reverted.
	ErrUserOperationFailed = errors.New("user operation failed")
	// ErrReceiptTimeout is returned when no receipt appeared within the configured wait.
	ErrReceiptTimeout = errors.New("timed out waiting for user operation receipt")
	// ErrNoPaymaster is returned by paymaster methods when no paymaster endpoint is configured.
	ErrNoPaymaster = errors.New("no paymaster configured")

	errReceiptPending = errors.New("receipt pending")
)

type Config struct {
	ChainID      uint64
	BundlerURL   string
	PaymasterURL string
	EntryPoint   common.Address
	// RequestsPerSecond bounds requests across both endpoints. Zero uses DefaultRequestsPerSecond.
	RequestsPerSecond float64
	// ReceiptPollInterval is the delay between receipt polls. Zero uses DefaultReceiptPollInterval.
	ReceiptPollInterval time.Duration
}

// GasEstimate is the eth_estimateUserOperationGas result.
type GasEstimate struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit,omitempty"`
}

// PaymasterData is the pm_getPaymasterStubData / pm_getPaymasterData result for EntryPoint v0.7.
type PaymasterData struct {
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	IsFinal                       bool            `json:"isFinal,omitempty"`
}

// UserOperationReceipt is the eth_getUserOperationReceipt result.
type UserOperationReceipt struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	EntryPoint    common.Address  `json:"entryPoint"`
	Sender        common.Address  `json:"sender"`
	Nonce         *hexutil.Big    `json:"nonce"`
	Paymaster     *common.Address `json:"paymaster,omitempty"`
	ActualGasCost *hexutil.Big    `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big    `json:"actualGasUsed"`
	Success       bool            `json:"success"`
	Reason        string          `json:"reason,omitempty"`
	Logs          []*types.Log    `json:"logs"`
	Receipt       *types.Receipt  `json:"receipt"`
}

// Client talks to one chain's bundler and, optionally, its paymaster.
type Client struct {
	config       *Config
	bundler      *rpc.Client
	paymaster    *rpc.Client
	ownPaymaster bool
	limiter      *rate.Limiter
	collector    metrics.ICollector
	logger       *zap.Logger
}

// NewClient dials the bundler and paymaster endpoints in cfg. When PaymasterURL equals
// BundlerURL a single connection serves both.
func NewClient(ctx context.Context, cfg *Config, collector metrics.ICollector, l *zap.Logger) (*Client, error) {
	if cfg.BundlerURL == "" {
		return nil, fmt.Errorf("bundler url is required for chain %d", cfg.ChainID)
	}
	bundlerClient, err := provider.Dial(ctx, cfg.BundlerURL, nil, l)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bundler %s: %w", cfg.BundlerURL, err)
	}

	var paymasterClient *rpc.Client
	ownPaymaster := false
	switch cfg.PaymasterURL {
	case "":
	case cfg.BundlerURL:
		paymasterClient = bundlerClient
	default:
		paymasterClient, err = provider.Dial(ctx, cfg.PaymasterURL, nil, l)
		if err != nil {
			bundlerClient.Close()
			return nil, fmt.Errorf("failed to dial paymaster %s: %w", cfg.PaymasterURL, err)
		}
		ownPaymaster = true
	}

	c := NewClientWithRPC(cfg, bundlerClient, paymasterClient, collector, l)
	c.ownPaymaster = ownPaymaster
	return c, nil
}

// NewClientWithRPC wraps connected clients. paymaster may be nil.
func NewClientWithRPC(cfg *Config, bundler *rpc.Client, paymaster *rpc.Client, collector metrics.ICollector, l *zap.Logger) *Client {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	return &Client{
		config:    cfg,
		bundler:   bundler,
		paymaster: paymaster,
		limiter:   rate.NewLimiter(rate.Limit(rps), defaultRequestBurst),
		collector: collector,
		logger:    l,
	}
}

func (c *Client) Config() *Config {
	return c.config
}

// HasPaymaster reports whether sponsorship requests can be made.
func (c *Client) HasPaymaster() bool {
	return c.paymaster != nil
}

func (c *Client) Close() {
	c.bundler.Close()
	if c.ownPaymaster {
		c.paymaster.Close()
	}
}

func (c *Client) call(ctx context.Context, client *rpc.Client, result interface{}, method string, params ...interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	start := time.Now()
	err := client.CallContext(ctx, result, method, params...)
	c.collector.ProviderRequest(method, start, err)
	if err != nil {
		c.logger.Sugar().Debugw("bundler request failed",
			zap.String("method", method),
			zap.Uint64("chainId", c.config.ChainID),
			zap.Error(err),
		)
		return provider.ClassifyError(method, err)
	}
	return nil
}

// SupportedEntryPoints lists the EntryPoints the bundler accepts operations for.
func (c *Client) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var entryPoints []common.Address
	if err := c.call(ctx, c.bundler, &entryPoints, MethodSupportedEntryPoints); err != nil {
		return nil, err
	}
	return entryPoints, nil
}

// EstimateUserOperationGas asks the bundler for gas limits. op must carry a stub signature.
func (c *Client) EstimateUserOperationGas(ctx context.Context, op *userOperation.UserOperation) (*GasEstimate, error) {
	var estimate GasEstimate
	if err := c.call(ctx, c.bundler, &estimate, MethodEstimateUserOperationGas, op.Args(), c.config.EntryPoint); err != nil {
		return nil, err
	}
	if estimate.CallGasLimit == nil || estimate.VerificationGasLimit == nil || estimate.PreVerificationGas == nil {
		return nil, fmt.Errorf("%s returned incomplete gas estimate", MethodEstimateUserOperationGas)
	}
	return &estimate, nil
}

// GetPaymasterStubData returns sponsorship data suitable for gas estimation.
//
// Parameters:
//   - ctx: Context for the request
//   - op: The user operation to sponsor
//   - pmContext: Paymaster specific context, e.g. a sponsorship policy id; may be nil
//
// Returns:
//   - *PaymasterData: The stub paymaster fields
//   - error: ErrNoPaymaster when no paymaster is configured, or the paymaster's error
func (c *Client) GetPaymasterStubData(ctx context.Context, op *userOperation.UserOperation, pmContext map[string]interface{}) (*PaymasterData, error) {
	return c.paymasterRequest(ctx, MethodGetPaymasterStubData, op, pmContext)
}

// GetPaymasterData returns the final sponsorship data for a fully estimated operation.
func (c *Client) GetPaymasterData(ctx context.Context, op *userOperation.UserOperation, pmContext map[string]interface{}) (*PaymasterData, error) {
	return c.paymasterRequest(ctx, MethodGetPaymasterData, op, pmContext)
}

func (c *Client) paymasterRequest(ctx context.Context, method string, op *userOperation.UserOperation, pmContext map[string]interface{}) (*PaymasterData, error) {
	if c.paymaster == nil {
		return nil, fmt.Errorf("%s on chain %d: %w", method, c.config.ChainID, ErrNoPaymaster)
	}
	if pmContext == nil {
		pmContext = map[string]interface{}{}
	}
	var data PaymasterData
	err := c.call(ctx, c.paymaster, &data, method,
		op.Args(),
		c.config.EntryPoint,
		hexutil.Uint64(c.config.ChainID),
		pmContext,
	)
	if err != nil {
		return nil, err
	}
	if data.Paymaster == nil {
		return nil, fmt.Errorf("%s returned no paymaster", method)
	}
	return &data, nil
}

// SendUserOperation submits a signed operation and returns its hash.
func (c *Client) SendUserOperation(ctx context.Context, op *userOperation.UserOperation) (common.Hash, error) {
	var hash common.Hash
	if err := c.call(ctx, c.bundler, &hash, MethodSendUserOperation, op.Args(), c.config.EntryPoint); err != nil {
		return common.Hash{}, err
	}
	c.logger.Sugar().Infow("submitted user operation",
		zap.Uint64("chainId", c.config.ChainID),
		zap.String("userOpHash", hash.Hex()),
		zap.String("sender", op.Sender.Hex()),
	)
	return hash, nil
}

// GetUserOperationReceipt returns the receipt for hash, or nil while the operation is not included.
func (c *Client) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	if err := c.call(ctx, c.bundler, &receipt, MethodGetUserOperationReceipt, hash); err != nil {
		return nil, err
	}
	return receipt, nil
}

// WaitForUserOperationReceipt polls for the receipt of hash at the configured interval.
//
// Parameters:
//   - ctx: Context bounding the wait
//   - hash: The user operation hash
//   - maxWait: Upper bound on the wait; zero waits until ctx is done
//
// Returns:
//   - *UserOperationReceipt: The receipt
//   - error: ErrUserOperationFailed when the operation reverted (the receipt is still returned),
//     ErrReceiptTimeout when maxWait elapsed, or the bundler's error
func (c *Client) WaitForUserOperationReceipt(ctx context.Context, hash common.Hash, maxWait time.Duration) (*UserOperationReceipt, error) {
	interval := c.config.ReceiptPollInterval
	if interval <= 0 {
		interval = DefaultReceiptPollInterval
	}
	backoff := retry.NewConstant(interval)
	if maxWait > 0 {
		backoff = retry.WithMaxDuration(maxWait, backoff)
	}

	var receipt *UserOperationReceipt
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.GetUserOperationReceipt(ctx, hash)
		if err != nil {
			return err
		}
		if r == nil {
			return retry.RetryableError(errReceiptPending)
		}
		receipt = r
		return nil
	})
	if errors.Is(err, errReceiptPending) {
		return nil, fmt.Errorf("user operation %s on chain %d: %w", hash.Hex(), c.config.ChainID, ErrReceiptTimeout)
	}
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		return receipt, fmt.Errorf("user operation %s on chain %d reverted: %s: %w", hash.Hex(), c.config.ChainID, receipt.Reason, ErrUserOperationFailed)
	}
	return receipt, nil
}
