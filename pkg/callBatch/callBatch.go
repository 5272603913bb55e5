// Package callBatch submits batches of calls through a wallet's EIP-5792
// wallet_sendCalls method and polls wallet_getCallsStatus until the batch settles.
package callBatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/config"
	"github.com/Layr-Labs/multichain-aa-go/pkg/metrics"
	"github.com/Layr-Labs/multichain-aa-go/pkg/provider"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const sendCallsVersion = "2.0.0"

var (
	// ErrEmptyBatch is returned when SendBatch is called without calls.
	ErrEmptyBatch = errors.New("batch has no calls")
	// ErrPollTimeout is returned when the batch is still pending after Config.MaxWait.
	ErrPollTimeout = errors.New("timed out waiting for batch status")
	// ErrUnknownStatus is returned when the wallet reports a status outside EIP-5792.
	ErrUnknownStatus = errors.New("unknown batch status")
	// ErrBatchFailed is returned by SendOnChains when a chain's batch settles as failed.
	ErrBatchFailed = errors.New("batch failed")

	errStillPending = errors.New("batch still pending")
)

type BatchStatus string

const (
	StatusPending   BatchStatus = "pending"
	StatusConfirmed BatchStatus = "confirmed"
	StatusFailed    BatchStatus = "failed"
)

// Call is one call of a batch.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Receipt is an EIP-5792 call receipt.
type Receipt struct {
	Logs            []*types.Log   `json:"logs"`
	Status          hexutil.Uint64 `json:"status"`
	BlockHash       common.Hash    `json:"blockHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
	TransactionHash common.Hash    `json:"transactionHash"`
}

// Status is a normalized wallet_getCallsStatus result.
type Status struct {
	ID         string
	ChainID    uint64
	Status     BatchStatus
	StatusCode int
	Atomic     bool
	Receipts   []Receipt
}

func (s *Status) IsTerminal() bool {
	return s.Status != StatusPending
}

type Config struct {
	ChainID uint64
	From    common.Address
	// PollInterval is the fixed delay between status polls. Zero uses config.DefaultPollInterval.
	PollInterval time.Duration
	// MaxWait bounds WaitForStatus. Zero waits until the context is done.
	MaxWait        time.Duration
	AtomicRequired bool
}

type callParam struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value"`
}

type sendCallsParams struct {
	Version        string         `json:"version"`
	ChainID        hexutil.Uint64 `json:"chainId"`
	From           common.Address `json:"from"`
	AtomicRequired bool           `json:"atomicRequired"`
	Calls          []callParam    `json:"calls"`
}

type sendCallsResult struct {
	ID string `json:"id"`
}

type callsStatusResult struct {
	Version  string          `json:"version"`
	ID       string          `json:"id"`
	ChainID  hexutil.Uint64  `json:"chainId"`
	Status   json.RawMessage `json:"status"`
	Atomic   bool            `json:"atomic"`
	Receipts []Receipt       `json:"receipts"`
}

// Submitter sends call batches for one account.
type Submitter struct {
	bridge    *provider.Bridge
	config    *Config
	collector metrics.ICollector
	logger    *zap.Logger
}

func NewSubmitter(bridge *provider.Bridge, cfg *Config, collector metrics.ICollector, l *zap.Logger) *Submitter {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	return &Submitter{
		bridge:    bridge,
		config:    cfg,
		collector: collector,
		logger:    l,
	}
}

// SendBatch dispatches calls in order as a single wallet_sendCalls request on the configured chain.
//
// Parameters:
//   - ctx: Context for the request
//   - calls: The ordered calls
//
// Returns:
//   - string: The batch id assigned by the wallet
//   - error: ErrEmptyBatch, or the wallet's error unchanged
func (s *Submitter) SendBatch(ctx context.Context, calls []Call) (string, error) {
	return s.sendBatch(ctx, s.config.ChainID, calls)
}

// SendBatchOnChain switches the wallet to chainID and dispatches calls there.
func (s *Submitter) SendBatchOnChain(ctx context.Context, chainID uint64, calls []Call) (string, error) {
	if len(calls) == 0 {
		return "", ErrEmptyBatch
	}
	if err := s.bridge.SwitchChain(ctx, chainID); err != nil {
		return "", err
	}
	return s.sendBatch(ctx, chainID, calls)
}

func (s *Submitter) sendBatch(ctx context.Context, chainID uint64, calls []Call) (string, error) {
	if len(calls) == 0 {
		return "", ErrEmptyBatch
	}
	params := sendCallsParams{
		Version:        sendCallsVersion,
		ChainID:        hexutil.Uint64(chainID),
		From:           s.config.From,
		AtomicRequired: s.config.AtomicRequired,
		Calls:          make([]callParam, 0, len(calls)),
	}
	for _, c := range calls {
		value := c.Value
		if value == nil {
			value = new(big.Int)
		}
		data := c.Data
		if data == nil {
			data = []byte{}
		}
		params.Calls = append(params.Calls, callParam{To: c.To, Data: data, Value: (*hexutil.Big)(value)})
	}

	raw, err := s.bridge.Provider().Request(ctx, provider.MethodSendCalls, params)
	if err != nil {
		return "", err
	}

	id, err := decodeBatchID(raw)
	if err != nil {
		return "", err
	}
	s.logger.Sugar().Infow("sent call batch",
		zap.String("id", id),
		zap.Uint64("chainId", chainID),
		zap.Int("calls", len(calls)),
	)
	return id, nil
}

// Wallets implementing earlier drafts of EIP-5792 return the id as a bare string.
func decodeBatchID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil && id != "" {
		return id, nil
	}
	var result sendCallsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("failed to decode %s result: %w", provider.MethodSendCalls, err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("%s returned no batch id", provider.MethodSendCalls)
	}
	return result.ID, nil
}

// PollStatus performs a single wallet_getCallsStatus request.
func (s *Submitter) PollStatus(ctx context.Context, id string) (*Status, error) {
	var result callsStatusResult
	if err := provider.Call(ctx, s.bridge.Provider(), &result, provider.MethodGetCallsStatus, id); err != nil {
		return nil, err
	}
	status, code, err := NormalizeStatus(result.Status)
	if err != nil {
		return nil, err
	}
	s.collector.BatchStatusPolled(string(status))
	if result.ID == "" {
		result.ID = id
	}
	return &Status{
		ID:         result.ID,
		ChainID:    uint64(result.ChainID),
		Status:     status,
		StatusCode: code,
		Atomic:     result.Atomic,
		Receipts:   result.Receipts,
	}, nil
}

// WaitForStatus polls id at the configured fixed interval until the status is no longer pending.
//
// Parameters:
//   - ctx: Context; cancelling it stops polling
//   - id: The batch id returned by SendBatch
//
// Returns:
//   - *Status: The terminal status
//   - error: ErrPollTimeout after Config.MaxWait, ctx's error when cancelled, or the wallet's error
func (s *Submitter) WaitForStatus(ctx context.Context, id string) (*Status, error) {
	interval := s.config.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	backoff := retry.NewConstant(interval)
	if s.config.MaxWait > 0 {
		backoff = retry.WithMaxDuration(s.config.MaxWait, backoff)
	}

	var final *Status
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		status, err := s.PollStatus(ctx, id)
		if err != nil {
			return err
		}
		s.logger.Sugar().Debugw("polled call batch",
			zap.String("id", id),
			zap.Int("attempt", attempt),
			zap.String("status", string(status.Status)),
		)
		if !status.IsTerminal() {
			return retry.RetryableError(errStillPending)
		}
		final = status
		return nil
	})
	if errors.Is(err, errStillPending) {
		return nil, fmt.Errorf("batch %s after %d polls: %w", id, attempt, ErrPollTimeout)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Sugar().Infow("call batch settled",
		zap.String("id", id),
		zap.String("status", string(final.Status)),
		zap.Int("receipts", len(final.Receipts)),
	)
	return final, nil
}

// ChainBatch tracks one chain's batch during SendOnChains. Status is nil until the batch settles.
type ChainBatch struct {
	ChainID uint64
	ID      string
	Status  *Status
	Err     error
}

// SendOnChains sends calls on every chain in order. Each batch is awaited before the wallet
// is switched to the next chain, and the first batch that cannot be sent, times out or fails
// stops the run. Earlier chains are not undone.
//
// Parameters:
//   - ctx: Context for every request
//   - chainIDs: Chains in submission order
//   - calls: The calls sent on each chain
//   - observe: Optional; called once a batch is submitted and again once it settles or errors
//
// Returns:
//   - []*ChainBatch: One entry per chain that was attempted, in order
//   - error: The wallet's error, ErrPollTimeout, or ErrBatchFailed
func (s *Submitter) SendOnChains(ctx context.Context, chainIDs []uint64, calls []Call, observe func(*ChainBatch)) ([]*ChainBatch, error) {
	if observe == nil {
		observe = func(*ChainBatch) {}
	}
	batches := make([]*ChainBatch, 0, len(chainIDs))
	for _, chainID := range chainIDs {
		batch := &ChainBatch{ChainID: chainID}
		batches = append(batches, batch)

		id, err := s.SendBatchOnChain(ctx, chainID, calls)
		if err != nil {
			batch.Err = err
			return batches, err
		}
		batch.ID = id
		observe(batch)

		status, err := s.WaitForStatus(ctx, id)
		if err != nil {
			batch.Err = err
			observe(batch)
			return batches, err
		}
		batch.Status = status
		if status.Status == StatusFailed {
			batch.Err = fmt.Errorf("batch %s on chain %d with status %d: %w", id, chainID, status.StatusCode, ErrBatchFailed)
		}
		observe(batch)
		if batch.Err != nil {
			return batches, batch.Err
		}
	}
	return batches, nil
}

// NormalizeStatus maps an EIP-5792 status code, or a legacy status string, to a BatchStatus.
// 1xx is pending, 2xx confirmed and 4xx to 6xx failed.
func NormalizeStatus(raw json.RawMessage) (BatchStatus, int, error) {
	var code int
	if err := json.Unmarshal(raw, &code); err == nil {
		switch {
		case code >= 100 && code < 200:
			return StatusPending, code, nil
		case code >= 200 && code < 300:
			return StatusConfirmed, code, nil
		case code >= 400 && code < 700:
			return StatusFailed, code, nil
		}
		return "", code, fmt.Errorf("status code %d: %w", code, ErrUnknownStatus)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", 0, fmt.Errorf("status %s: %w", string(raw), ErrUnknownStatus)
	}
	switch strings.ToLower(text) {
	case "pending":
		return StatusPending, 100, nil
	case "confirmed", "success":
		return StatusConfirmed, 200, nil
	case "failed", "failure", "reverted":
		return StatusFailed, 500, nil
	}
	return "", 0, fmt.Errorf("status %q: %w", text, ErrUnknownStatus)
}
