package localWallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/Layr-Labs/multichain-aa-go/pkg/provider"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const callsStatusVersion = "2.0.0"

// EIP-5792 status codes reported by wallet_getCallsStatus.
const (
	statusPending           = 100
	statusConfirmed         = 200
	statusReverted          = 500
	statusPartiallyReverted = 600
)

// batch is a wallet_sendCalls request executed as one transaction per call.
type batch struct {
	id       string
	chainID  uint64
	txHashes []common.Hash
}

type sendCallsCall struct {
	To    *common.Address `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Value *hexutil.Big    `json:"value"`
}

type SendCallsRequest struct {
	Version        string                 `json:"version"`
	ID             string                 `json:"id,omitempty"`
	ChainID        hexutil.Uint64         `json:"chainId"`
	From           *common.Address        `json:"from,omitempty"`
	AtomicRequired bool                   `json:"atomicRequired"`
	Calls          []sendCallsCall        `json:"calls"`
	Capabilities   map[string]interface{} `json:"capabilities,omitempty"`
}

type SendCallsResult struct {
	ID string `json:"id"`
}

type CallsReceipt struct {
	Logs            []*types.Log   `json:"logs"`
	Status          hexutil.Uint64 `json:"status"`
	BlockHash       common.Hash    `json:"blockHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
	TransactionHash common.Hash    `json:"transactionHash"`
}

type CallsStatus struct {
	Version  string         `json:"version"`
	ID       string         `json:"id"`
	ChainID  hexutil.Uint64 `json:"chainId"`
	Status   int            `json:"status"`
	Atomic   bool           `json:"atomic"`
	Receipts []CallsReceipt `json:"receipts"`
}

// sendCalls executes every call of req as its own transaction, in order, with consecutive nonces.
// The wallet cannot execute calls atomically, so atomicRequired is refused.
func (w *Wallet) sendCalls(ctx context.Context, req *SendCallsRequest) (*SendCallsResult, error) {
	if req.From != nil {
		if err := w.requireAccount(*req.From); err != nil {
			return nil, err
		}
	}
	if req.AtomicRequired {
		return nil, newWalletError(provider.CodeAtomicityUnsupported, "atomic execution is not supported by this wallet")
	}
	if len(req.Calls) == 0 {
		return nil, newWalletError(provider.CodeInvalidParams, "no calls")
	}
	chainID := uint64(req.ChainID)
	chain, err := w.chain(chainID)
	if err != nil {
		return nil, err
	}

	nonce, err := chain.RPCClient.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending nonce: %w", err)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	b := &batch{id: id, chainID: chainID}

	chainBig := (*hexutil.Big)(new(big.Int).SetUint64(chainID))
	for i, call := range req.Calls {
		n := hexutil.Uint64(nonce + uint64(i))
		data := call.Data
		args := &provider.TransactionArgs{
			From:    w.address,
			To:      call.To,
			Value:   call.Value,
			Nonce:   &n,
			Data:    &data,
			ChainID: chainBig,
		}
		tx, err := w.sendTransaction(ctx, args)
		if err != nil {
			w.logger.Sugar().Errorw("call batch stopped",
				zap.String("id", id),
				zap.Int("call", i),
				zap.Int("sent", len(b.txHashes)),
				zap.Error(err),
			)
			return nil, err
		}
		b.txHashes = append(b.txHashes, tx.Hash())
	}

	w.batchLock.Lock()
	w.batches[id] = b
	w.batchLock.Unlock()

	w.logger.Sugar().Infow("executed call batch",
		zap.String("id", id),
		zap.Uint64("chainId", chainID),
		zap.Int("calls", len(b.txHashes)),
	)
	return &SendCallsResult{ID: id}, nil
}

// callsStatus reports the combined receipt status of a batch. A batch is pending until every
// transaction is mined.
func (w *Wallet) callsStatus(ctx context.Context, id string) (*CallsStatus, error) {
	w.batchLock.Lock()
	b, ok := w.batches[id]
	w.batchLock.Unlock()
	if !ok {
		return nil, newWalletError(provider.CodeUnknownBundleID, "unknown bundle id %s", id)
	}
	chain, err := w.chain(b.chainID)
	if err != nil {
		return nil, err
	}

	result := &CallsStatus{
		Version: callsStatusVersion,
		ID:      id,
		ChainID: hexutil.Uint64(b.chainID),
		Status:  statusPending,
		Atomic:  false,
	}
	succeeded := 0
	for _, hash := range b.txHashes {
		receipt, err := chain.RPCClient.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get receipt for %s: %w", hash.Hex(), err)
		}
		if receipt.Status == types.ReceiptStatusSuccessful {
			succeeded++
		}
		result.Receipts = append(result.Receipts, toCallsReceipt(receipt))
	}

	switch succeeded {
	case len(b.txHashes):
		result.Status = statusConfirmed
	case 0:
		result.Status = statusReverted
	default:
		result.Status = statusPartiallyReverted
	}
	return result, nil
}

func toCallsReceipt(r *types.Receipt) CallsReceipt {
	out := CallsReceipt{
		Logs:            r.Logs,
		Status:          hexutil.Uint64(r.Status),
		BlockHash:       r.BlockHash,
		GasUsed:         hexutil.Uint64(r.GasUsed),
		TransactionHash: r.TxHash,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = hexutil.Uint64(r.BlockNumber.Uint64())
	}
	return out
}
