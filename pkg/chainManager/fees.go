package chainManager

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

var (
	FallbackGasTipCap = big.NewInt(15000000000)

	// ErrTransactionFailed is returned when a mined transaction has a failed status.
	ErrTransactionFailed = errors.New("transaction failed")

	errNotMined = errors.New("transaction not mined")
)

// Fees are EIP-1559 fee parameters.
type Fees struct {
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// AddGasBuffer adds 20% to a gas estimate.
func AddGasBuffer(gasLimit uint64) uint64 {
	return 6 * gasLimit / 5
}

// SuggestFees returns a tip from the node, falling back to FallbackGasTipCap when the node does
// not support eth_maxPriorityFeePerGas, and a fee cap of 1.5 * basefee + tip.
func SuggestFees(ctx context.Context, client EthClientInterface, l *zap.Logger) (*Fees, error) {
	gasTipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		l.Sugar().Debugw("cannot get gasTipCap, using fallback",
			zap.String("error", err.Error()),
		)
		gasTipCap = new(big.Int).Set(FallbackGasTipCap)
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	overestimatedBasefee := new(big.Int).Div(new(big.Int).Mul(baseFee, big.NewInt(3)), big.NewInt(2))

	return &Fees{
		GasTipCap: gasTipCap,
		GasFeeCap: new(big.Int).Add(overestimatedBasefee, gasTipCap),
	}, nil
}

// EstimateGasWithBuffer estimates msg and adds the 20% buffer.
func EstimateGasWithBuffer(ctx context.Context, client EthClientInterface, msg ethereum.CallMsg) (uint64, error) {
	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return AddGasBuffer(gasLimit), nil
}

// WaitMined polls for the receipt of txHash every interval until it is mined or ctx is done.
//
// Returns:
//   - *types.Receipt: The receipt
//   - error: ErrTransactionFailed with the receipt when status is not successful, or ctx's error
func WaitMined(ctx context.Context, client EthClientInterface, txHash common.Hash, interval time.Duration, l *zap.Logger) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := retry.Do(ctx, retry.NewConstant(interval), func(ctx context.Context) error {
		r, err := client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return retry.RetryableError(errNotMined)
		}
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wait for transaction %s: %w", txHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		l.Sugar().Errorw("transaction failed",
			zap.String("txHash", txHash.Hex()),
			zap.Stringer("blockNumber", receipt.BlockNumber),
		)
		return receipt, fmt.Errorf("transaction %s: %w", txHash.Hex(), ErrTransactionFailed)
	}
	l.Sugar().Infow("transaction mined",
		zap.String("txHash", txHash.Hex()),
		zap.Uint64("gasUsed", receipt.GasUsed),
	)
	return receipt, nil
}
