// Package localWallet implements a development wallet that answers the wallet JSON-RPC
// methods used by this module from a key signer. It can be used in-process as a
// provider.IProvider or served over HTTP with NewServer.
package localWallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/Layr-Labs/multichain-aa-go/pkg/chainManager"
	"github.com/Layr-Labs/multichain-aa-go/pkg/keySigner"
	"github.com/Layr-Labs/multichain-aa-go/pkg/metrics"
	"github.com/Layr-Labs/multichain-aa-go/pkg/provider"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// walletError is returned from rpc handlers so that its code reaches the caller unchanged.
type walletError struct {
	code    int
	message string
}

func (e *walletError) Error() string {
	return e.message
}

func (e *walletError) ErrorCode() int {
	return e.code
}

func newWalletError(code int, format string, args ...interface{}) error {
	return &walletError{code: code, message: fmt.Sprintf(format, args...)}
}

// Config configures a Wallet.
type Config struct {
	// ChainID is the chain the wallet starts on.
	ChainID uint64
}

// Wallet signs with a single key. It is safe for concurrent use.
type Wallet struct {
	signer  keySigner.IKeySigner
	address common.Address
	chains  chainManager.IChainManager

	chainLock sync.RWMutex
	chainID   uint64

	batchLock sync.Mutex
	batches   map[string]*batch

	logger *zap.Logger
}

// NewWallet creates a wallet for signer.
//
// Parameters:
//   - signer: The key that signs every request
//   - chains: Chains the wallet can switch to and send transactions on; may be nil for a
//     signing-only wallet
//   - cfg: The wallet configuration
//   - l: Logger
//
// Returns:
//   - *Wallet: The wallet
//   - error: An error if the signer address cannot be determined
func NewWallet(signer keySigner.IKeySigner, chains chainManager.IChainManager, cfg *Config, l *zap.Logger) (*Wallet, error) {
	address, err := signer.GetAddress()
	if err != nil {
		return nil, fmt.Errorf("failed to get signer address: %w", err)
	}
	chainID := cfg.ChainID
	if chainID == 0 && chains != nil {
		if ids := chains.GetChainIds(); len(ids) > 0 {
			chainID = ids[0]
		}
	}
	return &Wallet{
		signer:  signer,
		address: address,
		chains:  chains,
		chainID: chainID,
		batches: make(map[string]*batch),
		logger:  l,
	}, nil
}

func (w *Wallet) Address() common.Address {
	return w.address
}

// ChainID returns the chain the wallet is currently on.
func (w *Wallet) ChainID() uint64 {
	w.chainLock.RLock()
	defer w.chainLock.RUnlock()
	return w.chainID
}

// RPCServer returns a go-ethereum rpc.Server exposing the wallet's personal, eth and wallet namespaces.
func (w *Wallet) RPCServer() (*rpc.Server, error) {
	server := rpc.NewServer()
	apis := map[string]interface{}{
		"personal": &personalAPI{wallet: w},
		"eth":      &ethAPI{wallet: w},
		"wallet":   &walletAPI{wallet: w},
	}
	for namespace, api := range apis {
		if err := server.RegisterName(namespace, api); err != nil {
			return nil, fmt.Errorf("failed to register %s namespace: %w", namespace, err)
		}
	}
	return server, nil
}

// Provider returns an in-process provider.IProvider backed by the wallet.
func (w *Wallet) Provider(collector metrics.ICollector) (*provider.RPCProvider, error) {
	server, err := w.RPCServer()
	if err != nil {
		return nil, err
	}
	return provider.NewRPCProviderFromClient(rpc.DialInProc(server), collector, w.logger), nil
}

func (w *Wallet) requireAccount(address common.Address) error {
	if address != w.address {
		return newWalletError(provider.CodeUnauthorized, "account %s is not managed by this wallet", address.Hex())
	}
	return nil
}

func (w *Wallet) chain(chainID uint64) (*chainManager.Chain, error) {
	if w.chains == nil {
		return nil, newWalletError(provider.CodeUnrecognizedChain, "wallet has no chain connections")
	}
	chain, err := w.chains.GetChainForId(chainID)
	if err != nil {
		return nil, newWalletError(provider.CodeUnrecognizedChain, "unrecognized chain %d", chainID)
	}
	return chain, nil
}

// signText signs data with the EIP-191 personal message prefix.
func (w *Wallet) signText(ctx context.Context, data []byte) ([]byte, error) {
	return w.signer.SignHash(ctx, common.BytesToHash(accounts.TextHash(data)))
}

// personalMessageBytes interprets a personal_sign payload: 0x-prefixed hex is raw bytes,
// anything else is UTF-8 text.
func personalMessageBytes(message string) []byte {
	if strings.HasPrefix(message, "0x") {
		if raw, err := hexutil.Decode(message); err == nil {
			return raw
		}
	}
	return []byte(message)
}

// buildTransaction converts wallet arguments into an unsigned transaction. Missing nonce, gas
// and fees are filled from the chain when fill is set.
func (w *Wallet) buildTransaction(ctx context.Context, args *provider.TransactionArgs, fill bool) (*types.Transaction, *big.Int, error) {
	if err := w.requireAccount(args.From); err != nil {
		return nil, nil, err
	}
	chainID := new(big.Int).SetUint64(w.ChainID())
	if args.ChainID != nil {
		chainID = args.ChainID.ToInt()
	}

	if fill {
		if err := w.fillTransaction(ctx, chainID.Uint64(), args); err != nil {
			return nil, nil, err
		}
	}
	if args.Nonce == nil || args.Gas == nil {
		return nil, nil, newWalletError(provider.CodeInvalidParams, "nonce and gas are required")
	}

	value := new(big.Int)
	if args.Value != nil {
		value = args.Value.ToInt()
	}
	var data []byte
	if args.Data != nil {
		data = *args.Data
	}

	switch {
	case len(args.AuthorizationList) > 0:
		if args.To == nil {
			return nil, nil, newWalletError(provider.CodeInvalidParams, "set code transactions require a recipient")
		}
		if args.MaxFeePerGas == nil || args.MaxPriorityFeePerGas == nil {
			return nil, nil, newWalletError(provider.CodeInvalidParams, "set code transactions require EIP-1559 fees")
		}
		return types.NewTx(&types.SetCodeTx{
			ChainID:   uint256FromBig(chainID),
			Nonce:     uint64(*args.Nonce),
			GasTipCap: uint256FromBig(args.MaxPriorityFeePerGas.ToInt()),
			GasFeeCap: uint256FromBig(args.MaxFeePerGas.ToInt()),
			Gas:       uint64(*args.Gas),
			To:        *args.To,
			Value:     uint256FromBig(value),
			Data:      data,
			AuthList:  args.AuthorizationList,
		}), chainID, nil
	case args.GasPrice != nil:
		return types.NewTx(&types.LegacyTx{
			Nonce:    uint64(*args.Nonce),
			GasPrice: args.GasPrice.ToInt(),
			Gas:      uint64(*args.Gas),
			To:       args.To,
			Value:    value,
			Data:     data,
		}), chainID, nil
	case args.MaxFeePerGas != nil && args.MaxPriorityFeePerGas != nil:
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     uint64(*args.Nonce),
			GasTipCap: args.MaxPriorityFeePerGas.ToInt(),
			GasFeeCap: args.MaxFeePerGas.ToInt(),
			Gas:       uint64(*args.Gas),
			To:        args.To,
			Value:     value,
			Data:      data,
		}), chainID, nil
	}
	return nil, nil, newWalletError(provider.CodeInvalidParams, "gasPrice or maxFeePerGas and maxPriorityFeePerGas are required")
}

func (w *Wallet) fillTransaction(ctx context.Context, chainID uint64, args *provider.TransactionArgs) error {
	chain, err := w.chain(chainID)
	if err != nil {
		return err
	}
	client := chain.RPCClient

	if args.Nonce == nil {
		nonce, err := client.PendingNonceAt(ctx, args.From)
		if err != nil {
			return fmt.Errorf("failed to get pending nonce: %w", err)
		}
		n := hexutil.Uint64(nonce)
		args.Nonce = &n
	}
	if args.GasPrice == nil && (args.MaxFeePerGas == nil || args.MaxPriorityFeePerGas == nil) {
		fees, err := chainManager.SuggestFees(ctx, client, w.logger)
		if err != nil {
			return err
		}
		args.MaxFeePerGas = (*hexutil.Big)(fees.GasFeeCap)
		args.MaxPriorityFeePerGas = (*hexutil.Big)(fees.GasTipCap)
	}
	if args.Gas == nil {
		gas, err := chainManager.EstimateGasWithBuffer(ctx, client, callMsgFromArgs(args))
		if err != nil {
			return err
		}
		args.Gas = (*hexutil.Uint64)(&gas)
	}
	return nil
}

// signTransaction builds and signs the transaction described by args.
func (w *Wallet) signTransaction(ctx context.Context, args *provider.TransactionArgs, fill bool) (*types.Transaction, error) {
	tx, chainID, err := w.buildTransaction(ctx, args, fill)
	if err != nil {
		return nil, err
	}
	signed, err := keySigner.SignTx(ctx, w.signer, tx, chainID)
	if err != nil {
		return nil, err
	}
	w.logger.Sugar().Infow("signed transaction",
		zap.String("hash", signed.Hash().Hex()),
		zap.Uint8("type", signed.Type()),
		zap.Uint64("nonce", signed.Nonce()),
		zap.String("chainId", chainID.String()),
	)
	return signed, nil
}

// sendTransaction signs args and broadcasts the result on its chain.
func (w *Wallet) sendTransaction(ctx context.Context, args *provider.TransactionArgs) (*types.Transaction, error) {
	signed, err := w.signTransaction(ctx, args, true)
	if err != nil {
		return nil, err
	}
	chain, err := w.chain(signed.ChainId().Uint64())
	if err != nil {
		return nil, err
	}
	if err := chain.RPCClient.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed, nil
}

func (w *Wallet) switchChain(chainID uint64) error {
	if w.chains != nil {
		if _, err := w.chain(chainID); err != nil {
			return err
		}
	}
	w.chainLock.Lock()
	w.chainID = chainID
	w.chainLock.Unlock()
	w.logger.Sugar().Infow("wallet switched chain", zap.Uint64("chainId", chainID))
	return nil
}
