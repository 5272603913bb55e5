// Package delegation upgrades an externally owned account with EIP-7702: the wallet signs
// an authorization for a delegate contract and a self-sponsored set-code transaction that
// carries it.
package delegation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/authorization"
	"github.com/Layr-Labs/multichain-aa-go/pkg/chainManager"
	"github.com/Layr-Labs/multichain-aa-go/pkg/config"
	"github.com/Layr-Labs/multichain-aa-go/pkg/journal"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// AuthorizationGas is added per authorization tuple on top of the node's estimate, which is
// made without the authorization list.
const AuthorizationGas = 25000

// ISigner is the wallet account sending the delegation. *account.Account satisfies it.
type ISigner interface {
	Address() common.Address
	SignAuthorization(ctx context.Context, req authorization.Request) (*authorization.Signature, error)
	SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type Config struct {
	// PollInterval is the delay between receipt polls. Zero uses config.DefaultPollInterval.
	PollInterval time.Duration
}

type Delegator struct {
	config  *Config
	chains  chainManager.IChainManager
	signer  ISigner
	journal journal.IJournal
	logger  *zap.Logger
}

// Result describes a mined delegation.
type Result struct {
	ChainID       uint64
	Authorization *authorization.Signature
	Transaction   *types.Transaction
	Receipt       *types.Receipt
}

// NewDelegator creates a Delegator. j may be nil.
func NewDelegator(cfg *Config, chains chainManager.IChainManager, signer ISigner, j journal.IJournal, l *zap.Logger) *Delegator {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Delegator{
		config:  cfg,
		chains:  chains,
		signer:  signer,
		journal: j,
		logger:  l,
	}
}

// Delegate delegates the signer's account on chainID to delegate and waits for the
// transaction to be mined.
//
// Parameters:
//   - ctx: Context for wallet and node requests
//   - runID: Journal run the outcome is recorded under
//   - chainID: The chain to delegate on
//   - delegate: The contract whose code the account adopts
//   - data: Call data executed by the account in the same transaction, may be nil
//
// Returns:
//   - *Result: The signed authorization, transaction and receipt
//   - error: A wallet, node or chainManager.ErrTransactionFailed error
func (d *Delegator) Delegate(ctx context.Context, runID string, chainID uint64, delegate common.Address, data []byte) (*Result, error) {
	chain, err := d.chains.GetChainForId(chainID)
	if err != nil {
		return nil, err
	}
	client := chain.RPCClient
	from := d.signer.Address()

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending nonce for %s: %w", from.Hex(), err)
	}

	// The sender's nonce is bumped before the authorization list is processed.
	auth, err := d.signer.SignAuthorization(ctx, authorization.Request{
		ChainID: chainID,
		Address: delegate.Hex(),
		Nonce:   nonce + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	fees, err := chainManager.SuggestFees(ctx, client, d.logger)
	if err != nil {
		return nil, err
	}
	gasLimit, err := chainManager.EstimateGasWithBuffer(ctx, client, ethereum.CallMsg{
		From:      from,
		To:        &from,
		GasTipCap: fees.GasTipCap,
		GasFeeCap: fees.GasFeeCap,
		Data:      data,
	})
	if err != nil {
		return nil, err
	}
	gasLimit += AuthorizationGas

	tx := types.NewTx(&types.SetCodeTx{
		ChainID:   uint256.NewInt(chainID),
		Nonce:     nonce,
		GasTipCap: uint256.MustFromBig(fees.GasTipCap),
		GasFeeCap: uint256.MustFromBig(fees.GasFeeCap),
		Gas:       gasLimit,
		To:        from,
		Value:     new(uint256.Int),
		Data:      data,
		AuthList:  []types.SetCodeAuthorization{auth.SetCodeAuthorization()},
	})

	d.logger.Sugar().Infow("sending delegation",
		zap.Uint64("chainId", chainID),
		zap.String("account", from.Hex()),
		zap.String("delegate", delegate.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gasLimit", gasLimit),
		zap.String("gasFeeCap", fees.GasFeeCap.String()),
	)

	signed, err := d.signer.SignTransaction(ctx, tx, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, fmt.Errorf("failed to sign delegation transaction: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		d.record(ctx, runID, chainID, signed.Hash(), journal.Status_Failed, err.Error())
		return nil, fmt.Errorf("failed to send delegation transaction: %w", err)
	}
	d.record(ctx, runID, chainID, signed.Hash(), journal.Status_Submitted, delegate.Hex())

	interval := d.config.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	receipt, err := chainManager.WaitMined(ctx, client, signed.Hash(), interval, d.logger)
	if err != nil {
		d.record(ctx, runID, chainID, signed.Hash(), journal.Status_Failed, err.Error())
		return nil, err
	}
	d.record(ctx, runID, chainID, signed.Hash(), journal.Status_Confirmed, delegate.Hex())

	return &Result{
		ChainID:       chainID,
		Authorization: auth,
		Transaction:   signed,
		Receipt:       receipt,
	}, nil
}

func (d *Delegator) record(ctx context.Context, runID string, chainID uint64, txHash common.Hash, status string, detail string) {
	if d.journal == nil {
		return
	}
	err := d.journal.Record(context.WithoutCancel(ctx), &journal.Entry{
		RunID:     runID,
		Kind:      journal.Kind_Authorization,
		ChainID:   chainID,
		Reference: txHash.Hex(),
		Status:    status,
		Detail:    detail,
	})
	if err != nil {
		d.logger.Sugar().Warnw("failed to record journal entry", zap.Error(err))
	}
}

// DelegatedTo returns the contract account is delegated to, or false when it has no
// delegation designator.
func DelegatedTo(ctx context.Context, client chainManager.EthClientInterface, account common.Address) (common.Address, bool, error) {
	code, err := client.CodeAt(ctx, account, nil)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("failed to get code for %s: %w", account.Hex(), err)
	}
	delegate, ok := types.ParseDelegation(code)
	return delegate, ok, nil
}
