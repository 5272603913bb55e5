// Package orchestrator sends one user operation per chain from the same Kernel account
// owner, signing all of them with a single wallet request. Operations are prepared on
// every chain first, signed together, then submitted to each chain's bundler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/bundler"
	"github.com/Layr-Labs/multichain-aa-go/pkg/chainManager"
	"github.com/Layr-Labs/multichain-aa-go/pkg/journal"
	"github.com/Layr-Labs/multichain-aa-go/pkg/journal/memory"
	"github.com/Layr-Labs/multichain-aa-go/pkg/kernel"
	"github.com/Layr-Labs/multichain-aa-go/pkg/metrics"
	"github.com/Layr-Labs/multichain-aa-go/pkg/multichainSigner"
	"github.com/Layr-Labs/multichain-aa-go/pkg/userOperation"
	"github.com/Layr-Labs/multichain-aa-go/pkg/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoChains is returned when Run is called without chains.
	ErrNoChains = errors.New("no chains to run on")
)

type Config struct {
	Factory    common.Address
	Validator  common.Address
	EntryPoint common.Address
	// AccountIndex selects among accounts of the same owner.
	AccountIndex uint64
	// Calls are executed by every account. Empty sends a single empty call to the zero address.
	Calls []kernel.Call
	// PaymasterContext is passed to pm_getPaymasterStubData and pm_getPaymasterData.
	PaymasterContext map[string]interface{}
	// ReceiptMaxWait bounds each receipt wait. Zero waits until the context is done.
	ReceiptMaxWait time.Duration
}

// Result is the outcome on one chain.
type Result struct {
	ChainID    uint64
	Account    common.Address
	UserOpHash common.Hash
	Receipt    *bundler.UserOperationReceipt
	Err        error
}

// Run is the outcome of one orchestrated run. Results follow the chain order given to Run;
// a chain that was never submitted has no result.
type Run struct {
	ID      string
	Results []*Result
}

type Option func(*Orchestrator)

// WithParallelSubmission submits to every chain at once after the joint signature.
func WithParallelSubmission() Option {
	return func(o *Orchestrator) {
		o.parallel = true
	}
}

func WithJournal(j journal.IJournal) Option {
	return func(o *Orchestrator) {
		o.journal = j
	}
}

func WithCollector(c metrics.ICollector) Option {
	return func(o *Orchestrator) {
		o.collector = c
	}
}

type Orchestrator struct {
	config    *Config
	chains    chainManager.IChainManager
	signer    multichainSigner.IHashSigner
	owner     common.Address
	parallel  bool
	journal   journal.IJournal
	collector metrics.ICollector
	logger    *zap.Logger
}

// NewOrchestrator creates an orchestrator for accounts owned by owner. signer must produce
// personal_sign signatures by owner.
func NewOrchestrator(
	cfg *Config,
	chains chainManager.IChainManager,
	owner common.Address,
	signer multichainSigner.IHashSigner,
	l *zap.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		config: cfg,
		chains: chains,
		signer: signer,
		owner:  owner,
		logger: l,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.journal == nil {
		o.journal = memory.NewMemoryJournal()
	}
	if o.collector == nil {
		o.collector = metrics.NewNoopCollector()
	}
	return o
}

// prepared is a user operation that only lacks its signature.
type prepared struct {
	chainID uint64
	bundler *bundler.Client
	account *kernel.SmartAccount
	op      *userOperation.UserOperation
	hash    common.Hash
}

// Run prepares, jointly signs and submits one user operation per chain in chainIDs.
//
// Parameters:
//   - ctx: Context for every node, bundler and wallet request
//   - chainIDs: The chains to run on, in submission order
//
// Returns:
//   - *Run: The run id and per chain results, also when err is not nil
//   - error: The first preparation, signing or submission error
func (o *Orchestrator) Run(ctx context.Context, chainIDs []uint64) (*Run, error) {
	if len(chainIDs) == 0 {
		return nil, ErrNoChains
	}
	// One account has one nonce per chain, so a chain can appear only once per run.
	chainIDs = util.Dedupe(chainIDs)
	run := &Run{ID: uuid.NewString()}
	o.logger.Sugar().Infow("starting multi-chain run",
		zap.String("runId", run.ID),
		zap.Uint64s("chainIds", chainIDs),
		zap.String("owner", o.owner.Hex()),
	)

	ops := make([]*prepared, 0, len(chainIDs))
	for _, chainID := range chainIDs {
		p, err := o.prepare(ctx, chainID, len(chainIDs))
		if err != nil {
			return run, fmt.Errorf("failed to prepare user operation on chain %d: %w", chainID, err)
		}
		ops = append(ops, p)
	}

	hashes := util.Map(ops, func(p *prepared, _ uint64) common.Hash {
		return p.hash
	})
	signed, err := multichainSigner.NewSigner(o.signer, o.logger).SignHashes(ctx, hashes)
	if err != nil {
		return run, fmt.Errorf("failed to sign user operations: %w", err)
	}
	for i, p := range ops {
		sig, err := signed.OperationSignature(i)
		if err != nil {
			return run, err
		}
		p.op.Signature = sig
	}

	if o.parallel {
		return o.submitParallel(ctx, run, ops)
	}
	for _, p := range ops {
		res := o.submit(ctx, run.ID, p)
		run.Results = append(run.Results, res)
		if res.Err != nil {
			return run, res.Err
		}
	}
	return run, nil
}

func (o *Orchestrator) submitParallel(ctx context.Context, run *Run, ops []*prepared) (*Run, error) {
	results := make([]*Result, len(ops))
	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	for i, p := range ops {
		g.Go(func() error {
			res := o.submit(gCtx, run.ID, p)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return res.Err
		})
	}
	err := g.Wait()
	for _, res := range results {
		if res != nil {
			run.Results = append(run.Results, res)
		}
	}
	return run, err
}

func (o *Orchestrator) prepare(ctx context.Context, chainID uint64, operations int) (*prepared, error) {
	chain, err := o.chains.GetChainForId(chainID)
	if err != nil {
		return nil, err
	}
	bundlerClient, err := chain.RequireBundler()
	if err != nil {
		return nil, err
	}

	factory := kernel.NewFactory(&kernel.FactoryConfig{
		ChainID:    chainID,
		Factory:    o.config.Factory,
		Validator:  o.config.Validator,
		EntryPoint: o.config.EntryPoint,
	}, chain.RPCClient, o.logger)
	account, err := kernel.NewSmartAccount(ctx, factory, o.owner, o.config.AccountIndex, o.logger)
	if err != nil {
		return nil, err
	}

	calls := o.config.Calls
	if len(calls) == 0 {
		calls = []kernel.Call{{To: common.Address{}}}
	}
	callData, err := account.EncodeCalls(calls)
	if err != nil {
		return nil, fmt.Errorf("failed to encode calls: %w", err)
	}
	nonce, err := account.GetNonce(ctx)
	if err != nil {
		return nil, err
	}
	factoryAddress, factoryData, err := account.FactoryArgs(ctx)
	if err != nil {
		return nil, err
	}
	fees, err := chainManager.SuggestFees(ctx, chain.RPCClient, o.logger)
	if err != nil {
		return nil, err
	}
	stub, err := multichainSigner.StubSignature(operations)
	if err != nil {
		return nil, fmt.Errorf("failed to build stub signature: %w", err)
	}

	op := &userOperation.UserOperation{
		Sender:               account.Address(),
		Nonce:                nonce,
		Factory:              factoryAddress,
		FactoryData:          factoryData,
		CallData:             callData,
		MaxFeePerGas:         fees.GasFeeCap,
		MaxPriorityFeePerGas: fees.GasTipCap,
		Signature:            stub,
	}

	final := false
	if bundlerClient.HasPaymaster() {
		pm, err := bundlerClient.GetPaymasterStubData(ctx, op, o.config.PaymasterContext)
		if err != nil {
			return nil, err
		}
		applyPaymaster(op, pm)
		final = pm.IsFinal
	}

	estimate, err := bundlerClient.EstimateUserOperationGas(ctx, op)
	if err != nil {
		return nil, err
	}
	op.CallGasLimit = estimate.CallGasLimit.ToInt()
	op.VerificationGasLimit = estimate.VerificationGasLimit.ToInt()
	op.PreVerificationGas = estimate.PreVerificationGas.ToInt()
	if op.Paymaster != nil {
		if estimate.PaymasterVerificationGasLimit != nil {
			op.PaymasterVerificationGasLimit = estimate.PaymasterVerificationGasLimit.ToInt()
		}
		if estimate.PaymasterPostOpGasLimit != nil {
			op.PaymasterPostOpGasLimit = estimate.PaymasterPostOpGasLimit.ToInt()
		}
	}

	if bundlerClient.HasPaymaster() && !final {
		pm, err := bundlerClient.GetPaymasterData(ctx, op, o.config.PaymasterContext)
		if err != nil {
			return nil, err
		}
		applyPaymaster(op, pm)
	}

	hash, err := op.Hash(o.config.EntryPoint, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, err
	}
	o.logger.Sugar().Infow("prepared user operation",
		zap.Uint64("chainId", chainID),
		zap.String("sender", op.Sender.Hex()),
		zap.String("userOpHash", hash.Hex()),
		zap.Bool("sponsored", op.Paymaster != nil),
	)
	return &prepared{
		chainID: chainID,
		bundler: bundlerClient,
		account: account,
		op:      op,
		hash:    hash,
	}, nil
}

func applyPaymaster(op *userOperation.UserOperation, pm *bundler.PaymasterData) {
	op.Paymaster = pm.Paymaster
	op.PaymasterData = pm.PaymasterData
	if pm.PaymasterVerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = pm.PaymasterVerificationGasLimit.ToInt()
	}
	if pm.PaymasterPostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = pm.PaymasterPostOpGasLimit.ToInt()
	}
}

// submit sends p and waits for its receipt. Failures are recorded, never compensated.
func (o *Orchestrator) submit(ctx context.Context, runID string, p *prepared) *Result {
	res := &Result{
		ChainID:    p.chainID,
		Account:    p.account.Address(),
		UserOpHash: p.hash,
	}

	hash, err := p.bundler.SendUserOperation(ctx, p.op)
	if err != nil {
		res.Err = fmt.Errorf("failed to submit user operation on chain %d: %w", p.chainID, err)
		o.record(ctx, runID, p.chainID, p.hash, journal.Status_Failed, res.Err.Error())
		return res
	}
	if hash != p.hash {
		o.logger.Sugar().Warnw("bundler returned a different user operation hash",
			zap.Uint64("chainId", p.chainID),
			zap.String("expected", p.hash.Hex()),
			zap.String("actual", hash.Hex()),
		)
		res.UserOpHash = hash
	}
	o.collector.UserOperationSubmitted(p.chainID)
	o.record(ctx, runID, p.chainID, hash, journal.Status_Submitted, "")

	receipt, err := p.bundler.WaitForUserOperationReceipt(ctx, hash, o.config.ReceiptMaxWait)
	res.Receipt = receipt
	if err != nil {
		res.Err = err
		if receipt != nil {
			o.collector.UserOperationCompleted(p.chainID, false)
		}
		o.record(ctx, runID, p.chainID, hash, journal.Status_Failed, err.Error())
		return res
	}

	o.collector.UserOperationCompleted(p.chainID, true)
	detail := ""
	if receipt.Receipt != nil {
		detail = receipt.Receipt.TxHash.Hex()
	}
	o.record(ctx, runID, p.chainID, hash, journal.Status_Confirmed, detail)
	o.logger.Sugar().Infow("user operation confirmed",
		zap.Uint64("chainId", p.chainID),
		zap.String("userOpHash", hash.Hex()),
	)
	return res
}

func (o *Orchestrator) record(ctx context.Context, runID string, chainID uint64, hash common.Hash, status string, detail string) {
	// Outcomes are recorded even when ctx was cancelled by a failing sibling.
	err := o.journal.Record(context.WithoutCancel(ctx), &journal.Entry{
		RunID:     runID,
		Kind:      journal.Kind_UserOperation,
		ChainID:   chainID,
		Reference: hash.Hex(),
		Status:    status,
		Detail:    detail,
	})
	if err != nil {
		o.logger.Sugar().Warnw("failed to record journal entry",
			zap.String("runId", runID),
			zap.Uint64("chainId", chainID),
			zap.Error(err),
		)
	}
}

// Journal returns the journal runs are recorded in.
func (o *Orchestrator) Journal() journal.IJournal {
	return o.journal
}
