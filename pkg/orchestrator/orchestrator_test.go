package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/bundler"
	"github.com/Layr-Labs/multichain-aa-go/pkg/chainManager"
	"github.com/Layr-Labs/multichain-aa-go/pkg/config"
	"github.com/Layr-Labs/multichain-aa-go/pkg/journal"
	"github.com/Layr-Labs/multichain-aa-go/pkg/journal/memory"
	"github.com/Layr-Labs/multichain-aa-go/pkg/keySigner"
	"github.com/Layr-Labs/multichain-aa-go/pkg/multichainSigner"
	"github.com/Layr-Labs/multichain-aa-go/pkg/provider"
	"github.com/Layr-Labs/multichain-aa-go/pkg/userOperation"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	sepolia        = uint64(11155111)
	opSepolia      = uint64(11155420)
)

var (
	owner         = common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
	smartAccount  = common.HexToAddress("0x5a6b47f4131bf1feafa56a05573314bcf44c9149")
	testPaymaster = common.HexToAddress("0x7Ab4Af9c2F5F6c0ab1a1f5e0aC6f0F5c9b2D3E4F")
)

func testConfig() *Config {
	return &Config{
		Factory:    config.KernelV31FactoryAddress,
		Validator:  config.MultiChainECDSAValidatorAddress,
		EntryPoint: config.EntryPointV07Address,
	}
}

// events records bundler traffic across chains in arrival order.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.log...)
}

// bundlerService answers a chain's eth_ bundler methods and checks the joint signature.
type bundlerService struct {
	chainID      uint64
	events       *events
	pendingPolls int
	revert       bool
	sendErr      error
	mu           sync.Mutex
	sent         []*userOperation.UserOperation
	estimated    []*userOperation.UserOperation
}

func (s *bundlerService) EstimateUserOperationGas(op userOperation.UserOperationArgs, entryPoint common.Address) (*bundler.GasEstimate, error) {
	s.mu.Lock()
	s.estimated = append(s.estimated, op.ToUserOperation())
	s.mu.Unlock()
	return &bundler.GasEstimate{
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(50000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(200000)),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(100000)),
	}, nil
}

func (s *bundlerService) SendUserOperation(args userOperation.UserOperationArgs, entryPoint common.Address) (common.Hash, error) {
	s.events.add("send:%d", s.chainID)
	if s.sendErr != nil {
		return common.Hash{}, s.sendErr
	}
	op := args.ToUserOperation()
	hash, err := op.Hash(entryPoint, new(big.Int).SetUint64(s.chainID))
	if err != nil {
		return common.Hash{}, err
	}
	if err := multichainSigner.Verify(hash, op.Signature, owner); err != nil {
		return common.Hash{}, &provider.ProviderError{Code: provider.CodeInvalidParams, Message: "AA24 signature error: " + err.Error()}
	}
	s.mu.Lock()
	s.sent = append(s.sent, op)
	s.mu.Unlock()
	return hash, nil
}

func (s *bundlerService) GetUserOperationReceipt(hash common.Hash) (*bundler.UserOperationReceipt, error) {
	s.events.add("receipt:%d", s.chainID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingPolls > 0 {
		s.pendingPolls--
		return nil, nil
	}
	return &bundler.UserOperationReceipt{
		UserOpHash:    hash,
		EntryPoint:    config.EntryPointV07Address,
		Sender:        smartAccount,
		Nonce:         (*hexutil.Big)(big.NewInt(0)),
		ActualGasCost: (*hexutil.Big)(big.NewInt(1)),
		ActualGasUsed: (*hexutil.Big)(big.NewInt(1)),
		Success:       !s.revert,
	}, nil
}

type paymasterService struct{}

func (p *paymasterService) GetPaymasterStubData(op userOperation.UserOperationArgs, entryPoint common.Address, chainID hexutil.Uint64, pmContext map[string]interface{}) (*bundler.PaymasterData, error) {
	return &bundler.PaymasterData{
		Paymaster:                     &testPaymaster,
		PaymasterData:                 hexutil.Bytes{0x01},
		PaymasterVerificationGasLimit: (*hexutil.Big)(big.NewInt(30000)),
		PaymasterPostOpGasLimit:       (*hexutil.Big)(big.NewInt(1)),
	}, nil
}

func (p *paymasterService) GetPaymasterData(op userOperation.UserOperationArgs, entryPoint common.Address, chainID hexutil.Uint64, pmContext map[string]interface{}) (*bundler.PaymasterData, error) {
	if pmContext["sponsorshipPolicyId"] != "sp_test" {
		return nil, &provider.ProviderError{Code: provider.CodeInvalidParams, Message: "unknown policy"}
	}
	return &bundler.PaymasterData{Paymaster: &testPaymaster, PaymasterData: hexutil.Bytes{0x02}}, nil
}

// personalSigner signs like a wallet answering personal_sign and counts requests.
type personalSigner struct {
	key   *keySigner.PrivateKeySigner
	mu    sync.Mutex
	calls int
	err   error
}

func (p *personalSigner) SignHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.key.SignHash(ctx, common.BytesToHash(accounts.TextHash(hash.Bytes())))
}

func newPersonalSigner(t *testing.T) *personalSigner {
	key, err := keySigner.NewPrivateKeySigner(testPrivateKey)
	require.NoError(t, err)
	return &personalSigner{key: key}
}

func callTo(addr common.Address) interface{} {
	return mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return msg.To != nil && *msg.To == addr
	})
}

// newNode mocks the node reads made while preparing one user operation.
func newNode(t *testing.T) *chainManager.MockEthClientInterface {
	client := chainManager.NewMockEthClientInterface(t)
	client.On("CallContract", mock.Anything, callTo(config.KernelV31FactoryAddress), mock.Anything).
		Return(common.LeftPadBytes(smartAccount.Bytes(), 32), nil)
	client.On("CallContract", mock.Anything, callTo(config.EntryPointV07Address), mock.Anything).
		Return(make([]byte, 32), nil)
	client.On("CodeAt", mock.Anything, smartAccount, mock.Anything).Return([]byte{0xef, 0x01}, nil)
	client.On("SuggestGasTipCap", mock.Anything).Return(big.NewInt(1_000_000_000), nil)
	client.On("HeaderByNumber", mock.Anything, mock.Anything).Return(&types.Header{BaseFee: big.NewInt(2_000_000_000)}, nil)
	return client
}

type testChains struct {
	manager  *chainManager.ChainManager
	services map[uint64]*bundlerService
	events   *events
}

func newTestChains(t *testing.T, chainIDs []uint64, withPaymaster bool) *testChains {
	l := zaptest.NewLogger(t)
	tc := &testChains{
		manager:  chainManager.NewChainManager(nil, l),
		services: map[uint64]*bundlerService{},
		events:   &events{},
	}
	for _, chainID := range chainIDs {
		svc := &bundlerService{chainID: chainID, events: tc.events}
		server := rpc.NewServer()
		require.NoError(t, server.RegisterName("eth", svc))
		var pmClient *rpc.Client
		if withPaymaster {
			require.NoError(t, server.RegisterName("pm", &paymasterService{}))
			pmClient = rpc.DialInProc(server)
		}
		t.Cleanup(server.Stop)

		b := bundler.NewClientWithRPC(&bundler.Config{
			ChainID:             chainID,
			EntryPoint:          config.EntryPointV07Address,
			RequestsPerSecond:   1000,
			ReceiptPollInterval: 10 * time.Millisecond,
		}, rpc.DialInProc(server), pmClient, nil, l)

		cfg := &chainManager.ChainConfig{ChainID: chainID, EntryPoint: config.EntryPointV07Address}
		require.NoError(t, tc.manager.AddChainWithClients(cfg, newNode(t), b))
		tc.services[chainID] = svc
	}
	return tc
}

func indexOf(log []string, entry string) int {
	for i, e := range log {
		if e == entry {
			return i
		}
	}
	return -1
}

type countingCollector struct {
	mu        sync.Mutex
	submitted map[uint64]int
	completed map[uint64]bool
}

func newCountingCollector() *countingCollector {
	return &countingCollector{submitted: map[uint64]int{}, completed: map[uint64]bool{}}
}

func (c *countingCollector) ProviderRequest(string, time.Time, error) {}
func (c *countingCollector) BatchStatusPolled(string)                 {}
func (c *countingCollector) UserOperationSubmitted(chainID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted[chainID]++
}
func (c *countingCollector) UserOperationCompleted(chainID uint64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed[chainID] = success
}

func TestRun_SignsOnceAndSubmitsInOrder(t *testing.T) {
	tc := newTestChains(t, []uint64{sepolia, opSepolia}, false)
	tc.services[sepolia].pendingPolls = 2
	signer := newPersonalSigner(t)
	j := memory.NewMemoryJournal()
	collector := newCountingCollector()

	o := NewOrchestrator(testConfig(), tc.manager, owner, signer, zaptest.NewLogger(t), WithJournal(j), WithCollector(collector))
	run, err := o.Run(context.Background(), []uint64{sepolia, opSepolia})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)

	assert.Equal(t, 1, signer.calls)
	require.Len(t, run.Results, 2)
	assert.Equal(t, sepolia, run.Results[0].ChainID)
	assert.Equal(t, opSepolia, run.Results[1].ChainID)
	for _, res := range run.Results {
		assert.NoError(t, res.Err)
		assert.Equal(t, smartAccount, res.Account)
		require.NotNil(t, res.Receipt)
		assert.True(t, res.Receipt.Success)
		assert.Equal(t, res.UserOpHash, res.Receipt.UserOpHash)
	}

	assert.Equal(t, []string{
		"send:11155111",
		"receipt:11155111",
		"receipt:11155111",
		"receipt:11155111",
		"send:11155420",
		"receipt:11155420",
	}, tc.events.all())

	sent := tc.services[sepolia].sent
	require.Len(t, sent, 1)
	assert.Equal(t, smartAccount, sent[0].Sender)
	assert.Nil(t, sent[0].Factory)
	assert.Equal(t, int64(100000), sent[0].CallGasLimit.Int64())
	assert.Equal(t, int64(4_000_000_000), sent[0].MaxFeePerGas.Int64())
	assert.Equal(t, int64(1_000_000_000), sent[0].MaxPriorityFeePerGas.Int64())

	stub, err := multichainSigner.StubSignature(2)
	require.NoError(t, err)
	require.Len(t, tc.services[sepolia].estimated, 1)
	assert.Equal(t, stub, tc.services[sepolia].estimated[0].Signature)

	entries, err := j.List(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, journal.Status_Confirmed, journal.Latest(entries, sepolia).Status)
	assert.Equal(t, journal.Status_Confirmed, journal.Latest(entries, opSepolia).Status)
	assert.Equal(t, 1, collector.submitted[sepolia])
	assert.True(t, collector.completed[opSepolia])
}

func TestRun_FailureOnSecondChainKeepsFirst(t *testing.T) {
	tc := newTestChains(t, []uint64{sepolia, opSepolia}, false)
	tc.services[opSepolia].sendErr = &provider.ProviderError{Code: -32500, Message: "AA21 didn't pay prefund"}
	j := memory.NewMemoryJournal()

	o := NewOrchestrator(testConfig(), tc.manager, owner, newPersonalSigner(t), zaptest.NewLogger(t), WithJournal(j))
	run, err := o.Run(context.Background(), []uint64{sepolia, opSepolia})
	require.Error(t, err)
	assert.ErrorContains(t, err, "AA21")
	assert.ErrorIs(t, err, provider.ErrProvider)

	require.Len(t, run.Results, 2)
	assert.NoError(t, run.Results[0].Err)
	assert.True(t, run.Results[0].Receipt.Success)
	assert.Error(t, run.Results[1].Err)
	assert.Nil(t, run.Results[1].Receipt)

	entries, err := j.List(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, journal.Status_Confirmed, journal.Latest(entries, sepolia).Status)
	failed := journal.Latest(entries, opSepolia)
	require.NotNil(t, failed)
	assert.Equal(t, journal.Status_Failed, failed.Status)
	assert.Contains(t, failed.Detail, "AA21")

	assert.Equal(t, -1, indexOf(tc.events.all(), "receipt:11155420"))
}

func TestRun_RevertStopsSequence(t *testing.T) {
	tc := newTestChains(t, []uint64{sepolia, opSepolia}, false)
	tc.services[sepolia].revert = true
	collector := newCountingCollector()

	o := NewOrchestrator(testConfig(), tc.manager, owner, newPersonalSigner(t), zaptest.NewLogger(t), WithCollector(collector))
	run, err := o.Run(context.Background(), []uint64{sepolia, opSepolia})
	assert.ErrorIs(t, err, bundler.ErrUserOperationFailed)
	require.Len(t, run.Results, 1)
	require.NotNil(t, run.Results[0].Receipt)
	assert.False(t, run.Results[0].Receipt.Success)
	assert.Equal(t, -1, indexOf(tc.events.all(), "send:11155420"))
	assert.False(t, collector.completed[sepolia])

	entries, err := o.Journal().List(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, journal.Status_Failed, journal.Latest(entries, sepolia).Status)
	assert.Nil(t, journal.Latest(entries, opSepolia))
}

func TestRun_ParallelSubmission(t *testing.T) {
	tc := newTestChains(t, []uint64{sepolia, opSepolia}, false)
	tc.services[opSepolia].pendingPolls = 3
	signer := newPersonalSigner(t)

	o := NewOrchestrator(testConfig(), tc.manager, owner, signer, zaptest.NewLogger(t), WithParallelSubmission())
	run, err := o.Run(context.Background(), []uint64{sepolia, opSepolia})
	require.NoError(t, err)

	assert.Equal(t, 1, signer.calls)
	require.Len(t, run.Results, 2)
	assert.Equal(t, sepolia, run.Results[0].ChainID)
	assert.Equal(t, opSepolia, run.Results[1].ChainID)
	assert.Len(t, tc.services[sepolia].sent, 1)
	assert.Len(t, tc.services[opSepolia].sent, 1)
}

func TestRun_Sponsored(t *testing.T) {
	tc := newTestChains(t, []uint64{sepolia}, true)
	cfg := testConfig()
	cfg.PaymasterContext = map[string]interface{}{"sponsorshipPolicyId": "sp_test"}

	o := NewOrchestrator(cfg, tc.manager, owner, newPersonalSigner(t), zaptest.NewLogger(t))
	_, err := o.Run(context.Background(), []uint64{sepolia})
	require.NoError(t, err)

	estimated := tc.services[sepolia].estimated
	require.Len(t, estimated, 1)
	assert.Equal(t, []byte{0x01}, estimated[0].PaymasterData)

	sent := tc.services[sepolia].sent
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Paymaster)
	assert.Equal(t, testPaymaster, *sent[0].Paymaster)
	assert.Equal(t, []byte{0x02}, sent[0].PaymasterData)
	assert.Equal(t, int64(30000), sent[0].PaymasterVerificationGasLimit.Int64())
}

func TestRun_NothingSentWhenSigningFails(t *testing.T) {
	tc := newTestChains(t, []uint64{sepolia, opSepolia}, false)
	signer := newPersonalSigner(t)
	signer.err = &provider.ProviderError{Code: provider.CodeUserRejectedRequest, Message: "User rejected the request."}

	o := NewOrchestrator(testConfig(), tc.manager, owner, signer, zaptest.NewLogger(t))
	run, err := o.Run(context.Background(), []uint64{sepolia, opSepolia})
	assert.ErrorIs(t, err, provider.ErrProvider)
	assert.Empty(t, run.Results)
	assert.Empty(t, tc.events.all())
}

func TestRun_InvalidChains(t *testing.T) {
	o := NewOrchestrator(testConfig(), chainManager.NewChainManager(nil, zaptest.NewLogger(t)), owner, newPersonalSigner(t), zaptest.NewLogger(t))

	_, err := o.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoChains)

	_, err = o.Run(context.Background(), []uint64{sepolia})
	assert.ErrorIs(t, err, chainManager.ErrChainNotFound)

	cm := chainManager.NewChainManager(nil, zaptest.NewLogger(t))
	require.NoError(t, cm.AddChainWithClients(&chainManager.ChainConfig{ChainID: sepolia}, chainManager.NewMockEthClientInterface(t), nil))
	o = NewOrchestrator(testConfig(), cm, owner, newPersonalSigner(t), zaptest.NewLogger(t))
	_, err = o.Run(context.Background(), []uint64{sepolia})
	assert.True(t, errors.Is(err, chainManager.ErrNoBundler))
}

func TestRun_RepeatedChainRunsOnce(t *testing.T) {
	tc := newTestChains(t, []uint64{sepolia}, false)
	o := NewOrchestrator(testConfig(), tc.manager, owner, newPersonalSigner(t), zaptest.NewLogger(t))

	run, err := o.Run(context.Background(), []uint64{sepolia, sepolia})
	require.NoError(t, err)
	require.Len(t, run.Results, 1)
	assert.Len(t, tc.services[sepolia].sent, 1)
}
