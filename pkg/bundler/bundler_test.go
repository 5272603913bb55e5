package bundler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/provider"
	"github.com/Layr-Labs/multichain-aa-go/pkg/userOperation"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	testEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	testPaymaster  = common.HexToAddress("0x7Ab4Af9c2F5F6c0ab1a1f5e0aC6f0F5c9b2D3E4F")
)

type ethService struct {
	mu           sync.Mutex
	pendingPolls int
	success      bool
	sent         []*userOperation.UserOperationArgs
}

func (s *ethService) SupportedEntryPoints() []common.Address {
	return []common.Address{testEntryPoint}
}

func (s *ethService) EstimateUserOperationGas(op userOperation.UserOperationArgs, entryPoint common.Address) (*GasEstimate, error) {
	if entryPoint != testEntryPoint {
		return nil, &provider.ProviderError{Code: provider.CodeInvalidParams, Message: "unsupported entry point"}
	}
	return &GasEstimate{
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(50000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(200000)),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(100000)),
	}, nil
}

func (s *ethService) SendUserOperation(op userOperation.UserOperationArgs, entryPoint common.Address) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, &op)
	hash, err := op.ToUserOperation().Hash(entryPoint, big.NewInt(11155111))
	return hash, err
}

func (s *ethService) GetUserOperationReceipt(hash common.Hash) (*UserOperationReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingPolls > 0 {
		s.pendingPolls--
		return nil, nil
	}
	return &UserOperationReceipt{
		UserOpHash:    hash,
		EntryPoint:    testEntryPoint,
		Nonce:         (*hexutil.Big)(big.NewInt(0)),
		ActualGasCost: (*hexutil.Big)(big.NewInt(1)),
		ActualGasUsed: (*hexutil.Big)(big.NewInt(1)),
		Success:       s.success,
		Reason:        "0x",
	}, nil
}

type pmService struct {
	contexts []map[string]interface{}
}

func (s *pmService) GetPaymasterStubData(op userOperation.UserOperationArgs, entryPoint common.Address, chainID hexutil.Uint64, pmContext map[string]interface{}) (*PaymasterData, error) {
	s.contexts = append(s.contexts, pmContext)
	return &PaymasterData{
		Paymaster:                     &testPaymaster,
		PaymasterData:                 hexutil.Bytes{0x01},
		PaymasterVerificationGasLimit: (*hexutil.Big)(big.NewInt(30000)),
		PaymasterPostOpGasLimit:       (*hexutil.Big)(big.NewInt(1)),
	}, nil
}

func (s *pmService) GetPaymasterData(op userOperation.UserOperationArgs, entryPoint common.Address, chainID hexutil.Uint64, pmContext map[string]interface{}) (*PaymasterData, error) {
	if uint64(chainID) != 11155111 {
		return nil, &provider.ProviderError{Code: provider.CodeInvalidParams, Message: "wrong chain"}
	}
	return &PaymasterData{Paymaster: &testPaymaster, PaymasterData: hexutil.Bytes{0x02}}, nil
}

func newTestClient(t *testing.T, eth *ethService, pm *pmService) *Client {
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", eth))
	var pmClient *rpc.Client
	if pm != nil {
		require.NoError(t, server.RegisterName("pm", pm))
		pmClient = rpc.DialInProc(server)
	}
	t.Cleanup(server.Stop)

	cfg := &Config{
		ChainID:             11155111,
		EntryPoint:          testEntryPoint,
		RequestsPerSecond:   1000,
		ReceiptPollInterval: 10 * time.Millisecond,
	}
	return NewClientWithRPC(cfg, rpc.DialInProc(server), pmClient, nil, zaptest.NewLogger(t))
}

func testOp() *userOperation.UserOperation {
	return &userOperation.UserOperation{
		Sender:   common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"),
		Nonce:    big.NewInt(1),
		CallData: []byte{0xe9, 0xae, 0x5c, 0x53},
	}
}

func TestClient_EstimateAndSend(t *testing.T) {
	eth := &ethService{success: true}
	c := newTestClient(t, eth, nil)
	ctx := context.Background()

	entryPoints, err := c.SupportedEntryPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testEntryPoint}, entryPoints)

	estimate, err := c.EstimateUserOperationGas(ctx, testOp())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100000), estimate.CallGasLimit.ToInt())

	op := testOp()
	hash, err := c.SendUserOperation(ctx, op)
	require.NoError(t, err)
	expected, err := op.Hash(testEntryPoint, big.NewInt(11155111))
	require.NoError(t, err)
	assert.Equal(t, expected, hash)
	require.Len(t, eth.sent, 1)
	assert.Equal(t, op.Sender, eth.sent[0].Sender)
}

func TestClient_Paymaster(t *testing.T) {
	pm := &pmService{}
	c := newTestClient(t, &ethService{}, pm)
	assert.True(t, c.HasPaymaster())

	stub, err := c.GetPaymasterStubData(context.Background(), testOp(), map[string]interface{}{"sponsorshipPolicyId": "sp_test"})
	require.NoError(t, err)
	assert.Equal(t, testPaymaster, *stub.Paymaster)
	assert.Equal(t, big.NewInt(30000), stub.PaymasterVerificationGasLimit.ToInt())
	require.Len(t, pm.contexts, 1)
	assert.Equal(t, "sp_test", pm.contexts[0]["sponsorshipPolicyId"])

	final, err := c.GetPaymasterData(context.Background(), testOp(), nil)
	require.NoError(t, err)
	assert.Equal(t, hexutil.Bytes{0x02}, final.PaymasterData)
}

func TestClient_NoPaymaster(t *testing.T) {
	c := newTestClient(t, &ethService{}, nil)
	assert.False(t, c.HasPaymaster())
	_, err := c.GetPaymasterStubData(context.Background(), testOp(), nil)
	assert.ErrorIs(t, err, ErrNoPaymaster)
}

func TestClient_WaitForReceipt(t *testing.T) {
	eth := &ethService{pendingPolls: 2, success: true}
	c := newTestClient(t, eth, nil)

	receipt, err := c.WaitForUserOperationReceipt(context.Background(), common.Hash{1}, time.Second)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, common.Hash{1}, receipt.UserOpHash)
	assert.Equal(t, 0, eth.pendingPolls)
}

func TestClient_WaitForReceiptReverted(t *testing.T) {
	c := newTestClient(t, &ethService{success: false}, nil)

	receipt, err := c.WaitForUserOperationReceipt(context.Background(), common.Hash{2}, time.Second)
	assert.ErrorIs(t, err, ErrUserOperationFailed)
	require.NotNil(t, receipt)
	assert.False(t, receipt.Success)
}

func TestClient_WaitForReceiptTimeout(t *testing.T) {
	c := newTestClient(t, &ethService{pendingPolls: 1 << 20}, nil)

	_, err := c.WaitForUserOperationReceipt(context.Background(), common.Hash{3}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrReceiptTimeout)
}

func TestClient_WaitForReceiptCancelled(t *testing.T) {
	c := newTestClient(t, &ethService{pendingPolls: 1 << 20}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := c.WaitForUserOperationReceipt(ctx, common.Hash{4}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_ProviderErrors(t *testing.T) {
	c := newTestClient(t, &ethService{}, nil)
	c.config.EntryPoint = common.HexToAddress("0x01")

	_, err := c.EstimateUserOperationGas(context.Background(), testOp())
	var pe *provider.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, provider.CodeInvalidParams, pe.Code)
	assert.Equal(t, MethodEstimateUserOperationGas, pe.Method)
}
