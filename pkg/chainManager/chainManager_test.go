package chainManager

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestChainManager_Registry(t *testing.T) {
	cm := NewChainManager(nil, zaptest.NewLogger(t))

	sepolia := &ChainConfig{ChainID: 11155111, RPCUrl: "http://localhost:8545"}
	opSepolia := &ChainConfig{ChainID: 11155420, RPCUrl: "http://localhost:9545"}
	require.NoError(t, cm.AddChainWithClients(sepolia, NewMockEthClientInterface(t), nil))
	require.NoError(t, cm.AddChainWithClients(opSepolia, NewMockEthClientInterface(t), nil))

	err := cm.AddChainWithClients(sepolia, NewMockEthClientInterface(t), nil)
	assert.ErrorContains(t, err, "already exists")

	chain, err := cm.GetChainForId(11155420)
	require.NoError(t, err)
	assert.Equal(t, uint64(11155420), chain.ID())
	assert.Equal(t, "optimism-sepolia", chain.Config().Name())

	_, err = chain.RequireBundler()
	assert.ErrorIs(t, err, ErrNoBundler)

	_, err = cm.GetChainForId(1)
	assert.ErrorIs(t, err, ErrChainNotFound)

	assert.Equal(t, []uint64{11155111, 11155420}, cm.GetChainIds())
	assert.Equal(t, "chain-42", (&ChainConfig{ChainID: 42}).Name())
}

func TestSuggestFees(t *testing.T) {
	ctx := context.Background()

	t.Run("node tip", func(t *testing.T) {
		client := NewMockEthClientInterface(t)
		client.On("SuggestGasTipCap", mock.Anything).Return(big.NewInt(2), nil).Once()
		client.On("HeaderByNumber", mock.Anything, (*big.Int)(nil)).Return(&types.Header{BaseFee: big.NewInt(100)}, nil).Once()

		fees, err := SuggestFees(ctx, client, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.Equal(t, int64(2), fees.GasTipCap.Int64())
		assert.Equal(t, int64(152), fees.GasFeeCap.Int64())
	})

	t.Run("fallback tip", func(t *testing.T) {
		client := NewMockEthClientInterface(t)
		client.On("SuggestGasTipCap", mock.Anything).Return(nil, errors.New("method not found")).Once()
		client.On("HeaderByNumber", mock.Anything, (*big.Int)(nil)).Return(&types.Header{BaseFee: big.NewInt(10)}, nil).Once()

		fees, err := SuggestFees(ctx, client, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.Equal(t, 0, fees.GasTipCap.Cmp(FallbackGasTipCap))
		assert.Equal(t, 0, fees.GasFeeCap.Cmp(new(big.Int).Add(FallbackGasTipCap, big.NewInt(15))))

		fees.GasTipCap.SetInt64(1)
		assert.Equal(t, int64(15000000000), FallbackGasTipCap.Int64())
	})

	t.Run("header error", func(t *testing.T) {
		client := NewMockEthClientInterface(t)
		client.On("SuggestGasTipCap", mock.Anything).Return(big.NewInt(1), nil).Once()
		client.On("HeaderByNumber", mock.Anything, (*big.Int)(nil)).Return(nil, errors.New("boom")).Once()

		_, err := SuggestFees(ctx, client, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "boom")
	})
}

func TestEstimateGasWithBuffer(t *testing.T) {
	client := NewMockEthClientInterface(t)
	client.On("EstimateGas", mock.Anything, mock.AnythingOfType("ethereum.CallMsg")).Return(uint64(100000), nil).Once()

	gas, err := EstimateGasWithBuffer(context.Background(), client, ethereum.CallMsg{})
	require.NoError(t, err)
	assert.Equal(t, uint64(120000), gas)
}

func TestWaitMined(t *testing.T) {
	hash := common.HexToHash("0x01")

	t.Run("mined after polling", func(t *testing.T) {
		client := NewMockEthClientInterface(t)
		client.On("TransactionReceipt", mock.Anything, hash).Return(nil, ethereum.NotFound).Twice()
		client.On("TransactionReceipt", mock.Anything, hash).
			Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(5)}, nil).Once()

		receipt, err := WaitMined(context.Background(), client, hash, time.Millisecond, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.Equal(t, hash, receipt.TxHash)
	})

	t.Run("reverted", func(t *testing.T) {
		client := NewMockEthClientInterface(t)
		client.On("TransactionReceipt", mock.Anything, hash).
			Return(&types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(5)}, nil).Once()

		receipt, err := WaitMined(context.Background(), client, hash, time.Millisecond, zaptest.NewLogger(t))
		assert.ErrorIs(t, err, ErrTransactionFailed)
		assert.NotNil(t, receipt)
	})

	t.Run("cancelled", func(t *testing.T) {
		client := NewMockEthClientInterface(t)
		client.On("TransactionReceipt", mock.Anything, hash).Return(nil, ethereum.NotFound).Maybe()

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		_, err := WaitMined(ctx, client, hash, 5*time.Millisecond, zaptest.NewLogger(t))
		assert.ErrorIs(t, err, context.Canceled)
	})
}
