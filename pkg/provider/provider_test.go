package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testAddress = common.HexToAddress("0xa5cc3c03994DB5b0d9A5eEdD10CabaB0813678AC")

// personalService answers personal_* requests for the in-process server.
type personalService struct{}

func (s *personalService) Sign(message string, address common.Address) (string, error) {
	if message == "reject" {
		return "", &ProviderError{Code: CodeUserRejectedRequest, Message: "User rejected the request."}
	}
	return "0x" + message + address.Hex()[2:], nil
}

func newInProcProvider(t *testing.T) *RPCProvider {
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("personal", &personalService{}))
	t.Cleanup(server.Stop)
	return NewRPCProviderFromClient(rpc.DialInProc(server), nil, zaptest.NewLogger(t))
}

func TestRPCProvider_Request(t *testing.T) {
	p := newInProcProvider(t)

	raw, err := p.Request(context.Background(), MethodPersonalSign, "ab", testAddress)
	require.NoError(t, err)

	var sig string
	require.NoError(t, json.Unmarshal(raw, &sig))
	assert.Equal(t, "0xab"+testAddress.Hex()[2:], sig)
}

func TestRPCProvider_ProviderError(t *testing.T) {
	p := newInProcProvider(t)

	_, err := p.Request(context.Background(), MethodPersonalSign, "reject", testAddress)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvider)
	assert.True(t, IsUserRejection(err))

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, CodeUserRejectedRequest, pe.Code)
	assert.Equal(t, MethodPersonalSign, pe.Method)
}

func TestRPCProvider_MethodNotFound(t *testing.T) {
	p := newInProcProvider(t)

	_, err := p.Request(context.Background(), "wallet_unknownMethod")
	require.Error(t, err)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, CodeMethodNotFound, pe.Code)
}

func TestRPCProvider_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := NewRPCProvider(context.Background(), &RPCProviderConfig{URL: srv.URL}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Request(context.Background(), MethodRequestAccounts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.NotErrorIs(t, err, ErrProvider)

	var ne *NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, http.StatusBadGateway, ne.StatusCode)
}

func TestRPCProvider_ContextCancelled(t *testing.T) {
	p := newInProcProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Request(ctx, MethodPersonalSign, "ab", testAddress)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBridge_SignPersonalMessage(t *testing.T) {
	mp := NewMockIProvider(t)
	mp.On("Request", mock.Anything, MethodPersonalSign, "hello", testAddress).
		Return(json.RawMessage(`"0xsig"`), nil).Once()

	b := NewBridge(mp, zaptest.NewLogger(t))
	sig, err := b.SignPersonalMessage(context.Background(), "hello", testAddress)
	require.NoError(t, err)
	assert.Equal(t, "0xsig", sig)
}

func TestBridge_SignTypedDataSendsJSONString(t *testing.T) {
	mp := NewMockIProvider(t)
	mp.On("Request", mock.Anything, MethodSignTypedDataV4, testAddress, `{"primaryType":"Mail"}`).
		Return(json.RawMessage(`"0xtyped"`), nil).Once()

	b := NewBridge(mp, zaptest.NewLogger(t))
	sig, err := b.SignTypedData(context.Background(), testAddress, map[string]string{"primaryType": "Mail"})
	require.NoError(t, err)
	assert.Equal(t, "0xtyped", sig)
}

func TestBridge_SignTransaction(t *testing.T) {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(11155111),
		Nonce:     3,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &testAddress,
		Value:     big.NewInt(0),
	})
	args := TransactionArgsFromTx(testAddress, tx, big.NewInt(11155111))
	assert.Equal(t, hexutil.Uint64(3), *args.Nonce)
	assert.Nil(t, args.GasPrice)
	assert.Equal(t, big.NewInt(2), args.MaxFeePerGas.ToInt())

	t.Run("raw string result", func(t *testing.T) {
		mp := NewMockIProvider(t)
		mp.On("Request", mock.Anything, MethodSignTransaction, args).Return(json.RawMessage(`"0x02f8"`), nil).Once()
		raw, err := NewBridge(mp, zaptest.NewLogger(t)).SignTransaction(context.Background(), args)
		require.NoError(t, err)
		assert.Equal(t, "0x02f8", raw)
	})

	t.Run("object result", func(t *testing.T) {
		mp := NewMockIProvider(t)
		mp.On("Request", mock.Anything, MethodSignTransaction, args).Return(json.RawMessage(`{"raw":"0x02f8","tx":{}}`), nil).Once()
		raw, err := NewBridge(mp, zaptest.NewLogger(t)).SignTransaction(context.Background(), args)
		require.NoError(t, err)
		assert.Equal(t, "0x02f8", raw)
	})

	t.Run("unsupported", func(t *testing.T) {
		mp := NewMockIProvider(t)
		b := NewBridge(mp, zaptest.NewLogger(t), WithoutTransactionSigning())
		assert.False(t, b.SupportsTransactionSigning())
		_, err := b.SignTransaction(context.Background(), args)
		assert.ErrorIs(t, err, ErrUnsupportedOperation)
		mp.AssertNotCalled(t, "Request")
	})
}

func TestBridge_RequestAccountsAndChain(t *testing.T) {
	mp := NewMockIProvider(t)
	mp.On("Request", mock.Anything, MethodRequestAccounts).
		Return(json.RawMessage(`["`+testAddress.Hex()+`"]`), nil).Once()
	mp.On("Request", mock.Anything, MethodChainId).
		Return(json.RawMessage(`"0xaa36a7"`), nil).Once()
	mp.On("Request", mock.Anything, MethodSwitchEthereumChain, map[string]interface{}{"chainId": hexutil.Uint64(11155420)}).
		Return(json.RawMessage(`null`), nil).Once()

	b := NewBridge(mp, zaptest.NewLogger(t))
	accounts, err := b.RequestAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testAddress}, accounts)

	id, err := b.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(11155111), id)

	require.NoError(t, b.SwitchChain(context.Background(), 11155420))
}

func TestBridge_PropagatesProviderErrors(t *testing.T) {
	mp := NewMockIProvider(t)
	rejection := &ProviderError{Method: MethodPersonalSign, Code: CodeUserRejectedRequest, Message: "denied"}
	mp.On("Request", mock.Anything, MethodPersonalSign, "hello", testAddress).Return(nil, rejection).Once()

	_, err := NewBridge(mp, zaptest.NewLogger(t)).SignPersonalMessage(context.Background(), "hello", testAddress)
	assert.Same(t, rejection, err)
}

func TestClassifyError(t *testing.T) {
	assert.Nil(t, ClassifyError("m", nil))
	assert.ErrorIs(t, ClassifyError("m", errors.New("dial tcp: connection refused")), ErrNetwork)
	assert.ErrorIs(t, ClassifyError("m", rpc.HTTPError{StatusCode: 503, Status: "503"}), ErrNetwork)

	wrapped := ClassifyError("personal_sign", NewProviderError(CodeUnsupportedMethod, "nope"))
	var pe *ProviderError
	require.True(t, errors.As(wrapped, &pe))
	assert.Equal(t, "personal_sign", pe.Method)
	assert.Equal(t, CodeUnsupportedMethod, pe.ErrorCode())
}
