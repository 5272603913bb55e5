package account

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/Layr-Labs/multichain-aa-go/pkg/authorization"
	"github.com/Layr-Labs/multichain-aa-go/pkg/keySigner"
	"github.com/Layr-Labs/multichain-aa-go/pkg/provider"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	owner     = common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
	recipient = common.HexToAddress("0xa5cc3c03994DB5b0d9A5eEdD10CabaB0813678AC")
	chainID   = big.NewInt(11155111)
)

func newAccount(t *testing.T, opts ...provider.BridgeOption) (*Account, *provider.MockIProvider) {
	mp := provider.NewMockIProvider(t)
	bridge := provider.NewBridge(mp, zaptest.NewLogger(t), opts...)
	return New(owner, bridge, zaptest.NewLogger(t)), mp
}

func unsignedTx() *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(3_000_000_000),
		Gas:       21000,
		To:        &recipient,
		Value:     big.NewInt(1),
	})
}

func signWith(t *testing.T, key string, tx *types.Transaction) string {
	pk, err := crypto.HexToECDSA(key[2:])
	require.NoError(t, err)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), pk)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	return hexutil.Encode(raw)
}

func TestConnect(t *testing.T) {
	mp := provider.NewMockIProvider(t)
	mp.On("Request", mock.Anything, provider.MethodRequestAccounts).
		Return(json.RawMessage(`["`+owner.Hex()+`","`+recipient.Hex()+`"]`), nil).Once()

	acct, err := Connect(context.Background(), provider.NewBridge(mp, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, owner, acct.Address())
}

func TestConnect_Rejected(t *testing.T) {
	mp := provider.NewMockIProvider(t)
	mp.On("Request", mock.Anything, provider.MethodRequestAccounts).
		Return(nil, &provider.ProviderError{Code: provider.CodeUserRejectedRequest, Message: "denied"}).Once()

	_, err := Connect(context.Background(), provider.NewBridge(mp, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	assert.True(t, provider.IsUserRejection(err))
}

func TestSignMessage(t *testing.T) {
	acct, mp := newAccount(t)
	mp.On("Request", mock.Anything, provider.MethodPersonalSign, "hello", owner).
		Return(json.RawMessage(`"0xtext"`), nil).Once()
	mp.On("Request", mock.Anything, provider.MethodPersonalSign, "0xdeadbeef", owner).
		Return(json.RawMessage(`"0xraw"`), nil).Once()

	sig, err := acct.SignMessage(context.Background(), Message{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "0xtext", sig)

	sig, err = acct.SignMessage(context.Background(), Message{Text: "ignored", Raw: []byte{0xde, 0xad, 0xbe, 0xef}})
	require.NoError(t, err)
	assert.Equal(t, "0xraw", sig)
}

func TestSignAuthorization_UsesAccountAsSigner(t *testing.T) {
	acct, mp := newAccount(t)
	raw := "0x" + strings.Repeat("11", 32) + strings.Repeat("22", 32) + "1c"
	mp.On("Request", mock.Anything, provider.MethodSignTypedDataV4, owner, mock.Anything).
		Return(json.RawMessage(`"`+raw+`"`), nil).Once()

	sig, err := acct.SignAuthorization(context.Background(), authorization.Request{
		ChainID: 11155111,
		Address: recipient.Hex(),
		Nonce:   3,
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), sig.YParity)
	assert.Equal(t, recipient.Hex(), sig.Address)
	assert.Equal(t, uint64(3), sig.Nonce)
}

func TestSignTransaction(t *testing.T) {
	tx := unsignedTx()

	t.Run("verifies sender", func(t *testing.T) {
		acct, mp := newAccount(t)
		mp.On("Request", mock.Anything, provider.MethodSignTransaction, provider.TransactionArgsFromTx(owner, tx, chainID)).
			Return(json.RawMessage(`"`+signWith(t, testPrivateKey, tx)+`"`), nil).Once()

		signed, err := acct.SignTransaction(context.Background(), tx, chainID)
		require.NoError(t, err)
		assert.Equal(t, tx.Nonce(), signed.Nonce())
		sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
		require.NoError(t, err)
		assert.Equal(t, owner, sender)
	})

	t.Run("rejects other signer", func(t *testing.T) {
		acct, mp := newAccount(t)
		other := "0x8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
		mp.On("Request", mock.Anything, provider.MethodSignTransaction, mock.Anything).
			Return(json.RawMessage(`"`+signWith(t, other, tx)+`"`), nil).Once()

		_, err := acct.SignTransaction(context.Background(), tx, chainID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected "+owner.Hex())
	})

	t.Run("unsupported", func(t *testing.T) {
		acct, mp := newAccount(t, provider.WithoutTransactionSigning())
		_, err := acct.SignTransaction(context.Background(), tx, chainID)
		assert.ErrorIs(t, err, provider.ErrUnsupportedOperation)
		mp.AssertNotCalled(t, "Request")
	})
}

func TestSignHash(t *testing.T) {
	signer, err := keySigner.NewPrivateKeySigner(testPrivateKey)
	require.NoError(t, err)
	hash := crypto.Keccak256Hash([]byte("user operation"))

	walletSig, err := signer.SignHash(context.Background(), common.BytesToHash(accounts.TextHash(hash.Bytes())))
	require.NoError(t, err)
	response, err := json.Marshal(hexutil.Encode(walletSig))
	require.NoError(t, err)

	acct, mp := newAccount(t)
	var requested []interface{}
	mp.On("Request", mock.Anything, provider.MethodPersonalSign, hexutil.Encode(hash.Bytes()), owner).
		Run(func(args mock.Arguments) {
			requested = args[1:]
		}).
		Return(json.RawMessage(response), nil).Once()

	sig, err := acct.SignHash(context.Background(), hash)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Equal(t, []interface{}{provider.MethodPersonalSign, hexutil.Encode(hash.Bytes()), owner}, requested)

	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), keySigner.ToRecoveryID(sig))
	require.NoError(t, err)
	assert.Equal(t, owner, crypto.PubkeyToAddress(*pub))
}

func TestSignHash_ShortSignature(t *testing.T) {
	acct, mp := newAccount(t)
	mp.On("Request", mock.Anything, provider.MethodPersonalSign, mock.Anything, owner).
		Return(json.RawMessage(`"0x1234"`), nil).Once()

	_, err := acct.SignHash(context.Background(), common.Hash{1})
	assert.ErrorContains(t, err, "expected 65 byte signature")
}

func TestTransactOpts(t *testing.T) {
	tx := unsignedTx()
	acct, mp := newAccount(t)
	mp.On("Request", mock.Anything, provider.MethodSignTransaction, mock.Anything).
		Return(json.RawMessage(`{"raw":"`+signWith(t, testPrivateKey, tx)+`"}`), nil).Once()

	opts := acct.TransactOpts(context.Background(), chainID)
	assert.Equal(t, owner, opts.From)

	signed, err := opts.Signer(owner, tx)
	require.NoError(t, err)
	assert.NotNil(t, signed)

	_, err = opts.Signer(recipient, tx)
	assert.Error(t, err)
}
