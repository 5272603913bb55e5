package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Wallet methods used by the bridge.
const (
	MethodPersonalSign        = "personal_sign"
	MethodSignTransaction     = "eth_signTransaction"
	MethodSignTypedDataV4     = "eth_signTypedData_v4"
	MethodRequestAccounts     = "eth_requestAccounts"
	MethodAccounts            = "eth_accounts"
	MethodChainId             = "eth_chainId"
	MethodSendTransaction     = "eth_sendTransaction"
	MethodSwitchEthereumChain = "wallet_switchEthereumChain"
	MethodSendCalls           = "wallet_sendCalls"
	MethodGetCallsStatus      = "wallet_getCallsStatus"
)

// TransactionArgs are the transaction fields sent to eth_signTransaction and eth_sendTransaction.
type TransactionArgs struct {
	From                 common.Address               `json:"from"`
	To                   *common.Address              `json:"to,omitempty"`
	Gas                  *hexutil.Uint64              `json:"gas,omitempty"`
	GasPrice             *hexutil.Big                 `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big                 `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big                 `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big                 `json:"value,omitempty"`
	Nonce                *hexutil.Uint64              `json:"nonce,omitempty"`
	Data                 *hexutil.Bytes               `json:"data,omitempty"`
	ChainID              *hexutil.Big                 `json:"chainId,omitempty"`
	AuthorizationList    []types.SetCodeAuthorization `json:"authorizationList,omitempty"`
}

// signTransactionResult is the object form returned by signers such as Clef.
type signTransactionResult struct {
	Raw hexutil.Bytes `json:"raw"`
}

// Bridge exposes the wallet's primitive signing operations on top of an IProvider.
type Bridge struct {
	provider           IProvider
	logger             *zap.Logger
	transactionSigning bool
}

type BridgeOption func(*Bridge)

// WithoutTransactionSigning declares that the bridged wallet cannot produce raw signed
// transactions. SignTransaction then fails with ErrUnsupportedOperation without a request.
func WithoutTransactionSigning() BridgeOption {
	return func(b *Bridge) {
		b.transactionSigning = false
	}
}

func NewBridge(p IProvider, l *zap.Logger, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		provider:           p,
		logger:             l,
		transactionSigning: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Provider returns the underlying provider.
func (b *Bridge) Provider() IProvider {
	return b.provider
}

// SupportsTransactionSigning reports whether SignTransaction will contact the wallet.
func (b *Bridge) SupportsTransactionSigning() bool {
	return b.transactionSigning
}

// SignPersonalMessage asks the wallet to sign message with personal_sign.
//
// Parameters:
//   - ctx: Context for the request
//   - message: The message, either plain text or 0x-prefixed hex for raw bytes
//   - address: The account that should sign
//
// Returns:
//   - string: The 0x-prefixed signature
//   - error: A ProviderError or NetworkError from the wallet
func (b *Bridge) SignPersonalMessage(ctx context.Context, message string, address common.Address) (string, error) {
	var sig string
	if err := Call(ctx, b.provider, &sig, MethodPersonalSign, message, address); err != nil {
		return "", err
	}
	return sig, nil
}

// SignTransaction asks the wallet for a raw signed transaction.
//
// Returns:
//   - string: The 0x-prefixed RLP/typed encoding of the signed transaction
//   - error: ErrUnsupportedOperation when transaction signing is disabled, otherwise a wallet error
func (b *Bridge) SignTransaction(ctx context.Context, args *TransactionArgs) (string, error) {
	if !b.transactionSigning {
		return "", fmt.Errorf("%s is not available for this wallet: %w", MethodSignTransaction, ErrUnsupportedOperation)
	}

	raw, err := b.provider.Request(ctx, MethodSignTransaction, args)
	if err != nil {
		return "", err
	}

	// Wallets answer either with the raw hex string or with {raw, tx}.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var asObject signTransactionResult
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return "", fmt.Errorf("failed to decode %s result: %w", MethodSignTransaction, err)
	}
	if len(asObject.Raw) == 0 {
		return "", fmt.Errorf("%s returned no raw transaction", MethodSignTransaction)
	}
	return asObject.Raw.String(), nil
}

// SignTypedData asks the wallet to sign an EIP-712 payload with eth_signTypedData_v4.
// The payload is sent as a JSON string, as wallets expect for the v4 method.
//
// Parameters:
//   - ctx: Context for the request
//   - address: The account that should sign
//   - typedData: Any value that marshals to an EIP-712 typed data document
//
// Returns:
//   - string: The 0x-prefixed 65 byte signature
//   - error: A marshalling error or a wallet error
func (b *Bridge) SignTypedData(ctx context.Context, address common.Address, typedData interface{}) (string, error) {
	payload, err := gojson.Marshal(typedData)
	if err != nil {
		return "", fmt.Errorf("failed to encode typed data: %w", err)
	}
	b.logger.Sugar().Debugw("requesting typed data signature",
		zap.String("address", address.Hex()),
		zap.Int("payloadSize", len(payload)),
	)

	var sig string
	if err := Call(ctx, b.provider, &sig, MethodSignTypedDataV4, address, string(payload)); err != nil {
		return "", err
	}
	return sig, nil
}

// RequestAccounts asks the wallet to expose its accounts.
func (b *Bridge) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := Call(ctx, b.provider, &accounts, MethodRequestAccounts); err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, NewProviderError(CodeUnauthorized, "wallet exposed no accounts")
	}
	return accounts, nil
}

// ChainID returns the chain the wallet is currently connected to.
func (b *Bridge) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if err := Call(ctx, b.provider, &id, MethodChainId); err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// SwitchChain moves the wallet to chainID with wallet_switchEthereumChain.
func (b *Bridge) SwitchChain(ctx context.Context, chainID uint64) error {
	param := map[string]interface{}{"chainId": hexutil.Uint64(chainID)}
	if err := Call(ctx, b.provider, nil, MethodSwitchEthereumChain, param); err != nil {
		return err
	}
	b.logger.Sugar().Infow("switched wallet chain", zap.Uint64("chainId", chainID))
	return nil
}

// SendTransaction lets the wallet sign and broadcast a transaction.
func (b *Bridge) SendTransaction(ctx context.Context, args *TransactionArgs) (common.Hash, error) {
	var hash common.Hash
	if err := Call(ctx, b.provider, &hash, MethodSendTransaction, args); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// TransactionArgsFromTx converts an unsigned transaction into wallet arguments.
func TransactionArgsFromTx(from common.Address, tx *types.Transaction, chainID *big.Int) *TransactionArgs {
	gas := hexutil.Uint64(tx.Gas())
	nonce := hexutil.Uint64(tx.Nonce())
	data := hexutil.Bytes(tx.Data())
	args := &TransactionArgs{
		From:    from,
		To:      tx.To(),
		Gas:     &gas,
		Value:   (*hexutil.Big)(tx.Value()),
		Nonce:   &nonce,
		Data:    &data,
		ChainID: (*hexutil.Big)(chainID),
	}
	switch tx.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		args.GasPrice = (*hexutil.Big)(tx.GasPrice())
	default:
		args.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap())
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap())
	}
	if auths := tx.SetCodeAuthorizations(); len(auths) > 0 {
		args.AuthorizationList = auths
	}
	return args
}
