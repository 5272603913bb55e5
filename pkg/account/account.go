// Package account composes the provider bridge and the authorization adapter into
// a signing account bound to one wallet address.
package account

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Layr-Labs/multichain-aa-go/pkg/authorization"
	"github.com/Layr-Labs/multichain-aa-go/pkg/provider"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Message is signed with personal_sign. Raw takes precedence over Text when set.
type Message struct {
	Text string
	Raw  []byte
}

// Account signs on behalf of a single wallet address. It holds no state besides the address.
type Account struct {
	address    common.Address
	bridge     *provider.Bridge
	authorizer *authorization.Adapter
	logger     *zap.Logger
}

// New binds address to bridge. Authorizations are signed by address.
func New(address common.Address, bridge *provider.Bridge, l *zap.Logger, opts ...authorization.AdapterOption) *Account {
	opts = append([]authorization.AdapterOption{authorization.WithSignerAddress(address)}, opts...)
	return &Account{
		address:    address,
		bridge:     bridge,
		authorizer: authorization.NewAdapter(bridge, l, opts...),
		logger:     l,
	}
}

// Connect requests the wallet's accounts and binds the first one.
//
// Parameters:
//   - ctx: Context for the eth_requestAccounts call
//   - bridge: The wallet bridge
//   - l: Logger
//   - opts: Options forwarded to the authorization adapter
//
// Returns:
//   - *Account: The account bound to the wallet's first address
//   - error: The wallet error if accounts could not be requested
func Connect(ctx context.Context, bridge *provider.Bridge, l *zap.Logger, opts ...authorization.AdapterOption) (*Account, error) {
	accounts, err := bridge.RequestAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to request wallet accounts: %w", err)
	}
	l.Sugar().Infow("connected wallet account", zap.String("address", accounts[0].Hex()))
	return New(accounts[0], bridge, l, opts...), nil
}

func (a *Account) Address() common.Address {
	return a.address
}

func (a *Account) Bridge() *provider.Bridge {
	return a.bridge
}

// SignMessage signs msg with personal_sign. Raw bytes are sent hex encoded.
func (a *Account) SignMessage(ctx context.Context, msg Message) (string, error) {
	payload := msg.Text
	if msg.Raw != nil {
		payload = hexutil.Encode(msg.Raw)
	}
	return a.bridge.SignPersonalMessage(ctx, payload, a.address)
}

// SignTypedData signs an EIP-712 document with eth_signTypedData_v4.
func (a *Account) SignTypedData(ctx context.Context, typedData interface{}) (string, error) {
	return a.bridge.SignTypedData(ctx, a.address, typedData)
}

// SignAuthorization signs an EIP-7702 authorization tuple.
func (a *Account) SignAuthorization(ctx context.Context, req authorization.Request) (*authorization.Signature, error) {
	return a.authorizer.SignAuthorization(ctx, req)
}

// SignTransaction has the wallet sign tx and verifies the signed transaction's sender.
//
// Returns:
//   - *types.Transaction: The signed transaction
//   - error: provider.ErrUnsupportedOperation when the bridge cannot sign transactions,
//     a wallet error, or a decoding error
func (a *Account) SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	raw, err := a.bridge.SignTransaction(ctx, provider.TransactionArgsFromTx(a.address, tx, chainID))
	if err != nil {
		return nil, err
	}
	encoded, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("wallet returned invalid transaction hex: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(encoded); err != nil {
		return nil, fmt.Errorf("failed to decode signed transaction: %w", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		return nil, fmt.Errorf("failed to recover transaction sender: %w", err)
	}
	if sender != a.address {
		return nil, fmt.Errorf("wallet signed with %s, expected %s", sender.Hex(), a.address.Hex())
	}
	return signed, nil
}

// SignHash signs the 32 raw bytes of hash with personal_sign and returns the 65 byte signature.
func (a *Account) SignHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	raw, err := a.SignMessage(ctx, Message{Raw: hash.Bytes()})
	if err != nil {
		return nil, err
	}
	sig, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("wallet returned invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("expected 65 byte signature, got %d bytes", len(sig))
	}
	return sig, nil
}

// TransactOpts returns bind.TransactOpts whose signer is the wallet.
func (a *Account) TransactOpts(ctx context.Context, chainID *big.Int) *bind.TransactOpts {
	return &bind.TransactOpts{
		From:    a.address,
		Context: ctx,
		Signer: func(address common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if address != a.address {
				return nil, fmt.Errorf("account %s cannot sign for %s", a.address.Hex(), address.Hex())
			}
			return a.SignTransaction(ctx, tx, chainID)
		},
	}
}
