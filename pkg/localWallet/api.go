package localWallet

import (
	"context"
	"encoding/json"

	"github.com/Layr-Labs/multichain-aa-go/pkg/provider"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// personalAPI serves the personal_ namespace.
type personalAPI struct {
	wallet *Wallet
}

// Sign answers personal_sign. Hex messages are signed as raw bytes.
func (api *personalAPI) Sign(ctx context.Context, message string, address common.Address) (hexutil.Bytes, error) {
	if err := api.wallet.requireAccount(address); err != nil {
		return nil, err
	}
	return api.wallet.signText(ctx, personalMessageBytes(message))
}

// ethAPI serves the eth_ namespace.
type ethAPI struct {
	wallet *Wallet
}

func (api *ethAPI) RequestAccounts() []common.Address {
	return []common.Address{api.wallet.address}
}

func (api *ethAPI) Accounts() []common.Address {
	return []common.Address{api.wallet.address}
}

func (api *ethAPI) ChainId() hexutil.Uint64 {
	return hexutil.Uint64(api.wallet.ChainID())
}

// SignTypedData_v4 answers eth_signTypedData_v4.
func (api *ethAPI) SignTypedData_v4(ctx context.Context, address common.Address, typedData json.RawMessage) (hexutil.Bytes, error) {
	if err := api.wallet.requireAccount(address); err != nil {
		return nil, err
	}
	parsed, err := parseTypedData(typedData)
	if err != nil {
		return nil, err
	}
	hash, err := hashTypedData(parsed)
	if err != nil {
		return nil, err
	}
	return api.wallet.signer.SignHash(ctx, hash)
}

// SignTransaction answers eth_signTransaction with the raw signed transaction. Every field
// needed to build the transaction must be present.
func (api *ethAPI) SignTransaction(ctx context.Context, args provider.TransactionArgs) (hexutil.Bytes, error) {
	signed, err := api.wallet.signTransaction(ctx, &args, false)
	if err != nil {
		return nil, err
	}
	return signed.MarshalBinary()
}

// SendTransaction fills missing fields from the chain, signs and broadcasts.
func (api *ethAPI) SendTransaction(ctx context.Context, args provider.TransactionArgs) (common.Hash, error) {
	signed, err := api.wallet.sendTransaction(ctx, &args)
	if err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// walletAPI serves the wallet_ namespace.
type walletAPI struct {
	wallet *Wallet
}

type switchChainParam struct {
	ChainID hexutil.Uint64 `json:"chainId"`
}

func (api *walletAPI) SwitchEthereumChain(param switchChainParam) error {
	return api.wallet.switchChain(uint64(param.ChainID))
}

func (api *walletAPI) SendCalls(ctx context.Context, req SendCallsRequest) (*SendCallsResult, error) {
	return api.wallet.sendCalls(ctx, &req)
}

func (api *walletAPI) GetCallsStatus(ctx context.Context, id string) (*CallsStatus, error) {
	return api.wallet.callsStatus(ctx, id)
}
