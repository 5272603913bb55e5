package localWallet

import (
	"encoding/json"
	"math/big"

	"github.com/Layr-Labs/multichain-aa-go/pkg/provider"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	gojson "github.com/goccy/go-json"
	"github.com/holiman/uint256"
)

const eip712DomainType = "EIP712Domain"

// parseTypedData accepts the eth_signTypedData_v4 payload either as a JSON string holding the
// document, which is what the v4 method specifies, or as the document itself.
func parseTypedData(raw json.RawMessage) (*apitypes.TypedData, error) {
	var encoded string
	if err := gojson.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	var typedData apitypes.TypedData
	if err := gojson.Unmarshal(raw, &typedData); err != nil {
		return nil, newWalletError(provider.CodeInvalidParams, "invalid typed data: %v", err)
	}
	if typedData.PrimaryType == "" {
		return nil, newWalletError(provider.CodeInvalidParams, "typed data has no primaryType")
	}
	if typedData.Types == nil {
		typedData.Types = apitypes.Types{}
	}
	if _, ok := typedData.Types[eip712DomainType]; !ok {
		typedData.Types[eip712DomainType] = inferDomainType(&typedData.Domain)
	}
	return &typedData, nil
}

// inferDomainType lists the domain fields that are set, in the canonical EIP-712 order.
func inferDomainType(domain *apitypes.TypedDataDomain) []apitypes.Type {
	fields := make([]apitypes.Type, 0, 5)
	if domain.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if domain.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if domain.ChainId != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if domain.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if domain.Salt != "" {
		fields = append(fields, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	return fields
}

// hashTypedData returns the EIP-712 digest of typedData.
func hashTypedData(typedData *apitypes.TypedData) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(*typedData)
	if err != nil {
		return common.Hash{}, newWalletError(provider.CodeInvalidParams, "failed to hash typed data: %v", err)
	}
	return common.BytesToHash(hash), nil
}

// uint256FromBig converts values decoded from hexutil.Big, which never exceed 256 bits.
func uint256FromBig(v *big.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return uint256.MustFromBig(v)
}

func callMsgFromArgs(args *provider.TransactionArgs) ethereum.CallMsg {
	msg := ethereum.CallMsg{
		From:              args.From,
		To:                args.To,
		AuthorizationList: args.AuthorizationList,
	}
	if args.Value != nil {
		msg.Value = args.Value.ToInt()
	}
	if args.Data != nil {
		msg.Data = *args.Data
	}
	if args.MaxFeePerGas != nil {
		msg.GasFeeCap = args.MaxFeePerGas.ToInt()
	}
	if args.MaxPriorityFeePerGas != nil {
		msg.GasTipCap = args.MaxPriorityFeePerGas.ToInt()
	}
	return msg
}
