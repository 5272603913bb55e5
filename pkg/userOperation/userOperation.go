// Package userOperation models ERC-4337 EntryPoint v0.7 user operations: their
// JSON-RPC form, the packed fields the EntryPoint hashes and the user operation hash.
package userOperation

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	gojson "github.com/goccy/go-json"
)

// UserOperation is the unpacked v0.7 user operation.
// Factory and Paymaster are nil when the account is deployed or the operation is unsponsored.
type UserOperation struct {
	Sender                        common.Address
	Nonce                         *big.Int
	Factory                       *common.Address
	FactoryData                   []byte
	CallData                      []byte
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
	Signature                     []byte
}

// UserOperationArgs is the JSON-RPC representation used by bundlers and paymasters.
type UserOperationArgs struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   *hexutil.Bytes  `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 *hexutil.Bytes  `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

func bigOrZero(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(v)
}

func toBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}

// Args converts the operation into its JSON-RPC form.
func (op *UserOperation) Args() *UserOperationArgs {
	args := &UserOperationArgs{
		Sender:               op.Sender,
		Nonce:                bigOrZero(op.Nonce),
		CallData:             op.CallData,
		CallGasLimit:         bigOrZero(op.CallGasLimit),
		VerificationGasLimit: bigOrZero(op.VerificationGasLimit),
		PreVerificationGas:   bigOrZero(op.PreVerificationGas),
		MaxFeePerGas:         bigOrZero(op.MaxFeePerGas),
		MaxPriorityFeePerGas: bigOrZero(op.MaxPriorityFeePerGas),
		Signature:            op.Signature,
	}
	if args.CallData == nil {
		args.CallData = hexutil.Bytes{}
	}
	if args.Signature == nil {
		args.Signature = hexutil.Bytes{}
	}
	if op.Factory != nil {
		factoryData := hexutil.Bytes(op.FactoryData)
		args.Factory = op.Factory
		args.FactoryData = &factoryData
	}
	if op.Paymaster != nil {
		paymasterData := hexutil.Bytes(op.PaymasterData)
		args.Paymaster = op.Paymaster
		args.PaymasterVerificationGasLimit = bigOrZero(op.PaymasterVerificationGasLimit)
		args.PaymasterPostOpGasLimit = bigOrZero(op.PaymasterPostOpGasLimit)
		args.PaymasterData = &paymasterData
	}
	return args
}

// ToUserOperation converts JSON-RPC arguments back into a UserOperation. Missing gas fields are zero.
func (args *UserOperationArgs) ToUserOperation() *UserOperation {
	op := &UserOperation{
		Sender:               args.Sender,
		Nonce:                toBig(args.Nonce),
		Factory:              args.Factory,
		CallData:             common.CopyBytes(args.CallData),
		CallGasLimit:         toBig(args.CallGasLimit),
		VerificationGasLimit: toBig(args.VerificationGasLimit),
		PreVerificationGas:   toBig(args.PreVerificationGas),
		MaxFeePerGas:         toBig(args.MaxFeePerGas),
		MaxPriorityFeePerGas: toBig(args.MaxPriorityFeePerGas),
		Paymaster:            args.Paymaster,
		Signature:            common.CopyBytes(args.Signature),
	}
	if args.FactoryData != nil {
		op.FactoryData = common.CopyBytes(*args.FactoryData)
	}
	if args.Paymaster != nil {
		op.PaymasterVerificationGasLimit = toBig(args.PaymasterVerificationGasLimit)
		op.PaymasterPostOpGasLimit = toBig(args.PaymasterPostOpGasLimit)
		if args.PaymasterData != nil {
			op.PaymasterData = common.CopyBytes(*args.PaymasterData)
		}
	}
	return op
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return gojson.Marshal(op.Args())
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var args UserOperationArgs
	if err := gojson.Unmarshal(data, &args); err != nil {
		return fmt.Errorf("failed to decode user operation: %w", err)
	}
	*op = *args.ToUserOperation()
	return nil
}

// Copy returns a deep copy of op.
func (op *UserOperation) Copy() *UserOperation {
	return op.Args().ToUserOperation()
}

// InitCode is factory || factoryData, or empty for a deployed account.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return []byte{}
	}
	return append(op.Factory.Bytes(), op.FactoryData...)
}

// PaymasterAndData is paymaster || verificationGasLimit (16 bytes) || postOpGasLimit (16 bytes) || data.
func (op *UserOperation) PaymasterAndData() []byte {
	if op.Paymaster == nil {
		return []byte{}
	}
	out := make([]byte, 0, 52+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)
	out = append(out, packUint128Pair(op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit)...)
	return append(out, op.PaymasterData...)
}

// AccountGasLimits packs verificationGasLimit into the high and callGasLimit into the low 16 bytes.
func (op *UserOperation) AccountGasLimits() [32]byte {
	var out [32]byte
	copy(out[:], packUint128Pair(op.VerificationGasLimit, op.CallGasLimit))
	return out
}

// GasFees packs maxPriorityFeePerGas into the high and maxFeePerGas into the low 16 bytes.
func (op *UserOperation) GasFees() [32]byte {
	var out [32]byte
	copy(out[:], packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas))
	return out
}

func packUint128Pair(high, low *big.Int) []byte {
	out := make([]byte, 32)
	if high != nil {
		high.FillBytes(out[0:16])
	}
	if low != nil {
		low.FillBytes(out[16:32])
	}
	return out
}

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	packedUserOpArgs = abi.Arguments{
		{Type: addressType},
		{Type: uint256Type},
		{Type: bytes32Type},
		{Type: bytes32Type},
		{Type: bytes32Type},
		{Type: uint256Type},
		{Type: bytes32Type},
		{Type: bytes32Type},
	}
	userOpHashArgs = abi.Arguments{
		{Type: bytes32Type},
		{Type: addressType},
		{Type: uint256Type},
	}
)

// Pack returns abi.encode of the fields the EntryPoint hashes, with dynamic fields replaced by their keccak256.
func (op *UserOperation) Pack() ([]byte, error) {
	nonce := op.Nonce
	if nonce == nil {
		nonce = new(big.Int)
	}
	preVerificationGas := op.PreVerificationGas
	if preVerificationGas == nil {
		preVerificationGas = new(big.Int)
	}
	return packedUserOpArgs.Pack(
		op.Sender,
		nonce,
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		op.AccountGasLimits(),
		preVerificationGas,
		op.GasFees(),
		crypto.Keccak256Hash(op.PaymasterAndData()),
	)
}

// Hash computes keccak256(abi.encode(keccak256(Pack()), entryPoint, chainId)), the hash the
// EntryPoint v0.7 passes to the account for validation.
//
// Parameters:
//   - entryPoint: The EntryPoint contract address
//   - chainID: The chain the operation executes on
//
// Returns:
//   - common.Hash: The user operation hash
//   - error: An ABI packing error
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.Pack()
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack user operation: %w", err)
	}
	encoded, err := userOpHashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode user operation hash input: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}
