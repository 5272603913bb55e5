package kernel

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const kernelABI = `[
	{
		"type": "function",
		"name": "execute",
		"stateMutability": "payable",
		"inputs": [
			{"name": "execMode", "type": "bytes32", "internalType": "ExecMode"},
			{"name": "executionCalldata", "type": "bytes", "internalType": "bytes"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "initialize",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "_rootValidator", "type": "bytes21", "internalType": "ValidationId"},
			{"name": "hook", "type": "address", "internalType": "contract IHook"},
			{"name": "validatorData", "type": "bytes", "internalType": "bytes"},
			{"name": "hookData", "type": "bytes", "internalType": "bytes"},
			{"name": "initConfig", "type": "bytes[]", "internalType": "bytes[]"}
		],
		"outputs": []
	}
]`

const kernelFactoryABI = `[
	{
		"type": "function",
		"name": "createAccount",
		"stateMutability": "payable",
		"inputs": [
			{"name": "data", "type": "bytes", "internalType": "bytes"},
			{"name": "salt", "type": "bytes32", "internalType": "bytes32"}
		],
		"outputs": [{"name": "", "type": "address", "internalType": "address"}]
	},
	{
		"type": "function",
		"name": "getAddress",
		"stateMutability": "view",
		"inputs": [
			{"name": "data", "type": "bytes", "internalType": "bytes"},
			{"name": "salt", "type": "bytes32", "internalType": "bytes32"}
		],
		"outputs": [{"name": "", "type": "address", "internalType": "address"}]
	}
]`

const entryPointNonceABI = `[
	{
		"type": "function",
		"name": "getNonce",
		"stateMutability": "view",
		"inputs": [
			{"name": "sender", "type": "address", "internalType": "address"},
			{"name": "key", "type": "uint192", "internalType": "uint192"}
		],
		"outputs": [{"name": "nonce", "type": "uint256", "internalType": "uint256"}]
	}
]`

var (
	kernelABIParsed        abi.ABI
	kernelFactoryABIParsed abi.ABI
	entryPointABIParsed    abi.ABI
	executionsArgs         abi.Arguments
)

// ExecModeSingle and ExecModeBatch are the ERC-7579 modes used by Kernel execute.
var (
	ExecModeSingle = [32]byte{}
	ExecModeBatch  = [32]byte{0x01}
)

func init() {
	var err error
	kernelABIParsed, err = abi.JSON(bytes.NewReader([]byte(kernelABI)))
	if err != nil {
		panic(fmt.Sprintf("failed to parse Kernel ABI: %v", err))
	}
	kernelFactoryABIParsed, err = abi.JSON(bytes.NewReader([]byte(kernelFactoryABI)))
	if err != nil {
		panic(fmt.Sprintf("failed to parse Kernel factory ABI: %v", err))
	}
	entryPointABIParsed, err = abi.JSON(bytes.NewReader([]byte(entryPointNonceABI)))
	if err != nil {
		panic(fmt.Sprintf("failed to parse EntryPoint ABI: %v", err))
	}
	executionsType, err := abi.NewType("tuple[]", "struct Execution[]", []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "callData", Type: "bytes"},
	})
	if err != nil {
		panic(fmt.Sprintf("failed to build Execution type: %v", err))
	}
	executionsArgs = abi.Arguments{{Type: executionsType}}
}

// Call is a single call executed by the smart account.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// execution mirrors the ERC-7579 Execution struct for ABI packing.
type execution struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// EncodeExecute encodes execute(singleMode, target || value || data).
func EncodeExecute(call Call) ([]byte, error) {
	executionCalldata := make([]byte, 0, 52+len(call.Data))
	executionCalldata = append(executionCalldata, call.To.Bytes()...)
	executionCalldata = append(executionCalldata, common.LeftPadBytes(valueOrZero(call.Value).Bytes(), 32)...)
	executionCalldata = append(executionCalldata, call.Data...)
	return kernelABIParsed.Pack("execute", ExecModeSingle, executionCalldata)
}

// EncodeExecuteBatch encodes execute(batchMode, abi.encode(Execution[])).
func EncodeExecuteBatch(calls []Call) ([]byte, error) {
	executions := make([]execution, 0, len(calls))
	for _, c := range calls {
		data := c.Data
		if data == nil {
			data = []byte{}
		}
		executions = append(executions, execution{Target: c.To, Value: valueOrZero(c.Value), CallData: data})
	}
	executionCalldata, err := executionsArgs.Pack(executions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode executions: %w", err)
	}
	return kernelABIParsed.Pack("execute", ExecModeBatch, executionCalldata)
}

// EncodeCalls uses the single mode for one call and the batch mode otherwise.
func EncodeCalls(calls []Call) ([]byte, error) {
	switch len(calls) {
	case 0:
		return nil, fmt.Errorf("at least one call is required")
	case 1:
		return EncodeExecute(calls[0])
	default:
		return EncodeExecuteBatch(calls)
	}
}

// EncodeInitialize encodes Kernel initialize with validator as the root validator and
// owner as its data. No hook and no extra init config are installed.
func EncodeInitialize(validator common.Address, owner common.Address) ([]byte, error) {
	var rootValidator [21]byte
	rootValidator[0] = 0x01
	copy(rootValidator[1:], validator.Bytes())
	return kernelABIParsed.Pack("initialize", rootValidator, common.Address{}, owner.Bytes(), []byte{}, [][]byte{})
}

func saltFromIndex(index uint64) [32]byte {
	var salt [32]byte
	new(big.Int).SetUint64(index).FillBytes(salt[:])
	return salt
}

// EncodeCreateAccount encodes factory createAccount(initData, salt).
func EncodeCreateAccount(initData []byte, index uint64) ([]byte, error) {
	return kernelFactoryABIParsed.Pack("createAccount", initData, saltFromIndex(index))
}

// EncodeGetAddress encodes factory getAddress(initData, salt).
func EncodeGetAddress(initData []byte, index uint64) ([]byte, error) {
	return kernelFactoryABIParsed.Pack("getAddress", initData, saltFromIndex(index))
}

// DecodeGetAddress decodes the factory getAddress return value.
func DecodeGetAddress(out []byte) (common.Address, error) {
	values, err := kernelFactoryABIParsed.Unpack("getAddress", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode getAddress result: %w", err)
	}
	return *abi.ConvertType(values[0], new(common.Address)).(*common.Address), nil
}

// EncodeGetNonce encodes EntryPoint getNonce(sender, key).
func EncodeGetNonce(sender common.Address, key *big.Int) ([]byte, error) {
	return entryPointABIParsed.Pack("getNonce", sender, valueOrZero(key))
}

// DecodeGetNonce decodes the EntryPoint getNonce return value.
func DecodeGetNonce(out []byte) (*big.Int, error) {
	values, err := entryPointABIParsed.Unpack("getNonce", out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode getNonce result: %w", err)
	}
	return *abi.ConvertType(values[0], new(*big.Int)).(**big.Int), nil
}
