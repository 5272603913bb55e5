package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type ChainId uint64

// Only test networks are listed. There is no mainnet entry.
const (
	ChainId_Sepolia         ChainId = 11155111
	ChainId_OptimismSepolia ChainId = 11155420
	ChainId_MegaETHTestnet  ChainId = 6342
	ChainId_Anvil           ChainId = 31337
)

var ChainIdToName = map[ChainId]string{
	ChainId_Sepolia:         "sepolia",
	ChainId_OptimismSepolia: "optimism-sepolia",
	ChainId_MegaETHTestnet:  "megaeth-testnet",
	ChainId_Anvil:           "anvil",
}

var (
	// EntryPointV07Address is the canonical ERC-4337 v0.7 EntryPoint deployment.
	EntryPointV07Address = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

	// KernelV31FactoryAddress and KernelV31ImplementationAddress are the ZeroDev Kernel v3.1 deployments.
	KernelV31FactoryAddress        = common.HexToAddress("0xaac5D4240AF87249B3f71BC8E4A2cae074A3E419")
	KernelV31ImplementationAddress = common.HexToAddress("0xBAC849bB641841b44E965fB01A4Bf5F074f84b4D")

	// MultiChainECDSAValidatorAddress is the ZeroDev multi-chain ECDSA validator. It accepts a plain
	// 65 byte signature over the user operation hash, or
	// ecdsaSignature || merkleRoot || abi.encode(bytes32[] proof) where the proof is a sorted-pair
	// keccak256 proof of the raw user operation hash under the signed root.
	MultiChainECDSAValidatorAddress = common.HexToAddress("0x02d32f9c668C92A60b44825C4f79B501c0F685dA")

	// StatelessDeleGatorAddress is the MetaMask EIP7702StatelessDeleGatorImpl used as an EIP-7702 delegate.
	StatelessDeleGatorAddress = common.HexToAddress("0x63c0c19a282a1B52b07dD5a65b58948A07DAE32B")

	// DemoCallTarget receives the placeholder calls sent by the batch commands.
	DemoCallTarget = common.HexToAddress("0xa5cc3c03994DB5b0d9A5eEdD10CabaB0813678AC")
)

// IsSupportedChain reports whether chainId is one of the known test networks.
func IsSupportedChain(chainId uint64) bool {
	_, ok := ChainIdToName[ChainId(chainId)]
	return ok
}

// GetSupportedChainIDs returns all supported chain IDs
func GetSupportedChainIDs() []ChainId {
	return []ChainId{
		ChainId_Sepolia,
		ChainId_OptimismSepolia,
		ChainId_MegaETHTestnet,
		ChainId_Anvil,
	}
}

// GetSupportedChainIDsString returns supported chain IDs as strings for CLI help
func GetSupportedChainIDsString() string {
	parts := make([]string, 0, len(ChainIdToName))
	for _, id := range GetSupportedChainIDs() {
		parts = append(parts, fmt.Sprintf("%d (%s)", id, ChainIdToName[id]))
	}
	return strings.Join(parts, ", ")
}
