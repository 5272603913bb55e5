// Package multichainSigner signs several user operation hashes with one wallet signature,
// in the layout of the Kernel multi-chain ECDSA validator. The hashes are the raw leaves of
// a keccak256 merkle tree with sorted pairs, the wallet signs the root once, and every
// operation carries ecdsaSignature || merkleRoot || abi.encode(bytes32[] proof).
package multichainSigner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/Layr-Labs/multichain-aa-go/pkg/util"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	merkletree "github.com/wealdtech/go-merkletree/v2"
	"github.com/wealdtech/go-merkletree/v2/keccak256"
	"go.uber.org/zap"
)

// headerLength is the ECDSA signature followed by the merkle root.
const headerLength = crypto.SignatureLength + common.HashLength

var (
	// ErrNoHashes is returned when there is nothing to sign.
	ErrNoHashes = errors.New("no hashes to sign")
	// ErrInvalidProof is returned when a proof does not lead to the signed root.
	ErrInvalidProof = errors.New("invalid merkle proof")
	// ErrStubSignature is returned when verifying a gas estimation placeholder.
	ErrStubSignature = errors.New("stub signature")

	// stubECDSASignature is the validator's dummy signature. With it the validator checks the
	// proof against a dummy user operation hash, so bundlers can estimate verification gas
	// before the wallet is asked to sign.
	stubECDSASignature = hexutil.MustDecode("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

	proofArgs     abi.Arguments
	stubProofArgs abi.Arguments
)

func init() {
	bytes32, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(fmt.Sprintf("failed to build bytes32 type: %v", err))
	}
	bytes32Array, err := abi.NewType("bytes32[]", "", nil)
	if err != nil {
		panic(fmt.Sprintf("failed to build bytes32[] type: %v", err))
	}
	proofArgs = abi.Arguments{
		{Name: "merkleProof", Type: bytes32Array},
	}
	stubProofArgs = abi.Arguments{
		{Name: "dummyUserOpHash", Type: bytes32},
		{Name: "merkleProof", Type: bytes32Array},
	}
}

// rawLeafKeccak256 keeps 32 byte leaves as they are and hashes branches with keccak256.
// User operation hashes are already digests and the validator verifies proofs over them
// directly.
type rawLeafKeccak256 struct {
	keccak *keccak256.Keccak256
}

func (h *rawLeafKeccak256) Hash(data ...[]byte) []byte {
	if len(data) == 1 && len(data[0]) == common.HashLength {
		return bytes.Clone(data[0])
	}
	return h.keccak.Hash(data...)
}

func (h *rawLeafKeccak256) HashName() string {
	return "keccak256-raw-leaves"
}

func (h *rawLeafKeccak256) HashLength() int {
	return h.keccak.HashLength()
}

// IHashSigner signs a 32 byte hash as a personal message and returns the 65 byte signature.
type IHashSigner interface {
	SignHash(ctx context.Context, hash common.Hash) ([]byte, error)
}

// MultiChainSignature is the result of signing a set of hashes together.
type MultiChainSignature struct {
	Root      common.Hash
	Signature []byte
	// Proofs are in the same order as the signed hashes.
	Proofs [][]common.Hash
}

// OperationSignature returns the encoded signature for the i-th signed hash.
func (m *MultiChainSignature) OperationSignature(i int) ([]byte, error) {
	if i < 0 || i >= len(m.Proofs) {
		return nil, fmt.Errorf("no proof for operation %d of %d", i, len(m.Proofs))
	}
	return EncodeSignature(m.Signature, m.Root, m.Proofs[i])
}

type Signer struct {
	signer IHashSigner
	logger *zap.Logger
}

func NewSigner(signer IHashSigner, l *zap.Logger) *Signer {
	return &Signer{
		signer: signer,
		logger: l,
	}
}

// SignHashes builds a merkle tree over hashes and asks the wallet for exactly one signature
// over its root.
//
// Parameters:
//   - ctx: Context for the wallet request
//   - hashes: The user operation hashes, one per chain, without duplicates
//
// Returns:
//   - *MultiChainSignature: The root, the wallet signature and one proof per hash
//   - error: ErrNoHashes, a tree error, or the wallet's error
func (s *Signer) SignHashes(ctx context.Context, hashes []common.Hash) (*MultiChainSignature, error) {
	if len(hashes) == 0 {
		return nil, ErrNoHashes
	}
	root, proofs, err := buildProofs(hashes)
	if err != nil {
		return nil, err
	}

	sig, err := s.signer.SignHash(ctx, root)
	if err != nil {
		return nil, err
	}
	s.logger.Sugar().Infow("signed user operations with a single signature",
		zap.String("root", root.Hex()),
		zap.Int("operations", len(hashes)),
	)
	return &MultiChainSignature{
		Root:      root,
		Signature: sig,
		Proofs:    proofs,
	}, nil
}

// buildProofs returns the root over hashes and the proof of each hash, in input order.
// Leaves are sorted and padded with zero leaves up to a power of two.
func buildProofs(hashes []common.Hash) (common.Hash, [][]common.Hash, error) {
	leaves := make([][]byte, len(hashes))
	for i, h := range hashes {
		leaves[i] = h.Bytes()
	}
	tree, err := merkletree.NewTree(
		merkletree.WithData(leaves),
		merkletree.WithHashType(&rawLeafKeccak256{keccak: keccak256.New()}),
		merkletree.WithSorted(true),
	)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("failed to create merkle tree: %w", err)
	}

	proofs := make([][]common.Hash, len(hashes))
	for i, h := range hashes {
		proof, err := tree.GenerateProof(h.Bytes(), 0)
		if err != nil {
			return common.Hash{}, nil, fmt.Errorf("failed to generate proof for operation %d: %w", i, err)
		}
		proofs[i] = toHashes(proof.Hashes)
	}
	return common.BytesToHash(tree.Root()), proofs, nil
}

// ProofLength is the number of proof hashes for each of n operations.
func ProofLength(n int) int {
	depth := 0
	for width := 1; width < n; width <<= 1 {
		depth++
	}
	return depth
}

// StubSignature returns the validator's placeholder for one of n operations, used while
// estimating gas. It proves a dummy hash under a tree of n dummy leaves.
func StubSignature(n int) ([]byte, error) {
	if n < 1 {
		return nil, ErrNoHashes
	}
	dummies := make([]common.Hash, n)
	for i := range dummies {
		dummies[i] = crypto.Keccak256Hash(common.BigToHash(big.NewInt(int64(i))).Bytes())
	}
	root, proofs, err := buildProofs(dummies)
	if err != nil {
		return nil, err
	}
	encodedProof, err := stubProofArgs.Pack([32]byte(dummies[0]), toWords(proofs[0]))
	if err != nil {
		return nil, fmt.Errorf("failed to encode stub proof: %w", err)
	}
	return concat(stubECDSASignature, root.Bytes(), encodedProof), nil
}

// EncodeSignature encodes ecdsaSignature || merkleRoot || abi.encode(bytes32[] proof).
func EncodeSignature(sig []byte, root common.Hash, proof []common.Hash) ([]byte, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("expected %d byte signature, got %d", crypto.SignatureLength, len(sig))
	}
	encodedProof, err := proofArgs.Pack(toWords(proof))
	if err != nil {
		return nil, fmt.Errorf("failed to encode merkle proof: %w", err)
	}
	return concat(sig, root.Bytes(), encodedProof), nil
}

// DecodeSignature reverses EncodeSignature. Stub signatures yield ErrStubSignature.
func DecodeSignature(encoded []byte) ([]byte, common.Hash, []common.Hash, error) {
	if len(encoded) < headerLength {
		return nil, common.Hash{}, nil, fmt.Errorf("multi-chain signature too short: %d bytes", len(encoded))
	}
	sig := encoded[:crypto.SignatureLength]
	if bytes.Equal(sig, stubECDSASignature) {
		return nil, common.Hash{}, nil, ErrStubSignature
	}
	root := common.BytesToHash(encoded[crypto.SignatureLength:headerLength])
	values, err := proofArgs.Unpack(encoded[headerLength:])
	if err != nil {
		return nil, common.Hash{}, nil, fmt.Errorf("failed to decode merkle proof: %w", err)
	}
	words := values[0].([][32]byte)
	proof := make([]common.Hash, len(words))
	for i, w := range words {
		proof[i] = w
	}
	return sig, root, proof, nil
}

// ProcessProof folds proof into leaf with sorted-pair keccak256 and returns the root.
func ProcessProof(leaf common.Hash, proof []common.Hash) common.Hash {
	node := leaf
	for _, sibling := range proof {
		if bytes.Compare(node[:], sibling[:]) <= 0 {
			node = crypto.Keccak256Hash(node[:], sibling[:])
		} else {
			node = crypto.Keccak256Hash(sibling[:], node[:])
		}
	}
	return node
}

// Verify checks encoded the way the validator does: a bare 65 byte signature must sign hash,
// anything longer must prove hash under a root signed by signer. Signatures over the digest
// and over its personal message hash are both accepted.
//
// Parameters:
//   - hash: The user operation hash
//   - encoded: The signature produced by OperationSignature
//   - signer: The expected signing address
//
// Returns:
//   - error: nil when valid, ErrInvalidProof, ErrStubSignature or a signature error otherwise
func Verify(hash common.Hash, encoded []byte, signer common.Address) error {
	if len(encoded) == crypto.SignatureLength {
		return verifyECDSA(hash, encoded, signer)
	}
	sig, root, proof, err := DecodeSignature(encoded)
	if err != nil {
		return err
	}
	if ProcessProof(hash, proof) != root {
		return ErrInvalidProof
	}
	return verifyECDSA(root, sig, signer)
}

func verifyECDSA(digest common.Hash, sig []byte, signer common.Address) error {
	recoverable := bytes.Clone(sig)
	if recoverable[crypto.RecoveryIDOffset] >= 27 {
		recoverable[crypto.RecoveryIDOffset] -= 27
	}
	if recoverable[crypto.RecoveryIDOffset] > 1 {
		return fmt.Errorf("invalid recovery byte %d", sig[crypto.RecoveryIDOffset])
	}

	recovered := make([]string, 0, 2)
	for _, h := range [][]byte{digest.Bytes(), accounts.TextHash(digest.Bytes())} {
		pub, err := crypto.SigToPub(h, recoverable)
		if err != nil {
			continue
		}
		addr := crypto.PubkeyToAddress(*pub)
		if addr == signer {
			return nil
		}
		recovered = append(recovered, addr.Hex())
	}
	if len(recovered) == 0 {
		return fmt.Errorf("failed to recover signer from signature")
	}
	return fmt.Errorf("signed by %v, expected %s", recovered, signer.Hex())
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func toWords(proof []common.Hash) [][32]byte {
	return util.Map(proof, func(h common.Hash, _ uint64) [32]byte {
		return h
	})
}

func toHashes(in [][]byte) []common.Hash {
	return util.Map(in, func(b []byte, _ uint64) common.Hash {
		return common.BytesToHash(b)
	})
}
