// Package keySigner provides secp256k1 hash signing backed by a local private key or AWS KMS.
// It is used by the local wallet to answer signing requests and to build transaction options.
package keySigner

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// IKeySigner defines the interface for producing recoverable ECDSA signatures over 32 byte digests.
type IKeySigner interface {
	// SignHash signs a 32 byte digest.
	//
	// Parameters:
	//   - ctx: Context for the signing operation
	//   - hash: The digest to sign
	//
	// Returns:
	//   - []byte: The 65 byte signature r || s || v with v in {27, 28}
	//   - error: An error if the backend could not sign
	SignHash(ctx context.Context, hash common.Hash) ([]byte, error)

	// GetAddress returns the Ethereum address associated with this signer.
	//
	// Returns:
	//   - common.Address: The Ethereum address of the signer
	//   - error: An error if the address cannot be determined
	GetAddress() (common.Address, error)
}

// SignTx signs tx for chainID with s and returns the signed transaction.
// The latest signer for the chain is used, so set-code transactions are supported.
func SignTx(ctx context.Context, s IKeySigner, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(chainID)
	sig, err := s.SignHash(ctx, signer.Hash(tx))
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	signedTx, err := tx.WithSignature(signer, ToRecoveryID(sig))
	if err != nil {
		return nil, fmt.Errorf("failed to apply signature to transaction: %w", err)
	}
	return signedTx, nil
}

// GetTransactOpts returns bind.TransactOpts that sign through s.
func GetTransactOpts(ctx context.Context, s IKeySigner, chainID *big.Int) (*bind.TransactOpts, error) {
	from, err := s.GetAddress()
	if err != nil {
		return nil, err
	}
	return &bind.TransactOpts{
		From:    from,
		Context: ctx,
		Signer: func(address common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if address != from {
				return nil, fmt.Errorf("address mismatch: expected %s, got %s", from.Hex(), address.Hex())
			}
			return SignTx(ctx, s, tx, chainID)
		},
	}, nil
}

// ToRecoveryID returns a copy of a 65 byte signature with v lowered from {27, 28} to {0, 1}.
func ToRecoveryID(sig []byte) []byte {
	out := make([]byte, len(sig))
	copy(out, sig)
	if len(out) == 65 && out[64] >= 27 {
		out[64] -= 27
	}
	return out
}
