package keySigner

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKeySigner implements IKeySigner using a raw private key
type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewPrivateKeySigner creates a new PrivateKeySigner from a hex-encoded private key
func NewPrivateKeySigner(privateKeyHex string) (*PrivateKeySigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewPrivateKeySignerFromKey(privateKey), nil
}

func NewPrivateKeySignerFromKey(privateKey *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

func (p *PrivateKeySigner) SignHash(_ context.Context, hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), p.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// GetAddress returns the address associated with this private key
func (p *PrivateKeySigner) GetAddress() (common.Address, error) {
	return p.address, nil
}
