// Package authorization signs EIP-7702 authorization tuples through a wallet's
// eth_signTypedData_v4 method and decodes the returned signature.
package authorization

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

const (
	DomainName    = "EIP-7702"
	DomainVersion = "1"
	PrimaryType   = "Authorization"
)

var (
	// ErrInvalidAuthorization is returned when the request cannot be signed, before any wallet call.
	ErrInvalidAuthorization = errors.New("invalid authorization")
	// ErrMalformedSignature is returned when the wallet's signature cannot be decoded.
	ErrMalformedSignature = errors.New("malformed signature")
)

// Request is the authorization tuple to sign. Address is the contract the account delegates to.
type Request struct {
	ChainID uint64
	Address string
	Nonce   uint64
}

// TypedField is a single entry of an EIP-712 struct definition.
type TypedField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Domain struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	ChainID uint64 `json:"chainId"`
}

type Message struct {
	ChainID uint64 `json:"chainId"`
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
}

// TypedDataEnvelope is the eth_signTypedData_v4 payload for an authorization.
// Numeric fields serialize as JSON numbers.
type TypedDataEnvelope struct {
	Domain      Domain                  `json:"domain"`
	Types       map[string][]TypedField `json:"types"`
	PrimaryType string                  `json:"primaryType"`
	Message     Message                 `json:"message"`
}

// Signature is a decoded authorization signature. ChainID, Address and Nonce are
// echoed from the request.
type Signature struct {
	ChainID uint64 `json:"chainId"`
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
	YParity uint8  `json:"yParity"`
	R       string `json:"r"`
	S       string `json:"s"`
}

// SetCodeAuthorization converts the signature into the tuple carried by a set-code transaction.
func (s *Signature) SetCodeAuthorization() types.SetCodeAuthorization {
	return types.SetCodeAuthorization{
		ChainID: *uint256.NewInt(s.ChainID),
		Address: common.HexToAddress(s.Address),
		Nonce:   s.Nonce,
		V:       s.YParity,
		R:       *new(uint256.Int).SetBytes(common.FromHex(s.R)),
		S:       *new(uint256.Int).SetBytes(common.FromHex(s.S)),
	}
}

// ITypedDataSigner is the wallet capability the adapter needs. *provider.Bridge satisfies it.
type ITypedDataSigner interface {
	SignTypedData(ctx context.Context, address common.Address, typedData interface{}) (string, error)
}

type Adapter struct {
	signer         ITypedDataSigner
	signerAddress  *common.Address
	strictRecovery bool
	logger         *zap.Logger
}

type AdapterOption func(*Adapter)

// WithSignerAddress makes the adapter ask signerAddress to sign instead of the request address.
func WithSignerAddress(signerAddress common.Address) AdapterOption {
	return func(a *Adapter) {
		a.signerAddress = &signerAddress
	}
}

// WithStrictRecovery only accepts recovery bytes 0, 1, 27 and 28 and fails on anything else.
func WithStrictRecovery() AdapterOption {
	return func(a *Adapter) {
		a.strictRecovery = true
	}
}

func NewAdapter(signer ITypedDataSigner, l *zap.Logger, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		signer: signer,
		logger: l,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BuildEnvelope returns the typed data document for req.
func BuildEnvelope(req Request) *TypedDataEnvelope {
	return &TypedDataEnvelope{
		Domain: Domain{
			Name:    DomainName,
			Version: DomainVersion,
			ChainID: req.ChainID,
		},
		Types: map[string][]TypedField{
			PrimaryType: {
				{Name: "chainId", Type: "uint64"},
				{Name: "address", Type: "address"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: PrimaryType,
		Message: Message{
			ChainID: req.ChainID,
			Address: req.Address,
			Nonce:   req.Nonce,
		},
	}
}

// SignAuthorization asks the wallet to sign req and decodes the result.
//
// Parameters:
//   - ctx: Context for the wallet request
//   - req: The authorization tuple
//
// Returns:
//   - *Signature: The decoded signature with chainId, address and nonce copied from req
//   - error: ErrInvalidAuthorization for a missing or malformed address, ErrMalformedSignature
//     for an undecodable signature, or the wallet's error unchanged
func (a *Adapter) SignAuthorization(ctx context.Context, req Request) (*Signature, error) {
	if req.Address == "" {
		return nil, fmt.Errorf("contract address is required: %w", ErrInvalidAuthorization)
	}
	if !common.IsHexAddress(req.Address) {
		return nil, fmt.Errorf("%q is not a 20 byte address: %w", req.Address, ErrInvalidAuthorization)
	}

	signer := common.HexToAddress(req.Address)
	if a.signerAddress != nil {
		signer = *a.signerAddress
	}

	a.logger.Sugar().Debugw("signing authorization",
		zap.Uint64("chainId", req.ChainID),
		zap.String("address", req.Address),
		zap.Uint64("nonce", req.Nonce),
		zap.String("signer", signer.Hex()),
	)

	raw, err := a.signer.SignTypedData(ctx, signer, BuildEnvelope(req))
	if err != nil {
		return nil, err
	}

	r, s, v, err := SplitSignature(raw)
	if err != nil {
		return nil, err
	}
	yParity, err := a.yParity(v)
	if err != nil {
		return nil, err
	}

	return &Signature{
		ChainID: req.ChainID,
		Address: req.Address,
		Nonce:   req.Nonce,
		YParity: yParity,
		R:       r,
		S:       s,
	}, nil
}

func (a *Adapter) yParity(v byte) (uint8, error) {
	if !a.strictRecovery {
		return YParity(v), nil
	}
	switch v {
	case 0, 27:
		return 0, nil
	case 1, 28:
		return 1, nil
	}
	return 0, fmt.Errorf("unexpected recovery byte %d: %w", v, ErrMalformedSignature)
}

// YParity maps recovery byte 27 to 0 and every other value to 1.
func YParity(v byte) uint8 {
	if v == 27 {
		return 0
	}
	return 1
}
