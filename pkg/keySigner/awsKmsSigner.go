package keySigner

import (
	"context"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// AWSKMSSigner implements IKeySigner using an ECC_SECG_P256K1 key held in AWS KMS
type AWSKMSSigner struct {
	kmsClient kmsiface.KMSAPI
	keyID     string
	address   common.Address
	logger    *zap.Logger
}

// NewAWSKMSSignerFromRegion creates a KMS client for region and wraps keyID.
//
// Parameters:
//   - ctx: Context for the public key lookup
//   - keyID: The AWS KMS key ID or ARN for signing operations
//   - region: The AWS region where the KMS key is located
//   - l: Logger
//
// Returns:
//   - *AWSKMSSigner: A new AWS KMS signer instance
//   - error: An error if the AWS session cannot be created or the key is invalid
func NewAWSKMSSignerFromRegion(ctx context.Context, keyID, region string, l *zap.Logger) (*AWSKMSSigner, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return NewAWSKMSSigner(ctx, kms.New(sess), keyID, l)
}

// NewAWSKMSSigner derives the Ethereum address of keyID and returns a signer for it.
func NewAWSKMSSigner(ctx context.Context, client kmsiface.KMSAPI, keyID string, l *zap.Logger) (*AWSKMSSigner, error) {
	out, err := client.GetPublicKeyWithContext(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from KMS: %w", err)
	}
	address, err := addressFromPublicKeyDER(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address from KMS key: %w", err)
	}
	l.Sugar().Infow("loaded KMS signer",
		zap.String("keyId", keyID),
		zap.String("address", address.Hex()),
	)
	return &AWSKMSSigner{
		kmsClient: client,
		keyID:     keyID,
		address:   address,
		logger:    l,
	}, nil
}

// GetAddress returns the Ethereum address associated with this KMS key.
func (a *AWSKMSSigner) GetAddress() (common.Address, error) {
	return a.address, nil
}

// SignHash signs hash with KMS, normalizes s to the lower half of the curve order and
// finds the recovery id that yields the key's address.
func (a *AWSKMSSigner) SignHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	out, err := a.kmsClient.SignWithContext(ctx, &kms.SignInput{
		KeyId:            aws.String(a.keyID),
		Message:          hash.Bytes(),
		MessageType:      aws.String(kms.MessageTypeDigest),
		SigningAlgorithm: aws.String(kms.SigningAlgorithmSpecEcdsaSha256),
	})
	if err != nil {
		return nil, fmt.Errorf("KMS signing failed: %w", err)
	}

	var sigAsn1 asn1EcSig
	if _, err := asn1.Unmarshal(out.Signature, &sigAsn1); err != nil {
		return nil, fmt.Errorf("failed to parse KMS signature: %w", err)
	}
	r := new(big.Int).SetBytes(sigAsn1.R.Bytes)
	s := new(big.Int).SetBytes(sigAsn1.S.Bytes)
	if s.Cmp(secp256k1HalfN) > 0 {
		s = new(big.Int).Sub(secp256k1N, s)
	}

	signature := make([]byte, 65)
	r.FillBytes(signature[0:32])
	s.FillBytes(signature[32:64])
	for v := byte(0); v < 2; v++ {
		signature[64] = v
		recovered, err := crypto.SigToPub(hash.Bytes(), signature)
		if err != nil {
			a.logger.Debug("signature recovery failed", zap.Uint8("recoveryId", v), zap.Error(err))
			continue
		}
		if crypto.PubkeyToAddress(*recovered) == a.address {
			signature[64] = v + 27
			return signature, nil
		}
	}
	return nil, fmt.Errorf("failed to determine recovery id for KMS signature")
}

type asn1EcSig struct {
	R asn1.RawValue
	S asn1.RawValue
}

type asn1EcPublicKey struct {
	EcPublicKeyInfo asn1EcPublicKeyInfo
	PublicKey       asn1.BitString
}

type asn1EcPublicKeyInfo struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.ObjectIdentifier
}

// addressFromPublicKeyDER parses the SubjectPublicKeyInfo returned by KMS
func addressFromPublicKeyDER(der []byte) (common.Address, error) {
	var pub asn1EcPublicKey
	if _, err := asn1.Unmarshal(der, &pub); err != nil {
		return common.Address{}, fmt.Errorf("failed to parse ASN.1 public key: %w", err)
	}
	key, err := crypto.UnmarshalPubkey(pub.PublicKey.Bytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to parse public key: %w", err)
	}
	return crypto.PubkeyToAddress(*key), nil
}
