package tegro

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer produces recoverable secp256k1 signatures over 32-byte digests.
type Signer interface {
	Address() common.Address
	Sign(digest []byte) ([]byte, error)
}

// KeySigner signs with an in-memory private key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner parses a hex private key, with or without the 0x prefix.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"), "0X")
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, err
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the wallet address derived from the key.
func (s *KeySigner) Address() common.Address { return s.address }

// Sign returns a 65-byte [R || S || V] signature with V in {0, 1}.
func (s *KeySigner) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

// SignMessage signs text as an EIP-191 personal message.
func SignMessage(s Signer, text string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("tegro: signer required")
	}
	return signDigest(s, accounts.TextHash([]byte(text)))
}

// SignTypedData signs an EIP-712 typed data payload.
func SignTypedData(s Signer, td apitypes.TypedData) (string, error) {
	if s == nil {
		return "", fmt.Errorf("tegro: signer required")
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return "", err
	}
	return signDigest(s, digest)
}

func signDigest(s Signer, digest []byte) (string, error) {
	sig, err := s.Sign(digest)
	if err != nil {
		return "", err
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("tegro: unexpected signature length %d", len(sig))
	}
	if sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return hexutil.Encode(sig), nil
}
