package crypto

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// LocalSigner is the in-process signer used in mock deployments and tests.
// It signs keccak256(txBytes) with secp256k1 and holds exactly one key,
// addressed by keyID.
type LocalSigner struct {
	keyID      string
	privateKey *ecdsa.PrivateKey
}

var _ domain.Signer = (*LocalSigner)(nil)

// NewLocalSigner creates a LocalSigner from a hex-encoded secp256k1 private
// key.
func NewLocalSigner(keyID, privateKeyHex string) (*LocalSigner, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &LocalSigner{keyID: keyID, privateKey: pk}, nil
}

// Sign returns a 65-byte r || s || v signature over keccak256(txBytes).
func (s *LocalSigner) Sign(ctx context.Context, txBytes []byte, keyID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("crypto/signer: %w: %w", domain.ErrSignerUnavailable, err)
	}
	if keyID != s.keyID {
		return nil, fmt.Errorf("crypto/signer: unknown key %q", keyID)
	}
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(txBytes), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	// go-ethereum returns v in {0,1}; downstream verifiers expect {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// PublicKey returns the 33-byte compressed public key for keyID.
func (s *LocalSigner) PublicKey(ctx context.Context, keyID string) ([]byte, error) {
	if keyID != s.keyID {
		return nil, fmt.Errorf("crypto/signer: unknown key %q", keyID)
	}
	return ethcrypto.CompressPubkey(&s.privateKey.PublicKey), nil
}

// VerifySignature checks a signature produced by LocalSigner (or any signer
// using the same scheme) against a compressed or uncompressed public key.
func VerifySignature(pubKey, txBytes, sig []byte) bool {
	if len(sig) != 65 {
		return false
	}
	if len(pubKey) == 33 {
		pk, err := ethcrypto.DecompressPubkey(pubKey)
		if err != nil {
			return false
		}
		pubKey = ethcrypto.FromECDSAPub(pk)
	}
	return ethcrypto.VerifySignature(pubKey, ethcrypto.Keccak256(txBytes), sig[:64])
}
