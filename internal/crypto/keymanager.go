// Package crypto provides the local settlement signer, its encrypted key
// store, and HMAC authentication for internal API calls.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyFileVersion = 2
	kdfIterations  = 480_000
	saltLen        = 16
	aesKeyLen      = 32
)

// keyFile is the sealed key format. The key id is bound to the ciphertext as
// additional data, and the public key is kept in the clear so operators can
// match a file to a signer without the password.
type keyFile struct {
	Version    int    `json:"version"`
	KeyID      string `json:"key_id"`
	PublicKey  string `json:"public_key"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig lists the sources LoadKey tries, in order.
type KeyConfig struct {
	// KeyID must match the id a sealed key file was created for.
	KeyID string

	// RawPrivateKey is hex, with or without 0x.
	RawPrivateKey string

	// EncryptedKeyPath points at a file written by EncryptKey.
	EncryptedKeyPath string
	KeyPassword      string

	// DevSeed derives keccak256(seed) when nothing else is set. Mock
	// deployments only.
	DevSeed string
}

// EncryptKey seals a secp256k1 private key for keyID under password.
func EncryptKey(keyID, privateKeyHex, password string) ([]byte, error) {
	if keyID == "" {
		return nil, errors.New("crypto: key id must not be empty")
	}
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := keyAEAD(password, salt, kdfIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		KeyID:      keyID,
		PublicKey:  hex.EncodeToString(ethcrypto.CompressPubkey(&pk.PublicKey)),
		Iterations: kdfIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, ethcrypto.FromECDSA(pk), []byte(keyID))),
	}, "", "  ")
}

// DecryptKey opens a sealed key for keyID and returns it as hex. The stored
// public key must match the decrypted key.
func DecryptKey(sealed []byte, keyID, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var f keyFile
	if err := json.Unmarshal(sealed, &f); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	if f.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", f.Version)
	}
	if f.KeyID != keyID {
		return "", fmt.Errorf("crypto: key file is for %q, want %q", f.KeyID, keyID)
	}

	var salt, nonce, ciphertext []byte
	for _, field := range []struct {
		dst  *[]byte
		name string
		val  string
	}{{&salt, "salt", f.Salt}, {&nonce, "nonce", f.Nonce}, {&ciphertext, "ciphertext", f.Ciphertext}} {
		b, err := base64.StdEncoding.DecodeString(field.val)
		if err != nil {
			return "", fmt.Errorf("crypto: decode %s: %w", field.name, err)
		}
		*field.dst = b
	}

	aead, err := keyAEAD(password, salt, f.Iterations)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("crypto: nonce is %d bytes", len(nonce))
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return "", fmt.Errorf("crypto: open key file (wrong password?): %w", err)
	}

	pk, err := ethcrypto.ToECDSA(plain)
	if err != nil {
		return "", fmt.Errorf("crypto: sealed key: %w", err)
	}
	if got := hex.EncodeToString(ethcrypto.CompressPubkey(&pk.PublicKey)); got != f.PublicKey {
		return "", fmt.Errorf("crypto: key file public key mismatch")
	}
	return hex.EncodeToString(plain), nil
}

func keyAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("crypto: invalid kdf iterations %d", iterations)
	}
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// LoadKey resolves the settlement key: RawPrivateKey, then
// EncryptedKeyPath, then DevSeed.
func LoadKey(cfg KeyConfig) (string, error) {
	switch {
	case cfg.RawPrivateKey != "":
		k := strings.TrimPrefix(cfg.RawPrivateKey, "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: raw private key is not hex: %w", err)
		}
		return k, nil
	case cfg.EncryptedKeyPath != "":
		sealed, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: read key file: %w", err)
		}
		return DecryptKey(sealed, cfg.KeyID, cfg.KeyPassword)
	case cfg.DevSeed != "":
		return hex.EncodeToString(ethcrypto.Keccak256([]byte(cfg.DevSeed))), nil
	}
	return "", errors.New("crypto: no private key source configured")
}
