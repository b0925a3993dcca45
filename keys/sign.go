package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

// Supported pre-hash algorithms.
const (
	SHA256   = "sha256"
	SHA512   = "sha512"
	SHA3_256 = "sha3-256"
)

// CheckPrehash reports whether hashAlg is supported.
func CheckPrehash(hashAlg string) error {
	_, err := digestFor(hashAlg, nil)
	return err
}

func digestFor(hashAlg string, message []byte) ([]byte, error) {
	switch hashAlg {
	case SHA256:
		s := sha256.Sum256(message)
		return s[:], nil
	case SHA512:
		s := sha512.Sum512(message)
		return s[:], nil
	case SHA3_256:
		s := sha3.Sum256(message)
		return s[:], nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", hashAlg)
	}
}

// SignEd25519 returns a base64 signature over hash(message).
func SignEd25519(message []byte, hashAlg string, priv ed25519.PrivateKey) (string, error) {
	digest, err := digestFor(hashAlg, message)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest)), nil
}

// VerifyEd25519 checks a signature produced by SignEd25519.
func VerifyEd25519(message []byte, hashAlg string, pub ed25519.PublicKey, sigB64 string) (bool, error) {
	digest, err := digestFor(hashAlg, message)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pub, digest, sig), nil
}

// Dilithium3KeyFromSeed expands a 32-byte seed into a Dilithium3 keypair.
func Dilithium3KeyFromSeed(seed []byte) (*mode3.PublicKey, *mode3.PrivateKey, error) {
	if len(seed) != SeedSize {
		return nil, nil, fmt.Errorf("dilithium3 seed must be %d bytes", SeedSize)
	}
	return mode3.GenerateKey(bytes.NewReader(seed))
}

// SignDilithium3 returns a base64 dilithium3 signature over hash(message).
func SignDilithium3(message []byte, hashAlg string, privateKey *mode3.PrivateKey) (string, error) {
	if privateKey == nil {
		return "", fmt.Errorf("missing private key")
	}
	digest, err := digestFor(hashAlg, message)
	if err != nil {
		return "", err
	}
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(privateKey, digest, sig)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyDilithium3 checks a signature produced by SignDilithium3.
func VerifyDilithium3(message []byte, hashAlg string, pub *mode3.PublicKey, sigB64 string) (bool, error) {
	if pub == nil {
		return false, fmt.Errorf("missing public key")
	}
	digest, err := digestFor(hashAlg, message)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	if len(sig) != mode3.SignatureSize {
		return false, nil
	}
	return mode3.Verify(pub, digest, sig), nil
}
