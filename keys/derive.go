package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// SeedSize is the size of root and derived seeds.
const SeedSize = ed25519.SeedSize

const deriveLabel = "auditaai-ledger-witness-v1"

// DeriveWitnessSeed derives the signing seed for modelName from rootSeed.
func DeriveWitnessSeed(rootSeed []byte, modelName string) ([]byte, error) {
	if len(rootSeed) != SeedSize {
		return nil, fmt.Errorf("root seed must be %d bytes", SeedSize)
	}
	if err := CheckModelName(modelName); err != nil {
		return nil, err
	}

	h := sha256.New()
	_, _ = h.Write(rootSeed)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(deriveLabel))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("model:"))
	_, _ = h.Write([]byte(modelName))
	return h.Sum(nil)[:SeedSize], nil
}

// CheckModelName accepts any non-empty name without whitespace or control characters.
func CheckModelName(name string) error {
	if name == "" {
		return errors.New("model name cannot be empty")
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("invalid character %q in model name", r)
		}
	}
	return nil
}

// ParseSeedHex decodes a hex root seed, with or without a 0x prefix.
func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimSpace(seedHex)
	seedHex = strings.TrimPrefix(seedHex, "0x")
	data, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(data) != SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", SeedSize, len(data))
	}
	return data, nil
}

// Ed25519PublicKeyString renders pub as "ed25519:" + base64.
func Ed25519PublicKeyString(pub ed25519.PublicKey) (string, error) {
	if l := len(pub); l != ed25519.PublicKeySize {
		return "", fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, l)
	}
	return "ed25519:" + base64.StdEncoding.EncodeToString(pub), nil
}
