package witness

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"auditaai.io/ledger/clock"
	"auditaai.io/ledger/keys"
	"auditaai.io/ledger/receipt"
)

// Message is the content a witness signs. Every field is stored on the
// witness row, so a verifier can rebuild it later.
type Message struct {
	Model       string
	Fingerprint string
	Digest      string
	Lamport     int64
	IssuedAt    time.Time
}

// Bytes is the canonical JSON encoding of m.
func (m Message) Bytes() ([]byte, error) {
	return receipt.Canonicalize(map[string]any{
		"model":       m.Model,
		"fingerprint": m.Fingerprint,
		"digest":      m.Digest,
		"lamport":     m.Lamport,
		"timestamp":   m.IssuedAt.UTC().Format(clock.WallLayout),
	})
}

// Scheme produces and checks witness signatures.
type Scheme interface {
	Name() string
	Sign(m Message) (string, error)
	Verify(m Message, signature string) (bool, error)
}

// HashScheme is the default scheme: the signature is the SHA-256 of the
// message. Anyone who knows the recipe can produce it, so it proves the
// fields were not altered, not who attested them.
type HashScheme struct{}

const HashSchemeName = "sha256-recipe"

func (HashScheme) Name() string { return HashSchemeName }

func (HashScheme) Sign(m Message) (string, error) {
	b, err := m.Bytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func (s HashScheme) Verify(m Message, signature string) (bool, error) {
	want, err := s.Sign(m)
	if err != nil {
		return false, err
	}
	return want == signature, nil
}

// Ed25519Scheme signs with a per-model key derived from a root seed.
type Ed25519Scheme struct {
	root    []byte
	prehash string
}

// NewEd25519Scheme derives one Ed25519 key per model from rootSeed.
func NewEd25519Scheme(rootSeed []byte, prehash string) (*Ed25519Scheme, error) {
	if len(rootSeed) != keys.SeedSize {
		return nil, fmt.Errorf("witness: root seed must be %d bytes", keys.SeedSize)
	}
	if prehash == "" {
		prehash = keys.SHA256
	}
	if err := keys.CheckPrehash(prehash); err != nil {
		return nil, err
	}
	return &Ed25519Scheme{root: append([]byte(nil), rootSeed...), prehash: prehash}, nil
}

func (s *Ed25519Scheme) Name() string { return "ed25519-" + s.prehash }

func (s *Ed25519Scheme) key(model string) (ed25519.PrivateKey, error) {
	seed, err := keys.DeriveWitnessSeed(s.root, model)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// PublicKey returns the ed25519:<base64> key for model.
func (s *Ed25519Scheme) PublicKey(model string) (string, error) {
	priv, err := s.key(model)
	if err != nil {
		return "", err
	}
	return keys.Ed25519PublicKeyString(priv.Public().(ed25519.PublicKey))
}

func (s *Ed25519Scheme) Sign(m Message) (string, error) {
	priv, err := s.key(m.Model)
	if err != nil {
		return "", err
	}
	b, err := m.Bytes()
	if err != nil {
		return "", err
	}
	return keys.SignEd25519(b, s.prehash, priv)
}

func (s *Ed25519Scheme) Verify(m Message, signature string) (bool, error) {
	priv, err := s.key(m.Model)
	if err != nil {
		return false, err
	}
	b, err := m.Bytes()
	if err != nil {
		return false, err
	}
	return keys.VerifyEd25519(b, s.prehash, priv.Public().(ed25519.PublicKey), signature)
}

// Dilithium3Scheme signs with a per-model post-quantum key derived from a root seed.
type Dilithium3Scheme struct {
	root    []byte
	prehash string

	mu   sync.Mutex
	keys map[string]dilithiumPair
}

type dilithiumPair struct {
	pub  *mode3.PublicKey
	priv *mode3.PrivateKey
}

// NewDilithium3Scheme derives one Dilithium3 key per model from rootSeed.
func NewDilithium3Scheme(rootSeed []byte, prehash string) (*Dilithium3Scheme, error) {
	if len(rootSeed) != keys.SeedSize {
		return nil, fmt.Errorf("witness: root seed must be %d bytes", keys.SeedSize)
	}
	if prehash == "" {
		prehash = keys.SHA3_256
	}
	if err := keys.CheckPrehash(prehash); err != nil {
		return nil, err
	}
	return &Dilithium3Scheme{
		root:    append([]byte(nil), rootSeed...),
		prehash: prehash,
		keys:    map[string]dilithiumPair{},
	}, nil
}

func (s *Dilithium3Scheme) Name() string { return "dilithium3-" + s.prehash }

func (s *Dilithium3Scheme) pair(model string) (dilithiumPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.keys[model]; ok {
		return p, nil
	}
	seed, err := keys.DeriveWitnessSeed(s.root, model)
	if err != nil {
		return dilithiumPair{}, err
	}
	pub, priv, err := keys.Dilithium3KeyFromSeed(seed)
	if err != nil {
		return dilithiumPair{}, err
	}
	p := dilithiumPair{pub: pub, priv: priv}
	s.keys[model] = p
	return p, nil
}

func (s *Dilithium3Scheme) Sign(m Message) (string, error) {
	p, err := s.pair(m.Model)
	if err != nil {
		return "", err
	}
	b, err := m.Bytes()
	if err != nil {
		return "", err
	}
	return keys.SignDilithium3(b, s.prehash, p.priv)
}

func (s *Dilithium3Scheme) Verify(m Message, signature string) (bool, error) {
	p, err := s.pair(m.Model)
	if err != nil {
		return false, err
	}
	b, err := m.Bytes()
	if err != nil {
		return false, err
	}
	return keys.VerifyDilithium3(b, s.prehash, p.pub, signature)
}

// NewScheme builds a scheme by config name: "hash", "ed25519" or "dilithium3".
func NewScheme(name string, rootSeed []byte, prehash string) (Scheme, error) {
	switch name {
	case "", "hash", HashSchemeName:
		return HashScheme{}, nil
	case "ed25519":
		return NewEd25519Scheme(rootSeed, prehash)
	case "dilithium3":
		return NewDilithium3Scheme(rootSeed, prehash)
	default:
		return nil, fmt.Errorf("witness: unknown scheme %q", name)
	}
}
