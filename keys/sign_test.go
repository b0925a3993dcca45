package keys

import (
	"crypto/ed25519"
	"testing"
)

func TestSignEd25519_VerifiesForEveryPrehash(t *testing.T) {
	seed, err := DeriveWitnessSeed(testRoot(), "model-a")
	if err != nil {
		t.Fatal(err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	msg := []byte("hello")

	for _, alg := range []string{SHA256, SHA512, SHA3_256} {
		sig, err := SignEd25519(msg, alg, priv)
		if err != nil {
			t.Fatalf("%s: SignEd25519: %v", alg, err)
		}
		ok, err := VerifyEd25519(msg, alg, pub, sig)
		if err != nil || !ok {
			t.Fatalf("%s: signature did not verify: %v", alg, err)
		}
		if ok, _ := VerifyEd25519([]byte("other"), alg, pub, sig); ok {
			t.Fatalf("%s: signature verified over a different message", alg)
		}
	}
}

func TestVerifyEd25519_BadInput(t *testing.T) {
	seed, _ := DeriveWitnessSeed(testRoot(), "model-a")
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	if _, err := VerifyEd25519([]byte("m"), SHA256, pub, "!!"); err == nil {
		t.Fatalf("expected base64 error")
	}
	if ok, err := VerifyEd25519([]byte("m"), SHA256, pub, "AAAA"); ok || err != nil {
		t.Fatalf("short signature = %v, %v", ok, err)
	}
	if _, err := VerifyEd25519([]byte("m"), "md5", pub, "AAAA"); err == nil {
		t.Fatalf("expected unsupported hash error")
	}
}

func TestDilithium3_DeterministicFromSeed(t *testing.T) {
	seed, _ := DeriveWitnessSeed(testRoot(), "model-b")
	pk1, sk, err := Dilithium3KeyFromSeed(seed)
	if err != nil {
		t.Fatalf("Dilithium3KeyFromSeed: %v", err)
	}
	pk2, _, err := Dilithium3KeyFromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	b1, _ := pk1.MarshalBinary()
	b2, _ := pk2.MarshalBinary()
	if len(b1) == 0 || string(b1) != string(b2) {
		t.Fatalf("expected deterministic keypair")
	}

	msg := []byte("hello")
	sig, err := SignDilithium3(msg, SHA3_256, sk)
	if err != nil {
		t.Fatalf("SignDilithium3: %v", err)
	}
	ok, err := VerifyDilithium3(msg, SHA3_256, pk1, sig)
	if err != nil || !ok {
		t.Fatalf("signature did not verify: %v", err)
	}
	if ok, _ := VerifyDilithium3(msg, SHA256, pk1, sig); ok {
		t.Fatalf("signature verified under a different pre-hash")
	}
	if _, _, err := Dilithium3KeyFromSeed(seed[:4]); err == nil {
		t.Fatalf("expected seed length error")
	}
	if _, err := SignDilithium3(msg, SHA256, nil); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestCheckPrehash(t *testing.T) {
	for _, alg := range []string{SHA256, SHA512, SHA3_256} {
		if err := CheckPrehash(alg); err != nil {
			t.Fatalf("%s rejected: %v", alg, err)
		}
	}
	if err := CheckPrehash("sha1"); err == nil {
		t.Fatalf("sha1 accepted")
	}
}
