// Package keys derives per-witness signing keys and signs witness messages.
//
// Every witness model gets its own seed, derived deterministically from one
// root seed and the model name, so a verifier holding the root seed can
// rebuild any model's public key. Ed25519 and Dilithium3 are supported; both
// sign a pre-hash of the message (sha256, sha512 or sha3-256).
package keys
