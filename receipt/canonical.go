package receipt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"auditaai.io/ledger/model"
)

// Canonicalize renders v as JSON with object keys sorted at every depth,
// no HTML escaping and numbers kept as their original literals.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, model.WrapError(model.KindFormat, "LEDGER-RCPT-010", "value is not JSON-representable", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, model.WrapError(model.KindInternal, "LEDGER-RCPT-011", "re-decode canonical value", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, model.WrapError(model.KindInternal, "LEDGER-RCPT-012", "encode canonical value", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DigestInput is the projection of a receipt that its digest covers.
func DigestInput(typ model.ReceiptType, lamport int64, payload map[string]any, previous string) map[string]any {
	var prev any
	if previous != "" {
		prev = previous
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"type":     string(typ),
		"lamport":  lamport,
		"payload":  payload,
		"previous": prev,
	}
}

// ComputeDigest is the hex SHA-256 of the canonical DigestInput.
func ComputeDigest(typ model.ReceiptType, lamport int64, payload map[string]any, previous string) (string, error) {
	b, err := Canonicalize(DigestInput(typ, lamport, payload, previous))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Recompute derives the digest r should carry from its stored fields.
func Recompute(r model.Receipt) (string, error) {
	return ComputeDigest(r.Type, r.Lamport, r.Payload, r.PreviousDigest)
}
