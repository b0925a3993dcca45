// Package verifier replays stored receipts and reports chain integrity
// violations. It only reads; nothing it finds is repaired.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"auditaai.io/ledger/model"
	"auditaai.io/ledger/receipt"
	"auditaai.io/ledger/store"
)

// Code classifies a verification failure.
type Code string

const (
	CodeDigestMismatch      Code = "DIGEST_MISMATCH"
	CodeOrphanPrevious      Code = "ORPHAN_PREVIOUS"
	CodeNonMonotonicLamport Code = "NONMONOTONIC_LAMPORT"
	CodeChainBreak          Code = "CHAIN_BREAK"
)

var codeKinds = map[Code]struct {
	kind model.Kind
	rule string
}{
	CodeDigestMismatch:      {model.KindDigestMismatch, "LEDGER-VERIFY-001"},
	CodeOrphanPrevious:      {model.KindOrphanChain, "LEDGER-VERIFY-002"},
	CodeNonMonotonicLamport: {model.KindNonMonotonicLamport, "LEDGER-VERIFY-003"},
	CodeChainBreak:          {model.KindOrphanChain, "LEDGER-VERIFY-004"},
}

// Violation is one failed check.
type Violation struct {
	Code      Code   `json:"code"`
	ReceiptID string `json:"receiptId"`
	Message   string `json:"message"`
}

// Err converts v into the ledger's structured error.
func (v Violation) Err() error {
	k := codeKinds[v.Code]
	return model.Errorf(k.kind, k.rule, "receipt %s: %s", v.ReceiptID, v.Message)
}

// Result is the outcome of Verify.
type Result struct {
	ReceiptID  string      `json:"receiptId,omitempty"`
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
}

// Codes lists the violation codes in the order they were found.
func (r Result) Codes() []Code {
	out := make([]Code, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.Code
	}
	return out
}

// Err joins one typed error per violation; nil when valid.
func (r Result) Err() error {
	errs := make([]error, 0, len(r.Violations))
	for _, v := range r.Violations {
		errs = append(errs, v.Err())
	}
	return errors.Join(errs...)
}

// Store is the read surface the verifier needs.
type Store interface {
	Receipt(ctx context.Context, id string) (model.Receipt, error)
	ReceiptsByDigest(ctx context.Context, digest string) ([]model.Receipt, error)
	ChainIndex(ctx context.Context) ([]model.ChainIndexEntry, error)
}

// Verifier recomputes digests and checks chain links against a store.
type Verifier struct {
	store Store
	log   *slog.Logger
}

// New returns a verifier over s.
func New(s Store, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{store: s, log: log}
}

// Verify recomputes the digest of one stored receipt and checks its link to
// the previous receipt.
func (v *Verifier) Verify(ctx context.Context, receiptID string) (Result, error) {
	r, err := v.store.Receipt(ctx, receiptID)
	if store.IsNotFound(err) {
		return Result{}, model.WrapError(model.KindNotFound, "LEDGER-VERIFY-010", "receipt "+receiptID+" not found", err)
	}
	if err != nil {
		return Result{}, fmt.Errorf("verifier: load %s: %w", receiptID, err)
	}
	res := Result{ReceiptID: r.ID}
	if err := v.check(ctx, r, &res); err != nil {
		return Result{}, err
	}
	res.Valid = len(res.Violations) == 0
	if !res.Valid {
		v.log.WarnContext(ctx, "receipt failed verification", "receipt_id", r.ID, "violations", res.Codes())
	}
	return res, nil
}

func (v *Verifier) check(ctx context.Context, r model.Receipt, res *Result) error {
	digest, err := receipt.Recompute(r)
	if err != nil {
		return err
	}
	if digest != r.Digest {
		res.add(CodeDigestMismatch, r.ID, "stored digest %s, recomputed %s", r.Digest, digest)
	}
	if r.PreviousDigest == "" {
		return nil
	}
	prev, err := v.store.ReceiptsByDigest(ctx, r.PreviousDigest)
	if err != nil {
		return fmt.Errorf("verifier: look up previous of %s: %w", r.ID, err)
	}
	if len(prev) == 0 {
		res.add(CodeOrphanPrevious, r.ID, "no receipt has digest %s", r.PreviousDigest)
		return nil
	}
	// prev is sorted by lamport; the earliest match is the link.
	if prev[0].Lamport >= r.Lamport {
		res.add(CodeNonMonotonicLamport, r.ID, "previous %s has lamport %d, not below %d", prev[0].ID, prev[0].Lamport, r.Lamport)
	}
	return nil
}

func (r *Result) add(code Code, id, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{Code: code, ReceiptID: id, Message: fmt.Sprintf(format, args...)})
}

// ChainResult is the outcome of a full chain walk.
type ChainResult struct {
	Result
	Checked  int    `json:"checked"`
	LastHash string `json:"lastHash"`
}

// VerifyChain walks the chain index in append order. Each entry must link to
// its predecessor's hash (the first to the genesis hash), lamports must
// strictly increase, and every receipt must re-verify.
func (v *Verifier) VerifyChain(ctx context.Context) (ChainResult, error) {
	idx, err := v.store.ChainIndex(ctx)
	if err != nil {
		return ChainResult{}, fmt.Errorf("verifier: chain index: %w", err)
	}
	out := ChainResult{LastHash: model.GenesisHash}
	for i, e := range idx {
		wantPrev, prevLamport := model.GenesisHash, int64(0)
		if i > 0 {
			wantPrev, prevLamport = idx[i-1].Hash, idx[i-1].Lamport
		}
		if e.PrevHash != wantPrev {
			out.add(CodeChainBreak, e.ID, "prevHash %s, predecessor hash %s", e.PrevHash, wantPrev)
		}
		if i > 0 && e.Lamport <= prevLamport {
			out.add(CodeNonMonotonicLamport, e.ID, "lamport %d after %d", e.Lamport, prevLamport)
		}

		r, err := v.store.Receipt(ctx, e.ID)
		if store.IsNotFound(err) {
			out.add(CodeChainBreak, e.ID, "indexed receipt is missing")
			continue
		}
		if err != nil {
			return ChainResult{}, fmt.Errorf("verifier: load %s: %w", e.ID, err)
		}
		if r.Digest != e.Hash || r.Lamport != e.Lamport {
			out.add(CodeDigestMismatch, e.ID, "index entry does not match stored receipt")
		}
		if err := v.check(ctx, r, &out.Result); err != nil {
			return ChainResult{}, err
		}
		out.Checked++
		out.LastHash = e.Hash
	}
	out.Valid = len(out.Violations) == 0
	if !out.Valid {
		v.log.WarnContext(ctx, "chain failed verification", "checked", out.Checked, "violations", len(out.Violations))
	}
	return out, nil
}
