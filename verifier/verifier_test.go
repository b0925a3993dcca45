package verifier

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"auditaai.io/ledger/clock"
	"auditaai.io/ledger/model"
	"auditaai.io/ledger/receipt"
	"auditaai.io/ledger/store/memstore"
)

// tamperStore simulates corruption of stored rows without touching the
// ledger's write path.
type tamperStore struct {
	*memstore.Store
	edits map[string]func(*model.Receipt)
}

func (s *tamperStore) Receipt(ctx context.Context, id string) (model.Receipt, error) {
	r, err := s.Store.Receipt(ctx, id)
	if err == nil {
		if edit, ok := s.edits[id]; ok {
			edit(&r)
		}
	}
	return r, err
}

type harness struct {
	ledger *receipt.Ledger
	store  *tamperStore
	v      *Verifier
}

func newHarness(t *testing.T) harness {
	t.Helper()
	s := &tamperStore{Store: memstore.New(), edits: map[string]func(*model.Receipt){}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hc := clock.NewHybrid(clock.NewLogical(s, log), clock.HybridOptions{
		Now:    func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		Logger: log,
	})
	l, err := receipt.New(receipt.Options{Store: s, Clock: hc, Logger: log})
	if err != nil {
		t.Fatal(err)
	}
	return harness{ledger: l, store: s, v: New(s, log)}
}

func (h harness) emitChain(t *testing.T) (model.Receipt, model.Receipt) {
	t.Helper()
	ctx := context.Background()
	r1, err := h.ledger.EmitBootConfirm(ctx, map[string]any{"version": "1"}, "")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := h.ledger.EmitAnalysis(ctx, map[string]any{"score": 7}, "")
	if err != nil {
		t.Fatal(err)
	}
	return r1, r2
}

func TestVerify_ValidChain(t *testing.T) {
	h := newHarness(t)
	r1, r2 := h.emitChain(t)
	if r1.Lamport != 1 || r1.PreviousDigest != "" || r2.Lamport != 2 || r2.PreviousDigest != r1.Digest {
		t.Fatalf("unexpected chain: %+v %+v", r1, r2)
	}
	for _, r := range []model.Receipt{r1, r2} {
		res, err := h.v.Verify(context.Background(), r.ID)
		if err != nil {
			t.Fatalf("Verify(%s): %v", r.ID, err)
		}
		if !res.Valid || len(res.Violations) != 0 || res.Err() != nil {
			t.Fatalf("Verify(%s) = %+v", r.ID, res)
		}
	}
}

func TestVerify_ForgedPreviousIsOrphan(t *testing.T) {
	h := newHarness(t)
	_, r2 := h.emitChain(t)
	h.store.edits[r2.ID] = func(r *model.Receipt) {
		r.PreviousDigest = "deadbeef"
		// The forger also recomputes the digest, so only the link is broken.
		r.Digest, _ = receipt.Recompute(*r)
	}

	res, err := h.v.Verify(context.Background(), r2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || fmt.Sprint(res.Codes()) != fmt.Sprint([]Code{CodeOrphanPrevious}) {
		t.Fatalf("result = %+v", res)
	}
	if !model.IsKind(res.Err(), model.KindOrphanChain) {
		t.Fatalf("Err() = %v", res.Err())
	}
}

func TestVerify_AlteredPreviousAlsoBreaksDigest(t *testing.T) {
	h := newHarness(t)
	_, r2 := h.emitChain(t)
	h.store.edits[r2.ID] = func(r *model.Receipt) { r.PreviousDigest = "deadbeef" }

	res, err := h.v.Verify(context.Background(), r2.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []Code{CodeDigestMismatch, CodeOrphanPrevious}
	if res.Valid || fmt.Sprint(res.Codes()) != fmt.Sprint(want) {
		t.Fatalf("codes = %v, want %v", res.Codes(), want)
	}
	err = res.Err()
	if !model.IsKind(err, model.KindDigestMismatch) || !model.IsKind(err, model.KindOrphanChain) {
		t.Fatalf("Err() = %v", err)
	}
}

func TestVerify_PayloadTamper(t *testing.T) {
	h := newHarness(t)
	r1, _ := h.emitChain(t)
	h.store.edits[r1.ID] = func(r *model.Receipt) { r.Payload["version"] = "2" }
	res, err := h.v.Verify(context.Background(), r1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(res.Codes()) != fmt.Sprint([]Code{CodeDigestMismatch}) {
		t.Fatalf("codes = %v", res.Codes())
	}
}

func TestVerify_NonMonotonicLamport(t *testing.T) {
	h := newHarness(t)
	_, r2 := h.emitChain(t)
	h.store.edits[r2.ID] = func(r *model.Receipt) {
		r.Lamport = 1
		r.Digest, _ = receipt.Recompute(*r)
	}
	res, err := h.v.Verify(context.Background(), r2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(res.Codes()) != fmt.Sprint([]Code{CodeNonMonotonicLamport}) {
		t.Fatalf("codes = %v", res.Codes())
	}
	if !model.IsKind(res.Err(), model.KindNonMonotonicLamport) {
		t.Fatalf("Err() = %v", res.Err())
	}
}

func TestVerify_NotFound(t *testing.T) {
	h := newHarness(t)
	if _, err := h.v.Verify(context.Background(), "missing"); !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestVerifyChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.emitChain(t)
	r3, err := h.ledger.EmitDirective(ctx, map[string]any{"command": "EXECUTE"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := h.v.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Checked != 3 || res.LastHash != r3.Digest {
		t.Fatalf("chain result = %+v", res)
	}

	h.store.edits[r3.ID] = func(r *model.Receipt) { r.Payload["command"] = "DELETE" }
	res, err = h.v.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || fmt.Sprint(res.Codes()) != fmt.Sprint([]Code{CodeDigestMismatch}) {
		t.Fatalf("tampered chain = %+v", res)
	}
}

func TestVerifyChain_Break(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r1, _ := h.emitChain(t)

	// A receipt appended outside the ledger that does not link to the head.
	stray := model.Receipt{ID: "stray", Type: model.ReceiptAppend, Lamport: 9, Payload: map[string]any{}, PreviousDigest: r1.Digest}
	stray.Digest, _ = receipt.Recompute(stray)
	if err := h.store.AppendReceipt(ctx, stray, stray.IndexEntry()); err != nil {
		t.Fatal(err)
	}

	res, err := h.v.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || fmt.Sprint(res.Codes()) != fmt.Sprint([]Code{CodeChainBreak}) {
		t.Fatalf("codes = %v", res.Codes())
	}
	if res.Violations[0].ReceiptID != "stray" {
		t.Fatalf("violation on %s", res.Violations[0].ReceiptID)
	}
}

func TestVerifyChain_Empty(t *testing.T) {
	h := newHarness(t)
	res, err := h.v.VerifyChain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Checked != 0 || res.LastHash != model.GenesisHash {
		t.Fatalf("empty chain = %+v", res)
	}
}
