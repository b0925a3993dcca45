package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"auditaai.io/ledger/clock"
	"auditaai.io/ledger/model"
	"auditaai.io/ledger/receipt"
	"auditaai.io/ledger/storage"
	"auditaai.io/ledger/storage/bundle"
	"auditaai.io/ledger/store/memstore"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newLedger(t *testing.T, s *memstore.Store, a receipt.Archiver) *receipt.Ledger {
	t.Helper()
	log := quietLog()
	hc := clock.NewHybrid(clock.NewLogical(s, log), clock.HybridOptions{
		Now:    func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) },
		Logger: log,
	})
	l, err := receipt.New(receipt.Options{Store: s, Clock: hc, Archiver: a, Logger: log})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func openArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(t.TempDir(), storage.NewMemory(), quietLog())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestOpen_InitialChain(t *testing.T) {
	a := openArchive(t)
	doc, err := a.Chain()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Chain) != 0 || doc.LastHash != model.GenesisHash {
		t.Fatalf("initial chain = %+v", doc)
	}
	names, err := a.Names()
	if err != nil || len(names) != 0 {
		t.Fatalf("Names() = %v, %v", names, err)
	}
}

func TestArchive_FromLedger(t *testing.T) {
	ctx := context.Background()
	a := openArchive(t)
	l := newLedger(t, memstore.New(), a)

	r1, err := l.EmitBootConfirm(ctx, map[string]any{"version": "1"}, "")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := l.EmitAnalysis(ctx, map[string]any{"score": 7, "ratio": 0.25}, "")
	if err != nil {
		t.Fatal(err)
	}
	if l.ArchiveFailures() != 0 {
		t.Fatalf("archive failures = %d", l.ArchiveFailures())
	}

	doc, err := a.Chain()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Chain) != 2 || doc.LastHash != r2.Digest {
		t.Fatalf("chain = %+v", doc)
	}
	if doc.Chain[0].PrevHash != model.GenesisHash || doc.Chain[1].PrevHash != r1.Digest {
		t.Fatalf("prev hashes = %s, %s", doc.Chain[0].PrevHash, doc.Chain[1].PrevHash)
	}

	names, err := a.Names()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != r1.ArchiveName() || names[1] != r2.ArchiveName() {
		t.Fatalf("names = %v", names)
	}

	got, err := a.Load(ctx, r2.ArchiveName())
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != r2.ID || got.Lamport != r2.Lamport || !got.WallClock.Equal(r2.WallClock) {
		t.Fatalf("loaded %+v", got)
	}
	// Numbers survive the round trip exactly, so the digest still recomputes.
	if d, err := receipt.Recompute(got); err != nil || d != r2.Digest {
		t.Fatalf("recomputed digest = %s, %v; want %s", d, err, r2.Digest)
	}
}

func TestArchive_Idempotent(t *testing.T) {
	ctx := context.Background()
	a := openArchive(t)
	r := model.Receipt{ID: "r1", Type: model.ReceiptAppend, Lamport: 1, Payload: map[string]any{"k": "v"}}
	r.Digest, _ = receipt.Recompute(r)

	for i := 0; i < 2; i++ {
		if err := a.Archive(ctx, r, r.IndexEntry()); err != nil {
			t.Fatalf("Archive #%d: %v", i, err)
		}
	}
	doc, err := a.Chain()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Chain) != 1 {
		t.Fatalf("chain has %d entries after re-archive", len(doc.Chain))
	}
}

func TestArchive_ImmutableName(t *testing.T) {
	ctx := context.Background()
	a := openArchive(t)
	r := model.Receipt{ID: "r1", Type: model.ReceiptAppend, Lamport: 1, Payload: map[string]any{"k": "v"}}
	r.Digest, _ = receipt.Recompute(r)
	if err := a.Archive(ctx, r, r.IndexEntry()); err != nil {
		t.Fatal(err)
	}

	forged := r
	forged.Payload = map[string]any{"k": "other"}
	err := a.Archive(ctx, forged, forged.IndexEntry())
	if !errors.Is(err, storage.ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
	got, err := a.Load(ctx, r.ArchiveName())
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload["k"] != "v" {
		t.Fatalf("archived payload changed: %v", got.Payload)
	}
}

func TestArchive_EncodeDropsWitnesses(t *testing.T) {
	r := model.Receipt{ID: "r1", Type: model.ReceiptAppend, Lamport: 1, Payload: map[string]any{}}
	plain, err := Encode(r)
	if err != nil {
		t.Fatal(err)
	}
	r.WitnessSignatures = []model.WitnessSignature{{ID: "w1", ModelName: "m"}}
	signed, err := Encode(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, signed) {
		t.Fatalf("witness signatures leaked into archived form:\n%s\n%s", plain, signed)
	}
}

func TestLoad_Errors(t *testing.T) {
	a := openArchive(t)
	if _, err := a.Load(context.Background(), "receipt_00000001_missing"); !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := a.Load(context.Background(), "../chain.json"); err == nil {
		t.Fatal("expected error for path-like name")
	}
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	l := newLedger(t, s, nil)
	for i := 0; i < 3; i++ {
		if _, err := l.EmitAppend(ctx, map[string]any{"n": i}); err != nil {
			t.Fatal(err)
		}
	}

	a := openArchive(t)
	added, err := a.Rebuild(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if added != 3 {
		t.Fatalf("added = %d, want 3", added)
	}
	added, err = a.Rebuild(ctx, s)
	if err != nil || added != 0 {
		t.Fatalf("second rebuild added %d, %v", added, err)
	}

	idx, err := s.ChainIndex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := a.Chain()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Chain) != len(idx) || doc.LastHash != idx[len(idx)-1].Hash {
		t.Fatalf("chain = %+v", doc)
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	a := openArchive(t)
	l := newLedger(t, memstore.New(), a)
	r, err := l.EmitDirective(ctx, map[string]any{"command": "EXECUTE"})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := a.Export(ctx, &buf); err != nil {
		t.Fatal(err)
	}
	dst := storage.NewMemory()
	got, err := bundle.Import(ctx, &buf, dst)
	if err != nil {
		t.Fatal(err)
	}
	id, ok := got.Labels[r.ArchiveName()]
	if !ok || len(got.Blocks) != 1 {
		t.Fatalf("imported %+v", got)
	}
	blob, err := dst.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	back, err := Decode(blob)
	if err != nil || back.Digest != r.Digest {
		t.Fatalf("decoded %+v, %v", back, err)
	}

	chain, err := os.ReadFile(filepath.Join(a.dir, chainFile))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Docs[chainFile], chain) {
		t.Fatalf("chain doc differs:\n%s\n%s", got.Docs[chainFile], chain)
	}
}
