package receipt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"auditaai.io/ledger/clock"
	"auditaai.io/ledger/model"
	"auditaai.io/ledger/store/memstore"
)

type fakeWitness struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeWitness) RequestSignature(_ context.Context, digest, modelName string) (model.WitnessSignature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, modelName+":"+digest)
	if f.err != nil {
		return model.WitnessSignature{}, f.err
	}
	return model.WitnessSignature{ID: "w-" + modelName, ModelName: modelName, ReceiptDigest: digest}, nil
}

type fakeArchiver struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (f *fakeArchiver) Archive(_ context.Context, r model.Receipt, _ model.ChainIndexEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.names = append(f.names, r.ArchiveName())
	return nil
}

type harness struct {
	ledger *Ledger
	store  *memstore.Store
	clock  *clock.Hybrid
}

func newHarness(t *testing.T, opts Options) harness {
	t.Helper()
	s := memstore.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := clock.NewHybrid(clock.NewLogical(s, log), clock.HybridOptions{
		Node:   "test-node",
		Now:    func() time.Time { return time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC) },
		Logger: log,
	})
	opts.Store = s
	opts.Clock = h
	opts.Logger = log
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return harness{ledger: l, store: s, clock: h}
}

func TestNew_RequiresStoreAndClock(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEmit_BuildsChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	boot, err := h.ledger.EmitBootConfirm(ctx, map[string]any{"version": "1"}, "")
	if err != nil {
		t.Fatalf("EmitBootConfirm: %v", err)
	}
	if boot.Lamport != 1 || boot.PreviousDigest != "" || boot.BaselineDigest != "" {
		t.Fatalf("boot = %+v", boot)
	}
	if boot.Payload["event"] != "BOOT" || boot.Scope != ScopeCore {
		t.Fatalf("boot payload/scope = %v %s", boot.Payload, boot.Scope)
	}
	if boot.HybridTimestamp != "L1@2026-02-03T04:05:06.000Z#test-node" || boot.Node != "test-node" {
		t.Fatalf("hybrid = %q node = %q", boot.HybridTimestamp, boot.Node)
	}

	analysis, err := h.ledger.EmitAnalysis(ctx, map[string]any{"score": 0.9}, "")
	if err != nil {
		t.Fatalf("EmitAnalysis: %v", err)
	}
	if analysis.Lamport != 2 || analysis.PreviousDigest != boot.Digest || analysis.BaselineDigest != boot.Digest {
		t.Fatalf("analysis = %+v", analysis)
	}
	want, _ := ComputeDigest(model.ReceiptAnalysis, 2, map[string]any{"score": 0.9}, boot.Digest)
	if analysis.Digest != want {
		t.Fatalf("digest = %s want %s", analysis.Digest, want)
	}

	st, err := h.clock.Logical().State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentValue != 2 || st.LastReceiptID != analysis.ID {
		t.Fatalf("clock state = %+v", st)
	}

	idx, err := h.ledger.ChainIndex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 2 || idx[0].PrevHash != model.GenesisHash || idx[1].PrevHash != boot.Digest || idx[1].Hash != analysis.Digest {
		t.Fatalf("index = %+v", idx)
	}
}

func TestEmit_TypedHelpersUseScopes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	cases := []struct {
		emit  func() (model.Receipt, error)
		typ   model.ReceiptType
		scope string
	}{
		{func() (model.Receipt, error) { return h.ledger.EmitDirective(ctx, nil) }, model.ReceiptDirective, ScopeGovernance},
		{func() (model.Receipt, error) { return h.ledger.EmitResult(ctx, nil) }, model.ReceiptResult, ScopeHuman},
		{func() (model.Receipt, error) { return h.ledger.EmitAppend(ctx, nil) }, model.ReceiptAppend, ScopeGovernance},
		{func() (model.Receipt, error) { return h.ledger.EmitSyncPoint(ctx, nil) }, model.ReceiptSyncPoint, ScopeCore},
	}
	for _, tc := range cases {
		r, err := tc.emit()
		if err != nil {
			t.Fatalf("%s: %v", tc.typ, err)
		}
		if r.Type != tc.typ || r.Scope != tc.scope || r.Payload == nil {
			t.Fatalf("%s: got %+v", tc.typ, r)
		}
	}
}

func TestEmit_RejectsBeforeTicking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	if _, err := h.ledger.Emit(ctx, EmitRequest{Type: "BOGUS"}); !model.IsKind(err, model.KindInvalid) {
		t.Fatalf("bad type error = %v", err)
	}
	_, err := h.ledger.Emit(ctx, EmitRequest{Type: model.ReceiptAppend, Payload: map[string]any{"c": make(chan int)}})
	if !model.IsKind(err, model.KindFormat) {
		t.Fatalf("bad payload error = %v", err)
	}
	if v, _ := h.clock.Logical().Current(ctx); v != 0 {
		t.Fatalf("rejected emissions ticked the clock to %d", v)
	}
}

func TestEmit_AttachesWitness(t *testing.T) {
	ctx := context.Background()
	w := &fakeWitness{}
	h := newHarness(t, Options{Witness: w})
	r, err := h.ledger.EmitBootConfirm(ctx, nil, "model-a")
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(r.WitnessSignatures) != 1 || r.WitnessSignatures[0].ReceiptDigest != r.Digest {
		t.Fatalf("witnesses = %+v", r.WitnessSignatures)
	}
	if len(w.calls) != 1 || w.calls[0] != "model-a:"+r.Digest {
		t.Fatalf("calls = %v", w.calls)
	}
}

func TestEmit_WitnessFailureKeepsReceipt(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("witness offline")
	h := newHarness(t, Options{Witness: &fakeWitness{err: boom}})
	r, err := h.ledger.EmitAnalysis(ctx, nil, "model-a")
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want witness error", err)
	}
	if r.ID == "" {
		t.Fatalf("persisted receipt not returned")
	}
	if _, err := h.store.Receipt(ctx, r.ID); err != nil {
		t.Fatalf("receipt not persisted: %v", err)
	}
}

func TestEmit_WitnessWithoutService(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.ledger.EmitAnalysis(context.Background(), nil, "m"); !model.IsKind(err, model.KindInvalid) {
		t.Fatalf("error = %v", err)
	}
}

func TestEmit_ArchiverFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	a := &fakeArchiver{err: errors.New("disk full")}
	h := newHarness(t, Options{Archiver: a})
	if _, err := h.ledger.EmitAppend(ctx, nil); err != nil {
		t.Fatalf("Emit failed because of archive: %v", err)
	}
	if got := h.ledger.ArchiveFailures(); got != 1 {
		t.Fatalf("ArchiveFailures = %d", got)
	}
	a.err = nil
	r, err := h.ledger.EmitAppend(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.names) != 1 || a.names[0] != fmt.Sprintf("receipt_%08d_%s", r.Lamport, r.ID) {
		t.Fatalf("archived = %v", a.names)
	}
}

func TestEmit_ConcurrentEmissionsFormOneChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.ledger.EmitAppend(ctx, map[string]any{"i": i}); err != nil {
				t.Errorf("Emit: %v", err)
			}
		}(i)
	}
	wg.Wait()
	idx, err := h.ledger.ChainIndex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != n {
		t.Fatalf("index has %d entries", len(idx))
	}
	for i := 1; i < n; i++ {
		if idx[i].PrevHash != idx[i-1].Hash || idx[i].Lamport != idx[i-1].Lamport+1 {
			t.Fatalf("chain forks at %d: %+v after %+v", i, idx[i], idx[i-1])
		}
	}
}

func TestReceipt_AttachesStoredWitnesses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	r, err := h.ledger.EmitAnalysis(ctx, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.CreateWitness(ctx, model.WitnessSignature{ID: "w1", ReceiptDigest: r.Digest}); err != nil {
		t.Fatal(err)
	}
	got, err := h.ledger.Receipt(ctx, r.ID)
	if err != nil {
		t.Fatalf("Receipt: %v", err)
	}
	if len(got.WitnessSignatures) != 1 || got.WitnessSignatures[0].ID != "w1" {
		t.Fatalf("witnesses = %+v", got.WitnessSignatures)
	}
	if _, err := h.ledger.Receipt(ctx, "nope"); !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("missing receipt error = %v", err)
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	for i := 0; i < 5; i++ {
		if _, err := h.ledger.EmitAppend(ctx, map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := h.ledger.History(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 || hist[0].Lamport != 5 || hist[2].Lamport != 3 {
		t.Fatalf("history lamports = %d..%d (%d)", hist[0].Lamport, hist[len(hist)-1].Lamport, len(hist))
	}
}

func TestEmit_LedgersSharingAStoreStayLinear(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	var ledgers []*Ledger
	var logicals []*clock.Logical
	for _, node := range []string{"node-a", "node-b"} {
		lc := clock.NewLogical(s, log)
		l, err := New(Options{
			Store:  s,
			Clock:  clock.NewHybrid(lc, clock.HybridOptions{Node: node, Logger: log}),
			Logger: log,
		})
		if err != nil {
			t.Fatal(err)
		}
		ledgers = append(ledgers, l)
		logicals = append(logicals, lc)
	}

	// Witness requests tick the shared counter between emissions.
	const n = 24
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := ledgers[i%2].EmitAppend(ctx, map[string]any{"i": i}); err != nil {
				t.Errorf("Emit: %v", err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if _, err := logicals[i%2].Increment(ctx); err != nil {
				t.Errorf("Increment: %v", err)
			}
		}(i)
	}
	wg.Wait()

	idx, err := ledgers[0].ChainIndex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != n || idx[0].PrevHash != model.GenesisHash {
		t.Fatalf("index has %d entries", len(idx))
	}
	for i := 1; i < n; i++ {
		if idx[i].PrevHash != idx[i-1].Hash || idx[i].Lamport <= idx[i-1].Lamport {
			t.Fatalf("entry %d %+v does not follow %+v", i, idx[i], idx[i-1])
		}
	}
	for _, e := range idx {
		r, err := ledgers[1].Receipt(ctx, e.ID)
		if err != nil {
			t.Fatal(err)
		}
		if d, err := Recompute(r); err != nil || d != r.Digest {
			t.Fatalf("receipt %s recomputes to %s, %v", r.ID, d, err)
		}
	}
}
