// Package storetest is a conformance kit for store.Store implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"auditaai.io/ledger/model"
	"auditaai.io/ledger/receipt"
	"auditaai.io/ledger/store"
)

// NewStore constructs a fresh, empty store for a test.
// The returned store MUST be isolated from other tests.
type NewStore func(t *testing.T) store.Store

// RunConformance runs the store contract tests against newStore.
func RunConformance(t *testing.T, newStore NewStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("ClockInitializesAtZero", func(t *testing.T) {
		s := newStore(t)
		st, err := s.ClockState(ctx)
		if err != nil {
			t.Fatalf("ClockState: %v", err)
		}
		if st.CurrentValue != 0 {
			t.Fatalf("fresh clock = %d, want 0", st.CurrentValue)
		}
		tick, err := s.AdvanceClock(ctx, 1)
		if err != nil {
			t.Fatalf("AdvanceClock: %v", err)
		}
		if tick.Previous != 0 || tick.Next != 1 || !tick.Initialized {
			t.Fatalf("first tick = %+v, want 0->1 initialized", tick)
		}
		tick, err = s.AdvanceClock(ctx, 1)
		if err != nil {
			t.Fatalf("AdvanceClock: %v", err)
		}
		if tick.Initialized {
			t.Fatalf("second tick reported initialization")
		}
	})

	t.Run("ClockConcurrentAdvanceIsGapFree", func(t *testing.T) {
		s := newStore(t)
		const n = 64
		var wg sync.WaitGroup
		seen := make(chan int64, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tick, err := s.AdvanceClock(ctx, 1)
				if err != nil {
					t.Errorf("AdvanceClock: %v", err)
					return
				}
				seen <- tick.Next
			}()
		}
		wg.Wait()
		close(seen)
		got := map[int64]bool{}
		for v := range seen {
			if got[v] {
				t.Fatalf("duplicate value %d", v)
			}
			got[v] = true
		}
		for v := int64(1); v <= n; v++ {
			if !got[v] {
				t.Fatalf("missing value %d", v)
			}
		}
	})

	t.Run("RaiseNeverLowers", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.AdvanceClock(ctx, 10); err != nil {
			t.Fatalf("AdvanceClock: %v", err)
		}
		tick, err := s.RaiseClock(ctx, 4)
		if err != nil {
			t.Fatalf("RaiseClock: %v", err)
		}
		if tick.Next != 10 {
			t.Fatalf("RaiseClock lowered counter to %d", tick.Next)
		}
		tick, err = s.RaiseClock(ctx, 20)
		if err != nil {
			t.Fatalf("RaiseClock: %v", err)
		}
		if tick.Previous != 10 || tick.Next != 20 {
			t.Fatalf("RaiseClock = %+v, want 10->20", tick)
		}
	})

	t.Run("AppendNextLinksAndTicks", func(t *testing.T) {
		s := newStore(t)
		var got []model.Receipt
		for i, typ := range []model.ReceiptType{model.ReceiptBootConfirm, model.ReceiptAnalysis, model.ReceiptBootConfirm} {
			r, err := s.AppendNext(ctx, func(head store.ChainHead) (model.Receipt, error) {
				if head.Tick.Initialized != (i == 0) || head.Tick.Next != int64(i+1) {
					return model.Receipt{}, fmt.Errorf("append %d: tick %+v", i, head.Tick)
				}
				r := sampleReceipt(fmt.Sprintf("r-%d", i+1), typ, head.Tick.Next, head.Previous)
				r.BaselineDigest = head.Baseline
				return r, nil
			})
			if err != nil {
				t.Fatalf("AppendNext: %v", err)
			}
			got = append(got, r)
		}
		if got[0].PreviousDigest != "" || got[0].BaselineDigest != "" {
			t.Fatalf("first receipt links to %q / %q", got[0].PreviousDigest, got[0].BaselineDigest)
		}
		if got[1].PreviousDigest != got[0].Digest || got[2].PreviousDigest != got[1].Digest {
			t.Fatalf("chain not linked: %+v", got)
		}
		if got[2].BaselineDigest != got[0].Digest {
			t.Fatalf("baseline = %q, want first BOOT_CONFIRM", got[2].BaselineDigest)
		}
		st, err := s.ClockState(ctx)
		if err != nil {
			t.Fatalf("ClockState: %v", err)
		}
		if st.CurrentValue != 3 || st.LastReceiptID != "r-3" {
			t.Fatalf("clock = %+v", st)
		}
	})

	t.Run("AppendNextBuildErrorAborts", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")
		if _, err := s.AppendNext(ctx, func(store.ChainHead) (model.Receipt, error) {
			return model.Receipt{}, boom
		}); !errors.Is(err, boom) {
			t.Fatalf("AppendNext: got %v want boom", err)
		}
		if st, err := s.ClockState(ctx); err != nil || st.CurrentValue != 0 {
			t.Fatalf("clock after aborted append = %+v, %v", st, err)
		}
		if idx, err := s.ChainIndex(ctx); err != nil || len(idx) != 0 {
			t.Fatalf("chain after aborted append = %v, %v", idx, err)
		}
	})

	t.Run("AppendNextConcurrentIsLinear", func(t *testing.T) {
		s := newStore(t)
		const n = 32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AppendNext(ctx, func(head store.ChainHead) (model.Receipt, error) {
					return sampleReceipt(fmt.Sprintf("c-%d", i), model.ReceiptAppend, head.Tick.Next, head.Previous), nil
				})
				if err != nil {
					t.Errorf("AppendNext: %v", err)
				}
			}(i)
		}
		wg.Wait()
		idx, err := s.ChainIndex(ctx)
		if err != nil {
			t.Fatalf("ChainIndex: %v", err)
		}
		if len(idx) != n || idx[0].PrevHash != model.GenesisHash {
			t.Fatalf("ChainIndex has %d entries, first %+v", len(idx), idx[0])
		}
		for i := 1; i < n; i++ {
			if idx[i].PrevHash != idx[i-1].Hash || idx[i].Lamport != idx[i-1].Lamport+1 {
				t.Fatalf("entry %d %+v does not follow %+v", i, idx[i], idx[i-1])
			}
		}
	})

	t.Run("PayloadDetachedFromCaller", func(t *testing.T) {
		s := newStore(t)
		ids := []string{"h-1", "h-2"}
		payload := map[string]any{"handoffIds": ids, "count": 2}
		r, err := s.AppendNext(ctx, func(head store.ChainHead) (model.Receipt, error) {
			digest, err := receipt.ComputeDigest(model.ReceiptSyncPoint, head.Tick.Next, payload, head.Previous)
			if err != nil {
				return model.Receipt{}, err
			}
			return model.Receipt{
				ID: "sweep", Type: model.ReceiptSyncPoint, Lamport: head.Tick.Next,
				WallClock: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Payload: payload, Digest: digest,
			}, nil
		})
		if err != nil {
			t.Fatalf("AppendNext: %v", err)
		}
		ids[0] = "changed"
		payload["count"] = 3

		got, err := s.Receipt(ctx, "sweep")
		if err != nil {
			t.Fatalf("Receipt: %v", err)
		}
		if fmt.Sprint(got.Payload["handoffIds"]) != "[h-1 h-2]" || fmt.Sprint(got.Payload["count"]) != "2" {
			t.Fatalf("stored payload follows the caller: %v", got.Payload)
		}
		if d, err := receipt.Recompute(got); err != nil || d != r.Digest {
			t.Fatalf("Recompute = %s, %v; want %s", d, err, r.Digest)
		}
	})

	t.Run("ReceiptAppendAndLookup", func(t *testing.T) {
		s := newStore(t)
		r1 := sampleReceipt("r-1", model.ReceiptBootConfirm, 1, "")
		r2 := sampleReceipt("r-2", model.ReceiptAnalysis, 2, r1.Digest)
		r3 := sampleReceipt("r-3", model.ReceiptBootConfirm, 3, r2.Digest)
		for _, r := range []model.Receipt{r1, r2, r3} {
			if err := s.AppendReceipt(ctx, r, r.IndexEntry()); err != nil {
				t.Fatalf("AppendReceipt(%s): %v", r.ID, err)
			}
		}
		if err := s.AppendReceipt(ctx, r1, r1.IndexEntry()); !errors.Is(err, store.ErrDuplicate) {
			t.Fatalf("duplicate append: got %v want ErrDuplicate", err)
		}

		got, err := s.Receipt(ctx, "r-2")
		if err != nil {
			t.Fatalf("Receipt: %v", err)
		}
		if got.Digest != r2.Digest || got.PreviousDigest != r1.Digest {
			t.Fatalf("round trip mismatch: %+v", got)
		}
		if got.Payload["n"] != r2.Payload["n"] {
			t.Fatalf("payload mismatch: %v", got.Payload)
		}
		if _, err := s.Receipt(ctx, "missing"); !store.IsNotFound(err) {
			t.Fatalf("missing receipt: got %v want ErrNotFound", err)
		}

		byDigest, err := s.ReceiptsByDigest(ctx, r1.Digest)
		if err != nil || len(byDigest) != 1 || byDigest[0].ID != "r-1" {
			t.Fatalf("ReceiptsByDigest = %v, %v", byDigest, err)
		}

		head, ok, err := s.HeadReceipt(ctx)
		if err != nil || !ok || head.ID != "r-3" {
			t.Fatalf("HeadReceipt = %v %v %v", head.ID, ok, err)
		}
		base, ok, err := s.BaselineReceipt(ctx)
		if err != nil || !ok || base.ID != "r-1" {
			t.Fatalf("BaselineReceipt = %v %v %v", base.ID, ok, err)
		}

		recent, err := s.Receipts(ctx, 2)
		if err != nil {
			t.Fatalf("Receipts: %v", err)
		}
		if len(recent) != 2 || recent[0].ID != "r-3" || recent[1].ID != "r-2" {
			t.Fatalf("Receipts(2) order wrong: %v", ids(recent))
		}

		idx, err := s.ChainIndex(ctx)
		if err != nil {
			t.Fatalf("ChainIndex: %v", err)
		}
		if len(idx) != 3 || idx[0].PrevHash != model.GenesisHash || idx[2].PrevHash != r2.Digest {
			t.Fatalf("ChainIndex = %+v", idx)
		}
	})

	t.Run("EmptyHeadAndBaseline", func(t *testing.T) {
		s := newStore(t)
		if _, ok, err := s.HeadReceipt(ctx); ok || err != nil {
			t.Fatalf("HeadReceipt on empty store: ok=%v err=%v", ok, err)
		}
		if _, ok, err := s.BaselineReceipt(ctx); ok || err != nil {
			t.Fatalf("BaselineReceipt on empty store: ok=%v err=%v", ok, err)
		}
	})

	t.Run("WitnessVerifiedIsOneWay", func(t *testing.T) {
		s := newStore(t)
		issued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		w := model.WitnessSignature{
			ID: "w-1", ModelName: "m", ModelFingerprint: "fp", ReceiptDigest: "d",
			Signature: "sig", Scheme: "sha256-recipe", Lamport: 7, IssuedAt: issued,
		}
		if err := s.CreateWitness(ctx, w); err != nil {
			t.Fatalf("CreateWitness: %v", err)
		}
		first, err := s.MarkWitnessVerified(ctx, "w-1", issued.Add(time.Second))
		if err != nil {
			t.Fatalf("MarkWitnessVerified: %v", err)
		}
		if !first.Verified || first.VerifiedAt == nil {
			t.Fatalf("not verified: %+v", first)
		}
		second, err := s.MarkWitnessVerified(ctx, "w-1", issued.Add(time.Hour))
		if err != nil {
			t.Fatalf("MarkWitnessVerified(2): %v", err)
		}
		if !second.VerifiedAt.Equal(*first.VerifiedAt) {
			t.Fatalf("verifiedAt moved: %v -> %v", first.VerifiedAt, second.VerifiedAt)
		}
		list, err := s.WitnessesForDigest(ctx, "d")
		if err != nil || len(list) != 1 {
			t.Fatalf("WitnessesForDigest = %v, %v", list, err)
		}
		if _, err := s.Witness(ctx, "nope"); !store.IsNotFound(err) {
			t.Fatalf("missing witness: got %v", err)
		}
	})

	t.Run("HandoffGuardedTransition", func(t *testing.T) {
		s := newStore(t)
		start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		h := model.Handoff{
			ID: "h-1", FromTrack: model.TrackAnalysis, ToTrack: model.TrackGovernance,
			Status: model.HandoffInitiated, FromReceiptID: "r-1", TraceID: "t-1",
			Payload: map[string]any{"k": "v"}, InitiatedAt: start,
		}
		if err := s.CreateHandoff(ctx, h); err != nil {
			t.Fatalf("CreateHandoff: %v", err)
		}
		done, err := s.TransitionHandoff(ctx, "h-1", model.OpenStatuses, func(h *model.Handoff) {
			h.Status = model.HandoffCompleted
		})
		if err != nil {
			t.Fatalf("TransitionHandoff: %v", err)
		}
		if done.Status != model.HandoffCompleted {
			t.Fatalf("status = %s", done.Status)
		}
		again, err := s.TransitionHandoff(ctx, "h-1", model.OpenStatuses, func(h *model.Handoff) {
			h.Status = model.HandoffTimeout
		})
		if !errors.Is(err, store.ErrPrecondition) {
			t.Fatalf("second transition: got %v want ErrPrecondition", err)
		}
		if again.Status != model.HandoffCompleted {
			t.Fatalf("terminal status changed to %s", again.Status)
		}
		if _, err := s.TransitionHandoff(ctx, "nope", model.OpenStatuses, func(*model.Handoff) {}); !store.IsNotFound(err) {
			t.Fatalf("missing handoff: got %v", err)
		}
	})

	t.Run("OpenHandoffsRespectsCutoff", func(t *testing.T) {
		s := newStore(t)
		base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
		for i, st := range []model.HandoffStatus{model.HandoffInitiated, model.HandoffInTransit, model.HandoffCompleted, model.HandoffInitiated} {
			h := model.Handoff{
				ID: fmt.Sprintf("h-%d", i), FromTrack: model.TrackAnalysis, ToTrack: model.TrackGovernance,
				Status: st, FromReceiptID: "r", TraceID: "trace", InitiatedAt: base.Add(time.Duration(i) * time.Minute),
			}
			if err := s.CreateHandoff(ctx, h); err != nil {
				t.Fatalf("CreateHandoff: %v", err)
			}
		}
		open, err := s.OpenHandoffs(ctx, base.Add(150*time.Second))
		if err != nil {
			t.Fatalf("OpenHandoffs: %v", err)
		}
		if len(open) != 2 || open[0].ID != "h-0" || open[1].ID != "h-1" {
			t.Fatalf("OpenHandoffs = %v", handoffIDs(open))
		}
		byTrace, err := s.HandoffsByTrace(ctx, "trace")
		if err != nil || len(byTrace) != 4 {
			t.Fatalf("HandoffsByTrace = %d, %v", len(byTrace), err)
		}
	})
}

func sampleReceipt(id string, typ model.ReceiptType, lamport int64, prev string) model.Receipt {
	return model.Receipt{
		ID:             id,
		Type:           typ,
		Lamport:        lamport,
		WallClock:      time.Date(2026, 1, 2, 3, 4, int(lamport), 0, time.UTC),
		Scope:          "system",
		Payload:        map[string]any{"n": fmt.Sprint(lamport)},
		Digest:         fmt.Sprintf("%064d", lamport),
		PreviousDigest: prev,
	}
}

func ids(rs []model.Receipt) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func handoffIDs(hs []model.Handoff) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.ID)
	}
	return out
}
