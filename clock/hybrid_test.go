package clock

import (
	"context"
	"testing"
	"time"

	"auditaai.io/ledger/model"
)

var t0 = time.Date(2026, 3, 4, 5, 6, 7, 891_234_567, time.UTC)

func newHybrid(t *testing.T, opts HybridOptions) *Hybrid {
	t.Helper()
	l, _ := newLogical(t)
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0 }
	}
	opts.Logger = quietLogger()
	return NewHybrid(l, opts)
}

func ts(lamport int64, wall time.Time, node string) model.HybridTimestamp {
	return model.HybridTimestamp{Lamport: lamport, WallClock: wall, Node: node}
}

func TestHybrid_NowTicksAndTruncates(t *testing.T) {
	h := newHybrid(t, HybridOptions{Node: "n-a"})
	a, err := h.Now(context.Background())
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	b, err := h.Now(context.Background())
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	if a.Lamport != 1 || b.Lamport != 2 {
		t.Fatalf("lamports = %d, %d", a.Lamport, b.Lamport)
	}
	if !a.WallClock.Equal(t0.Truncate(time.Millisecond)) || a.Drift != 0 || a.Node != "n-a" {
		t.Fatalf("Now = %+v", a)
	}
}

func TestHybrid_Defaults(t *testing.T) {
	h := NewHybrid(NewLogical(nil, nil), HybridOptions{})
	if h.Node() != DefaultNode || h.Threshold() != DefaultDriftThreshold {
		t.Fatalf("defaults = %q %v", h.Node(), h.Threshold())
	}
}

func TestMerge(t *testing.T) {
	local := ts(5, t0, "local")
	remote := ts(9, t0.Add(3*time.Second), "remote")
	m := Merge(local, remote)
	if m.Lamport != 10 || !m.WallClock.Equal(remote.WallClock) || m.Drift != 3*time.Second || m.Node != "local" {
		t.Fatalf("Merge = %+v", m)
	}
	m = Merge(remote, local)
	if m.Lamport != 10 || m.Drift != 3*time.Second || m.Node != "remote" {
		t.Fatalf("Merge reversed = %+v", m)
	}
}

func TestCompare(t *testing.T) {
	later := t0.Add(time.Millisecond)
	cases := []struct {
		name string
		a, b model.HybridTimestamp
		want int
	}{
		{"lamport wins over wall", ts(1, later, "a"), ts(2, t0, "a"), -1},
		{"lamport greater", ts(3, t0, "a"), ts(2, later, "z"), 1},
		{"wall tiebreak", ts(2, t0, "z"), ts(2, later, "a"), -1},
		{"node tiebreak", ts(2, t0, "b"), ts(2, t0, "a"), 1},
		{"equal", ts(2, t0, "a"), ts(2, t0, "a"), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Compare(tc.a, tc.b); got != tc.want {
				t.Fatalf("Compare = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDetectDrift_ThresholdIsStrict(t *testing.T) {
	a := ts(1, t0, "a")
	at := DetectDrift(a, ts(1, t0.Add(5000*time.Millisecond), "b"), DefaultDriftThreshold)
	if at.ExceedsThreshold || at.DriftMs != 5000 {
		t.Fatalf("drift at threshold = %+v", at)
	}
	over := DetectDrift(a, ts(1, t0.Add(-5001*time.Millisecond), "b"), DefaultDriftThreshold)
	if !over.ExceedsThreshold || over.DriftMs != 5001 {
		t.Fatalf("drift over threshold = %+v", over)
	}
	if over.Message == at.Message {
		t.Fatalf("messages should differ")
	}
}

func TestHybrid_SynchronizeWithinThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHybrid(t, HybridOptions{AllowRemoteCorrection: true})
	res, err := h.Synchronize(ctx, ts(50, t0.Add(time.Second), "remote"))
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if !res.Synchronized || res.CorrectionApplied {
		t.Fatalf("result = %+v", res)
	}
	if v, _ := h.Logical().Current(ctx); v != 1 {
		t.Fatalf("counter = %d, want only the local tick", v)
	}
}

func TestHybrid_SynchronizeCorrectionDisabledByDefault(t *testing.T) {
	ctx := context.Background()
	h := newHybrid(t, HybridOptions{})
	res, err := h.Synchronize(ctx, ts(100, t0.Add(10*time.Second), "remote"))
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if res.Synchronized || res.CorrectionApplied || res.DriftMs < 9000 {
		t.Fatalf("result = %+v", res)
	}
	if v, _ := h.Logical().Current(ctx); v != 1 {
		t.Fatalf("counter = %d, remote must not overwrite it", v)
	}
}

func TestHybrid_SynchronizeCorrectionEnabled(t *testing.T) {
	ctx := context.Background()
	h := newHybrid(t, HybridOptions{AllowRemoteCorrection: true})
	res, err := h.Synchronize(ctx, ts(100, t0.Add(-10*time.Second), "remote"))
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if !res.Synchronized || !res.CorrectionApplied {
		t.Fatalf("result = %+v", res)
	}
	if v, _ := h.Logical().Current(ctx); v != 101 {
		t.Fatalf("counter = %d, want merged lamport 101", v)
	}
	// A remote behind the local counter never lowers it.
	if _, err := h.Synchronize(ctx, ts(3, t0.Add(-10*time.Second), "remote")); err != nil {
		t.Fatal(err)
	}
	if v, _ := h.Logical().Current(ctx); v < 102 {
		t.Fatalf("counter went backwards to %d", v)
	}
}

func TestHybrid_Validate(t *testing.T) {
	h := newHybrid(t, HybridOptions{})
	if err := h.Validate(ts(1, t0.Add(time.Second), "a")); err != nil {
		t.Fatalf("near-future timestamp rejected: %v", err)
	}
	if err := h.Validate(ts(1, t0.Add(time.Minute), "a")); !model.IsKind(err, model.KindInvalid) {
		t.Fatalf("future timestamp error = %v", err)
	}
	drifted := ts(1, t0, "a")
	drifted.Drift = 6 * time.Second
	if err := h.Validate(drifted); !model.IsKind(err, model.KindInvalid) {
		t.Fatalf("drifted timestamp error = %v", err)
	}
}

func TestAttestation(t *testing.T) {
	stamp := ts(12, t0.Truncate(time.Millisecond), "node-1")
	att := Attest(stamp, "abc123")
	if att.Value != "L12@2026-03-04T05:06:07.891Z#node-1::abc123" {
		t.Fatalf("attestation = %q", att.Value)
	}
	got, err := VerifyAttestation(att.Value, "abc123")
	if err != nil {
		t.Fatalf("VerifyAttestation: %v", err)
	}
	if Compare(got, stamp) != 0 {
		t.Fatalf("decoded %+v, want %+v", got, stamp)
	}
	if _, err := VerifyAttestation(att.Value, "other"); !model.IsKind(err, model.KindDigestMismatch) {
		t.Fatalf("wrong digest error = %v", err)
	}
	if _, err := VerifyAttestation("no-separator", "abc123"); !model.IsKind(err, model.KindFormat) {
		t.Fatalf("malformed error = %v", err)
	}
	if _, err := VerifyAttestation("garbage::abc123", "abc123"); !model.IsKind(err, model.KindFormat) {
		t.Fatalf("bad timestamp error = %v", err)
	}
}

func TestSpan(t *testing.T) {
	a := ts(3, t0, "n")
	a.Drift = 2 * time.Second
	b := ts(10, t0.Add(1500*time.Millisecond), "n")
	iv := Span(a, b)
	if iv.Lamport != 7 || iv.WallClock != 1500*time.Millisecond || iv.AverageDrift != time.Second {
		t.Fatalf("Span = %+v", iv)
	}
}
