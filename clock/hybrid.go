package clock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"auditaai.io/ledger/model"
)

// Defaults applied by NewHybrid to zero-valued options.
const (
	DefaultDriftThreshold = 5 * time.Second
	DefaultNode           = "node-1"
)

// HybridOptions configures a Hybrid. Zero values take the defaults above.
type HybridOptions struct {
	Node           string
	DriftThreshold time.Duration
	// AllowRemoteCorrection lets Synchronize raise the local counter when a
	// remote clock drifts past the threshold. Remote clocks are not
	// authenticated, so this is a manual override and off by default.
	AllowRemoteCorrection bool
	Now                   func() time.Time
	Logger                *slog.Logger
}

// Hybrid pairs ticks of a Logical clock with wall-clock readings.
type Hybrid struct {
	logical         *Logical
	node            string
	threshold       time.Duration
	allowCorrection bool
	now             func() time.Time
	log             *slog.Logger
}

// NewHybrid returns a hybrid clock ticking l.
func NewHybrid(l *Logical, opts HybridOptions) *Hybrid {
	h := &Hybrid{
		logical:         l,
		node:            opts.Node,
		threshold:       opts.DriftThreshold,
		allowCorrection: opts.AllowRemoteCorrection,
		now:             opts.Now,
		log:             opts.Logger,
	}
	if h.node == "" {
		h.node = DefaultNode
	}
	if h.threshold <= 0 {
		h.threshold = DefaultDriftThreshold
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h
}

// Node is the node id stamped on every timestamp.
func (h *Hybrid) Node() string { return h.node }

// Threshold is the drift above which Synchronize reports a clock out of sync.
func (h *Hybrid) Threshold() time.Duration { return h.threshold }

// Logical returns the underlying counter.
func (h *Hybrid) Logical() *Logical { return h.logical }

func (h *Hybrid) stamp(lamport int64) model.HybridTimestamp {
	wall := h.now().UTC().Truncate(time.Millisecond)
	return model.HybridTimestamp{Lamport: lamport, WallClock: wall, Node: h.node}
}

// Now ticks the logical clock once and pairs the new value with the current
// wall clock at millisecond precision.
func (h *Hybrid) Now(ctx context.Context) (model.HybridTimestamp, error) {
	tick, err := h.logical.Increment(ctx)
	if err != nil {
		return model.HybridTimestamp{}, err
	}
	return h.stamp(tick.Next), nil
}

// At pairs a tick reserved outside the clock, as by store AppendNext, with
// the current wall clock.
func (h *Hybrid) At(ctx context.Context, tick model.ClockTick) model.HybridTimestamp {
	h.logical.observe(ctx, tick)
	return h.stamp(tick.Next)
}

// Merge combines a local and a remote timestamp. The result keeps the local node.
func Merge(local, remote model.HybridTimestamp) model.HybridTimestamp {
	wall := local.WallClock
	if remote.WallClock.After(wall) {
		wall = remote.WallClock
	}
	return model.HybridTimestamp{
		Lamport:   max(local.Lamport, remote.Lamport) + 1,
		WallClock: wall,
		Drift:     absDuration(local.WallClock.Sub(remote.WallClock)),
		Node:      local.Node,
	}
}

// Compare orders by lamport, then wall clock, then node id.
func Compare(a, b model.HybridTimestamp) int {
	switch {
	case a.Lamport < b.Lamport:
		return -1
	case a.Lamport > b.Lamport:
		return 1
	case a.WallClock.Before(b.WallClock):
		return -1
	case a.WallClock.After(b.WallClock):
		return 1
	}
	return strings.Compare(a.Node, b.Node)
}

// Drift is the outcome of DetectDrift.
type Drift struct {
	DriftMs          int64  `json:"driftMs"`
	ExceedsThreshold bool   `json:"exceedsThreshold"`
	Message          string `json:"message"`
}

// DetectDrift measures the wall-clock distance between a and b. The threshold
// is exceeded only when the drift is strictly greater than it.
func DetectDrift(a, b model.HybridTimestamp, threshold time.Duration) Drift {
	d := absDuration(a.WallClock.Sub(b.WallClock))
	out := Drift{DriftMs: d.Milliseconds(), ExceedsThreshold: d > threshold}
	if out.ExceedsThreshold {
		out.Message = fmt.Sprintf("clock drift exceeds threshold: %.2fs (max: %.2fs)", d.Seconds(), threshold.Seconds())
	} else {
		out.Message = fmt.Sprintf("clock drift within acceptable range: %.2fs", d.Seconds())
	}
	return out
}

// DetectDrift is DetectDrift with the clock's own threshold.
func (h *Hybrid) DetectDrift(a, b model.HybridTimestamp) Drift {
	return DetectDrift(a, b, h.threshold)
}

// SyncResult reports what Synchronize observed and whether it corrected
// the local counter.
type SyncResult struct {
	Local             model.HybridTimestamp `json:"local"`
	Remote            model.HybridTimestamp `json:"remote"`
	DriftMs           int64                 `json:"driftMs"`
	Synchronized      bool                  `json:"synchronized"`
	CorrectionApplied bool                  `json:"correctionApplied"`
	Message           string                `json:"message"`
}

// Synchronize takes a local reading and compares it with remote. Drift within
// the threshold needs no action. Past the threshold the counter is raised to
// the merged lamport, but only when remote correction is enabled; otherwise
// the drift is logged and reported unsynchronized.
func (h *Hybrid) Synchronize(ctx context.Context, remote model.HybridTimestamp) (SyncResult, error) {
	local, err := h.Now(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	drift := h.DetectDrift(local, remote)
	res := SyncResult{
		Local:        local,
		Remote:       remote,
		DriftMs:      drift.DriftMs,
		Synchronized: !drift.ExceedsThreshold,
		Message:      drift.Message,
	}
	if !drift.ExceedsThreshold {
		return res, nil
	}
	if !h.allowCorrection {
		h.log.WarnContext(ctx, "clock drift exceeds threshold, remote correction disabled",
			"drift_ms", drift.DriftMs, "remote_node", remote.Node, "lamport", local.Lamport)
		return res, nil
	}
	merged := Merge(local, remote)
	tick, err := h.logical.AdvanceTo(ctx, merged.Lamport)
	if err != nil {
		return SyncResult{}, err
	}
	h.log.WarnContext(ctx, "clock correction applied from remote",
		"drift_ms", drift.DriftMs, "remote_node", remote.Node,
		"from", tick.Previous, "lamport", tick.Next)
	res.Synchronized = true
	res.CorrectionApplied = true
	return res, nil
}

// Validate rejects timestamps too far in the future or carrying excessive drift.
func (h *Hybrid) Validate(ts model.HybridTimestamp) error {
	if ahead := ts.WallClock.Sub(h.now()); ahead > h.threshold {
		return model.Errorf(model.KindInvalid, "LEDGER-CLOCK-020", "timestamp too far in future: %.2fs", ahead.Seconds())
	}
	if ts.Drift > h.threshold {
		return model.Errorf(model.KindInvalid, "LEDGER-CLOCK-021", "excessive clock drift: %.2fs", ts.Drift.Seconds())
	}
	return nil
}

// Attestation binds an encoded timestamp to a receipt digest.
type Attestation struct {
	Timestamp     model.HybridTimestamp `json:"timestamp"`
	Value         string                `json:"attestation"`
	ReceiptDigest string                `json:"receiptDigest"`
}

const attestationSep = "::"

// Attest binds ts to a receipt digest as "<encoded ts>::<digest>".
func Attest(ts model.HybridTimestamp, digest string) Attestation {
	return Attestation{Timestamp: ts, Value: Encode(ts) + attestationSep + digest, ReceiptDigest: digest}
}

// VerifyAttestation checks that att names digest and carries a well-formed timestamp.
func VerifyAttestation(att, digest string) (model.HybridTimestamp, error) {
	parts := strings.Split(att, attestationSep)
	if len(parts) != 2 {
		return model.HybridTimestamp{}, model.NewError(model.KindFormat, "LEDGER-CLOCK-030", "invalid attestation format")
	}
	if parts[1] != digest {
		return model.HybridTimestamp{}, model.Errorf(model.KindDigestMismatch, "LEDGER-CLOCK-031",
			"attestation digest %s does not match receipt digest %s", parts[1], digest)
	}
	ts, err := Decode(parts[0])
	if err != nil {
		return model.HybridTimestamp{}, model.WrapError(model.KindFormat, "LEDGER-CLOCK-032", "attestation decode failed", err)
	}
	return ts, nil
}

// Interval is the distance between two timestamps.
type Interval struct {
	Lamport      int64         `json:"lamportRange"`
	WallClock    time.Duration `json:"wallClockRange"`
	AverageDrift time.Duration `json:"averageDrift"`
}

// Span measures the lamport and wall-clock distance from start to end.
func Span(start, end model.HybridTimestamp) Interval {
	return Interval{
		Lamport:      end.Lamport - start.Lamport,
		WallClock:    end.WallClock.Sub(start.WallClock),
		AverageDrift: (start.Drift + end.Drift) / 2,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
