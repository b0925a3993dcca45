// Package clock provides the ledger's logical clock and the hybrid
// logical/wall-clock timestamps derived from it.
//
// The logical counter lives in a store.ClockStore; every tick is an atomic
// read-modify-write there, so Logical itself holds no mutable state.
package clock

import (
	"context"
	"fmt"
	"log/slog"

	"auditaai.io/ledger/model"
	"auditaai.io/ledger/store"
)

// Range is an inclusive block of reserved counter values.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len is the number of values in r.
func (r Range) Len() int64 { return r.End - r.Start + 1 }

// Logical is the ledger's Lamport counter. Every method reads or writes the
// counter row in the store.
type Logical struct {
	store store.ClockStore
	log   *slog.Logger
}

// NewLogical returns a counter over s. A nil log means slog.Default.
func NewLogical(s store.ClockStore, log *slog.Logger) *Logical {
	if log == nil {
		log = slog.Default()
	}
	return &Logical{store: s, log: log}
}

// Increment advances the counter by one.
func (l *Logical) Increment(ctx context.Context) (model.ClockTick, error) {
	return l.advance(ctx, 1)
}

// ReserveBatch advances the counter by n and returns [previous+1, previous+n].
func (l *Logical) ReserveBatch(ctx context.Context, n int64) (Range, error) {
	if n <= 0 {
		return Range{}, model.Errorf(model.KindNonPositiveIncrement, "LEDGER-CLOCK-001", "batch size must be positive, got %d", n)
	}
	tick, err := l.advance(ctx, n)
	if err != nil {
		return Range{}, err
	}
	return Range{Start: tick.Previous + 1, End: tick.Next}, nil
}

func (l *Logical) advance(ctx context.Context, n int64) (model.ClockTick, error) {
	tick, err := l.store.AdvanceClock(ctx, n)
	if err != nil {
		return model.ClockTick{}, fmt.Errorf("clock: advance by %d: %w", n, err)
	}
	l.observe(ctx, tick)
	return tick, nil
}

// observe logs a tick that created the counter row.
func (l *Logical) observe(ctx context.Context, tick model.ClockTick) {
	if tick.Initialized {
		l.log.InfoContext(ctx, "logical clock initialized",
			"kind", model.KindClockGap, "lamport", tick.Next)
	}
}

// Current reads the counter without ticking.
func (l *Logical) Current(ctx context.Context) (int64, error) {
	st, err := l.State(ctx)
	if err != nil {
		return 0, err
	}
	return st.CurrentValue, nil
}

// State returns the full counter row.
func (l *Logical) State(ctx context.Context) (model.ClockState, error) {
	st, err := l.store.ClockState(ctx)
	if err != nil {
		return model.ClockState{}, fmt.Errorf("clock: read state: %w", err)
	}
	return st, nil
}

// AdvanceTo raises the counter to max(current, v). It never lowers it.
func (l *Logical) AdvanceTo(ctx context.Context, v int64) (model.ClockTick, error) {
	if v < 0 {
		return model.ClockTick{}, model.Errorf(model.KindInvalid, "LEDGER-CLOCK-002", "counter target must be non-negative, got %d", v)
	}
	tick, err := l.store.RaiseClock(ctx, v)
	if err != nil {
		return model.ClockTick{}, fmt.Errorf("clock: raise to %d: %w", v, err)
	}
	return tick, nil
}

// MonotonicReport is the outcome of CheckMonotonic.
type MonotonicReport struct {
	Monotonic    bool     `json:"monotonic"`
	CurrentValue int64    `json:"currentValue"`
	Checked      int      `json:"checked"`
	Violations   []string `json:"violations,omitempty"`
}

// CheckMonotonic walks the chain index in append order and reports every
// pair whose lamport does not strictly increase, plus any entry stamped
// ahead of the counter itself.
func (l *Logical) CheckMonotonic(ctx context.Context, rs store.ReceiptStore) (MonotonicReport, error) {
	current, err := l.Current(ctx)
	if err != nil {
		return MonotonicReport{}, err
	}
	idx, err := rs.ChainIndex(ctx)
	if err != nil {
		return MonotonicReport{}, fmt.Errorf("clock: read chain index: %w", err)
	}
	rep := MonotonicReport{CurrentValue: current, Checked: len(idx)}
	for i, e := range idx {
		if i > 0 && e.Lamport <= idx[i-1].Lamport {
			rep.Violations = append(rep.Violations,
				fmt.Sprintf("non-monotonic sequence: %s@%d -> %s@%d", idx[i-1].ID, idx[i-1].Lamport, e.ID, e.Lamport))
		}
		if e.Lamport > current {
			rep.Violations = append(rep.Violations,
				fmt.Sprintf("receipt %s lamport %d ahead of counter %d", e.ID, e.Lamport, current))
		}
	}
	rep.Monotonic = len(rep.Violations) == 0
	return rep, nil
}
