// Package store defines the transactional persistence contract of the ledger.
//
// Implementations MUST provide:
//   - AdvanceClock and RaiseClock as atomic read-modify-writes (no duplicate or
//     skipped values under concurrency, no partial increments after a crash).
//   - AppendNext as one transaction covering the clock tick, the chain head
//     and baseline reads, and the insert, so concurrent appenders sharing a
//     store can neither fork the chain nor invert its lamport order.
//   - AppendReceipt persisting a receipt and its chain index entry together.
//   - Payloads stored detached from the caller: later mutation of the
//     caller's values never reaches a persisted receipt.
//   - TransitionHandoff as a guarded check-then-set: the update applies only
//     while the stored status is one of the allowed statuses.
//
// Receipts are immutable once written; the only follow-up write that
// references a receipt is a witness signature row.
package store

import (
	"context"
	"errors"
	"time"

	"auditaai.io/ledger/model"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrDuplicate    = errors.New("store: duplicate id")
	ErrPrecondition = errors.New("store: precondition failed")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// ClockStore owns the singleton logical counter.
type ClockStore interface {
	// AdvanceClock adds n (> 0) to the counter, creating it at 0 first if absent.
	AdvanceClock(ctx context.Context, n int64) (model.ClockTick, error)
	// RaiseClock sets the counter to max(current, value).
	RaiseClock(ctx context.Context, value int64) (model.ClockTick, error)
	// ClockState returns the current row; an absent row reads as the zero state.
	ClockState(ctx context.Context) (model.ClockState, error)
}

// ChainHead is the state AppendNext hands to its builder.
type ChainHead struct {
	// Tick is the clock advance reserved for the new receipt.
	Tick model.ClockTick
	// Previous is the digest of the current head, empty on an empty chain.
	Previous string
	// Baseline is the digest of the first BOOT_CONFIRM, empty if none.
	Baseline string
}

// ReceiptStore is the append-only receipt log and its chain index.
type ReceiptStore interface {
	// AppendNext advances the clock by one, reads the chain head and
	// baseline, and persists the receipt returned by build together with its
	// index entry and the clock's last receipt pointer. Nothing else can
	// append between the tick and the insert. An error from build aborts the
	// append and the tick.
	AppendNext(ctx context.Context, build func(ChainHead) (model.Receipt, error)) (model.Receipt, error)
	// AppendReceipt persists r as given. It does not tick the clock or check
	// linkage; the ledger emits through AppendNext.
	AppendReceipt(ctx context.Context, r model.Receipt, entry model.ChainIndexEntry) error
	Receipt(ctx context.Context, id string) (model.Receipt, error)
	// ReceiptsByDigest returns every receipt carrying digest, lowest lamport first.
	ReceiptsByDigest(ctx context.Context, digest string) ([]model.Receipt, error)
	// HeadReceipt returns the receipt with the highest lamport.
	HeadReceipt(ctx context.Context) (model.Receipt, bool, error)
	// BaselineReceipt returns the BOOT_CONFIRM receipt with the lowest lamport.
	BaselineReceipt(ctx context.Context) (model.Receipt, bool, error)
	// Receipts returns up to limit receipts, highest lamport first. limit <= 0 means all.
	Receipts(ctx context.Context, limit int) ([]model.Receipt, error)
	// ChainIndex returns all index entries in append order.
	ChainIndex(ctx context.Context) ([]model.ChainIndexEntry, error)
}

// WitnessStore persists witness attestations.
type WitnessStore interface {
	CreateWitness(ctx context.Context, w model.WitnessSignature) error
	Witness(ctx context.Context, id string) (model.WitnessSignature, error)
	// MarkWitnessVerified flips verified to true. It is a no-op on an already verified row.
	MarkWitnessVerified(ctx context.Context, id string, at time.Time) (model.WitnessSignature, error)
	// WitnessesForDigest returns attestations over digest, oldest first.
	WitnessesForDigest(ctx context.Context, digest string) ([]model.WitnessSignature, error)
	Witnesses(ctx context.Context) ([]model.WitnessSignature, error)
}

// HandoffStore persists handoff rows.
type HandoffStore interface {
	CreateHandoff(ctx context.Context, h model.Handoff) error
	Handoff(ctx context.Context, id string) (model.Handoff, error)
	// TransitionHandoff applies update to the row only while its status is one
	// of allowed; otherwise it returns ErrPrecondition together with the
	// unchanged row.
	TransitionHandoff(ctx context.Context, id string, allowed []model.HandoffStatus, update func(*model.Handoff)) (model.Handoff, error)
	// OpenHandoffs returns handoffs in an open status initiated before cutoff.
	OpenHandoffs(ctx context.Context, cutoff time.Time) ([]model.Handoff, error)
	HandoffsByTrace(ctx context.Context, traceID string) ([]model.Handoff, error)
	Handoffs(ctx context.Context) ([]model.Handoff, error)
}

// Store is the full persistence surface of one ledger.
type Store interface {
	ClockStore
	ReceiptStore
	WitnessStore
	HandoffStore
	Close() error
}

// StatusAllowed reports whether s is in allowed.
func StatusAllowed(s model.HandoffStatus, allowed []model.HandoffStatus) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}
