// Package receipt is the append-only, hash-chained receipt ledger.
//
// All receipts form one global chain: previousDigest is the digest of the
// receipt with the highest lamport at emission time, and baselineDigest is
// the digest of the first BOOT_CONFIRM. Each emission is one store.AppendNext
// call, so the chain stays linear across every Ledger sharing a store.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"auditaai.io/ledger/clock"
	"auditaai.io/ledger/model"
	"auditaai.io/ledger/store"
)

// Default scopes used by the typed Emit helpers.
const (
	ScopeCore       = "BEN_CORE"
	ScopeGovernance = "AUDITAAI"
	ScopeHuman      = "HUMAN"
)

// Witnesser attests a receipt digest on behalf of a named model.
type Witnesser interface {
	RequestSignature(ctx context.Context, digest, modelName string) (model.WitnessSignature, error)
}

// Archiver receives every persisted receipt for export.
type Archiver interface {
	Archive(ctx context.Context, r model.Receipt, entry model.ChainIndexEntry) error
}

// Store is the slice of store.Store the ledger needs.
type Store interface {
	store.ReceiptStore
	WitnessesForDigest(ctx context.Context, digest string) ([]model.WitnessSignature, error)
}

// Options configures a Ledger. Store and Clock are required.
type Options struct {
	Store    Store
	Clock    *clock.Hybrid
	Witness  Witnesser
	Archiver Archiver
	Logger   *slog.Logger
	NewID    func() string
}

// Ledger emits receipts onto the chain held by its store.
type Ledger struct {
	store    Store
	clock    *clock.Hybrid
	witness  Witnesser
	archiver Archiver
	log      *slog.Logger
	newID    func() string

	archiveFailures atomic.Int64
}

// New returns a ledger. Witness and Archiver may be set later.
func New(opts Options) (*Ledger, error) {
	if opts.Store == nil || opts.Clock == nil {
		return nil, errors.New("receipt: store and clock are required")
	}
	l := &Ledger{
		store:    opts.Store,
		clock:    opts.Clock,
		witness:  opts.Witness,
		archiver: opts.Archiver,
		log:      opts.Logger,
		newID:    opts.NewID,
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.newID == nil {
		l.newID = uuid.NewString
	}
	return l, nil
}

// SetWitness installs the witness used for EmitRequest.WitnessModel. The
// witness service itself depends on the clock, so it is usually wired after
// the ledger is built.
func (l *Ledger) SetWitness(w Witnesser) { l.witness = w }

// SetArchiver installs the archive that receives every persisted receipt.
func (l *Ledger) SetArchiver(a Archiver) { l.archiver = a }

// ArchiveFailures counts receipts whose export failed since the ledger started.
func (l *Ledger) ArchiveFailures() int64 { return l.archiveFailures.Load() }

// EmitRequest describes one receipt to append.
type EmitRequest struct {
	Type    model.ReceiptType
	Scope   string
	Payload map[string]any
	// WitnessModel, when set, requests one witness signature synchronously.
	WitnessModel string
}

// Emit appends one receipt. It consumes exactly one clock tick before
// persisting, plus one more inside the witness request when WitnessModel is
// set. If the witness request fails the persisted receipt is still returned
// together with the error.
func (l *Ledger) Emit(ctx context.Context, req EmitRequest) (model.Receipt, error) {
	if !req.Type.Valid() {
		return model.Receipt{}, model.Errorf(model.KindInvalid, "LEDGER-RCPT-001", "unknown receipt type %q", req.Type)
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if _, err := Canonicalize(payload); err != nil {
		return model.Receipt{}, err
	}

	r, err := l.append(ctx, req.Type, req.Scope, payload)
	if err != nil {
		return model.Receipt{}, err
	}
	l.log.InfoContext(ctx, "receipt emitted",
		"receipt_id", r.ID, "type", r.Type, "lamport", r.Lamport, "digest", r.Digest)

	if l.archiver != nil {
		if err := l.archiver.Archive(ctx, r, r.IndexEntry()); err != nil {
			l.archiveFailures.Add(1)
			l.log.WarnContext(ctx, "receipt archive failed", "receipt_id", r.ID, "err", err)
		}
	}

	if req.WitnessModel != "" {
		if l.witness == nil {
			return r, model.NewError(model.KindInvalid, "LEDGER-RCPT-020", "witness requested but no witness service configured")
		}
		w, err := l.witness.RequestSignature(ctx, r.Digest, req.WitnessModel)
		if err != nil {
			return r, fmt.Errorf("receipt: witness %s for %s: %w", req.WitnessModel, r.ID, err)
		}
		r.WitnessSignatures = append(r.WitnessSignatures, w)
	}
	return r, nil
}

func (l *Ledger) append(ctx context.Context, typ model.ReceiptType, scope string, payload map[string]any) (model.Receipt, error) {
	r, err := l.store.AppendNext(ctx, func(head store.ChainHead) (model.Receipt, error) {
		ts := l.clock.At(ctx, head.Tick)
		digest, err := ComputeDigest(typ, ts.Lamport, payload, head.Previous)
		if err != nil {
			return model.Receipt{}, err
		}
		return model.Receipt{
			ID:              l.newID(),
			Type:            typ,
			Lamport:         ts.Lamport,
			WallClock:       ts.WallClock,
			Scope:           scope,
			Payload:         payload,
			Digest:          digest,
			PreviousDigest:  head.Previous,
			BaselineDigest:  head.Baseline,
			HybridTimestamp: clock.Encode(ts),
			Node:            ts.Node,
		}, nil
	})
	if err != nil {
		return model.Receipt{}, fmt.Errorf("receipt: append %s: %w", typ, err)
	}
	return r, nil
}

// EmitBootConfirm emits the BOOT_CONFIRM baseline. The payload event
// defaults to "BOOT".
func (l *Ledger) EmitBootConfirm(ctx context.Context, payload map[string]any, witnessModel string) (model.Receipt, error) {
	p := copyPayload(payload)
	if _, ok := p["event"]; !ok {
		p["event"] = "BOOT"
	}
	return l.Emit(ctx, EmitRequest{Type: model.ReceiptBootConfirm, Scope: ScopeCore, Payload: p, WitnessModel: witnessModel})
}

// EmitAnalysis emits an ANALYSIS receipt in the core scope.
func (l *Ledger) EmitAnalysis(ctx context.Context, payload map[string]any, witnessModel string) (model.Receipt, error) {
	return l.Emit(ctx, EmitRequest{Type: model.ReceiptAnalysis, Scope: ScopeCore, Payload: payload, WitnessModel: witnessModel})
}

// EmitDirective emits a DIRECTIVE receipt in the governance scope.
func (l *Ledger) EmitDirective(ctx context.Context, payload map[string]any) (model.Receipt, error) {
	return l.Emit(ctx, EmitRequest{Type: model.ReceiptDirective, Scope: ScopeGovernance, Payload: payload})
}

// EmitResult emits a RESULT receipt in the human scope.
func (l *Ledger) EmitResult(ctx context.Context, payload map[string]any) (model.Receipt, error) {
	return l.Emit(ctx, EmitRequest{Type: model.ReceiptResult, Scope: ScopeHuman, Payload: payload})
}

func (l *Ledger) EmitAppend(ctx context.Context, payload map[string]any) (model.Receipt, error) {
	return l.Emit(ctx, EmitRequest{Type: model.ReceiptAppend, Scope: ScopeGovernance, Payload: payload})
}

// EmitSyncPoint emits a SYNC_POINT receipt in the core scope.
func (l *Ledger) EmitSyncPoint(ctx context.Context, payload map[string]any) (model.Receipt, error) {
	return l.Emit(ctx, EmitRequest{Type: model.ReceiptSyncPoint, Scope: ScopeCore, Payload: payload})
}

// Receipt loads a receipt with its witness signatures attached.
func (l *Ledger) Receipt(ctx context.Context, id string) (model.Receipt, error) {
	r, err := l.store.Receipt(ctx, id)
	if store.IsNotFound(err) {
		return model.Receipt{}, model.WrapError(model.KindNotFound, "LEDGER-RCPT-030", "receipt "+id+" not found", err)
	}
	if err != nil {
		return model.Receipt{}, fmt.Errorf("receipt: load %s: %w", id, err)
	}
	ws, err := l.store.WitnessesForDigest(ctx, r.Digest)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("receipt: load witnesses for %s: %w", id, err)
	}
	r.WitnessSignatures = ws
	return r, nil
}

// History returns up to limit receipts, newest first. limit <= 0 means all.
func (l *Ledger) History(ctx context.Context, limit int) ([]model.Receipt, error) {
	rs, err := l.store.Receipts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("receipt: history: %w", err)
	}
	return rs, nil
}

// ChainIndex returns the chain entries in append order.
func (l *Ledger) ChainIndex(ctx context.Context) ([]model.ChainIndexEntry, error) {
	idx, err := l.store.ChainIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("receipt: chain index: %w", err)
	}
	return idx, nil
}

func copyPayload(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
