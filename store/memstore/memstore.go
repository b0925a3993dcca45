// Package memstore is an in-process implementation of store.Store.
//
// A single mutex serializes every operation, which makes each method a
// transaction. Payloads are normalized through JSON on the way in, so the
// stored form shares nothing with the caller and holds only the values a
// JSON store would return. Returned values are deep copies.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"auditaai.io/ledger/model"
	"auditaai.io/ledger/store"
)

// Store is a mutex-guarded store.Store held entirely in memory.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	clock      *model.ClockState
	receipts   map[string]model.Receipt
	order      []string
	index      []model.ChainIndexEntry
	witnesses  map[string]model.WitnessSignature
	witnessSeq []string
	handoffs   map[string]model.Handoff
	handoffSeq []string
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:       time.Now,
		receipts:  map[string]model.Receipt{},
		witnesses: map[string]model.WitnessSignature{},
		handoffs:  map[string]model.Handoff{},
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) AdvanceClock(ctx context.Context, n int64) (model.ClockTick, error) {
	if err := ctx.Err(); err != nil {
		return model.ClockTick{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var tick model.ClockTick
	if s.clock == nil {
		s.clock = &model.ClockState{}
		tick.Initialized = true
	}
	tick.Previous = s.clock.CurrentValue
	s.clock.CurrentValue += n
	s.clock.LastUpdated = s.now().UTC()
	tick.Next = s.clock.CurrentValue
	return tick, nil
}

func (s *Store) RaiseClock(ctx context.Context, value int64) (model.ClockTick, error) {
	if err := ctx.Err(); err != nil {
		return model.ClockTick{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var tick model.ClockTick
	if s.clock == nil {
		s.clock = &model.ClockState{}
		tick.Initialized = true
	}
	tick.Previous = s.clock.CurrentValue
	if value > s.clock.CurrentValue {
		s.clock.CurrentValue = value
		s.clock.LastUpdated = s.now().UTC()
	}
	tick.Next = s.clock.CurrentValue
	return tick, nil
}

func (s *Store) ClockState(ctx context.Context) (model.ClockState, error) {
	if err := ctx.Err(); err != nil {
		return model.ClockState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock == nil {
		return model.ClockState{}, nil
	}
	return *s.clock, nil
}

// AppendNext runs entirely under the store mutex.
func (s *Store) AppendNext(ctx context.Context, build func(store.ChainHead) (model.Receipt, error)) (model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return model.Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var head store.ChainHead
	if s.clock == nil {
		head.Tick.Initialized = true
	} else {
		head.Tick.Previous = s.clock.CurrentValue
	}
	head.Tick.Next = head.Tick.Previous + 1
	if r, ok := s.head(); ok {
		head.Previous = r.Digest
	}
	if r, ok := s.baseline(); ok {
		head.Baseline = r.Digest
	}

	// build runs under the lock and must not call back into the store.
	r, err := build(head)
	if err != nil {
		return model.Receipt{}, err
	}
	if err := s.insert(r, r.IndexEntry()); err != nil {
		return model.Receipt{}, err
	}
	if s.clock == nil {
		s.clock = &model.ClockState{}
	}
	s.clock.CurrentValue = head.Tick.Next
	s.clock.LastUpdated = s.now().UTC()
	s.clock.LastReceiptID = r.ID
	return r, nil
}

func (s *Store) AppendReceipt(ctx context.Context, r model.Receipt, entry model.ChainIndexEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(r, entry)
}

func (s *Store) insert(r model.Receipt, entry model.ChainIndexEntry) error {
	if _, exists := s.receipts[r.ID]; exists {
		return store.ErrDuplicate
	}
	payload, err := normalize(r.Payload)
	if err != nil {
		return fmt.Errorf("memstore: receipt %s payload: %w", r.ID, err)
	}
	r.Payload = payload
	r.WitnessSignatures = nil
	s.receipts[r.ID] = r
	s.order = append(s.order, r.ID)
	s.index = append(s.index, entry)
	return nil
}

func (s *Store) Receipt(ctx context.Context, id string) (model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return model.Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return model.Receipt{}, store.ErrNotFound
	}
	return copyReceipt(r), nil
}

func (s *Store) ReceiptsByDigest(ctx context.Context, digest string) ([]model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Receipt
	for _, id := range s.order {
		if r := s.receipts[id]; r.Digest == digest {
			out = append(out, copyReceipt(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Lamport < out[j].Lamport })
	return out, nil
}

func (s *Store) HeadReceipt(ctx context.Context) (model.Receipt, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Receipt{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.head()
	if !ok {
		return model.Receipt{}, false, nil
	}
	return copyReceipt(r), true, nil
}

func (s *Store) BaselineReceipt(ctx context.Context) (model.Receipt, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Receipt{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.baseline()
	if !ok {
		return model.Receipt{}, false, nil
	}
	return copyReceipt(r), true, nil
}

// head is the receipt with the highest lamport. Callers hold s.mu.
func (s *Store) head() (model.Receipt, bool) {
	var head model.Receipt
	found := false
	for _, id := range s.order {
		r := s.receipts[id]
		if !found || r.Lamport > head.Lamport {
			head, found = r, true
		}
	}
	return head, found
}

// baseline is the lowest-lamport BOOT_CONFIRM. Callers hold s.mu.
func (s *Store) baseline() (model.Receipt, bool) {
	var base model.Receipt
	found := false
	for _, id := range s.order {
		r := s.receipts[id]
		if r.Type != model.ReceiptBootConfirm {
			continue
		}
		if !found || r.Lamport < base.Lamport {
			base, found = r, true
		}
	}
	return base, found
}

func (s *Store) Receipts(ctx context.Context, limit int) ([]model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Receipt, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyReceipt(s.receipts[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Lamport > out[j].Lamport })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ChainIndex(ctx context.Context) ([]model.ChainIndexEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChainIndexEntry(nil), s.index...), nil
}

func (s *Store) CreateWitness(ctx context.Context, w model.WitnessSignature) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.witnesses[w.ID]; exists {
		return store.ErrDuplicate
	}
	s.witnesses[w.ID] = w
	s.witnessSeq = append(s.witnessSeq, w.ID)
	return nil
}

func (s *Store) Witness(ctx context.Context, id string) (model.WitnessSignature, error) {
	if err := ctx.Err(); err != nil {
		return model.WitnessSignature{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.witnesses[id]
	if !ok {
		return model.WitnessSignature{}, store.ErrNotFound
	}
	return w, nil
}

func (s *Store) MarkWitnessVerified(ctx context.Context, id string, at time.Time) (model.WitnessSignature, error) {
	if err := ctx.Err(); err != nil {
		return model.WitnessSignature{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.witnesses[id]
	if !ok {
		return model.WitnessSignature{}, store.ErrNotFound
	}
	if w.Verified {
		return w, nil
	}
	at = at.UTC()
	w.Verified = true
	w.VerifiedAt = &at
	s.witnesses[id] = w
	return w, nil
}

func (s *Store) WitnessesForDigest(ctx context.Context, digest string) ([]model.WitnessSignature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WitnessSignature
	for _, id := range s.witnessSeq {
		if w := s.witnesses[id]; w.ReceiptDigest == digest {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *Store) Witnesses(ctx context.Context) ([]model.WitnessSignature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.WitnessSignature, 0, len(s.witnessSeq))
	for _, id := range s.witnessSeq {
		out = append(out, s.witnesses[id])
	}
	return out, nil
}

func (s *Store) CreateHandoff(ctx context.Context, h model.Handoff) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handoffs[h.ID]; exists {
		return store.ErrDuplicate
	}
	h, err := normalizeHandoff(h)
	if err != nil {
		return err
	}
	s.handoffs[h.ID] = h
	s.handoffSeq = append(s.handoffSeq, h.ID)
	return nil
}

func (s *Store) Handoff(ctx context.Context, id string) (model.Handoff, error) {
	if err := ctx.Err(); err != nil {
		return model.Handoff{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handoffs[id]
	if !ok {
		return model.Handoff{}, store.ErrNotFound
	}
	return copyHandoff(h), nil
}

func (s *Store) TransitionHandoff(ctx context.Context, id string, allowed []model.HandoffStatus, update func(*model.Handoff)) (model.Handoff, error) {
	if err := ctx.Err(); err != nil {
		return model.Handoff{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handoffs[id]
	if !ok {
		return model.Handoff{}, store.ErrNotFound
	}
	if !store.StatusAllowed(h.Status, allowed) {
		return copyHandoff(h), store.ErrPrecondition
	}
	next := copyHandoff(h)
	update(&next)
	next.ID = h.ID
	next, err := normalizeHandoff(next)
	if err != nil {
		return copyHandoff(h), err
	}
	s.handoffs[id] = next
	return copyHandoff(next), nil
}

func (s *Store) OpenHandoffs(ctx context.Context, cutoff time.Time) ([]model.Handoff, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Handoff
	for _, id := range s.handoffSeq {
		h := s.handoffs[id]
		if h.Status.Open() && h.InitiatedAt.Before(cutoff) {
			out = append(out, copyHandoff(h))
		}
	}
	return out, nil
}

func (s *Store) HandoffsByTrace(ctx context.Context, traceID string) ([]model.Handoff, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Handoff
	for _, id := range s.handoffSeq {
		if h := s.handoffs[id]; h.TraceID == traceID {
			out = append(out, copyHandoff(h))
		}
	}
	return out, nil
}

func (s *Store) Handoffs(ctx context.Context) ([]model.Handoff, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Handoff, 0, len(s.handoffSeq))
	for _, id := range s.handoffSeq {
		out = append(out, copyHandoff(s.handoffs[id]))
	}
	return out, nil
}

func copyReceipt(r model.Receipt) model.Receipt {
	r.Payload = cloneMap(r.Payload)
	return r
}

func copyHandoff(h model.Handoff) model.Handoff {
	h.Payload = cloneMap(h.Payload)
	h.Result = cloneMap(h.Result)
	if h.CompletedAt != nil {
		t := *h.CompletedAt
		h.CompletedAt = &t
	}
	if h.Latency != nil {
		d := *h.Latency
		h.Latency = &d
	}
	return h
}

// normalize detaches m from the caller by round-tripping it through JSON.
// Numbers decode as json.Number so integer literals keep their exact text.
func normalize(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeHandoff(h model.Handoff) (model.Handoff, error) {
	h = copyHandoff(h)
	var err error
	if h.Payload, err = normalize(h.Payload); err != nil {
		return model.Handoff{}, fmt.Errorf("memstore: handoff %s payload: %w", h.ID, err)
	}
	if h.Result, err = normalize(h.Result); err != nil {
		return model.Handoff{}, fmt.Errorf("memstore: handoff %s result: %w", h.ID, err)
	}
	return h, nil
}

// cloneMap deep-copies a normalized map.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
