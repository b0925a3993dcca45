// Package handoff coordinates timeout-bounded transfers of control between
// the analysis, governance and execution tracks.
//
// Only three directed legs exist: analysis to governance, governance to
// execution and execution back to governance. A handoff starts INITIATED,
// may move to IN_TRANSIT, and ends COMPLETED, TIMEOUT or FAILED. Every status
// change is a guarded check-then-set in the store, so Complete and the
// timeout sweep can race safely: whichever lands first wins.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"auditaai.io/ledger/model"
	"auditaai.io/ledger/receipt"
	"auditaai.io/ledger/store"
)

// DefaultLimit is the maximum latency of a handoff.
const DefaultLimit = 60 * time.Second

// Emitter appends receipts to the ledger.
type Emitter interface {
	Emit(ctx context.Context, req receipt.EmitRequest) (model.Receipt, error)
}

type leg struct {
	receipt model.ReceiptType
	tag     string
}

var legs = map[[2]model.Track]leg{
	{model.TrackAnalysis, model.TrackGovernance}:  {model.ReceiptAnalysis, "A_TO_B"},
	{model.TrackGovernance, model.TrackExecution}: {model.ReceiptDirective, "B_TO_C"},
	{model.TrackExecution, model.TrackGovernance}: {model.ReceiptResult, "C_TO_B"},
}

// Legal reports whether from -> to is one of the three defined legs.
func Legal(from, to model.Track) bool {
	_, ok := legs[[2]model.Track{from, to}]
	return ok
}

// Options configures an Orchestrator. Store and Ledger are required.
type Options struct {
	Store    store.HandoffStore
	Ledger   Emitter
	Limit    time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	NewID    func() string
	NewTrace func() string
}

// Orchestrator moves work between the three tracks and records every leg on
// the ledger.
type Orchestrator struct {
	store    store.HandoffStore
	ledger   Emitter
	limit    time.Duration
	now      func() time.Time
	log      *slog.Logger
	newID    func() string
	newTrace func() string
}

// New returns an orchestrator. A zero Limit means DefaultLimit.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Ledger == nil {
		return nil, errors.New("handoff: store and ledger are required")
	}
	o := &Orchestrator{
		store:    opts.Store,
		ledger:   opts.Ledger,
		limit:    opts.Limit,
		now:      opts.Now,
		log:      opts.Logger,
		newID:    opts.NewID,
		newTrace: opts.NewTrace,
	}
	if o.limit <= 0 {
		o.limit = DefaultLimit
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.newTrace == nil {
		o.newTrace = func() string { return "trace-" + uuid.NewString() }
	}
	return o, nil
}

// Limit is the latency above which a handoff times out.
func (o *Orchestrator) Limit() time.Duration { return o.limit }

// InitiateRequest opens one leg from From to To.
type InitiateRequest struct {
	From    model.Track
	To      model.Track
	Payload map[string]any
	// TraceID links the legs of one cycle. Empty means a new trace.
	TraceID string
	Actor   string
}

// Initiate emits the leg's receipt and opens the handoff.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (model.Handoff, error) {
	lg, ok := legs[[2]model.Track{req.From, req.To}]
	if !ok {
		return model.Handoff{}, model.Errorf(model.KindInvalidHandoffTransition, "LEDGER-HANDOFF-010",
			"invalid handoff %s -> %s", req.From, req.To)
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = o.newTrace()
	}

	body := clonePayload(req.Payload)
	body["traceId"] = traceID
	body["handoff"] = lg.tag
	if req.Actor != "" {
		body["actor"] = req.Actor
	}
	r, err := o.ledger.Emit(ctx, receipt.EmitRequest{Type: lg.receipt, Scope: scopeOf(req.From), Payload: body})
	if err != nil {
		return model.Handoff{}, fmt.Errorf("handoff: emit %s receipt: %w", lg.receipt, err)
	}

	stored := clonePayload(req.Payload)
	stored["traceId"] = traceID
	h := model.Handoff{
		ID:            o.newID(),
		FromTrack:     req.From,
		ToTrack:       req.To,
		Status:        model.HandoffInitiated,
		FromReceiptID: r.ID,
		TraceID:       traceID,
		Actor:         req.Actor,
		Payload:       stored,
		InitiatedAt:   o.now().UTC(),
	}
	if err := o.store.CreateHandoff(ctx, h); err != nil {
		return model.Handoff{}, fmt.Errorf("handoff: persist %s: %w", h.ID, err)
	}
	o.log.InfoContext(ctx, "handoff initiated",
		"handoff_id", h.ID, "from", h.FromTrack, "to", h.ToTrack, "trace_id", traceID, "receipt_id", r.ID)
	return h, nil
}

// MarkInTransit moves an INITIATED handoff to IN_TRANSIT.
func (o *Orchestrator) MarkInTransit(ctx context.Context, id string) (model.Handoff, error) {
	return o.transition(ctx, id, []model.HandoffStatus{model.HandoffInitiated}, func(h *model.Handoff) {
		h.Status = model.HandoffInTransit
	})
}

// Complete closes an open handoff with result. A handoff older than the
// limit ends TIMEOUT regardless of result. The closing SYNC_POINT receipt is
// recorded as toReceiptId.
func (o *Orchestrator) Complete(ctx context.Context, id string, result map[string]any) (model.Handoff, error) {
	now := o.now().UTC()
	h, err := o.transition(ctx, id, model.OpenStatuses, func(h *model.Handoff) {
		latency := now.Sub(h.InitiatedAt)
		h.Latency = &latency
		h.CompletedAt = &now
		h.ExceededLimit = latency > o.limit
		if result != nil {
			h.Result = clonePayload(result)
		}
		h.Status = model.HandoffCompleted
		if h.ExceededLimit {
			h.Status = model.HandoffTimeout
		}
	})
	if err != nil {
		return model.Handoff{}, err
	}
	o.log.InfoContext(ctx, "handoff closed",
		"handoff_id", h.ID, "status", h.Status, "latency_ms", h.Latency.Milliseconds(), "exceeded", h.ExceededLimit)
	return o.link(ctx, h, map[string]any{
		"event":         "HANDOFF_COMPLETE",
		"handoffId":     h.ID,
		"traceId":       h.TraceID,
		"status":        string(h.Status),
		"latencyMs":     h.Latency.Milliseconds(),
		"exceededLimit": h.ExceededLimit,
	})
}

// Fail closes an open handoff as FAILED.
func (o *Orchestrator) Fail(ctx context.Context, id, reason string) (model.Handoff, error) {
	now := o.now().UTC()
	h, err := o.transition(ctx, id, model.OpenStatuses, func(h *model.Handoff) {
		latency := now.Sub(h.InitiatedAt)
		h.Latency = &latency
		h.CompletedAt = &now
		h.Reason = reason
		h.Status = model.HandoffFailed
	})
	if err != nil {
		return model.Handoff{}, err
	}
	o.log.WarnContext(ctx, "handoff failed", "handoff_id", h.ID, "reason", reason)
	return o.link(ctx, h, map[string]any{
		"event":     "HANDOFF_FAILED",
		"handoffId": h.ID,
		"traceId":   h.TraceID,
		"status":    string(h.Status),
		"reason":    reason,
	})
}

// transition applies update while the handoff's status is in allowed.
func (o *Orchestrator) transition(ctx context.Context, id string, allowed []model.HandoffStatus, update func(*model.Handoff)) (model.Handoff, error) {
	h, err := o.store.TransitionHandoff(ctx, id, allowed, update)
	switch {
	case store.IsNotFound(err):
		return model.Handoff{}, model.WrapError(model.KindNotFound, "LEDGER-HANDOFF-020", "handoff "+id+" not found", err)
	case errors.Is(err, store.ErrPrecondition):
		return model.Handoff{}, model.Errorf(model.KindInvalidHandoffTransition, "LEDGER-HANDOFF-011",
			"handoff %s is %s", id, h.Status)
	case err != nil:
		return model.Handoff{}, fmt.Errorf("handoff: transition %s: %w", id, err)
	}
	return h, nil
}

// link emits a SYNC_POINT for a closed handoff and records it as toReceiptId.
func (o *Orchestrator) link(ctx context.Context, h model.Handoff, payload map[string]any) (model.Handoff, error) {
	r, err := o.ledger.Emit(ctx, receipt.EmitRequest{Type: model.ReceiptSyncPoint, Scope: scopeOf(h.ToTrack), Payload: payload})
	if err != nil {
		return h, fmt.Errorf("handoff: emit closing receipt for %s: %w", h.ID, err)
	}
	return o.setToReceipt(ctx, h, r.ID)
}

func (o *Orchestrator) setToReceipt(ctx context.Context, h model.Handoff, receiptID string) (model.Handoff, error) {
	out, err := o.store.TransitionHandoff(ctx, h.ID, []model.HandoffStatus{h.Status}, func(h *model.Handoff) {
		h.ToReceiptID = receiptID
	})
	if err != nil {
		return h, fmt.Errorf("handoff: link receipt to %s: %w", h.ID, err)
	}
	return out, nil
}

// Get loads one handoff.
func (o *Orchestrator) Get(ctx context.Context, id string) (model.Handoff, error) {
	h, err := o.store.Handoff(ctx, id)
	if store.IsNotFound(err) {
		return model.Handoff{}, model.WrapError(model.KindNotFound, "LEDGER-HANDOFF-020", "handoff "+id+" not found", err)
	}
	if err != nil {
		return model.Handoff{}, fmt.Errorf("handoff: load %s: %w", id, err)
	}
	return h, nil
}

// ByTrace returns every leg of a trace in creation order.
func (o *Orchestrator) ByTrace(ctx context.Context, traceID string) ([]model.Handoff, error) {
	hs, err := o.store.HandoffsByTrace(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("handoff: trace %s: %w", traceID, err)
	}
	return hs, nil
}

// Stats aggregates every stored handoff.
type Stats struct {
	Total          int           `json:"total"`
	Open           int           `json:"open"`
	Completed      int           `json:"completed"`
	Failed         int           `json:"failed"`
	Timeout        int           `json:"timeout"`
	AverageLatency time.Duration `json:"averageLatency"`
	TimeoutRate    float64       `json:"timeoutRate"`
}

func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	hs, err := o.store.Handoffs(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("handoff: stats: %w", err)
	}
	st := Stats{Total: len(hs)}
	var sum time.Duration
	var measured int
	for _, h := range hs {
		switch h.Status {
		case model.HandoffCompleted:
			st.Completed++
		case model.HandoffFailed:
			st.Failed++
		case model.HandoffTimeout:
			st.Timeout++
		default:
			st.Open++
		}
		if h.Latency != nil {
			sum += *h.Latency
			measured++
		}
	}
	if measured > 0 {
		st.AverageLatency = (sum / time.Duration(measured)).Round(time.Millisecond)
	}
	if st.Total > 0 {
		st.TimeoutRate = math.Round(float64(st.Timeout)/float64(st.Total)*100) / 100
	}
	return st, nil
}

func scopeOf(t model.Track) string {
	switch t {
	case model.TrackAnalysis:
		return receipt.ScopeCore
	case model.TrackExecution:
		return receipt.ScopeHuman
	default:
		return receipt.ScopeGovernance
	}
}

func clonePayload(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+3)
	for k, v := range m {
		out[k] = v
	}
	return out
}
