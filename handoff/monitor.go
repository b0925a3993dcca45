package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auditaai.io/ledger/model"
	"auditaai.io/ledger/receipt"
	"auditaai.io/ledger/store"
)

// MonitorTimeouts flips every open handoff older than the limit to TIMEOUT
// and returns the ids it flipped. Rows that close concurrently are skipped.
// One SYNC_POINT receipt summarizes the sweep when anything timed out.
func (o *Orchestrator) MonitorTimeouts(ctx context.Context) ([]string, error) {
	now := o.now().UTC()
	open, err := o.store.OpenHandoffs(ctx, now.Add(-o.limit))
	if err != nil {
		return nil, fmt.Errorf("handoff: list open: %w", err)
	}

	var swept []model.Handoff
	for _, h := range open {
		out, err := o.store.TransitionHandoff(ctx, h.ID, model.OpenStatuses, func(h *model.Handoff) {
			latency := now.Sub(h.InitiatedAt)
			h.Latency = &latency
			h.CompletedAt = &now
			h.ExceededLimit = true
			h.Status = model.HandoffTimeout
		})
		if errors.Is(err, store.ErrPrecondition) {
			continue
		}
		if err != nil {
			return idsOf(swept), fmt.Errorf("handoff: time out %s: %w", h.ID, err)
		}
		o.log.WarnContext(ctx, "handoff timed out",
			"handoff_id", out.ID, "trace_id", out.TraceID, "latency_ms", out.Latency.Milliseconds())
		swept = append(swept, out)
	}
	if len(swept) == 0 {
		return nil, nil
	}

	ids := idsOf(swept)
	r, err := o.ledger.Emit(ctx, receipt.EmitRequest{
		Type:  model.ReceiptSyncPoint,
		Scope: receipt.ScopeGovernance,
		Payload: map[string]any{
			"event":      "HANDOFF_TIMEOUT_SWEEP",
			"handoffIds": append([]string(nil), ids...),
			"count":      len(ids),
			"limitMs":    o.limit.Milliseconds(),
		},
	})
	if err != nil {
		return ids, fmt.Errorf("handoff: emit sweep receipt: %w", err)
	}
	for _, h := range swept {
		if _, err := o.setToReceipt(ctx, h, r.ID); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
// Sweep errors are logged and do not stop the loop.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("handoff: sweep interval must be positive")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if ids, err := o.MonitorTimeouts(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.log.ErrorContext(ctx, "handoff timeout sweep failed", "error", err)
		} else if len(ids) > 0 {
			o.log.InfoContext(ctx, "handoff timeout sweep", "timed_out", len(ids))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func idsOf(hs []model.Handoff) []string {
	ids := make([]string, len(hs))
	for i, h := range hs {
		ids[i] = h.ID
	}
	return ids
}
