package handoff

import (
	"context"
	"time"

	"auditaai.io/ledger/model"
)

// CycleRequest carries the inputs of one ExecuteCycle run.
type CycleRequest struct {
	Analysis map[string]any
	// Directive carries command, target and params for the execution leg.
	Directive map[string]any
	TraceID   string
	Actor     string
}

// CycleResult lists the handoffs a cycle touched, in order.
type CycleResult struct {
	TraceID      string
	Handoffs     []model.Handoff
	TotalLatency time.Duration
	// Success is false when any leg exceeded the limit.
	Success bool
}

// ExecuteCycle runs one analysis -> governance -> execution cycle under a
// single trace: it opens and closes the analysis leg, then opens the
// directive leg. The execution track closes that leg itself.
func (o *Orchestrator) ExecuteCycle(ctx context.Context, req CycleRequest) (CycleResult, error) {
	traceID := req.TraceID
	if traceID == "" {
		traceID = o.newTrace()
	}
	res := CycleResult{TraceID: traceID}

	ab, err := o.Initiate(ctx, InitiateRequest{
		From:    model.TrackAnalysis,
		To:      model.TrackGovernance,
		Payload: req.Analysis,
		TraceID: traceID,
		Actor:   req.Actor,
	})
	if err != nil {
		return res, err
	}
	ab, err = o.Complete(ctx, ab.ID, map[string]any{"analysisReceived": true, "nextStep": "DIRECTIVE"})
	if err != nil {
		return res, err
	}
	res.Handoffs = append(res.Handoffs, ab)

	directive := map[string]any{
		"command":     "EXECUTE",
		"target":      "user",
		"params":      map[string]any{},
		"fromHandoff": ab.ID,
	}
	for k, v := range req.Directive {
		directive[k] = v
	}
	bc, err := o.Initiate(ctx, InitiateRequest{
		From:    model.TrackGovernance,
		To:      model.TrackExecution,
		Payload: directive,
		TraceID: traceID,
		Actor:   req.Actor,
	})
	if err != nil {
		return res, err
	}
	res.Handoffs = append(res.Handoffs, bc)

	res.Success = true
	for _, h := range res.Handoffs {
		if h.Latency != nil {
			res.TotalLatency += *h.Latency
		}
		if h.ExceededLimit {
			res.Success = false
		}
	}
	return res, nil
}
