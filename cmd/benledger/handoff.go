package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"auditaai.io/ledger/handoff"
	"auditaai.io/ledger/model"
)

func cmdHandoff(ctx context.Context, e env, args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: benledger handoff <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: initiate, transit, complete, fail, sweep, cycle, show, trace, stats")
		return 2
	}
	switch args[0] {
	case "initiate":
		return cmdHandoffInitiate(ctx, e, args[1:], out, errOut)
	case "transit", "show":
		if len(args) != 2 {
			fmt.Fprintf(errOut, "usage: benledger handoff %s <id>\n", args[0])
			return 2
		}
		return withNode(ctx, e, func(n *node) int {
			var h model.Handoff
			var err error
			if args[0] == "transit" {
				h, err = n.handoffs.MarkInTransit(ctx, args[1])
			} else {
				h, err = n.handoffs.Get(ctx, args[1])
			}
			if err != nil {
				return exitCode(errOut, "handoff "+args[0], err)
			}
			_ = writeJSON(out, h)
			return 0
		})
	case "complete":
		fs := newFlagSet("handoff complete", errOut)
		resultJSON := fs.String("result", "", "result JSON object")
		pos, err := parseInterleaved(fs, args[1:])
		if err != nil {
			return 2
		}
		if len(pos) != 1 {
			fmt.Fprintln(errOut, "usage: benledger handoff complete <id> [--result <json>]")
			return 2
		}
		result, err := parseObject(*resultJSON)
		if err != nil {
			fmt.Fprintf(errOut, "invalid --result: %v\n", err)
			return 2
		}
		return withNode(ctx, e, func(n *node) int {
			h, err := n.handoffs.Complete(ctx, pos[0], result)
			if err != nil {
				return exitCode(errOut, "handoff complete", err)
			}
			_ = writeJSON(out, h)
			return 0
		})
	case "fail":
		fs := newFlagSet("handoff fail", errOut)
		reason := fs.String("reason", "", "failure reason")
		pos, err := parseInterleaved(fs, args[1:])
		if err != nil {
			return 2
		}
		if len(pos) != 1 || *reason == "" {
			fmt.Fprintln(errOut, "usage: benledger handoff fail <id> --reason <text>")
			return 2
		}
		return withNode(ctx, e, func(n *node) int {
			h, err := n.handoffs.Fail(ctx, pos[0], *reason)
			if err != nil {
				return exitCode(errOut, "handoff fail", err)
			}
			_ = writeJSON(out, h)
			return 0
		})
	case "sweep":
		return withNode(ctx, e, func(n *node) int {
			ids, err := n.handoffs.MonitorTimeouts(ctx)
			if err != nil {
				return exitCode(errOut, "handoff sweep", err)
			}
			if ids == nil {
				ids = []string{}
			}
			_ = writeJSON(out, map[string]any{"timedOut": ids, "count": len(ids)})
			return 0
		})
	case "cycle":
		return cmdHandoffCycle(ctx, e, args[1:], out, errOut)
	case "trace":
		if len(args) != 2 {
			fmt.Fprintln(errOut, "usage: benledger handoff trace <trace id>")
			return 2
		}
		return withNode(ctx, e, func(n *node) int {
			hs, err := n.handoffs.ByTrace(ctx, args[1])
			if err != nil {
				return exitCode(errOut, "handoff trace", err)
			}
			_ = writeJSON(out, hs)
			return 0
		})
	case "stats":
		return withNode(ctx, e, func(n *node) int {
			st, err := n.handoffs.Stats(ctx)
			if err != nil {
				return exitCode(errOut, "handoff stats", err)
			}
			_ = writeJSON(out, map[string]any{
				"total":            st.Total,
				"open":             st.Open,
				"completed":        st.Completed,
				"failed":           st.Failed,
				"timeout":          st.Timeout,
				"averageLatencyMs": st.AverageLatency.Milliseconds(),
				"timeoutRate":      st.TimeoutRate,
				"limitMs":          n.handoffs.Limit().Milliseconds(),
			})
			return 0
		})
	default:
		fmt.Fprintf(errOut, "unknown handoff subcommand: %s\n", args[0])
		return 2
	}
}

func cmdHandoffInitiate(ctx context.Context, e env, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("handoff initiate", errOut)
	from := fs.String("from", "", "source track")
	to := fs.String("to", "", "destination track")
	payloadJSON := fs.String("payload", "", "payload JSON object")
	trace := fs.String("trace", "", "trace id (default: generated)")
	actor := fs.String("actor", "", "initiating actor")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	fromTrack, err := model.ParseTrack(*from)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --from: %v\n", err)
		return 2
	}
	toTrack, err := model.ParseTrack(*to)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --to: %v\n", err)
		return 2
	}
	payload, err := parseObject(*payloadJSON)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --payload: %v\n", err)
		return 2
	}
	return withNode(ctx, e, func(n *node) int {
		h, err := n.handoffs.Initiate(ctx, handoff.InitiateRequest{
			From:    fromTrack,
			To:      toTrack,
			Payload: payload,
			TraceID: *trace,
			Actor:   *actor,
		})
		if err != nil {
			return exitCode(errOut, "handoff initiate", err)
		}
		_ = writeJSON(out, h)
		return 0
	})
}

func cmdHandoffCycle(ctx context.Context, e env, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("handoff cycle", errOut)
	analysisJSON := fs.String("analysis", "", "analysis payload JSON object")
	directiveJSON := fs.String("directive", "", "directive overrides JSON object")
	trace := fs.String("trace", "", "trace id (default: generated)")
	actor := fs.String("actor", "", "initiating actor")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	analysis, err := parseObject(*analysisJSON)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --analysis: %v\n", err)
		return 2
	}
	directive, err := parseObject(*directiveJSON)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --directive: %v\n", err)
		return 2
	}
	return withNode(ctx, e, func(n *node) int {
		res, err := n.handoffs.ExecuteCycle(ctx, handoff.CycleRequest{
			Analysis:  analysis,
			Directive: directive,
			TraceID:   *trace,
			Actor:     *actor,
		})
		if err != nil {
			return exitCode(errOut, "handoff cycle", err)
		}
		_ = writeJSON(out, map[string]any{
			"traceId":        res.TraceID,
			"handoffs":       res.Handoffs,
			"totalLatencyMs": res.TotalLatency.Milliseconds(),
			"success":        res.Success,
		})
		return 0
	})
}

func cmdServe(ctx context.Context, e env, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("serve", errOut)
	interval := fs.Duration("interval", time.Duration(e.cfg.SweepInterval), "timeout sweep interval")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withNode(ctx, e, func(n *node) int {
		e.log.InfoContext(ctx, "timeout monitor started",
			"interval", interval.String(), "limit", n.handoffs.Limit().String(), "node", e.cfg.Node)
		if err := n.handoffs.Run(ctx, *interval); err != nil {
			return exitCode(errOut, "serve", err)
		}
		e.log.InfoContext(ctx, "timeout monitor stopped")
		return 0
	})
}
