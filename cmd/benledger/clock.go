package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"auditaai.io/ledger/clock"
	"auditaai.io/ledger/model"
)

func cmdClock(ctx context.Context, e env, args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: benledger clock <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: current, tick, reserve, state, check, encode, decode, sync")
		return 2
	}
	switch args[0] {
	case "current":
		return withNode(ctx, e, func(n *node) int {
			v, err := n.logical.Current(ctx)
			if err != nil {
				return exitCode(errOut, "clock current", err)
			}
			fmt.Fprintln(out, v)
			return 0
		})
	case "tick":
		return withNode(ctx, e, func(n *node) int {
			ts, err := n.clock.Now(ctx)
			if err != nil {
				return exitCode(errOut, "clock tick", err)
			}
			_ = writeJSON(out, map[string]any{"timestamp": ts, "encoded": clock.Encode(ts)})
			return 0
		})
	case "reserve":
		fs := newFlagSet("clock reserve", errOut)
		count := fs.Int64("n", 1, "number of values to reserve")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return withNode(ctx, e, func(n *node) int {
			r, err := n.logical.ReserveBatch(ctx, *count)
			if err != nil {
				return exitCode(errOut, "clock reserve", err)
			}
			_ = writeJSON(out, map[string]any{"start": r.Start, "end": r.End, "count": r.Len()})
			return 0
		})
	case "state":
		return withNode(ctx, e, func(n *node) int {
			st, err := n.logical.State(ctx)
			if err != nil {
				return exitCode(errOut, "clock state", err)
			}
			_ = writeJSON(out, st)
			return 0
		})
	case "check":
		return withNode(ctx, e, func(n *node) int {
			rep, err := n.logical.CheckMonotonic(ctx, n.store)
			if err != nil {
				return exitCode(errOut, "clock check", err)
			}
			_ = writeJSON(out, rep)
			if !rep.Monotonic {
				return 1
			}
			return 0
		})
	case "encode":
		return cmdClockEncode(args[1:], out, errOut)
	case "decode":
		return cmdClockDecode(args[1:], out, errOut)
	case "sync":
		return cmdClockSync(ctx, e, args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown clock subcommand: %s\n", args[0])
		return 2
	}
}

func cmdClockEncode(args []string, out, errOut io.Writer) int {
	fs := newFlagSet("clock encode", errOut)
	lamport := fs.Int64("lamport", 0, "lamport value")
	wall := fs.String("wall", "", "wall clock (RFC3339; default now)")
	nodeID := fs.String("node", "local", "node id")
	asWire := fs.Bool("wire", false, "print the base64 msgpack sync message instead")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ts := model.HybridTimestamp{Lamport: *lamport, WallClock: time.Now().UTC(), Node: *nodeID}
	if *wall != "" {
		t, err := time.Parse(time.RFC3339Nano, *wall)
		if err != nil {
			fmt.Fprintf(errOut, "invalid --wall: %v\n", err)
			return 2
		}
		ts.WallClock = t.UTC()
	}
	if !*asWire {
		fmt.Fprintln(out, clock.Encode(ts))
		return 0
	}
	b, err := clock.NewSyncMessage(ts).MarshalBinary()
	if err != nil {
		return exitCode(errOut, "clock encode", err)
	}
	fmt.Fprintln(out, base64.StdEncoding.EncodeToString(b))
	return 0
}

func cmdClockDecode(args []string, out, errOut io.Writer) int {
	fs := newFlagSet("clock decode", errOut)
	asWire := fs.Bool("wire", false, "input is a base64 msgpack sync message")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: benledger clock decode [--wire] <timestamp>")
		return 2
	}
	ts, err := parseRemote(fs.Arg(0), *asWire)
	if err != nil {
		return exitCode(errOut, "clock decode", err)
	}
	_ = writeJSON(out, ts)
	return 0
}

func cmdClockSync(ctx context.Context, e env, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("clock sync", errOut)
	remote := fs.String("remote", "", "remote timestamp L<lamport>@<ISO>#<node>")
	remoteWire := fs.String("remote-wire", "", "remote base64 msgpack sync message")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*remote == "") == (*remoteWire == "") {
		fmt.Fprintln(errOut, "usage: benledger clock sync (--remote <timestamp> | --remote-wire <base64>)")
		return 2
	}
	in, wire := *remote, false
	if *remoteWire != "" {
		in, wire = *remoteWire, true
	}
	ts, err := parseRemote(in, wire)
	if err != nil {
		return exitCode(errOut, "clock sync", err)
	}
	return withNode(ctx, e, func(n *node) int {
		res, err := n.clock.Synchronize(ctx, ts)
		if err != nil {
			return exitCode(errOut, "clock sync", err)
		}
		_ = writeJSON(out, res)
		return 0
	})
}

func parseRemote(s string, wire bool) (model.HybridTimestamp, error) {
	if !wire {
		return clock.Decode(s)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return model.HybridTimestamp{}, model.WrapError(model.KindFormat, "LEDGER-CLOCK-043", "sync message is not base64", err)
	}
	var m clock.SyncMessage
	if err := m.UnmarshalBinary(b); err != nil {
		return model.HybridTimestamp{}, err
	}
	return m.Timestamp(), nil
}
