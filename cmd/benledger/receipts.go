package main

import (
	"context"
	"fmt"
	"io"

	"auditaai.io/ledger/model"
	"auditaai.io/ledger/receipt"
)

func cmdEmit(ctx context.Context, e env, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("emit", errOut)
	typ := fs.String("type", "", "receipt type")
	payloadJSON := fs.String("payload", "", "payload JSON object")
	scope := fs.String("scope", "", "receipt scope")
	witnessModel := fs.String("witness", "", "request one witness signature from this model")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	t, err := model.ParseReceiptType(*typ)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --type: %v\n", err)
		return 2
	}
	payload, err := parseObject(*payloadJSON)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --payload: %v\n", err)
		return 2
	}
	return withNode(ctx, e, func(n *node) int {
		r, err := n.ledger.Emit(ctx, receipt.EmitRequest{
			Type:         t,
			Scope:        *scope,
			Payload:      payload,
			WitnessModel: *witnessModel,
		})
		if r.ID != "" {
			_ = writeJSON(out, r)
		}
		if err != nil {
			return exitCode(errOut, "emit", err)
		}
		return 0
	})
}

func cmdReceipt(ctx context.Context, e env, args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: benledger receipt <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: show, history")
		return 2
	}
	switch args[0] {
	case "show":
		if len(args) != 2 {
			fmt.Fprintln(errOut, "usage: benledger receipt show <id>")
			return 2
		}
		return withNode(ctx, e, func(n *node) int {
			r, err := n.ledger.Receipt(ctx, args[1])
			if err != nil {
				return exitCode(errOut, "receipt show", err)
			}
			_ = writeJSON(out, r)
			return 0
		})
	case "history":
		fs := newFlagSet("receipt history", errOut)
		limit := fs.Int("n", 50, "most recent receipts to list")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return withNode(ctx, e, func(n *node) int {
			rs, err := n.ledger.History(ctx, *limit)
			if err != nil {
				return exitCode(errOut, "receipt history", err)
			}
			_ = writeJSON(out, rs)
			return 0
		})
	default:
		fmt.Fprintf(errOut, "unknown receipt subcommand: %s\n", args[0])
		return 2
	}
}

func cmdVerify(ctx context.Context, e env, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("verify", errOut)
	id := fs.String("id", "", "receipt id")
	chain := fs.Bool("chain", false, "verify the whole chain")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*id == "") == !*chain {
		fmt.Fprintln(errOut, "usage: benledger verify (--id <receipt id> | --chain)")
		return 2
	}
	return withNode(ctx, e, func(n *node) int {
		if *chain {
			res, err := n.verifier.VerifyChain(ctx)
			if err != nil {
				return exitCode(errOut, "verify", err)
			}
			_ = writeJSON(out, res)
			if !res.Valid {
				return 1
			}
			return 0
		}
		res, err := n.verifier.Verify(ctx, *id)
		if err != nil {
			return exitCode(errOut, "verify", err)
		}
		_ = writeJSON(out, res)
		if !res.Valid {
			return 1
		}
		return 0
	})
}
