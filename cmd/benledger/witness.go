package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"auditaai.io/ledger/witness"
)

func cmdWitness(ctx context.Context, e env, args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: benledger witness <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: request, verify, consensus, stats, log")
		return 2
	}
	switch args[0] {
	case "request":
		fs := newFlagSet("witness request", errOut)
		digest := fs.String("digest", "", "receipt digest")
		modelName := fs.String("model", "", "witness model")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *digest == "" || *modelName == "" {
			fmt.Fprintln(errOut, "usage: benledger witness request --digest <hex> --model <name>")
			return 2
		}
		return withNode(ctx, e, func(n *node) int {
			w, err := n.witness.RequestSignature(ctx, *digest, *modelName)
			if err != nil {
				return exitCode(errOut, "witness request", err)
			}
			_ = writeJSON(out, w)
			return 0
		})
	case "verify":
		if len(args) != 2 {
			fmt.Fprintln(errOut, "usage: benledger witness verify <witness id>")
			return 2
		}
		return withNode(ctx, e, func(n *node) int {
			ok, err := n.witness.Verify(ctx, args[1])
			_ = writeJSON(out, map[string]any{"witnessId": args[1], "verified": ok})
			if err != nil {
				return exitCode(errOut, "witness verify", err)
			}
			return 0
		})
	case "consensus":
		return cmdWitnessConsensus(ctx, e, args[1:], out, errOut)
	case "stats":
		return withNode(ctx, e, func(n *node) int {
			st, err := n.witness.Stats(ctx)
			if err != nil {
				return exitCode(errOut, "witness stats", err)
			}
			_ = writeJSON(out, st)
			return 0
		})
	case "log":
		return withNode(ctx, e, func(n *node) int {
			log, err := n.witness.AccountabilityLog(ctx)
			if err != nil {
				return exitCode(errOut, "witness log", err)
			}
			_ = writeJSON(out, log)
			return 0
		})
	default:
		fmt.Fprintf(errOut, "unknown witness subcommand: %s\n", args[0])
		return 2
	}
}

type consensusOutput struct {
	ReceiptID        string          `json:"receiptId"`
	ReceiptDigest    string          `json:"receiptDigest"`
	Models           []string        `json:"models"`
	VerifiedCount    int             `json:"verifiedCount"`
	AgreementRate    float64         `json:"agreementRate"`
	ConsensusReached bool            `json:"consensusReached"`
	Outcomes         []outcomeOutput `json:"outcomes"`
}

type outcomeOutput struct {
	Model     string `json:"model"`
	WitnessID string `json:"witnessId,omitempty"`
	Verified  bool   `json:"verified"`
	Error     string `json:"error,omitempty"`
}

func cmdWitnessConsensus(ctx context.Context, e env, args []string, out, errOut io.Writer) int {
	fs := newFlagSet("witness consensus", errOut)
	receiptID := fs.String("receipt", "", "receipt id")
	models := fs.String("models", "", "comma-separated witness models (default: config, then per receipt type)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *receiptID == "" {
		fmt.Fprintln(errOut, "usage: benledger witness consensus --receipt <id> [--models a,b,c]")
		return 2
	}
	return withNode(ctx, e, func(n *node) int {
		r, err := n.ledger.Receipt(ctx, *receiptID)
		if err != nil {
			return exitCode(errOut, "witness consensus", err)
		}
		set := splitList(*models)
		if len(set) == 0 {
			set = e.cfg.Witness.Models
		}
		if len(set) == 0 {
			set = witness.RecommendedWitnesses(r.Type)
		}
		res, err := n.witness.RequestConsensus(ctx, r.Digest, set)
		o := consensusOutput{
			ReceiptID:        r.ID,
			ReceiptDigest:    r.Digest,
			Models:           set,
			VerifiedCount:    res.VerifiedCount,
			AgreementRate:    res.AgreementRate,
			ConsensusReached: res.ConsensusReached,
		}
		for _, oc := range res.Outcomes {
			row := outcomeOutput{Model: oc.Model, WitnessID: oc.Witness.ID, Verified: oc.Verified}
			if oc.Err != nil {
				row.Error = oc.Err.Error()
			}
			o.Outcomes = append(o.Outcomes, row)
		}
		_ = writeJSON(out, o)
		if err != nil {
			return exitCode(errOut, "witness consensus", err)
		}
		if cerr := res.Err(); cerr != nil {
			e.log.WarnContext(ctx, "consensus not reached", "receipt_id", r.ID, "err", cerr)
			return 1
		}
		return 0
	})
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
