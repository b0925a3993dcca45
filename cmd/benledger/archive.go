package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

func cmdArchive(ctx context.Context, e env, args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: benledger archive <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: export, rebuild, chain, names")
		return 2
	}
	if !e.cfg.Archive.Enabled() {
		fmt.Fprintln(errOut, "archive is not configured (set archive.dir or LEDGER_ARCHIVE_DIR)")
		return 2
	}
	switch args[0] {
	case "export":
		fs := newFlagSet("archive export", errOut)
		outPath := fs.String("out", "", "bundle file to write (- for stdout)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *outPath == "" {
			fmt.Fprintln(errOut, "usage: benledger archive export --out <file.tar>")
			return 2
		}
		return withNode(ctx, e, func(n *node) int {
			if *outPath == "-" {
				if err := n.archive.Export(ctx, out); err != nil {
					return exitCode(errOut, "archive export", err)
				}
				return 0
			}
			f, err := os.Create(*outPath)
			if err != nil {
				return exitCode(errOut, "archive export", err)
			}
			if err := n.archive.Export(ctx, f); err != nil {
				f.Close()
				return exitCode(errOut, "archive export", err)
			}
			if err := f.Close(); err != nil {
				return exitCode(errOut, "archive export", err)
			}
			fmt.Fprintln(out, *outPath)
			return 0
		})
	case "rebuild":
		return withNode(ctx, e, func(n *node) int {
			added, err := n.archive.Rebuild(ctx, n.store)
			if err != nil {
				return exitCode(errOut, "archive rebuild", err)
			}
			_ = writeJSON(out, map[string]any{"added": added})
			return 0
		})
	case "chain":
		return withNode(ctx, e, func(n *node) int {
			doc, err := n.archive.Chain()
			if err != nil {
				return exitCode(errOut, "archive chain", err)
			}
			_ = writeJSON(out, doc)
			return 0
		})
	case "names":
		return withNode(ctx, e, func(n *node) int {
			names, err := n.archive.Names()
			if err != nil {
				return exitCode(errOut, "archive names", err)
			}
			for _, name := range names {
				fmt.Fprintln(out, name)
			}
			return 0
		})
	default:
		fmt.Fprintf(errOut, "unknown archive subcommand: %s\n", args[0])
		return 2
	}
}
