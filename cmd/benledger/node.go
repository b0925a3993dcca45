package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auditaai.io/ledger/archive"
	"auditaai.io/ledger/clock"
	"auditaai.io/ledger/handoff"
	"auditaai.io/ledger/receipt"
	"auditaai.io/ledger/store"
	"auditaai.io/ledger/store/memstore"
	"auditaai.io/ledger/store/pgstore"
	"auditaai.io/ledger/verifier"
	"auditaai.io/ledger/witness"
)

// node is one fully wired ledger: store, clocks, receipt log, witnesses,
// handoffs, verifier and (optionally) the archive.
type node struct {
	store    store.Store
	logical  *clock.Logical
	clock    *clock.Hybrid
	ledger   *receipt.Ledger
	witness  *witness.Service
	handoffs *handoff.Orchestrator
	verifier *verifier.Verifier
	archive  *archive.Archive

	closers []func() error
}

func openNode(ctx context.Context, e env) (*node, error) {
	cfg := e.cfg
	n := &node{}
	switch cfg.Store.Driver {
	case "postgres":
		s, err := pgstore.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		n.store = s
	default:
		n.store = memstore.New()
	}
	n.closers = append(n.closers, n.store.Close)

	n.logical = clock.NewLogical(n.store, e.log)
	n.clock = clock.NewHybrid(n.logical, clock.HybridOptions{
		Node:                  cfg.Node,
		DriftThreshold:        time.Duration(cfg.DriftThreshold),
		AllowRemoteCorrection: cfg.AllowRemoteCorrection,
		Logger:                e.log,
	})

	seed, err := cfg.WitnessSeed()
	if err != nil {
		n.Close()
		return nil, err
	}
	scheme, err := witness.NewScheme(cfg.Witness.Scheme, seed, cfg.Witness.Prehash)
	if err != nil {
		n.Close()
		return nil, err
	}
	// Rows signed before a switch to a keyed scheme still verify.
	var verifiers []witness.Scheme
	if scheme.Name() != witness.HashSchemeName {
		verifiers = append(verifiers, witness.HashScheme{})
	}
	n.witness, err = witness.New(witness.Options{
		Store:     n.store,
		Clock:     n.logical,
		Scheme:    scheme,
		Verifiers: verifiers,
		Logger:    e.log,
	})
	if err != nil {
		n.Close()
		return nil, err
	}

	n.ledger, err = receipt.New(receipt.Options{
		Store:   n.store,
		Clock:   n.clock,
		Witness: n.witness,
		Logger:  e.log,
	})
	if err != nil {
		n.Close()
		return nil, err
	}

	if cfg.Archive.Enabled() {
		cas, closeCAS, err := cfg.ArchiveCAS().Open()
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("archive cas: %w", err)
		}
		n.closers = append(n.closers, closeCAS)
		n.archive, err = archive.Open(cfg.Archive.Dir, cas, e.log)
		if err != nil {
			n.Close()
			return nil, err
		}
		n.ledger.SetArchiver(n.archive)
	}

	n.handoffs, err = handoff.New(handoff.Options{
		Store:  n.store,
		Ledger: n.ledger,
		Limit:  time.Duration(cfg.HandoffLimit),
		Logger: e.log,
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	n.verifier = verifier.New(n.store, e.log)
	return n, nil
}

func (n *node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	return errors.Join(errs...)
}

// withNode opens a node for the duration of fn.
func withNode(ctx context.Context, e env, fn func(*node) int) int {
	n, err := openNode(ctx, e)
	if err != nil {
		e.log.Error("open ledger", "err", err)
		return 1
	}
	defer n.Close()
	return fn(n)
}
