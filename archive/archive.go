// Package archive exports receipts to a content-addressed archive.
//
// An archive directory holds:
//
//	names/receipt_<lamport %08d>_<id>   CID of the canonical receipt JSON
//	chain.json                          {"chain": [...], "lastHash": "..."}
//
// The blobs themselves live in a storage.CAS, which may be local or remote.
// Names are write-once: archiving the same receipt twice is a no-op, and a
// different blob under an existing name is rejected with storage.ErrImmutable.
// The ledger's store stays authoritative; Rebuild replays it.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"

	"auditaai.io/ledger/cidutil"
	"auditaai.io/ledger/model"
	"auditaai.io/ledger/receipt"
	"auditaai.io/ledger/storage"
	"auditaai.io/ledger/storage/bundle"
)

const (
	chainFile = "chain.json"
	namesDir  = "names"
)

// Chain is the persisted chain document.
type Chain struct {
	Chain    []model.ChainIndexEntry `json:"chain"`
	LastHash string                  `json:"lastHash"`
}

// Archive is a receipt archive rooted at one directory.
type Archive struct {
	dir string
	cas storage.CAS
	log *slog.Logger

	// mu serializes chain.json and pointer writes within the process.
	mu sync.Mutex
}

// Open prepares dir and returns an archive writing blobs to cas.
func Open(dir string, cas storage.CAS, log *slog.Logger) (*Archive, error) {
	if dir == "" {
		return nil, errors.New("archive: directory is required")
	}
	if cas == nil {
		return nil, errors.New("archive: CAS is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, namesDir), 0o755); err != nil {
		return nil, err
	}
	a := &Archive{dir: dir, cas: cas, log: log}
	if _, err := os.Stat(a.chainPath()); errors.Is(err, fs.ErrNotExist) {
		if err := a.writeChain(Chain{Chain: []model.ChainIndexEntry{}, LastHash: model.GenesisHash}); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Archive) chainPath() string { return filepath.Join(a.dir, chainFile) }

func (a *Archive) namePath(name string) string { return filepath.Join(a.dir, namesDir, name) }

// Encode is the archived form of r: canonical JSON without witness
// signatures, which are attached on read and are not part of the record.
func Encode(r model.Receipt) ([]byte, error) {
	r.WitnessSignatures = nil
	return receipt.Canonicalize(r)
}

// Decode parses an archived receipt, keeping payload numbers exact.
func Decode(b []byte) (model.Receipt, error) {
	var r model.Receipt
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return model.Receipt{}, model.WrapError(model.KindFormat, "LEDGER-ARCH-001", "decode archived receipt", err)
	}
	return r, nil
}

// Archive stores r and appends entry to the chain document.
func (a *Archive) Archive(ctx context.Context, r model.Receipt, entry model.ChainIndexEntry) error {
	blob, err := Encode(r)
	if err != nil {
		return err
	}
	id, err := a.cas.Put(ctx, blob)
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", r.ID, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	name := r.ArchiveName()
	created, err := a.link(name, id)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	doc, err := a.readChain()
	if err != nil {
		return err
	}
	if entry.PrevHash != doc.LastHash {
		a.log.WarnContext(ctx, "archive chain is not contiguous",
			"receipt_id", r.ID, "prev_hash", entry.PrevHash, "last_hash", doc.LastHash)
	}
	doc.Chain = append(doc.Chain, entry)
	doc.LastHash = entry.Hash
	if err := a.writeChain(doc); err != nil {
		return err
	}
	a.log.DebugContext(ctx, "receipt archived", "name", name, "cid", id.String())
	return nil
}

// link writes the name pointer once. It reports false when the name already
// points at id.
func (a *Archive) link(name string, id cid.Cid) (bool, error) {
	path := a.namePath(name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if errors.Is(err, fs.ErrExist) {
		existing, rerr := a.resolve(name)
		if rerr != nil || !existing.Equals(id) {
			return false, fmt.Errorf("archive: %s: %w", name, storage.ErrImmutable)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := f.WriteString(id.String() + "\n"); err != nil {
		f.Close()
		os.Remove(path)
		return false, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return false, err
	}
	return true, nil
}

func (a *Archive) resolve(name string) (cid.Cid, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return cid.Undef, fmt.Errorf("archive: invalid record name %q", name)
	}
	b, err := os.ReadFile(a.namePath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return cid.Undef, fmt.Errorf("archive: %s: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return cid.Undef, err
	}
	return cidutil.Parse(strings.TrimSpace(string(b)))
}

// Load returns the archived receipt stored under name.
func (a *Archive) Load(ctx context.Context, name string) (model.Receipt, error) {
	id, err := a.resolve(name)
	if err != nil {
		return model.Receipt{}, err
	}
	b, err := a.cas.Get(ctx, id)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("archive: get %s: %w", name, err)
	}
	return Decode(b)
}

// Chain returns the current chain document.
func (a *Archive) Chain() (Chain, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readChain()
}

// Names lists archived record names; the zero-padded lamport makes the
// lexical order the emission order.
func (a *Archive) Names() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.dir, namesDir))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), "receipt_") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Export writes a deterministic bundle of every archived receipt, labelled
// by record name, with chain.json alongside.
func (a *Archive) Export(ctx context.Context, w io.Writer) error {
	names, err := a.Names()
	if err != nil {
		return err
	}
	labels := make(map[string]cid.Cid, len(names))
	for _, n := range names {
		id, err := a.resolve(n)
		if err != nil {
			return err
		}
		labels[n] = id
	}
	chain, err := os.ReadFile(a.chainPath())
	if err != nil {
		return err
	}
	return bundle.Export(ctx, w, a.cas, nil, bundle.ExportOptions{
		Labels: labels,
		Docs:   map[string][]byte{chainFile: chain},
	})
}

// Source is the read surface Rebuild replays from.
type Source interface {
	ChainIndex(ctx context.Context) ([]model.ChainIndexEntry, error)
	Receipt(ctx context.Context, id string) (model.Receipt, error)
}

// Rebuild archives every receipt in src's chain index that is not yet in the
// archive, in index order, and returns how many it added.
func (a *Archive) Rebuild(ctx context.Context, src Source) (int, error) {
	idx, err := src.ChainIndex(ctx)
	if err != nil {
		return 0, fmt.Errorf("archive: read chain index: %w", err)
	}
	added := 0
	for _, e := range idx {
		r, err := src.Receipt(ctx, e.ID)
		if err != nil {
			return added, fmt.Errorf("archive: load %s: %w", e.ID, err)
		}
		if _, err := a.resolve(r.ArchiveName()); err == nil {
			continue
		} else if !storage.IsNotFound(err) {
			return added, err
		}
		if err := a.Archive(ctx, r, e); err != nil {
			return added, err
		}
		added++
	}
	a.log.InfoContext(ctx, "archive rebuilt", "indexed", len(idx), "added", added)
	return added, nil
}

func (a *Archive) readChain() (Chain, error) {
	b, err := os.ReadFile(a.chainPath())
	if err != nil {
		return Chain{}, err
	}
	var doc Chain
	if err := json.Unmarshal(b, &doc); err != nil {
		return Chain{}, model.WrapError(model.KindFormat, "LEDGER-ARCH-002", "decode "+chainFile, err)
	}
	if doc.LastHash == "" {
		doc.LastHash = model.GenesisHash
	}
	if doc.Chain == nil {
		doc.Chain = []model.ChainIndexEntry{}
	}
	return doc, nil
}

// writeChain replaces chain.json atomically.
func (a *Archive) writeChain(doc Chain) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(a.dir, ".chain-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), a.chainPath())
}
