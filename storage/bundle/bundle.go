// Package bundle packs archived blobs into a deterministic tar stream and
// unpacks them again.
//
// Layout:
//
//	blocks/<cid>       blob bytes, one entry per CID, sorted
//	docs/<name>        optional side documents (e.g. chain.json), sorted
//	index.json         block list and name -> CID labels
//
// Headers are normalized (mode 0644, uid/gid 0, mtime 0), so equal inputs
// produce byte-identical bundles. Only blocks are authoritative; docs and the
// index are informational and are re-checked against the blocks on import.
package bundle

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"auditaai.io/ledger/cidutil"
	"auditaai.io/ledger/storage"
)

const FormatVersion = 1

const indexName = "index.json"

// ExportOptions adds names and side documents to an export.
type ExportOptions struct {
	// Labels maps record names to the CID of their blob.
	Labels map[string]cid.Cid
	// Docs are extra files written under docs/.
	Docs map[string][]byte
}

// Index is the decoded index.json.
type Index struct {
	Version   int      `json:"version"`
	CIDCodec  string   `json:"cidCodec"`
	Multihash string   `json:"multihash"`
	Blocks    []Block  `json:"blocks"`
	Labels    []Label  `json:"labels,omitempty"`
	Docs      []string `json:"docs,omitempty"`
}

type Block struct {
	CID  string `json:"cid"`
	Size int    `json:"size"`
}

type Label struct {
	Name string `json:"name"`
	CID  string `json:"cid"`
}

// Export writes the blobs for ids (and every labelled CID) to w. Each blob is
// verified against its CID before it is written.
func Export(ctx context.Context, w io.Writer, cas storage.CAS, ids []cid.Cid, opts ExportOptions) error {
	if cas == nil {
		return errors.New("bundle: nil CAS")
	}
	uniq := map[string]cid.Cid{}
	for _, id := range ids {
		if !id.Defined() {
			return storage.ErrInvalidCID
		}
		uniq[id.String()] = id
	}
	idx := Index{Version: FormatVersion, CIDCodec: "raw", Multihash: "sha2-256"}
	for _, name := range sortedKeys(opts.Labels) {
		id := opts.Labels[name]
		if name == "" || strings.ContainsAny(name, "/\\") {
			return fmt.Errorf("bundle: invalid label %q", name)
		}
		if !id.Defined() {
			return storage.ErrInvalidCID
		}
		uniq[id.String()] = id
		idx.Labels = append(idx.Labels, Label{Name: name, CID: id.String()})
	}

	tw := tar.NewWriter(w)
	for _, s := range sortedKeys(uniq) {
		id := uniq[s]
		b, err := cas.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("bundle: get %s: %w", s, err)
		}
		if err := storage.Verify(id, b); err != nil {
			return err
		}
		if err := writeEntry(tw, "blocks/"+s, b); err != nil {
			return err
		}
		idx.Blocks = append(idx.Blocks, Block{CID: s, Size: len(b)})
	}
	for _, name := range sortedKeys(opts.Docs) {
		if clean(name) != name || strings.Contains(name, "/") {
			return fmt.Errorf("bundle: invalid doc name %q", name)
		}
		if err := writeEntry(tw, "docs/"+name, opts.Docs[name]); err != nil {
			return err
		}
		idx.Docs = append(idx.Docs, name)
	}

	b, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	if err := writeEntry(tw, indexName, append(b, '\n')); err != nil {
		return err
	}
	return tw.Close()
}

// Contents is what Import read from a bundle.
type Contents struct {
	Blocks []cid.Cid
	Labels map[string]cid.Cid
	Docs   map[string][]byte
}

// Import stores every block from r into cas. A block whose bytes do not hash
// to its entry name fails the import, as does any unknown entry, a
// duplicate block, or a label pointing at a block the bundle lacks.
func Import(ctx context.Context, r io.Reader, cas storage.CAS) (Contents, error) {
	if cas == nil {
		return Contents{}, errors.New("bundle: nil CAS")
	}
	out := Contents{Labels: map[string]cid.Cid{}, Docs: map[string][]byte{}}
	seen := map[string]bool{}
	var idx *Index

	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		name := clean(h.Name)
		if name == "" || h.Typeflag != tar.TypeReg {
			return out, fmt.Errorf("bundle: unexpected entry %q", h.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return out, err
		}

		switch {
		case name == indexName:
			idx = new(Index)
			if err := json.Unmarshal(data, idx); err != nil {
				return out, fmt.Errorf("bundle: index: %w", err)
			}
		case strings.HasPrefix(name, "docs/"):
			out.Docs[strings.TrimPrefix(name, "docs/")] = data
		case strings.HasPrefix(name, "blocks/"):
			s := strings.TrimPrefix(name, "blocks/")
			id, err := cidutil.Parse(s)
			if err != nil {
				return out, storage.ErrInvalidCID
			}
			if err := storage.Verify(id, data); err != nil {
				return out, err
			}
			if seen[s] {
				return out, fmt.Errorf("bundle: duplicate block %s", s)
			}
			seen[s] = true
			if _, err := cas.Put(ctx, data); err != nil {
				return out, fmt.Errorf("bundle: put %s: %w", s, err)
			}
			out.Blocks = append(out.Blocks, id)
		default:
			return out, fmt.Errorf("bundle: unknown entry %s", name)
		}
	}

	if idx != nil {
		for _, l := range idx.Labels {
			if !seen[l.CID] {
				return out, fmt.Errorf("bundle: label %s points at missing block %s", l.Name, l.CID)
			}
			id, _ := cidutil.Parse(l.CID)
			out.Labels[l.Name] = id
		}
	}
	return out, nil
}

var epoch = time.Unix(0, 0).UTC()

func writeEntry(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

// clean normalizes an entry name and returns "" for anything that could
// escape the bundle root.
func clean(name string) string {
	name = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"), "./")
	if name == "" || strings.HasPrefix(name, "/") {
		return ""
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return path.Clean(name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
