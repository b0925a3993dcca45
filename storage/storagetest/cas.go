// Package storagetest is a conformance kit for storage.CAS implementations.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"

	"auditaai.io/ledger/cidutil"
	"auditaai.io/ledger/storage"
)

// NewCAS returns a fresh, empty CAS isolated from other tests.
type NewCAS func(t *testing.T) storage.CAS

// RunCASConformance runs the CAS contract tests against newCAS.
func RunCASConformance(t *testing.T, newCAS NewCAS) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		cas := newCAS(t)
		want := []byte(`{"id":"r-1","lamport":1}`)

		id, err := cas.Put(ctx, want)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		wantID, _ := cidutil.Sum(want)
		if !id.Equals(wantID) {
			t.Fatalf("Put CID = %s, want %s", id, wantID)
		}
		got, err := cas.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get returned different bytes")
		}
	})

	t.Run("PutIdempotent", func(t *testing.T) {
		cas := newCAS(t)
		b := []byte("same bytes")
		id1, err := cas.Put(ctx, b)
		if err != nil {
			t.Fatalf("Put(1): %v", err)
		}
		id2, err := cas.Put(ctx, b)
		if err != nil {
			t.Fatalf("Put(2): %v", err)
		}
		if !id1.Equals(id2) {
			t.Fatalf("Put not idempotent: %s vs %s", id1, id2)
		}
	})

	t.Run("HasAndNotFound", func(t *testing.T) {
		cas := newCAS(t)
		b := []byte("missing")
		id, _ := cidutil.Sum(b)

		if ok, err := cas.Has(ctx, id); ok || err != nil {
			t.Fatalf("Has(missing) = %v, %v", ok, err)
		}
		if _, err := cas.Get(ctx, id); !storage.IsNotFound(err) {
			t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
		}
		if _, err := cas.Put(ctx, b); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if ok, err := cas.Has(ctx, id); !ok || err != nil {
			t.Fatalf("Has after Put = %v, %v", ok, err)
		}
	})

	t.Run("RejectUndefCID", func(t *testing.T) {
		cas := newCAS(t)
		if ok, _ := cas.Has(ctx, cid.Undef); ok {
			t.Fatalf("Has(undef) = true")
		}
		if _, err := cas.Get(ctx, cid.Undef); !errors.Is(err, storage.ErrInvalidCID) {
			t.Fatalf("Get(undef) err = %v, want ErrInvalidCID", err)
		}
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cas := newCAS(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := cas.Put(cctx, []byte("x")); err == nil {
			t.Fatalf("Put with canceled context succeeded")
		}
	})
}
