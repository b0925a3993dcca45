// Package storage holds the content-addressed blob stores that receipt
// archives are written to.
package storage

import (
	"context"

	"github.com/ipfs/go-cid"

	"auditaai.io/ledger/cidutil"
)

// CAS is a content-addressed blob store.
//
// Contract:
//   - Put is idempotent and returns the raw sha2-256 CIDv1 of the bytes.
//   - Stored objects are immutable.
//   - Get returns ErrNotFound when the CID is absent and ErrCIDMismatch when
//     the stored bytes no longer hash to it.
type CAS interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
	Has(ctx context.Context, id cid.Cid) (bool, error)
}

// Named pairs a CAS with the backend id it was configured under.
type Named struct {
	Name string
	CAS  CAS
}

// Verify checks that data is the content of id.
func Verify(id cid.Cid, data []byte) error {
	if !id.Defined() {
		return ErrInvalidCID
	}
	if !cidutil.Matches(id, data) {
		return ErrCIDMismatch
	}
	return nil
}
