package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"auditaai.io/ledger/cidutil"
)

// Fallback writes to its first backend and reads from each backend in order
// until one has the object. The order is fixed by the caller.
type Fallback struct {
	Backends []Named
}

var _ CAS = Fallback{}

func (f Fallback) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if len(f.Backends) == 0 {
		return cid.Undef, errors.New("storage: no backends configured")
	}
	return f.Backends[0].CAS.Put(ctx, data)
}

func (f Fallback) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	return getInOrder(ctx, f.Backends, id)
}

func (f Fallback) Has(ctx context.Context, id cid.Cid) (bool, error) {
	return hasAny(ctx, f.Backends, id)
}

// Replicating writes every object to all backends and requires each to
// return the CID computed locally from the bytes. Reads fall back in order.
type Replicating struct {
	Backends []Named
}

var _ CAS = Replicating{}

// PutAll writes data everywhere and reports the CID each backend returned.
// On ErrCIDMismatch the map holds the responses seen so far.
func (r Replicating) PutAll(ctx context.Context, data []byte) (cid.Cid, map[string]cid.Cid, error) {
	if len(r.Backends) == 0 {
		return cid.Undef, nil, errors.New("storage: no backends configured")
	}
	want, err := cidutil.Sum(data)
	if err != nil {
		return cid.Undef, nil, err
	}
	got := make(map[string]cid.Cid, len(r.Backends))
	for _, b := range r.Backends {
		if b.CAS == nil {
			return cid.Undef, got, fmt.Errorf("storage: backend %q has no CAS", b.Name)
		}
		id, err := b.CAS.Put(ctx, data)
		if err != nil {
			return cid.Undef, got, fmt.Errorf("storage: put to %s: %w", b.Name, err)
		}
		got[b.Name] = id
		if !id.Equals(want) {
			return cid.Undef, got, ErrCIDMismatch
		}
	}
	return want, got, nil
}

func (r Replicating) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	id, _, err := r.PutAll(ctx, data)
	return id, err
}

func (r Replicating) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	return getInOrder(ctx, r.Backends, id)
}

func (r Replicating) Has(ctx context.Context, id cid.Cid) (bool, error) {
	return hasAny(ctx, r.Backends, id)
}

// getInOrder skips backends that miss the object and stops at the first
// other error.
func getInOrder(ctx context.Context, backends []Named, id cid.Cid) ([]byte, error) {
	for _, b := range backends {
		if b.CAS == nil {
			continue
		}
		data, err := b.CAS.Get(ctx, id)
		if err == nil {
			return data, nil
		}
		if !IsNotFound(err) {
			return nil, fmt.Errorf("storage: get from %s: %w", b.Name, err)
		}
	}
	return nil, ErrNotFound
}

func hasAny(ctx context.Context, backends []Named, id cid.Cid) (bool, error) {
	var errs []error
	for _, b := range backends {
		if b.CAS == nil {
			continue
		}
		ok, err := b.CAS.Has(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("storage: has on %s: %w", b.Name, err))
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}
