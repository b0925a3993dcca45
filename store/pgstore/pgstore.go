// Package pgstore is a PostgreSQL implementation of store.Store built on pgx.
//
// The clock advance is a single upsert, so concurrent callers serialize on the
// row lock and never observe duplicate or skipped values. AppendNext holds the
// same row lock across the tick, the head read and the insert, which orders
// appenders from every process sharing the database. Guarded handoff
// transitions run under SELECT ... FOR UPDATE.
//
// Payloads are stored as TEXT holding the caller's JSON encoding. JSONB would
// rewrite number literals and key order, and the digest is computed over the
// literal form.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"auditaai.io/ledger/model"
	"auditaai.io/ledger/store"
)

const (
	uniqueViolation = "23505"
	prevHashIndex   = "ledger_chain_index_prev_hash_idx"
)

// Store is a store.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The caller is responsible for Migrate.
func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Migrate applies the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) AdvanceClock(ctx context.Context, n int64) (model.ClockTick, error) {
	var next int64
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ledger_clock (id, current_value, last_updated)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE
			SET current_value = ledger_clock.current_value + EXCLUDED.current_value,
			    last_updated  = now()
		RETURNING current_value, (xmax = 0)`, n).Scan(&next, &inserted)
	if err != nil {
		return model.ClockTick{}, fmt.Errorf("pgstore: advance clock: %w", err)
	}
	return model.ClockTick{Previous: next - n, Next: next, Initialized: inserted}, nil
}

func (s *Store) RaiseClock(ctx context.Context, value int64) (model.ClockTick, error) {
	var tick model.ClockTick
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current int64
		err := tx.QueryRow(ctx, `SELECT current_value FROM ledger_clock WHERE id = 1 FOR UPDATE`).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			tick.Initialized = true
			_, err = tx.Exec(ctx, `
				INSERT INTO ledger_clock (id, current_value, last_updated)
				VALUES (1, GREATEST($1, 0), now())`, value)
			if err != nil {
				return err
			}
			tick.Next = max(value, 0)
			return nil
		case err != nil:
			return err
		}
		tick.Previous, tick.Next = current, current
		if value > current {
			if _, err := tx.Exec(ctx, `UPDATE ledger_clock SET current_value = $1, last_updated = now() WHERE id = 1`, value); err != nil {
				return err
			}
			tick.Next = value
		}
		return nil
	})
	if err != nil {
		return model.ClockTick{}, fmt.Errorf("pgstore: raise clock: %w", err)
	}
	return tick, nil
}

func (s *Store) ClockState(ctx context.Context) (model.ClockState, error) {
	var st model.ClockState
	var last *string
	err := s.pool.QueryRow(ctx, `SELECT current_value, last_updated, last_receipt_id FROM ledger_clock WHERE id = 1`).
		Scan(&st.CurrentValue, &st.LastUpdated, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ClockState{}, nil
	}
	if err != nil {
		return model.ClockState{}, fmt.Errorf("pgstore: clock state: %w", err)
	}
	st.LastUpdated = st.LastUpdated.UTC()
	st.LastReceiptID = deref(last)
	return st, nil
}

const receiptColumns = `id, type, lamport, wall_clock, scope, payload, digest, previous_digest, baseline_digest, hybrid_timestamp, node`

// AppendNext serializes appenders on the clock row lock. Under READ
// COMMITTED each statement after the lock sees every append committed by the
// previous holder, so the head read here is the head the new receipt links to.
func (s *Store) AppendNext(ctx context.Context, build func(store.ChainHead) (model.Receipt, error)) (model.Receipt, error) {
	var out model.Receipt
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger_clock (id, current_value, last_updated)
			VALUES (1, 0, now())
			ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			return err
		}
		var head store.ChainHead
		head.Tick.Initialized = tag.RowsAffected() == 1
		if err := tx.QueryRow(ctx, `SELECT current_value FROM ledger_clock WHERE id = 1 FOR UPDATE`).
			Scan(&head.Tick.Previous); err != nil {
			return err
		}
		head.Tick.Next = head.Tick.Previous + 1

		prev, ok, err := optionalReceipt(ctx, tx, headQuery)
		if err != nil {
			return err
		}
		if ok {
			head.Previous = prev.Digest
		}
		base, ok, err := optionalReceipt(ctx, tx, baselineQuery, string(model.ReceiptBootConfirm))
		if err != nil {
			return err
		}
		if ok {
			head.Baseline = base.Digest
		}

		r, err := build(head)
		if err != nil {
			return err
		}
		if err := insertReceipt(ctx, tx, r, r.IndexEntry()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE ledger_clock SET current_value = $1, last_updated = now(), last_receipt_id = $2
			WHERE id = 1`, head.Tick.Next, r.ID); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return model.Receipt{}, appendErr(err)
	}
	return out, nil
}

func (s *Store) AppendReceipt(ctx context.Context, r model.Receipt, entry model.ChainIndexEntry) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return insertReceipt(ctx, tx, r, entry)
	})
	if err != nil {
		return appendErr(err)
	}
	return nil
}

func insertReceipt(ctx context.Context, tx pgx.Tx, r model.Receipt, entry model.ChainIndexEntry) error {
	payload, err := encodeMap(r.Payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO ledger_receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, string(r.Type), r.Lamport, r.WallClock.UTC(), r.Scope, payload, r.Digest,
		nullable(r.PreviousDigest), nullable(r.BaselineDigest), r.HybridTimestamp, r.Node,
	); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO ledger_chain_index (id, lamport, ts, prev_hash, hash) VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Lamport, entry.TS.UTC(), entry.PrevHash, entry.Hash)
	return err
}

// appendErr maps a second link to the same predecessor to ErrPrecondition
// and any other unique violation to ErrDuplicate.
func appendErr(err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == prevHashIndex:
		return fmt.Errorf("pgstore: chain already links to this predecessor: %w", store.ErrPrecondition)
	case isUniqueViolation(err):
		return store.ErrDuplicate
	default:
		return fmt.Errorf("pgstore: append receipt: %w", err)
	}
}

func (s *Store) Receipt(ctx context.Context, id string) (model.Receipt, error) {
	r, err := scanReceipt(s.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM ledger_receipts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Receipt{}, store.ErrNotFound
	}
	return r, err
}

func (s *Store) ReceiptsByDigest(ctx context.Context, digest string) ([]model.Receipt, error) {
	return s.queryReceipts(ctx, `SELECT `+receiptColumns+` FROM ledger_receipts WHERE digest = $1 ORDER BY lamport, seq`, digest)
}

const (
	headQuery     = `SELECT ` + receiptColumns + ` FROM ledger_receipts ORDER BY lamport DESC, seq LIMIT 1`
	baselineQuery = `SELECT ` + receiptColumns + ` FROM ledger_receipts WHERE type = $1 ORDER BY lamport, seq LIMIT 1`
)

func (s *Store) HeadReceipt(ctx context.Context) (model.Receipt, bool, error) {
	return optionalReceipt(ctx, s.pool, headQuery)
}

func (s *Store) BaselineReceipt(ctx context.Context) (model.Receipt, bool, error) {
	return optionalReceipt(ctx, s.pool, baselineQuery, string(model.ReceiptBootConfirm))
}

func (s *Store) Receipts(ctx context.Context, limit int) ([]model.Receipt, error) {
	q := `SELECT ` + receiptColumns + ` FROM ledger_receipts ORDER BY lamport DESC, seq`
	if limit > 0 {
		return s.queryReceipts(ctx, q+` LIMIT $1`, limit)
	}
	return s.queryReceipts(ctx, q)
}

func (s *Store) ChainIndex(ctx context.Context) ([]model.ChainIndexEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, lamport, ts, prev_hash, hash FROM ledger_chain_index ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: chain index: %w", err)
	}
	defer rows.Close()
	var out []model.ChainIndexEntry
	for rows.Next() {
		var e model.ChainIndexEntry
		if err := rows.Scan(&e.ID, &e.Lamport, &e.TS, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("pgstore: chain index: %w", err)
		}
		e.TS = e.TS.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func optionalReceipt(ctx context.Context, q querier, sql string, args ...any) (model.Receipt, bool, error) {
	r, err := scanReceipt(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Receipt{}, false, nil
	}
	if err != nil {
		return model.Receipt{}, false, err
	}
	return r, true, nil
}

func (s *Store) queryReceipts(ctx context.Context, q string, args ...any) ([]model.Receipt, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query receipts: %w", err)
	}
	defer rows.Close()
	var out []model.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const witnessColumns = `id, model_name, model_fingerprint, receipt_digest, signature, scheme, lamport, issued_at, verified, verified_at`

func (s *Store) CreateWitness(ctx context.Context, w model.WitnessSignature) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO ledger_witnesses (`+witnessColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.ModelName, w.ModelFingerprint, w.ReceiptDigest, w.Signature, w.Scheme,
		w.Lamport, w.IssuedAt.UTC(), w.Verified, w.VerifiedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("pgstore: create witness: %w", err)
	}
	return nil
}

func (s *Store) Witness(ctx context.Context, id string) (model.WitnessSignature, error) {
	w, err := scanWitness(s.pool.QueryRow(ctx, `SELECT `+witnessColumns+` FROM ledger_witnesses WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WitnessSignature{}, store.ErrNotFound
	}
	return w, err
}

func (s *Store) MarkWitnessVerified(ctx context.Context, id string, at time.Time) (model.WitnessSignature, error) {
	// COALESCE keeps the first verification time on repeat calls.
	w, err := scanWitness(s.pool.QueryRow(ctx, `
		UPDATE ledger_witnesses
		SET verified = TRUE, verified_at = COALESCE(verified_at, $2)
		WHERE id = $1
		RETURNING `+witnessColumns, id, at.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WitnessSignature{}, store.ErrNotFound
	}
	return w, err
}

func (s *Store) WitnessesForDigest(ctx context.Context, digest string) ([]model.WitnessSignature, error) {
	return s.queryWitnesses(ctx, `SELECT `+witnessColumns+` FROM ledger_witnesses WHERE receipt_digest = $1 ORDER BY seq`, digest)
}

func (s *Store) Witnesses(ctx context.Context) ([]model.WitnessSignature, error) {
	return s.queryWitnesses(ctx, `SELECT `+witnessColumns+` FROM ledger_witnesses ORDER BY seq`)
}

func (s *Store) queryWitnesses(ctx context.Context, q string, args ...any) ([]model.WitnessSignature, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query witnesses: %w", err)
	}
	defer rows.Close()
	var out []model.WitnessSignature
	for rows.Next() {
		w, err := scanWitness(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const handoffColumns = `id, from_track, to_track, status, from_receipt_id, to_receipt_id, trace_id, actor, payload, result, reason, initiated_at, completed_at, latency_ns, exceeded_limit`

func (s *Store) CreateHandoff(ctx context.Context, h model.Handoff) error {
	args, err := handoffArgs(h)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO ledger_handoffs (`+handoffColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`, args...)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("pgstore: create handoff: %w", err)
	}
	return nil
}

func (s *Store) Handoff(ctx context.Context, id string) (model.Handoff, error) {
	h, err := scanHandoff(s.pool.QueryRow(ctx, `SELECT `+handoffColumns+` FROM ledger_handoffs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Handoff{}, store.ErrNotFound
	}
	return h, err
}

func (s *Store) TransitionHandoff(ctx context.Context, id string, allowed []model.HandoffStatus, update func(*model.Handoff)) (model.Handoff, error) {
	var out model.Handoff
	var precondition bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		h, err := scanHandoff(tx.QueryRow(ctx, `SELECT `+handoffColumns+` FROM ledger_handoffs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if !store.StatusAllowed(h.Status, allowed) {
			out, precondition = h, true
			return nil
		}
		next := h
		update(&next)
		next.ID = h.ID
		args, err := handoffArgs(next)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE ledger_handoffs SET
			from_track = $2, to_track = $3, status = $4, from_receipt_id = $5, to_receipt_id = $6,
			trace_id = $7, actor = $8, payload = $9, result = $10, reason = $11,
			initiated_at = $12, completed_at = $13, latency_ns = $14, exceeded_limit = $15
			WHERE id = $1`, args...); err != nil {
			return err
		}
		out = next
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Handoff{}, store.ErrNotFound
	}
	if err != nil {
		return model.Handoff{}, fmt.Errorf("pgstore: transition handoff: %w", err)
	}
	if precondition {
		return out, store.ErrPrecondition
	}
	return out, nil
}

func (s *Store) OpenHandoffs(ctx context.Context, cutoff time.Time) ([]model.Handoff, error) {
	return s.queryHandoffs(ctx, `SELECT `+handoffColumns+` FROM ledger_handoffs
		WHERE status = ANY($1) AND initiated_at < $2 ORDER BY seq`,
		[]string{string(model.HandoffInitiated), string(model.HandoffInTransit)}, cutoff.UTC())
}

func (s *Store) HandoffsByTrace(ctx context.Context, traceID string) ([]model.Handoff, error) {
	return s.queryHandoffs(ctx, `SELECT `+handoffColumns+` FROM ledger_handoffs WHERE trace_id = $1 ORDER BY seq`, traceID)
}

func (s *Store) Handoffs(ctx context.Context) ([]model.Handoff, error) {
	return s.queryHandoffs(ctx, `SELECT `+handoffColumns+` FROM ledger_handoffs ORDER BY seq`)
}

func (s *Store) queryHandoffs(ctx context.Context, q string, args ...any) ([]model.Handoff, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query handoffs: %w", err)
	}
	defer rows.Close()
	var out []model.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanReceipt(row pgx.Row) (model.Receipt, error) {
	var r model.Receipt
	var typ, payload string
	var prev, baseline *string
	err := row.Scan(&r.ID, &typ, &r.Lamport, &r.WallClock, &r.Scope, &payload, &r.Digest,
		&prev, &baseline, &r.HybridTimestamp, &r.Node)
	if err != nil {
		return model.Receipt{}, err
	}
	r.Type = model.ReceiptType(typ)
	r.WallClock = r.WallClock.UTC()
	r.PreviousDigest = deref(prev)
	r.BaselineDigest = deref(baseline)
	if r.Payload, err = decodeMap(payload); err != nil {
		return model.Receipt{}, fmt.Errorf("pgstore: receipt %s payload: %w", r.ID, err)
	}
	return r, nil
}

func scanWitness(row pgx.Row) (model.WitnessSignature, error) {
	var w model.WitnessSignature
	err := row.Scan(&w.ID, &w.ModelName, &w.ModelFingerprint, &w.ReceiptDigest, &w.Signature,
		&w.Scheme, &w.Lamport, &w.IssuedAt, &w.Verified, &w.VerifiedAt)
	if err != nil {
		return model.WitnessSignature{}, err
	}
	w.IssuedAt = w.IssuedAt.UTC()
	if w.VerifiedAt != nil {
		t := w.VerifiedAt.UTC()
		w.VerifiedAt = &t
	}
	return w, nil
}

func scanHandoff(row pgx.Row) (model.Handoff, error) {
	var h model.Handoff
	var from, to, status, payload string
	var toReceipt, result *string
	var latency *int64
	err := row.Scan(&h.ID, &from, &to, &status, &h.FromReceiptID, &toReceipt, &h.TraceID, &h.Actor,
		&payload, &result, &h.Reason, &h.InitiatedAt, &h.CompletedAt, &latency, &h.ExceededLimit)
	if err != nil {
		return model.Handoff{}, err
	}
	h.FromTrack, h.ToTrack, h.Status = model.Track(from), model.Track(to), model.HandoffStatus(status)
	h.ToReceiptID = deref(toReceipt)
	h.InitiatedAt = h.InitiatedAt.UTC()
	if h.CompletedAt != nil {
		t := h.CompletedAt.UTC()
		h.CompletedAt = &t
	}
	if latency != nil {
		d := time.Duration(*latency)
		h.Latency = &d
	}
	if h.Payload, err = decodeMap(payload); err != nil {
		return model.Handoff{}, fmt.Errorf("pgstore: handoff %s payload: %w", h.ID, err)
	}
	if result != nil {
		if h.Result, err = decodeMap(*result); err != nil {
			return model.Handoff{}, fmt.Errorf("pgstore: handoff %s result: %w", h.ID, err)
		}
	}
	return h, nil
}

func handoffArgs(h model.Handoff) ([]any, error) {
	payload, err := encodeMap(h.Payload)
	if err != nil {
		return nil, err
	}
	var result *string
	if h.Result != nil {
		enc, err := encodeMap(h.Result)
		if err != nil {
			return nil, err
		}
		result = &enc
	}
	var latency *int64
	if h.Latency != nil {
		ns := int64(*h.Latency)
		latency = &ns
	}
	var completed *time.Time
	if h.CompletedAt != nil {
		t := h.CompletedAt.UTC()
		completed = &t
	}
	return []any{
		h.ID, string(h.FromTrack), string(h.ToTrack), string(h.Status), h.FromReceiptID,
		nullable(h.ToReceiptID), h.TraceID, h.Actor, payload, result, h.Reason,
		h.InitiatedAt.UTC(), completed, latency, h.ExceededLimit,
	}, nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "null", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("pgstore: encode payload: %w", err)
	}
	return string(b), nil
}

// decodeMap keeps numbers as json.Number so integer payload values survive
// the round trip without float rounding.
func decodeMap(s string) (map[string]any, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
