// Package witness requests and verifies attestations over receipt digests.
package witness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"auditaai.io/ledger/clock"
	"auditaai.io/ledger/keys"
	"auditaai.io/ledger/model"
	"auditaai.io/ledger/store"
)

// Options configures a Service. Store and Clock are required.
type Options struct {
	Store store.WitnessStore
	Clock *clock.Logical
	// Scheme signs new requests. Nil means HashScheme.
	Scheme Scheme
	// Verifiers are additional schemes accepted when verifying older rows.
	Verifiers []Scheme
	Now       func() time.Time
	Logger    *slog.Logger
	NewID     func() string
}

// Service issues and verifies witness attestations.
type Service struct {
	store   store.WitnessStore
	clock   *clock.Logical
	scheme  Scheme
	schemes map[string]Scheme
	now     func() time.Time
	log     *slog.Logger
	newID   func() string
}

// New returns a witness service. A nil Scheme means HashScheme.
func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Clock == nil {
		return nil, errors.New("witness: store and clock are required")
	}
	s := &Service{
		store:   opts.Store,
		clock:   opts.Clock,
		scheme:  opts.Scheme,
		schemes: map[string]Scheme{},
		now:     opts.Now,
		log:     opts.Logger,
		newID:   opts.NewID,
	}
	if s.scheme == nil {
		s.scheme = HashScheme{}
	}
	for _, v := range append([]Scheme{s.scheme}, opts.Verifiers...) {
		s.schemes[v.Name()] = v
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

// Fingerprint is the first 16 hex characters of SHA-256("<model>:<unix millis>").
func Fingerprint(modelName string, issuedAt time.Time) string {
	sum := sha256.Sum256([]byte(modelName + ":" + strconv.FormatInt(issuedAt.UnixMilli(), 10)))
	return hex.EncodeToString(sum[:])[:16]
}

func messageOf(w model.WitnessSignature) Message {
	return Message{
		Model:       w.ModelName,
		Fingerprint: w.ModelFingerprint,
		Digest:      w.ReceiptDigest,
		Lamport:     w.Lamport,
		IssuedAt:    w.IssuedAt,
	}
}

// RequestSignature ticks the clock once and stores an unverified attestation
// of digest by modelName.
func (s *Service) RequestSignature(ctx context.Context, digest, modelName string) (model.WitnessSignature, error) {
	if digest == "" {
		return model.WitnessSignature{}, model.NewError(model.KindInvalid, "LEDGER-WIT-001", "receipt digest is required")
	}
	if err := keys.CheckModelName(modelName); err != nil {
		return model.WitnessSignature{}, model.WrapError(model.KindInvalid, "LEDGER-WIT-002", "invalid witness model", err)
	}
	tick, err := s.clock.Increment(ctx)
	if err != nil {
		return model.WitnessSignature{}, err
	}
	issued := s.now().UTC().Truncate(time.Millisecond)
	w := model.WitnessSignature{
		ID:               s.newID(),
		ModelName:        modelName,
		ModelFingerprint: Fingerprint(modelName, issued),
		ReceiptDigest:    digest,
		Scheme:           s.scheme.Name(),
		Lamport:          tick.Next,
		IssuedAt:         issued,
	}
	if w.Signature, err = s.scheme.Sign(messageOf(w)); err != nil {
		return model.WitnessSignature{}, model.WrapError(model.KindInternal, "LEDGER-WIT-003", "sign witness message", err)
	}
	if err := s.store.CreateWitness(ctx, w); err != nil {
		return model.WitnessSignature{}, fmt.Errorf("witness: persist %s: %w", w.ID, err)
	}
	s.log.InfoContext(ctx, "witness signature requested",
		"witness_id", w.ID, "model", modelName, "digest", digest, "lamport", w.Lamport, "scheme", w.Scheme)
	return w, nil
}

// Verify recomputes the signature of a stored attestation. On a match the row
// is flipped to verified (once; later calls keep the first verifiedAt). On a
// mismatch it returns false together with a WitnessVerificationFailure.
func (s *Service) Verify(ctx context.Context, witnessID string) (bool, error) {
	w, err := s.store.Witness(ctx, witnessID)
	if store.IsNotFound(err) {
		return false, model.WrapError(model.KindNotFound, "LEDGER-WIT-010", "witness "+witnessID+" not found", err)
	}
	if err != nil {
		return false, fmt.Errorf("witness: load %s: %w", witnessID, err)
	}
	scheme, ok := s.schemes[w.Scheme]
	if !ok {
		return false, model.Errorf(model.KindWitnessVerification, "LEDGER-WIT-011", "witness %s uses unknown scheme %q", w.ID, w.Scheme)
	}
	valid, err := scheme.Verify(messageOf(w), w.Signature)
	if err != nil {
		return false, model.WrapError(model.KindWitnessVerification, "LEDGER-WIT-012", "verify witness "+w.ID, err)
	}
	if !valid {
		s.log.WarnContext(ctx, "witness signature mismatch", "witness_id", w.ID, "model", w.ModelName)
		return false, model.Errorf(model.KindWitnessVerification, "LEDGER-WIT-013", "witness %s signature does not match", w.ID)
	}
	if _, err := s.store.MarkWitnessVerified(ctx, w.ID, s.now()); err != nil {
		return false, fmt.Errorf("witness: mark %s verified: %w", w.ID, err)
	}
	return true, nil
}

// Outcome is one model's part of a consensus round.
type Outcome struct {
	Model    string
	Witness  model.WitnessSignature
	Verified bool
	Err      error
}

// ConsensusResult is the outcome of RequestConsensus.
type ConsensusResult struct {
	ReceiptDigest    string
	Outcomes         []Outcome
	VerifiedCount    int
	AgreementRate    float64
	ConsensusReached bool
}

// Witnesses returns the attestations that were created, in request order.
func (r ConsensusResult) Witnesses() []model.WitnessSignature {
	var out []model.WitnessSignature
	for _, o := range r.Outcomes {
		if o.Witness.ID != "" {
			out = append(out, o.Witness)
		}
	}
	return out
}

// Err reports a missed threshold as ConsensusNotReached. It is informational;
// the caller decides whether to act on it.
func (r ConsensusResult) Err() error {
	if r.ConsensusReached {
		return nil
	}
	return model.Errorf(model.KindConsensusNotReached, "LEDGER-WIT-020",
		"consensus not reached for %s: %d of %d verified (%.2f)",
		r.ReceiptDigest, r.VerifiedCount, len(r.Outcomes), r.AgreementRate)
}

// RequestConsensus runs one independent request and verify per model,
// concurrently. Consensus holds when at least two thirds verify. The returned
// error joins request failures other than signature mismatches, which are
// only recorded on their Outcome.
func (s *Service) RequestConsensus(ctx context.Context, digest string, models []string) (ConsensusResult, error) {
	if len(models) == 0 {
		return ConsensusResult{}, model.NewError(model.KindInvalid, "LEDGER-WIT-021", "at least one witness model is required")
	}
	res := ConsensusResult{ReceiptDigest: digest, Outcomes: make([]Outcome, len(models))}
	var wg sync.WaitGroup
	for i, m := range models {
		wg.Add(1)
		go func(i int, m string) {
			defer wg.Done()
			o := Outcome{Model: m}
			o.Witness, o.Err = s.RequestSignature(ctx, digest, m)
			if o.Err == nil {
				o.Verified, o.Err = s.Verify(ctx, o.Witness.ID)
			}
			res.Outcomes[i] = o
		}(i, m)
	}
	wg.Wait()

	var errs []error
	for _, o := range res.Outcomes {
		if o.Verified {
			res.VerifiedCount++
		}
		if o.Err != nil && !model.IsKind(o.Err, model.KindWitnessVerification) {
			errs = append(errs, fmt.Errorf("witness %s: %w", o.Model, o.Err))
		}
	}
	n := len(models)
	res.AgreementRate = round2(float64(res.VerifiedCount) / float64(n))
	res.ConsensusReached = 3*res.VerifiedCount >= 2*n
	s.log.InfoContext(ctx, "witness consensus",
		"digest", digest, "verified", res.VerifiedCount, "requested", n, "reached", res.ConsensusReached)
	return res, errors.Join(errs...)
}

// ForReceipt lists attestations over digest, oldest first.
func (s *Service) ForReceipt(ctx context.Context, digest string) ([]model.WitnessSignature, error) {
	ws, err := s.store.WitnessesForDigest(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("witness: list for %s: %w", digest, err)
	}
	return ws, nil
}

// Stats aggregates every stored attestation.
type Stats struct {
	Total            int            `json:"totalWitnesses"`
	Verified         int            `json:"verifiedWitnesses"`
	ByModel          map[string]int `json:"modelBreakdown"`
	VerificationRate float64        `json:"verificationRate"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	ws, err := s.store.Witnesses(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("witness: stats: %w", err)
	}
	st := Stats{Total: len(ws), ByModel: map[string]int{}}
	for _, w := range ws {
		st.ByModel[w.ModelName]++
		if w.Verified {
			st.Verified++
		}
	}
	if st.Total > 0 {
		st.VerificationRate = round2(float64(st.Verified) / float64(st.Total))
	}
	return st, nil
}

// Accountability summarizes one model's attestations. Unverified counts
// every attestation not (yet) verified.
type Accountability struct {
	Model        string    `json:"model"`
	Total        int       `json:"totalSignatures"`
	Verified     int       `json:"verifiedSignatures"`
	Unverified   int       `json:"failedSignatures"`
	LastSignedAt time.Time `json:"lastSignedAt"`
}

// AccountabilityLog groups all attestations by model, sorted by model name.
func (s *Service) AccountabilityLog(ctx context.Context) ([]Accountability, error) {
	ws, err := s.store.Witnesses(ctx)
	if err != nil {
		return nil, fmt.Errorf("witness: accountability: %w", err)
	}
	byModel := map[string]*Accountability{}
	for _, w := range ws {
		a := byModel[w.ModelName]
		if a == nil {
			a = &Accountability{Model: w.ModelName}
			byModel[w.ModelName] = a
		}
		a.Total++
		if w.Verified {
			a.Verified++
		} else {
			a.Unverified++
		}
		if w.IssuedAt.After(a.LastSignedAt) {
			a.LastSignedAt = w.IssuedAt
		}
	}
	out := make([]Accountability, 0, len(byModel))
	for _, a := range byModel {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// Known witness models.
const (
	ModelGPT5   = "gpt-5"
	ModelGPT4   = "gpt-4"
	ModelClaude = "claude"
	ModelGemini = "gemini"
	ModelLlama  = "llama"
)

// RecommendedWitnesses returns the witness set suggested for a receipt type.
func RecommendedWitnesses(typ model.ReceiptType) []string {
	switch typ {
	case model.ReceiptBootConfirm, model.ReceiptSyncPoint:
		return []string{ModelGPT5, ModelClaude}
	case model.ReceiptDirective:
		return []string{ModelGPT5, ModelClaude, ModelGemini}
	default:
		return []string{ModelGPT5}
	}
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
