package model

import (
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the prevHash recorded for a chain entry that has no predecessor.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ClockState is the singleton logical clock row.
//
// LastReceiptID is an audit convenience resolved by id lookup; it is not an
// ownership edge to the receipt.
type ClockState struct {
	CurrentValue  int64     `json:"currentValue"`
	LastUpdated   time.Time `json:"lastUpdated"`
	LastReceiptID string    `json:"lastReceiptId,omitempty"`
}

// ClockTick is the result of an atomic counter advance.
type ClockTick struct {
	Previous int64
	Next     int64
	// Initialized is true when the counter row did not exist and was created at 0.
	Initialized bool
}

// HybridTimestamp pairs a logical clock value with wall-clock time.
type HybridTimestamp struct {
	Lamport   int64         `json:"lamport"`
	WallClock time.Time     `json:"wallClock"`
	Drift     time.Duration `json:"drift"`
	Node      string        `json:"node"`
}

// ReceiptType names the kind of event a receipt records.
type ReceiptType string

const (
	ReceiptBootConfirm ReceiptType = "BOOT_CONFIRM"
	ReceiptAnalysis    ReceiptType = "ANALYSIS"
	ReceiptDirective   ReceiptType = "DIRECTIVE"
	ReceiptResult      ReceiptType = "RESULT"
	ReceiptAppend      ReceiptType = "APPEND"
	ReceiptSyncPoint   ReceiptType = "SYNC_POINT"
)

var receiptTypes = []ReceiptType{
	ReceiptBootConfirm, ReceiptAnalysis, ReceiptDirective,
	ReceiptResult, ReceiptAppend, ReceiptSyncPoint,
}

// ReceiptTypes lists all receipt types in declaration order.
func ReceiptTypes() []ReceiptType {
	return append([]ReceiptType(nil), receiptTypes...)
}

// Valid reports whether t is one of the known receipt types.
func (t ReceiptType) Valid() bool {
	for _, v := range receiptTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ParseReceiptType accepts the canonical upper-case name, case-insensitively.
func ParseReceiptType(s string) (ReceiptType, error) {
	t := ReceiptType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", Errorf(KindInvalid, "LEDGER-RCPT-001", "unknown receipt type %q", s)
	}
	return t, nil
}

// Receipt is an immutable record of one governance-relevant event.
//
// Empty PreviousDigest and BaselineDigest mean null. WitnessSignatures is not
// part of the stored row; it is attached on read from the witness store.
type Receipt struct {
	ID                string             `json:"id"`
	Type              ReceiptType        `json:"type"`
	Lamport           int64              `json:"lamport"`
	WallClock         time.Time          `json:"wallClock"`
	Scope             string             `json:"scope,omitempty"`
	Payload           map[string]any     `json:"payload"`
	Digest            string             `json:"digest"`
	PreviousDigest    string             `json:"previousDigest,omitempty"`
	BaselineDigest    string             `json:"baselineDigest,omitempty"`
	HybridTimestamp   string             `json:"hybridTimestamp,omitempty"`
	Node              string             `json:"node,omitempty"`
	WitnessSignatures []WitnessSignature `json:"witnessSignatures,omitempty"`
}

// IndexEntry returns the chain index projection of r.
func (r Receipt) IndexEntry() ChainIndexEntry {
	prev := r.PreviousDigest
	if prev == "" {
		prev = GenesisHash
	}
	return ChainIndexEntry{
		ID:       r.ID,
		Lamport:  r.Lamport,
		TS:       r.WallClock,
		PrevHash: prev,
		Hash:     r.Digest,
	}
}

// ArchiveName is the archival record name: receipt_<lamport %08d>_<id>.
func (r Receipt) ArchiveName() string {
	return fmt.Sprintf("receipt_%08d_%s", r.Lamport, r.ID)
}

// ChainIndexEntry is the lightweight projection kept for chain walks.
type ChainIndexEntry struct {
	ID       string    `json:"id"`
	Lamport  int64     `json:"lamport"`
	TS       time.Time `json:"ts"`
	PrevHash string    `json:"prevHash"`
	Hash     string    `json:"hash"`
}

// WitnessSignature is one attestation over a receipt digest.
// Verified only ever flips from false to true.
type WitnessSignature struct {
	ID               string     `json:"id"`
	ModelName        string     `json:"modelName"`
	ModelFingerprint string     `json:"modelFingerprint"`
	ReceiptDigest    string     `json:"receiptDigest"`
	Signature        string     `json:"signature"`
	Scheme           string     `json:"scheme"`
	Lamport          int64      `json:"lamport"`
	IssuedAt         time.Time  `json:"issuedAt"`
	Verified         bool       `json:"verified"`
	VerifiedAt       *time.Time `json:"verifiedAt,omitempty"`
}

// Track is a participant role in the handoff protocol.
type Track string

const (
	TrackAnalysis   Track = "ANALYSIS"
	TrackGovernance Track = "GOVERNANCE"
	TrackExecution  Track = "EXECUTION"
)

// ParseTrack accepts the track name case-insensitively.
func ParseTrack(s string) (Track, error) {
	switch t := Track(strings.ToUpper(strings.TrimSpace(s))); t {
	case TrackAnalysis, TrackGovernance, TrackExecution:
		return t, nil
	default:
		return "", Errorf(KindInvalid, "LEDGER-HANDOFF-001", "unknown track %q", s)
	}
}

// HandoffStatus is the lifecycle state of a handoff.
type HandoffStatus string

const (
	HandoffInitiated HandoffStatus = "INITIATED"
	HandoffInTransit HandoffStatus = "IN_TRANSIT"
	HandoffCompleted HandoffStatus = "COMPLETED"
	HandoffTimeout   HandoffStatus = "TIMEOUT"
	HandoffFailed    HandoffStatus = "FAILED"
)

// Open reports whether s still accepts transitions.
func (s HandoffStatus) Open() bool {
	return s == HandoffInitiated || s == HandoffInTransit
}

// Terminal reports whether s is COMPLETED, TIMEOUT or FAILED.
func (s HandoffStatus) Terminal() bool {
	return s == HandoffCompleted || s == HandoffTimeout || s == HandoffFailed
}

// OpenStatuses are the statuses from which a handoff may still move.
var OpenStatuses = []HandoffStatus{HandoffInitiated, HandoffInTransit}

// Handoff is a timeout-bounded transfer of control between two tracks.
type Handoff struct {
	ID            string         `json:"id"`
	FromTrack     Track          `json:"fromTrack"`
	ToTrack       Track          `json:"toTrack"`
	Status        HandoffStatus  `json:"status"`
	FromReceiptID string         `json:"fromReceiptId"`
	ToReceiptID   string         `json:"toReceiptId,omitempty"`
	TraceID       string         `json:"traceId"`
	Actor         string         `json:"actor,omitempty"`
	Payload       map[string]any `json:"payload"`
	Result        map[string]any `json:"result,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	InitiatedAt   time.Time      `json:"initiatedAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	Latency       *time.Duration `json:"latency,omitempty"`
	ExceededLimit bool           `json:"exceededLimit"`
}
