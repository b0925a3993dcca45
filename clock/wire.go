package clock

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"auditaai.io/ledger/model"
)

// SyncVersion is the current SyncMessage wire version.
const SyncVersion = 1

// SyncMessage is the binary form of a hybrid timestamp exchanged with a
// remote clock. Wall clock and drift travel as milliseconds.
type SyncMessage struct {
	Version     int    `msgpack:"v"`
	Lamport     int64  `msgpack:"lamport"`
	WallClockMs int64  `msgpack:"wall_ms"`
	DriftMs     int64  `msgpack:"drift_ms"`
	Node        string `msgpack:"node"`
	// Encoded duplicates the timestamp in L<lamport>@<ISO>#<node> form for
	// peers that only log the string.
	Encoded string `msgpack:"encoded,omitempty"`
}

// NewSyncMessage wraps ts for the wire.
func NewSyncMessage(ts model.HybridTimestamp) SyncMessage {
	return SyncMessage{
		Version:     SyncVersion,
		Lamport:     ts.Lamport,
		WallClockMs: ts.WallClock.UnixMilli(),
		DriftMs:     ts.Drift.Milliseconds(),
		Node:        ts.Node,
		Encoded:     Encode(ts),
	}
}

// Timestamp converts m back to a hybrid timestamp.
func (m SyncMessage) Timestamp() model.HybridTimestamp {
	return model.HybridTimestamp{
		Lamport:   m.Lamport,
		WallClock: time.UnixMilli(m.WallClockMs).UTC(),
		Drift:     time.Duration(m.DriftMs) * time.Millisecond,
		Node:      m.Node,
	}
}

// wire has SyncMessage's fields without its methods, so msgpack does not
// recurse into MarshalBinary/UnmarshalBinary.
type wire SyncMessage

func (m SyncMessage) MarshalBinary() ([]byte, error) {
	b, err := msgpack.Marshal(wire(m))
	if err != nil {
		return nil, fmt.Errorf("clock: encode sync message: %w", err)
	}
	return b, nil
}

func (m *SyncMessage) UnmarshalBinary(b []byte) error {
	var w wire
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return model.WrapError(model.KindFormat, "LEDGER-CLOCK-040", "invalid sync message", err)
	}
	if w.Version != SyncVersion {
		return model.Errorf(model.KindFormat, "LEDGER-CLOCK-041", "unsupported sync message version %d", w.Version)
	}
	if w.Node == "" || w.Lamport < 0 {
		return model.NewError(model.KindFormat, "LEDGER-CLOCK-042", "sync message missing node or has negative lamport")
	}
	*m = SyncMessage(w)
	return nil
}
