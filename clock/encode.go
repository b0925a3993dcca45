package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"auditaai.io/ledger/model"
)

// WallLayout is the ISO-8601 rendering used in encoded timestamps.
const WallLayout = "2006-01-02T15:04:05.000Z07:00"

// Encode renders ts as L<lamport>@<ISO-8601 UTC>#<node>.
func Encode(ts model.HybridTimestamp) string {
	return fmt.Sprintf("L%d@%s#%s", ts.Lamport, ts.WallClock.UTC().Format(WallLayout), ts.Node)
}

// Decode is the strict inverse of Encode: Encode(Decode(s)) == s for every
// accepted s. Drift is not carried by the encoding and decodes as zero.
func Decode(s string) (model.HybridTimestamp, error) {
	rest, ok := strings.CutPrefix(s, "L")
	if !ok {
		return model.HybridTimestamp{}, formatErr(s, "missing L prefix")
	}
	digits, rest, ok := strings.Cut(rest, "@")
	if !ok || digits == "" {
		return model.HybridTimestamp{}, formatErr(s, "missing lamport")
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return model.HybridTimestamp{}, formatErr(s, "lamport is not a non-negative integer")
		}
	}
	if len(digits) > 1 && digits[0] == '0' {
		return model.HybridTimestamp{}, formatErr(s, "lamport has a leading zero")
	}
	lamport, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return model.HybridTimestamp{}, formatErr(s, "lamport out of range")
	}
	wall, node, ok := strings.Cut(rest, "#")
	if !ok || wall == "" || node == "" {
		return model.HybridTimestamp{}, formatErr(s, "missing wall clock or node")
	}
	t, err := time.Parse(WallLayout, wall)
	if err != nil {
		return model.HybridTimestamp{}, formatErr(s, "wall clock is not ISO-8601")
	}
	// Only the exact rendering Encode produces is accepted: UTC with a Z
	// suffix and three fractional digits.
	if t.UTC().Format(WallLayout) != wall {
		return model.HybridTimestamp{}, formatErr(s, "wall clock must be UTC with millisecond precision")
	}
	return model.HybridTimestamp{Lamport: lamport, WallClock: t.UTC(), Node: node}, nil
}

func formatErr(s, why string) error {
	return model.Errorf(model.KindFormat, "LEDGER-CLOCK-010", "invalid hybrid timestamp %q: %s", s, why)
}
