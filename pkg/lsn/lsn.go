// Package lsn provides parsing, comparison, and formatting of PostgreSQL
// Log Sequence Numbers in their textual MAJOR/MINOR hexadecimal form.
package lsn

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"
)

// ErrInvalid is returned when a string does not encode a valid LSN.
var ErrInvalid = errors.New("invalid LSN")

// LSN is a position in the WAL. The high 32 bits are the major segment and
// the low 32 bits the minor segment of the textual X/Y form. The zero value
// (rendered "0/0") is the "never seen" sentinel and orders before every
// nonzero LSN.
type LSN uint64

// Zero is the sentinel for "never seen".
const Zero LSN = 0

// Parse converts a MAJOR/MINOR string into an LSN. Both halves must be
// hexadecimal and fit in 32 bits.
func Parse(s string) (LSN, error) {
	major, minor, ok := strings.Cut(s, "/")
	if !ok || major == "" || minor == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	hi, err := strconv.ParseUint(major, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	lo, err := strconv.ParseUint(minor, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return LSN(hi<<32 | lo), nil
}

// MustParse is Parse for fixtures and constants; it panics on error.
func MustParse(s string) LSN {
	l, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return l
}

// Compare returns -1, 0, or 1 ordering a against b. The order is
// lexicographic on the (major, minor) pair.
func Compare(a, b LSN) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// String renders the LSN in the canonical X/Y uppercase hexadecimal form.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// IsZero reports whether l is the "never seen" sentinel.
func (l LSN) IsZero() bool { return l == Zero }

// MarshalText implements encoding.TextMarshaler so LSNs serialize as X/Y
// strings in JSON payloads.
func (l LSN) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LSN) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Pg converts to the pglogrepl representation (same 64-bit layout).
func (l LSN) Pg() pglogrepl.LSN { return pglogrepl.LSN(l) }

// FromPg converts from the pglogrepl representation.
func FromPg(l pglogrepl.LSN) LSN { return LSN(l) }

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag renders a byte distance between WAL positions for humans.
func FormatLag(bytes uint64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
