package change

import "strings"

// Compare orders two changes for last-write-wins arbitration: first by
// UpdatedAt, then lexicographically by the originating clientId as the
// tiebreaker. A positive result means b wins over a.
func Compare(a, b Change) int {
	if a.UpdatedAt.Before(b.UpdatedAt) {
		return -1
	}
	if a.UpdatedAt.After(b.UpdatedAt) {
		return 1
	}
	return strings.Compare(a.ClientID(), b.ClientID())
}

// Newer reports whether b supersedes a under last-write-wins.
func Newer(a, b Change) bool {
	return Compare(a, b) < 0
}

// Winner picks the surviving change between two conflicting versions of the
// same row.
func Winner(a, b Change) Change {
	if Newer(a, b) {
		return b
	}
	return a
}
