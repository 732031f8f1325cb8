package commitlog

import "fmt"

// Token is the resumption cursor for the commit-log stream: the file a
// frame was read from and the byte position immediately after it.
// Tokens order lexicographically by (File, Position); commit-log file
// names embed a monotonic segment id, so name order is stream order.
type Token struct {
	File     string
	Position int64
}

// Compare returns -1, 0 or 1 ordering t against other.
func (t Token) Compare(other Token) int {
	if t.File < other.File {
		return -1
	}
	if t.File > other.File {
		return 1
	}
	switch {
	case t.Position < other.Position:
		return -1
	case t.Position > other.Position:
		return 1
	default:
		return 0
	}
}

// After reports whether t is strictly past other.
func (t Token) After(other Token) bool {
	return t.Compare(other) > 0
}

// IsZero reports whether the token is unset (start from oldest file).
func (t Token) IsZero() bool {
	return t.File == "" && t.Position == 0
}

func (t Token) String() string {
	return fmt.Sprintf("%s@%d", t.File, t.Position)
}
