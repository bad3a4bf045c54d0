// Package ehabi decodes the ARM exception handling tables (.ARM.exidx and
// .ARM.extab) used to unwind 32-bit ARM code without DWARF CFI.
package ehabi

import (
	"errors"
	"fmt"
)

// Status is the outcome of decoding an entry.
type Status uint8

const (
	StatusNone Status = iota
	StatusNoUnwind
	StatusFinish
	StatusReserved
	StatusSpare
	StatusTruncated
	StatusReadFailed
	StatusMalformed
	StatusInvalidAlignment
	StatusInvalidPersonality
)

var statusNames = [...]string{
	StatusNone:               "none",
	StatusNoUnwind:           "no unwind",
	StatusFinish:             "finish",
	StatusReserved:           "reserved",
	StatusSpare:              "spare",
	StatusTruncated:          "truncated",
	StatusReadFailed:         "read failed",
	StatusMalformed:          "malformed",
	StatusInvalidAlignment:   "invalid alignment",
	StatusInvalidPersonality: "invalid personality",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Error reports a failed decode. Address is set for StatusReadFailed.
type Error struct {
	Status  Status
	Address uint64
}

func (e *Error) Error() string {
	if e.Status == StatusReadFailed {
		return fmt.Sprintf("ehabi: %s at %#x", e.Status, e.Address)
	}
	return "ehabi: " + e.Status.String()
}

// Is matches any *Error with the same status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Status == e.Status
}

// ErrNoEntry is returned when no table entry covers a pc.
var ErrNoEntry = errors.New("ehabi: no entry for pc")
