package dwarf

import (
	"fmt"
)

// ErrorCode classifies a failure of the DWARF layer.
type ErrorCode uint8

const (
	CodeNone ErrorCode = iota
	CodeMemoryInvalid
	CodeIllegalValue
	CodeIllegalState
	CodeStackIndexNotValid
	CodeNotImplemented
	CodeTooManyIterations
	CodeCfaNotDefined
	CodeUnsupportedVersion
)

var codeNames = [...]string{
	CodeNone:               "none",
	CodeMemoryInvalid:      "memory invalid",
	CodeIllegalValue:       "illegal value",
	CodeIllegalState:       "illegal state",
	CodeStackIndexNotValid: "stack index not valid",
	CodeNotImplemented:     "not implemented",
	CodeTooManyIterations:  "too many iterations",
	CodeCfaNotDefined:      "cfa not defined",
	CodeUnsupportedVersion: "unsupported version",
}

func (c ErrorCode) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// Error is a DWARF layer failure. Address is only meaningful for
// CodeMemoryInvalid, where it is the first address that could not be read.
type Error struct {
	Code    ErrorCode
	Address uint64
}

func (e *Error) Error() string {
	if e.Code == CodeMemoryInvalid {
		return fmt.Sprintf("dwarf: %s at %#x", e.Code, e.Address)
	}
	return "dwarf: " + e.Code.String()
}

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is regardless of the address.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError returns an error with code and no address.
func NewError(code ErrorCode) *Error {
	return &Error{Code: code}
}

// MemoryError returns a CodeMemoryInvalid error at addr.
func MemoryError(addr uint64) *Error {
	return &Error{Code: CodeMemoryInvalid, Address: addr}
}

var (
	ErrMemoryInvalid      = NewError(CodeMemoryInvalid)
	ErrIllegalValue       = NewError(CodeIllegalValue)
	ErrIllegalState       = NewError(CodeIllegalState)
	ErrStackIndexNotValid = NewError(CodeStackIndexNotValid)
	ErrNotImplemented     = NewError(CodeNotImplemented)
	ErrTooManyIterations  = NewError(CodeTooManyIterations)
	ErrCfaNotDefined      = NewError(CodeCfaNotDefined)
	ErrUnsupportedVersion = NewError(CodeUnsupportedVersion)
)

// CodeOf returns the code carried by err, CodeNone for nil and
// CodeIllegalState for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeNone
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeIllegalState
}
