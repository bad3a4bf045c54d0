// Package errcode is the error taxonomy seen by users of the unwinder. It
// folds the DWARF and EHABI decoder errors into one set of codes.
package errcode

import (
	"errors"
	"fmt"

	"github.com/hitzhangjie/gounwind/pkg/dwarf"
	"github.com/hitzhangjie/gounwind/pkg/dwarf/frame"
	"github.com/hitzhangjie/gounwind/pkg/ehabi"
)

// Code classifies why an unwind stopped.
type Code uint8

const (
	None Code = iota
	MemoryInvalid
	IllegalValue
	IllegalState
	NotImplemented
	UnsupportedVersion
	CfaNotDefined
	StackIndexNotValid
	TooManyIterations
	InvalidMap
	RepeatedFrame
	MaxFramesExceeded
	UnwindInfo
	InvalidElf
)

var names = [...]string{
	None:               "none",
	MemoryInvalid:      "memory invalid",
	IllegalValue:       "illegal value",
	IllegalState:       "illegal state",
	NotImplemented:     "not implemented",
	UnsupportedVersion: "unsupported version",
	CfaNotDefined:      "cfa not defined",
	StackIndexNotValid: "stack index not valid",
	TooManyIterations:  "too many iterations",
	InvalidMap:         "invalid map",
	RepeatedFrame:      "repeated frame",
	MaxFramesExceeded:  "max frames exceeded",
	UnwindInfo:         "unwind info",
	InvalidElf:         "invalid elf",
}

func (c Code) String() string {
	if int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// Error is an unwinder error. Address is set for MemoryInvalid.
type Error struct {
	Code    Code
	Address uint64
}

func (e *Error) Error() string {
	if e.Code == MemoryInvalid {
		return fmt.Sprintf("%s at %#x", e.Code, e.Address)
	}
	return e.Code.String()
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New returns an error with code.
func New(code Code) *Error {
	return &Error{Code: code}
}

var dwarfCodes = map[dwarf.ErrorCode]Code{
	dwarf.CodeNone:               None,
	dwarf.CodeMemoryInvalid:      MemoryInvalid,
	dwarf.CodeIllegalValue:       IllegalValue,
	dwarf.CodeIllegalState:       IllegalState,
	dwarf.CodeStackIndexNotValid: StackIndexNotValid,
	dwarf.CodeNotImplemented:     NotImplemented,
	dwarf.CodeTooManyIterations:  TooManyIterations,
	dwarf.CodeCfaNotDefined:      CfaNotDefined,
	dwarf.CodeUnsupportedVersion: UnsupportedVersion,
}

// FromDwarf converts a DWARF layer error. A pc without FDE is UnwindInfo.
func FromDwarf(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, &frame.ErrNoFDEForPC{}) {
		return New(UnwindInfo)
	}
	var derr *dwarf.Error
	if errors.As(err, &derr) {
		return &Error{Code: dwarfCodes[derr.Code], Address: derr.Address}
	}
	return New(IllegalState)
}

// FromEHABI converts an EHABI layer error. Read failures keep their
// address, every other failure is UnwindInfo.
func FromEHABI(err error) *Error {
	if err == nil {
		return nil
	}
	var eerr *ehabi.Error
	if errors.As(err, &eerr) {
		switch eerr.Status {
		case ehabi.StatusNone, ehabi.StatusNoUnwind, ehabi.StatusFinish:
			return nil
		case ehabi.StatusReadFailed:
			return &Error{Code: MemoryInvalid, Address: eerr.Address}
		}
	}
	return New(UnwindInfo)
}

// From converts any error produced while stepping a frame.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var eerr *ehabi.Error
	if errors.As(err, &eerr) || errors.Is(err, ehabi.ErrNoEntry) {
		return FromEHABI(err)
	}
	return FromDwarf(err)
}
