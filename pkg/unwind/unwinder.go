// Package unwind walks the call stack of a thread frame by frame.
package unwind

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hitzhangjie/gounwind/pkg/errcode"
	"github.com/hitzhangjie/gounwind/pkg/maps"
	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// Frame is one recovered frame.
type Frame struct {
	Num   int
	RelPC uint64 // pc relative to the module
	PC    uint64
	SP    uint64

	FunctionName   string
	FunctionOffset uint64

	MapName     string
	MapStart    uint64
	MapEnd      uint64
	MapOffset   uint64
	MapLoadBias uint64
	MapFlags    maps.Flags
}

// Warning is a set of non fatal conditions met during an unwind.
type Warning uint32

const (
	WarningNone Warning = 0
	// WarningDexPcNotInMap is set when a dex pc is outside every mapping.
	WarningDexPcNotInMap Warning = 1 << 0
)

func (w Warning) String() string {
	if w == WarningNone {
		return "none"
	}
	var s []string
	if w&WarningDexPcNotInMap != 0 {
		s = append(s, "dex pc not in map")
	}
	return strings.Join(s, "|")
}

// DexResolver names the method executing at a dex pc.
type DexResolver interface {
	MethodInformation(ms *maps.Maps, info *maps.MapInfo, dexPC uint64) (name string, offset uint64, ok bool)
}

// Unwinder recovers the frames of one register state. An Unwinder is not
// safe for concurrent use, but many may share the same Maps.
type Unwinder struct {
	maxFrames int
	maps      *maps.Maps
	regs      *regs.Regs
	process   memory.Memory

	resolveNames bool
	dex          DexResolver

	frames   []Frame
	lastErr  *errcode.Error
	warnings Warning

	log *logrus.Entry
}

// New returns an unwinder that records at most maxFrames frames of r.
func New(maxFrames int, ms *maps.Maps, r *regs.Regs, process memory.Memory) *Unwinder {
	return &Unwinder{
		maxFrames:    maxFrames,
		maps:         ms,
		regs:         r,
		process:      process,
		resolveNames: true,
		log:          logrus.WithField("component", "unwind"),
	}
}

// SetResolveNames turns function name lookup on or off.
func (u *Unwinder) SetResolveNames(resolve bool) { u.resolveNames = resolve }

// SetDexResolver sets the resolver of dex frame names.
func (u *Unwinder) SetDexResolver(d DexResolver) { u.dex = d }

// SetRegs replaces the registers to unwind from.
func (u *Unwinder) SetRegs(r *regs.Regs) { u.regs = r }

// Frames returns the frames of the last unwind.
func (u *Unwinder) Frames() []Frame { return u.frames }

// NumFrames returns the number of frames of the last unwind.
func (u *Unwinder) NumFrames() int { return len(u.frames) }

// LastError returns why the last unwind stopped early, nil if it did not.
func (u *Unwinder) LastError() error {
	if u.lastErr == nil {
		return nil
	}
	return u.lastErr
}

// LastErrorCode returns the code of LastError, errcode.None if nil.
func (u *Unwinder) LastErrorCode() errcode.Code {
	if u.lastErr == nil {
		return errcode.None
	}
	return u.lastErr.Code
}

// Warnings returns the warnings of the last unwind.
func (u *Unwinder) Warnings() Warning { return u.warnings }

func (u *Unwinder) setError(code errcode.Code, addr uint64) {
	u.lastErr = &errcode.Error{Code: code, Address: addr}
}

// Unwind walks the stack from the current registers. Leading frames in
// modules whose base name is in skipNames, or whose name ends in a suffix
// in skipSuffixes, are not recorded. Skipping stops at the first recorded
// frame.
func (u *Unwinder) Unwind(skipNames, skipSuffixes []string) {
	u.frames = u.frames[:0]
	u.lastErr = nil
	u.warnings = WarningNone

	skipping := len(skipNames) > 0 || len(skipSuffixes) > 0
	returnAddressAttempt := false
	adjustPC := false

	for len(u.frames) < u.maxFrames {
		curPC, curSP := u.regs.PC(), u.regs.SP()

		info := u.maps.Find(curPC)
		var (
			obj        maps.Object
			relPC      uint64
			stepPC     uint64
			adjustment uint64
		)
		if info == nil {
			relPC, stepPC = curPC, curPC
			// keep the error of the frame a speculative pc came from
			if !returnAddressAttempt || u.lastErr == nil {
				u.setError(errcode.InvalidMap, curPC)
			}
		} else {
			obj = loadObject(info)
			relPC = curPC - info.Start + info.Offset
			if obj != nil {
				relPC += obj.LoadBias()
			}
			if adjustPC {
				adjustment = pcAdjustment(relPC, obj, u.regs.Arch())
			}
			stepPC = relPC - adjustment
		}

		var fr *Frame
		if info == nil || !skipping || !shouldSkip(info, skipNames, skipSuffixes) {
			if u.regs.DexPC() != 0 {
				u.fillInDexFrame()
				u.regs.SetDexPC(0)
			}
			fr = u.fillInFrame(info, obj, curPC, relPC, adjustment)
			skipping = false
		}
		adjustPC = true

		stepped, finished, inDeviceMap := false, false, false
		if info != nil {
			switch {
			case info.Flags&maps.FlagDeviceMap != 0:
				inDeviceMap = true
			case isDeviceMap(u.maps.Find(u.regs.SP())):
				inDeviceMap = true
			case obj == nil || !obj.Valid():
				u.setError(errcode.InvalidElf, 0)
			default:
				if obj.StepIfSignalHandler(relPC, u.regs, u.process) {
					stepped = true
					// the interrupted pc is not a return address
					if fr != nil {
						fr.RelPC = relPC
						fr.PC += adjustment
					}
					stepPC = relPC
					u.lastErr = nil
					break
				}
				var err error
				finished, err = obj.Step(stepPC, u.regs, u.process)
				if err != nil {
					u.lastErr = errcode.From(err)
				} else {
					stepped = true
					u.lastErr = nil
				}
			}
		}

		if fr != nil && u.resolveNames && obj != nil && obj.Valid() {
			if name, offset, ok := obj.FunctionName(stepPC); ok {
				fr.FunctionName, fr.FunctionOffset = name, offset
			}
		}

		u.log.Debugf("frame %d pc=%#x sp=%#x rel_pc=%#x stepped=%t finished=%t err=%v",
			len(u.frames)-1, curPC, curSP, relPC, stepped, finished, u.LastError())

		if finished {
			break
		}

		if !stepped {
			if returnAddressAttempt {
				switch {
				case fr != nil && (len(u.frames) > 2 || (len(u.frames) > 0 && u.maps.Find(u.frames[0].PC) != nil)):
					// the return address led nowhere, drop its frame
					u.frames = u.frames[:len(u.frames)-1]
				case len(u.frames) == 2 && u.maps.Find(u.frames[0].PC) == nil:
					// the leaf pc was 0 or unmapped, it is not a frame
					u.frames = append(u.frames[:0], u.frames[1])
					u.frames[0].Num = 0
				}
				break
			}
			if inDeviceMap {
				break
			}
			// a zero return address ends the stack, it is not a frame
			if !u.regs.SetPcFromReturnAddress(u.process) || u.regs.PC() == 0 {
				break
			}
			returnAddressAttempt = true
		} else {
			returnAddressAttempt = false
			if len(u.frames) == u.maxFrames {
				u.setError(errcode.MaxFramesExceeded, 0)
			}
		}

		if curPC == u.regs.PC() && curSP == u.regs.SP() {
			u.setError(errcode.RepeatedFrame, 0)
			break
		}
	}
}

func loadObject(info *maps.MapInfo) maps.Object {
	obj, err := info.Object()
	if err != nil {
		return nil
	}
	return obj
}

func isDeviceMap(info *maps.MapInfo) bool {
	return info != nil && info.Flags&maps.FlagDeviceMap != 0
}

func shouldSkip(info *maps.MapInfo, names, suffixes []string) bool {
	base := info.BaseName()
	for _, n := range names {
		if n == base {
			return true
		}
	}
	if suffix := info.Suffix(); suffix != "" {
		for _, s := range suffixes {
			if strings.TrimPrefix(s, ".") == suffix {
				return true
			}
		}
	}
	return false
}

// pcAdjustment returns how far a return address is past the call
// instruction, so that the frame points into the call.
func pcAdjustment(relPC uint64, obj maps.Object, arch regs.Arch) uint64 {
	switch arch {
	case regs.ArchARM:
		if relPC < 2 {
			return 0
		}
		var image memory.Memory
		if obj != nil && obj.Valid() {
			image = obj.Memory()
		}
		if image == nil || relPC < 5 {
			return 2
		}
		if relPC&1 != 0 {
			// thumb, the call is 4 bytes only for bl/blx
			v, ok := memory.Read32(image, relPC-5)
			if !ok || v&0xe000f000 != 0xe000f000 {
				return 2
			}
		}
		return 4
	case regs.ArchARM64:
		if relPC < 4 {
			return 0
		}
		return 4
	case regs.ArchX86, regs.ArchX86_64:
		if relPC == 0 {
			return 0
		}
		return 1
	}
	return 0
}

func (u *Unwinder) fillInFrame(info *maps.MapInfo, obj maps.Object, pc, relPC, adjustment uint64) *Frame {
	u.frames = append(u.frames, Frame{
		Num:   len(u.frames),
		RelPC: relPC - adjustment,
		PC:    pc - adjustment,
		SP:    u.regs.SP(),
	})
	fr := &u.frames[len(u.frames)-1]
	if info == nil {
		return fr
	}
	fr.MapName = info.Name
	fr.MapStart = info.Start
	fr.MapEnd = info.End
	fr.MapOffset = info.Offset
	fr.MapFlags = info.Flags
	if obj != nil {
		fr.MapLoadBias = obj.LoadBias()
	}
	return fr
}

func (u *Unwinder) fillInDexFrame() {
	dexPC := u.regs.DexPC()
	fr := Frame{
		Num: len(u.frames),
		PC:  dexPC,
		SP:  u.regs.SP(),
	}

	info := u.maps.Find(dexPC)
	if info == nil {
		fr.RelPC = dexPC
		u.warnings |= WarningDexPcNotInMap
		u.frames = append(u.frames, fr)
		return
	}
	fr.RelPC = dexPC - info.Start
	fr.MapName = info.Name
	fr.MapStart = info.Start
	fr.MapEnd = info.End
	fr.MapOffset = info.Offset
	fr.MapFlags = info.Flags

	if u.resolveNames && u.dex != nil {
		if name, offset, ok := u.dex.MethodInformation(u.maps, info, dexPC); ok {
			fr.FunctionName, fr.FunctionOffset = name, offset
		}
	}
	u.frames = append(u.frames, fr)
}

// FormatFrame formats frame i the way debuggerd prints backtraces:
//
//	#01 pc 0000000000001000  /system/lib64/libc.so (malloc+16)
func (u *Unwinder) FormatFrame(i int) string {
	if i < 0 || i >= len(u.frames) {
		return ""
	}
	return FormatFrame(&u.frames[i], u.regs.Arch().Is32Bit())
}

// FormatFrame formats fr, with 8 hex digits for 32-bit pcs.
func FormatFrame(fr *Frame, is32Bit bool) string {
	var b strings.Builder
	if is32Bit {
		fmt.Fprintf(&b, "  #%02d pc %08x", fr.Num, fr.RelPC)
	} else {
		fmt.Fprintf(&b, "  #%02d pc %016x", fr.Num, fr.RelPC)
	}

	switch {
	case fr.MapStart == fr.MapEnd:
		b.WriteString("  <unknown>")
	case fr.MapName != "":
		b.WriteString("  " + fr.MapName)
	default:
		fmt.Fprintf(&b, "  <anonymous:%x>", fr.MapStart)
	}

	if fr.FunctionName != "" {
		b.WriteString(" (" + fr.FunctionName)
		if fr.FunctionOffset != 0 {
			fmt.Fprintf(&b, "+%d", fr.FunctionOffset)
		}
		b.WriteString(")")
	}
	return b.String()
}
