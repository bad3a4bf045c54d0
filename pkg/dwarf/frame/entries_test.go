package frame

import (
	"errors"
	"testing"
)

func TestFDEForPC(t *testing.T) {
	frames := newFrameIndex()
	frames = append(frames,
		&FrameDescriptionEntry{PCStart: 100, PCEnd: 200},
		&FrameDescriptionEntry{PCStart: 10, PCEnd: 50},
		&FrameDescriptionEntry{PCStart: 300, PCEnd: 310},
		&FrameDescriptionEntry{PCStart: 50, PCEnd: 100})
	frames.sort()

	type arg struct {
		pc  uint64
		fde *FrameDescriptionEntry
	}

	args := []arg{
		{0, nil},
		{9, nil},
		{10, frames[0]},
		{35, frames[0]},
		{49, frames[0]},
		{50, frames[1]},
		{75, frames[1]},
		{100, frames[2]},
		{199, frames[2]},
		{200, nil},
		{299, nil},
		{300, frames[3]},
		{309, frames[3]},
		{310, nil},
		{400, nil},
	}

	for _, arg := range args {
		out, err := frames.FDEForPC(arg.pc)
		if arg.fde != nil {
			if err != nil {
				t.Fatal(err)
			}
			if out != arg.fde {
				t.Errorf("[pc = %#x] got incorrect fde\noutput:\t%#v\nexpected:\t%#v", arg.pc, out, arg.fde)
			}
		} else {
			if err == nil {
				t.Errorf("[pc = %#x] expected error got fde %#v", arg.pc, out)
			}
			if !errors.Is(err, &ErrNoFDEForPC{}) {
				t.Errorf("[pc = %#x] unexpected error %v", arg.pc, err)
			}
		}
	}
}

func TestFDEForPCEmpty(t *testing.T) {
	var frames FrameDescriptionEntries
	if _, err := frames.FDEForPC(0x1000); err == nil {
		t.Fatal("expected error on empty index")
	}
}
