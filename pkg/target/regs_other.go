//go:build !amd64 && !arm64

package target

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/hitzhangjie/gounwind/pkg/regs"
)

func readRegs(tid int) (*regs.Regs, error) {
	return nil, errors.Errorf("reading registers is not supported on %s", runtime.GOARCH)
}
