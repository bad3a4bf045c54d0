package maps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReadProcMaps reads /proc/<pid>/maps.
func ReadProcMaps(pid int, loader Loader) (*Maps, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read maps of process %d", pid)
	}
	defer f.Close()

	ms, err := Parse(f, loader)
	if err != nil {
		return nil, errors.Wrapf(err, "process %d", pid)
	}
	return ms, nil
}

// Parse reads mappings in the /proc/<pid>/maps text format:
//
//	7f2c1a000000-7f2c1a021000 r-xp 00000000 08:01 1234   /usr/lib/libc.so.6
func Parse(r io.Reader, loader Loader) (*Maps, error) {
	ms := New(loader)

	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		info, err := parseLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineno)
		}
		ms.Add(info)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan maps")
	}
	ms.Sort()
	return ms, nil
}

func parseLine(line string) (*MapInfo, error) {
	// name may contain spaces
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, errors.Errorf("malformed map %q", line)
	}

	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return nil, errors.Errorf("malformed range %q", fields[0])
	}
	start, err := strconv.ParseUint(rng[0], 16, 64)
	if err != nil {
		return nil, errors.Wrap(err, "start")
	}
	end, err := strconv.ParseUint(rng[1], 16, 64)
	if err != nil {
		return nil, errors.Wrap(err, "end")
	}
	if end < start {
		return nil, errors.Errorf("end %#x before start %#x", end, start)
	}

	perms := fields[1]
	if len(perms) < 3 {
		return nil, errors.Errorf("malformed permissions %q", perms)
	}
	var flags Flags
	if perms[0] == 'r' {
		flags |= FlagRead
	}
	if perms[1] == 'w' {
		flags |= FlagWrite
	}
	if perms[2] == 'x' {
		flags |= FlagExec
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return nil, errors.Wrap(err, "offset")
	}

	name := afterFields(line, 5)
	if strings.HasPrefix(name, "/dev/") && !strings.HasPrefix(name, "/dev/ashmem/") {
		flags |= FlagDeviceMap
	}

	return NewMapInfo(start, end, offset, flags, name), nil
}

// afterFields returns what follows the first n space separated fields.
func afterFields(line string, n int) string {
	for i := 0; i < n; i++ {
		line = strings.TrimLeft(line, " \t")
		end := strings.IndexAny(line, " \t")
		if end < 0 {
			return ""
		}
		line = line[end:]
	}
	return strings.TrimSpace(line)
}
