package target

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// readProcComm read /proc/pid/comm or /proc/pid/stat to load the command line of process.
func readProcComm(pid int) (string, error) {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err == nil {
		// removes newline character
		comm = bytes.TrimSuffix(comm, []byte("\n"))
	}

	if len(comm) == 0 {
		stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		if err != nil {
			return "", errors.Wrap(err, "could not read proc stat")
		}
		expr := fmt.Sprintf("%d\\s*\\((.*)\\)", pid)
		rexp, err := regexp.Compile(expr)
		if err != nil {
			return "", errors.Wrap(err, "regexp compile error")
		}
		match := rexp.FindSubmatch(stat)
		if match == nil {
			return "", errors.Errorf("no match found using regexp '%s' in /proc/%d/stat", expr, pid)
		}
		comm = match[1]
	}

	// comm is spliced into a Fscanf format by status
	cmdStr := strings.ReplaceAll(string(comm), "%", "%%")
	return cmdStr, nil
}

// readProcCommArgs read /proc/pid/cmdline to load the command arguments of process
func readProcCommArgs(pid int) ([]string, error) {
	dat, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil, errors.Wrap(err, "could not read proc cmdline")
	}
	dat = bytes.TrimSuffix(dat, []byte{0})
	args := strings.Split(string(dat), string([]byte{0}))
	if len(args) > 0 {
		args = args[1:]
	}
	return args, nil
}
