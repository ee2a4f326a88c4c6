// Package procwatch resolves PID lists for the demonstration drivers under
// cmd/. It is deliberately stdlib-only: parsing PID arguments and checking
// liveness is a handful of strconv and os calls, and none of the third-party
// stacks pulled in elsewhere in this module (perf syscalls, CLI, logging)
// model process discovery any better than os.FindProcess/os.Signal(0) does.
package procwatch

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ParsePIDs accepts a mix of bare PIDs ("1234") and inclusive ranges
// ("30000..30010") and returns the deduplicated, sorted-by-first-seen union.
func ParsePIDs(args []string) ([]uint32, error) {
	var out []uint32
	seen := make(map[uint32]struct{})

	add := func(pid uint32) {
		if _, ok := seen[pid]; ok {
			return
		}
		seen[pid] = struct{}{}
		out = append(out, pid)
	}

	for _, a := range args {
		if lo, hi, ok := strings.Cut(a, ".."); ok {
			loN, err := strconv.ParseUint(lo, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("procwatch: invalid range %q: %w", a, err)
			}
			hiN, err := strconv.ParseUint(hi, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("procwatch: invalid range %q: %w", a, err)
			}
			if hiN < loN {
				return nil, fmt.Errorf("procwatch: invalid range %q: end before start", a)
			}
			for p := loN; p <= hiN; p++ {
				add(uint32(p))
			}
			continue
		}
		n, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("procwatch: invalid pid %q: %w", a, err)
		}
		add(uint32(n))
	}

	return out, nil
}

// Alive reports whether pid currently names a live process, by sending it
// the null signal per kill(2)'s documented liveness-check idiom.
func Alive(pid uint32) bool {
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ToSet converts a pid slice into the membership set ChannelSet.Update
// expects.
func ToSet(pids []uint32) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(pids))
	for _, p := range pids {
		set[p] = struct{}{}
	}
	return set
}
