package terminal

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// PSProbe snapshots the process table by shelling out to ps. Portable
// across the unix hosts agents run on; the column format is POSIX.
type PSProbe struct{}

var _ ProcessProbe = (*PSProbe)(nil)

// NewPSProbe creates a ps-backed process probe.
func NewPSProbe() *PSProbe {
	return &PSProbe{}
}

// Snapshot returns (pid, ppid, command) for every process on the host.
func (p *PSProbe) Snapshot(ctx context.Context) ([]Process, error) {
	out, err := exec.CommandContext(ctx, "ps", "-axo", "pid=,ppid=,command=").Output()
	if err != nil {
		return nil, fmt.Errorf("ps failed: %w", err)
	}
	return ParseProcessTable(string(out)), nil
}

// ParseProcessTable parses `ps -axo pid=,ppid=,command=` output.
func ParseProcessTable(out string) []Process {
	var procs []Process
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		procs = append(procs, Process{
			PID:     pid,
			PPID:    ppid,
			Command: strings.Join(fields[2:], " "),
		})
	}
	return procs
}

// HasDescendantMatching walks the tree rooted at rootPID and reports
// whether any descendant's command contains substr. The root itself
// counts.
func HasDescendantMatching(procs []Process, rootPID int, substr string) bool {
	children := make(map[int][]Process, len(procs))
	byPID := make(map[int]Process, len(procs))
	for _, p := range procs {
		children[p.PPID] = append(children[p.PPID], p)
		byPID[p.PID] = p
	}

	stack := []int{rootPID}
	seen := make(map[int]struct{})
	for len(stack) > 0 {
		pid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}

		if p, ok := byPID[pid]; ok && strings.Contains(p.Command, substr) {
			return true
		}
		for _, child := range children[pid] {
			stack = append(stack, child.PID)
		}
	}
	return false
}
