package reaper

import (
	"context"
	"fmt"
	"strings"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// SystemBackend reads the live OS process and socket tables.
type SystemBackend struct{}

// NewSystemBackend returns the OS backend.
func NewSystemBackend() SystemBackend { return SystemBackend{} }

// ListProcesses walks the process table. Entries whose executable and argv
// are both unreadable (permissions, races with exit) are skipped.
func (SystemBackend) ListProcesses(ctx context.Context) ([]ProcInfo, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcInfo, 0, len(procs))
	for _, p := range procs {
		exe, _ := p.ExeWithContext(ctx)
		args, _ := p.CmdlineSliceWithContext(ctx)
		if exe == "" && len(args) == 0 {
			continue
		}
		out = append(out, ProcInfo{PID: p.Pid, Exe: exe, Args: args})
	}
	return out, nil
}

// FindPortOwners returns the PIDs with a local socket bound to port.
func (SystemBackend) FindPortOwners(ctx context.Context, proto string, port uint32) ([]int32, error) {
	kind := strings.ToLower(proto)
	switch kind {
	case "udp", "tcp":
	default:
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}
	conns, err := gopsnet.ConnectionsWithContext(ctx, kind)
	if err != nil {
		return nil, err
	}
	seen := make(map[int32]bool)
	var pids []int32
	for _, c := range conns {
		if c.Laddr.Port != port || c.Pid <= 0 || seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		pids = append(pids, c.Pid)
	}
	return pids, nil
}

// Kill sends a forceful kill to pid.
func (SystemBackend) Kill(ctx context.Context, pid int32) error {
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}
