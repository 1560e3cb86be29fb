package pool

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/orbitbot/orbit-core/exec"
	"github.com/orbitbot/orbit-core/logger"
)

// OrphanServer is a coder server process found on the system that the
// pool does not own, typically left behind by a crashed daemon.
type OrphanServer struct {
	PID     int
	Command string
}

// FindOrphanServers scans the system for coder server processes whose
// PIDs are not in knownPIDs. The binary name comes from configuration so
// custom install paths still match.
func FindOrphanServers(ctx context.Context, executor exec.CommandExecutor, binaryName string, knownPIDs map[int]bool) ([]OrphanServer, error) {
	log := logger.WithComponent("pool")

	pattern := binaryName + " serve"
	stdout, _, err := executor.Run(ctx, "", "pgrep", "-f", pattern)
	if err != nil {
		// pgrep exits 1 when nothing matches.
		if isExitCode(err, 1) {
			return nil, nil
		}
		return nil, err
	}

	var orphans []OrphanServer
	for _, pidStr := range strings.Fields(string(stdout)) {
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		if knownPIDs[pid] {
			continue
		}

		// Confirm the command line before touching the process; PIDs can
		// be recycled between pgrep and here.
		args, err := executor.Output(ctx, "", "ps", "-p", pidStr, "-o", "args=")
		if err != nil {
			continue
		}
		command := strings.TrimSpace(string(args))
		if !strings.Contains(command, pattern) {
			continue
		}

		orphans = append(orphans, OrphanServer{PID: pid, Command: command})
		log.Info("found orphaned server", "pid", pid, "command", command)
	}

	return orphans, nil
}

// KillOrphans kills every orphaned coder server not owned by the pool.
// Returns the number of processes killed.
func KillOrphans(ctx context.Context, executor exec.CommandExecutor, binaryName string, knownPIDs map[int]bool) (int, error) {
	orphans, err := FindOrphanServers(ctx, executor, binaryName, knownPIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("pool")
	killed := 0
	for _, orphan := range orphans {
		log.Info("killing orphaned server", "pid", orphan.PID)
		if _, _, err := executor.Run(ctx, "", "kill", "-9", strconv.Itoa(orphan.PID)); err != nil {
			log.Error("failed to kill orphaned server", "pid", orphan.PID, "error", err)
			continue
		}
		killed++
	}

	return killed, nil
}

// isExitCode reports whether err is a process exit with the given code.
func isExitCode(err error, code int) bool {
	var ec interface{ ExitCode() int }
	if !errors.As(err, &ec) {
		return false
	}
	return ec.ExitCode() == code
}
