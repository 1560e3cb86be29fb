// Package pool manages the fleet of directory-scoped coder servers: at
// most one live server process per working directory, bounded by a
// capacity limit, with crash detection and bounded restart.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/orbitbot/orbit-core/coder"
	"github.com/orbitbot/orbit-core/config"
	"github.com/orbitbot/orbit-core/exec"
	"github.com/orbitbot/orbit-core/logger"
	"github.com/orbitbot/orbit-core/metrics"
)

var (
	// ErrCapacityExceeded means the pool is full and the directory has no
	// existing server. In-use servers are never evicted to make room.
	ErrCapacityExceeded = errors.New("server pool capacity exceeded")

	// ErrSpawnFailed means the server process could not be started, or the
	// directory has exhausted its restart attempts.
	ErrSpawnFailed = errors.New("server spawn failed")

	// ErrHealthTimeout means the server process started but never passed a
	// health probe within the startup timeout.
	ErrHealthTimeout = errors.New("server health check timed out")

	// ErrPoolShutDown means ShutdownAll has already run.
	ErrPoolShutDown = errors.New("server pool is shut down")
)

// shutdownGrace is how long a server gets to exit after a graceful signal
// before it is force-killed.
const shutdownGrace = 2 * time.Second

// restartDelay is the pause before respawning a crashed server, so a
// crash-looping binary does not spin the pool.
const restartDelay = 500 * time.Millisecond

// poolEntry tracks one directory's server slot. While a spawn is in
// flight, ready is open and concurrent acquirers for the same directory
// block on it instead of spawning a second process.
type poolEntry struct {
	ready  chan struct{}
	handle *ServerHandle
	err    error
}

// ServerPool owns every coder server process. Single instance per daemon;
// torn down once via ShutdownAll.
type ServerPool struct {
	cfg     *config.Config
	starter exec.Starter

	mu       sync.Mutex
	entries  map[string]*poolEntry
	failed   map[string]bool
	shutdown bool
}

// NewServerPool creates a pool that spawns servers via starter.
func NewServerPool(cfg *config.Config, starter exec.Starter) *ServerPool {
	return &ServerPool{
		cfg:     cfg,
		starter: starter,
		entries: make(map[string]*poolEntry),
		failed:  make(map[string]bool),
	}
}

// Size returns the number of directory slots currently held, including
// spawns in flight.
func (p *ServerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Acquire returns the live server handle for a directory, spawning one if
// needed. Concurrent calls for the same directory coalesce onto a single
// spawn; calls for different directories proceed independently. A dead
// handle triggers a respawn, bounded by max_restart_retries, after which
// the directory is marked permanently failed.
func (p *ServerPool) Acquire(ctx context.Context, directory string) (*ServerHandle, error) {
	for {
		p.mu.Lock()
		if p.shutdown {
			p.mu.Unlock()
			return nil, ErrPoolShutDown
		}
		if p.failed[directory] {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: directory %s has exhausted restart attempts", ErrSpawnFailed, directory)
		}

		e := p.entries[directory]
		if e == nil {
			if len(p.entries) >= p.cfg.MaxServers() {
				p.mu.Unlock()
				return nil, fmt.Errorf("%w: %d servers live", ErrCapacityExceeded, p.cfg.MaxServers())
			}
			e = &poolEntry{ready: make(chan struct{})}
			p.entries[directory] = e
			p.mu.Unlock()

			p.spawn(directory, e, 0)
		} else {
			p.mu.Unlock()
		}

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if e.err != nil {
			return nil, e.err
		}
		if !e.handle.isDead() {
			return e.handle, nil
		}

		// The server crashed since it was last handed out. Replace the
		// entry and respawn, or give up if the bound is exhausted.
		if err := p.replaceDead(directory, e); err != nil {
			return nil, err
		}
	}
}

// replaceDead swaps a dead entry for a fresh spawn, or marks the
// directory permanently failed. Returns nil when the caller should retry
// the acquire loop.
func (p *ServerPool) replaceDead(directory string, dead *poolEntry) error {
	log := logger.WithComponent("pool")

	p.mu.Lock()
	if p.entries[directory] != dead {
		// Another acquirer already replaced it; loop and use theirs.
		p.mu.Unlock()
		return nil
	}

	restartCount := dead.handle.RestartCount() + 1
	if restartCount > p.cfg.MaxRestartRetries() {
		p.failed[directory] = true
		delete(p.entries, directory)
		p.mu.Unlock()
		log.Error("server restart attempts exhausted", "directory", directory, "attempts", restartCount-1)
		return fmt.Errorf("%w: directory %s has exhausted restart attempts", ErrSpawnFailed, directory)
	}

	fresh := &poolEntry{ready: make(chan struct{})}
	p.entries[directory] = fresh
	p.mu.Unlock()

	// Best effort; the process is usually already gone.
	dead.handle.proc.Kill()

	log.Info("respawning crashed server", "directory", directory, "attempt", restartCount)
	metrics.ServerRestartsTotal.Inc()
	time.Sleep(restartDelay)
	p.spawn(directory, fresh, restartCount)
	return nil
}

// spawn starts a server for the directory, polls it healthy, and
// publishes the result on the entry. It runs without the pool lock so
// spawns for different directories do not serialize.
func (p *ServerPool) spawn(directory string, e *poolEntry, restartCount int) {
	defer close(e.ready)

	log := logger.WithComponent("pool")

	port, err := freePort()
	if err != nil {
		p.failSpawn(directory, e, fmt.Errorf("%w: no free port: %v", ErrSpawnFailed, err))
		return
	}

	output := serverLogWriter(directory)

	binary := p.cfg.CoderBinaryPath()
	args := []string{"serve", "--hostname", "127.0.0.1", "--port", strconv.Itoa(port)}

	proc, err := p.starter.Start(directory, nil, output, binary, args...)
	if err != nil {
		p.failSpawn(directory, e, fmt.Errorf("%w: %v", ErrSpawnFailed, err))
		return
	}

	handle := &ServerHandle{
		directory:    directory,
		port:         port,
		proc:         proc,
		client:       coder.NewClient(fmt.Sprintf("http://127.0.0.1:%d", port)),
		health:       Starting,
		restartCount: restartCount,
		spawnedAt:    time.Now(),
	}

	go func() {
		<-proc.Done()
		if handle.markDead() == Healthy {
			metrics.ServersLive.Dec()
		}
		log.Info("server process exited", "directory", directory, "pid", handle.PID())
	}()

	log.Info("spawned server", "directory", directory, "port", port, "pid", handle.PID())

	if err := p.pollHealthy(handle); err != nil {
		proc.Kill()
		p.failSpawn(directory, e, err)
		return
	}

	// The process can exit between the last successful probe and here; the
	// done-watcher wins that race by marking the handle dead first.
	if !handle.markHealthy() {
		p.failSpawn(directory, e, fmt.Errorf("%w: process exited during startup", ErrSpawnFailed))
		return
	}
	metrics.ServerSpawnsTotal.Inc()
	metrics.ServersLive.Inc()
	e.handle = handle
	log.Info("server healthy", "directory", directory, "port", port)
}

// pollHealthy probes the server's health endpoint at the configured
// interval until it responds or the startup timeout elapses.
func (p *ServerPool) pollHealthy(handle *ServerHandle) error {
	timeout := p.cfg.ServerStartupTimeout()
	interval := p.cfg.HealthPollInterval()
	deadline := time.Now().Add(timeout)

	for {
		if handle.isDead() {
			return fmt.Errorf("%w: process exited during startup", ErrSpawnFailed)
		}

		probeCtx, cancel := context.WithTimeout(context.Background(), interval)
		err := handle.client.Health(probeCtx)
		cancel()
		if err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: after %s", ErrHealthTimeout, timeout)
		}
		time.Sleep(interval)
	}
}

// failSpawn records the spawn error and removes the entry so the next
// acquire can try again (failed spawns are not retained in the map).
func (p *ServerPool) failSpawn(directory string, e *poolEntry, err error) {
	e.err = err

	p.mu.Lock()
	if p.entries[directory] == e {
		delete(p.entries, directory)
	}
	p.mu.Unlock()

	logger.WithComponent("pool").Error("server spawn failed", "directory", directory, "error", err)
}

// MarkDead marks a handle dead, typically after a client request against
// it hit a refused or reset connection. The report is scoped to that
// handle: a failure observed late, after the directory already got a
// fresh server, must not condemn the replacement. The next Acquire for
// the directory will respawn.
func (p *ServerPool) MarkDead(handle *ServerHandle) {
	if handle == nil {
		return
	}

	p.mu.Lock()
	e := p.entries[handle.directory]
	p.mu.Unlock()

	if e == nil {
		return
	}

	select {
	case <-e.ready:
	default:
		// Still spawning; startup polling handles its own failures.
		return
	}

	if e.handle != handle {
		// Stale report against a handle that has been replaced.
		return
	}

	if handle.markDead() == Healthy {
		metrics.ServersLive.Dec()
		logger.WithComponent("pool").Warn("server marked dead", "directory", handle.directory)
	}
}

// ShutdownAll terminates every live server: graceful signal first, forced
// kill after the grace period. Called exactly once at daemon shutdown;
// the pool rejects acquisitions afterwards.
func (p *ServerPool) ShutdownAll() {
	log := logger.WithComponent("pool")

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	entries := make(map[string]*poolEntry, len(p.entries))
	for dir, e := range p.entries {
		entries[dir] = e
	}
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for dir, e := range entries {
		wg.Add(1)
		go func(dir string, e *poolEntry) {
			defer wg.Done()

			<-e.ready
			if e.handle == nil {
				return
			}
			stopServer(e.handle, log)
		}(dir, e)
	}
	wg.Wait()

	log.Info("all servers shut down", "count", len(entries))
}

// stopServer asks a server to exit and force-kills it if it does not
// leave within the grace period.
func stopServer(handle *ServerHandle, log *slog.Logger) {
	if handle.isDead() {
		return
	}

	if err := handle.proc.Signal(syscall.SIGTERM); err != nil {
		handle.proc.Kill()
		<-handle.proc.Done()
		return
	}

	select {
	case <-handle.proc.Done():
		log.Debug("server exited gracefully", "directory", handle.directory)
	case <-time.After(shutdownGrace):
		log.Warn("server did not exit, killing", "directory", handle.directory, "pid", handle.PID())
		handle.proc.Kill()
		<-handle.proc.Done()
	}
}

// freePort asks the kernel for an unused local port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// serverLogWriter opens the per-directory server log file, or returns nil
// so the server output is discarded when the log cannot be opened.
func serverLogWriter(directory string) io.Writer {
	path, err := logger.ServerLogPath(DirKey(directory))
	if err != nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil
	}
	return f
}
