package pool

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"
	"time"

	"github.com/orbitbot/orbit-core/coder"
	"github.com/orbitbot/orbit-core/exec"
)

// Health describes a server handle's liveness.
type Health int

const (
	// Starting means the process has been spawned but has not yet passed
	// a health probe.
	Starting Health = iota
	// Healthy means the server is reachable and accepting sessions.
	Healthy
	// Dead means the process exited or a request hit a closed connection.
	// A dead handle is never handed out again.
	Dead
)

// String returns a human-readable health name.
func (h Health) String() string {
	switch h {
	case Starting:
		return "starting"
	case Healthy:
		return "healthy"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// ServerHandle is one live coder server bound to a working directory.
// Handles are owned by the pool; callers get read access via Acquire and
// talk to the server through Client().
type ServerHandle struct {
	directory string
	port      int
	proc      exec.ProcessHandle
	client    *coder.Client

	mu           sync.Mutex
	health       Health
	restartCount int
	spawnedAt    time.Time
}

// Directory returns the working directory this server is bound to.
func (h *ServerHandle) Directory() string {
	return h.directory
}

// Port returns the local port the server listens on.
func (h *ServerHandle) Port() int {
	return h.port
}

// BaseURL returns the server's base URL.
func (h *ServerHandle) BaseURL() string {
	return h.client.BaseURL()
}

// Client returns the session client for this server.
func (h *ServerHandle) Client() *coder.Client {
	return h.client
}

// PID returns the server's process ID.
func (h *ServerHandle) PID() int {
	return h.proc.PID()
}

// Health returns the handle's current liveness state.
func (h *ServerHandle) Health() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

// RestartCount returns how many times the directory's server has been
// respawned after a crash.
func (h *ServerHandle) RestartCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restartCount
}

// SpawnedAt returns when the underlying process was started.
func (h *ServerHandle) SpawnedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spawnedAt
}

// markHealthy transitions Starting to Healthy and reports whether this
// call did the transition, so the caller increments the live gauge only
// for a process that did not exit during startup.
func (h *ServerHandle) markHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.health != Starting {
		return false
	}
	h.health = Healthy
	return true
}

// markDead transitions the handle to Dead and returns the previous
// health, so callers can tell whether this call did the transition.
func (h *ServerHandle) markDead() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.health
	h.health = Dead
	return prev
}

func (h *ServerHandle) isDead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health == Dead
}

// DirKey returns a short filesystem-safe identifier for a working
// directory, used to name per-server log files.
func DirKey(directory string) string {
	hash := fnv.New32a()
	hash.Write([]byte(directory))
	return fmt.Sprintf("%s-%08x", filepath.Base(directory), hash.Sum32())
}
