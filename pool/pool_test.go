package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/orbitbot/orbit-core/config"
	"github.com/orbitbot/orbit-core/exec"
)

func testConfig(maxServers, maxRestarts int) *config.Config {
	cfg := &config.Config{
		Coder: config.CoderConfig{
			BinaryPath:           "coder",
			Enabled:              true,
			MaxServers:           maxServers,
			ServerStartupTimeout: &config.Duration{Duration: 2 * time.Second},
			HealthPollInterval:   &config.Duration{Duration: 20 * time.Millisecond},
			MaxRestartRetries:    &maxRestarts,
		},
	}
	return cfg
}

// gracefulProc is a fake process that exits as soon as it receives any
// signal, so graceful-shutdown paths run without waiting out the grace
// period.
type gracefulProc struct {
	*exec.FakeProcess
}

func (p gracefulProc) Signal(sig os.Signal) error {
	p.FakeProcess.Signal(sig)
	p.Exit(nil)
	return nil
}

func portFromArgs(t *testing.T, args []string) int {
	t.Helper()
	for i, a := range args {
		if a == "--port" && i+1 < len(args) {
			port, err := strconv.Atoi(args[i+1])
			if err != nil {
				t.Fatalf("bad port arg %q", args[i+1])
			}
			return port
		}
	}
	t.Fatalf("no --port in args %v", args)
	return 0
}

// healthyStarter spawns a fake server that binds the allocated port and
// answers health probes until its process exits.
func healthyStarter(t *testing.T) *exec.MockStarter {
	t.Helper()
	starter := exec.NewMockStarter()
	starter.OnStart = func(call exec.StartCall) (exec.ProcessHandle, error) {
		port := portFromArgs(t, call.Args)

		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return nil, err
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"ok"}`))
		})
		srv := &http.Server{Handler: mux}
		go srv.Serve(l)

		proc := exec.NewFakeProcess()
		go func() {
			<-proc.Done()
			srv.Close()
		}()
		t.Cleanup(func() {
			proc.Exit(nil)
			srv.Close()
		})

		return gracefulProc{proc}, nil
	}
	return starter
}

func waitForDead(t *testing.T, h *ServerHandle) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.Health() != Dead {
		if time.Now().After(deadline) {
			t.Fatal("handle never marked dead")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAcquire_SpawnsAndReuses(t *testing.T) {
	starter := healthyStarter(t)
	p := NewServerPool(testConfig(5, 3), starter)
	defer p.ShutdownAll()

	h1, err := p.Acquire(context.Background(), "/proj")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h1.Health() != Healthy {
		t.Errorf("health = %v, want healthy", h1.Health())
	}
	if h1.Directory() != "/proj" {
		t.Errorf("directory = %q", h1.Directory())
	}

	h2, err := p.Acquire(context.Background(), "/proj")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if h1 != h2 {
		t.Error("second Acquire should return the same handle")
	}
	if starter.StartCount() != 1 {
		t.Errorf("StartCount = %d, want 1 (no second spawn)", starter.StartCount())
	}
}

func TestAcquire_ConcurrentSameDirectory(t *testing.T) {
	starter := healthyStarter(t)
	p := NewServerPool(testConfig(5, 3), starter)
	defer p.ShutdownAll()

	const n = 8
	handles := make([]*ServerHandle, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = p.Acquire(context.Background(), "/proj")
		}(i)
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("Acquire[%d]: %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Fatalf("Acquire[%d] returned a different handle", i)
		}
	}
	if starter.StartCount() != 1 {
		t.Errorf("StartCount = %d, want exactly 1 spawn", starter.StartCount())
	}
}

func TestAcquire_DifferentDirectoriesIndependent(t *testing.T) {
	starter := healthyStarter(t)
	p := NewServerPool(testConfig(5, 3), starter)
	defer p.ShutdownAll()

	h1, err := p.Acquire(context.Background(), "/proj-a")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	h2, err := p.Acquire(context.Background(), "/proj-b")
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}

	if h1 == h2 {
		t.Error("different directories should get different handles")
	}
	if h1.Port() == h2.Port() {
		t.Error("different servers should get different ports")
	}
	if p.Size() != 2 {
		t.Errorf("Size = %d, want 2", p.Size())
	}
}

func TestAcquire_CapacityExceeded(t *testing.T) {
	starter := healthyStarter(t)
	p := NewServerPool(testConfig(1, 3), starter)
	defer p.ShutdownAll()

	if _, err := p.Acquire(context.Background(), "/proj-a"); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}

	_, err := p.Acquire(context.Background(), "/proj-b")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}

	// The existing handle is untouched.
	if p.Size() != 1 {
		t.Errorf("Size = %d, want 1", p.Size())
	}
	h, err := p.Acquire(context.Background(), "/proj-a")
	if err != nil || h.Health() != Healthy {
		t.Errorf("existing handle should survive: %v, %v", h, err)
	}
}

func TestAcquire_HealthTimeout(t *testing.T) {
	// Process starts but never binds the port.
	starter := exec.NewMockStarter()
	cfg := testConfig(5, 3)
	cfg.Coder.ServerStartupTimeout = &config.Duration{Duration: 150 * time.Millisecond}

	p := NewServerPool(cfg, starter)
	defer p.ShutdownAll()

	_, err := p.Acquire(context.Background(), "/proj")
	if !errors.Is(err, ErrHealthTimeout) {
		t.Fatalf("err = %v, want ErrHealthTimeout", err)
	}

	// Failed spawns are not retained.
	if p.Size() != 0 {
		t.Errorf("Size = %d, want 0", p.Size())
	}
}

func TestAcquire_SpawnError(t *testing.T) {
	starter := exec.NewMockStarter()
	starter.OnStart = func(call exec.StartCall) (exec.ProcessHandle, error) {
		return nil, fmt.Errorf("binary not found")
	}

	p := NewServerPool(testConfig(5, 3), starter)
	defer p.ShutdownAll()

	_, err := p.Acquire(context.Background(), "/proj")
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("err = %v, want ErrSpawnFailed", err)
	}

	// A failed spawn does not consume the slot; the next acquire tries
	// again.
	p.Acquire(context.Background(), "/proj")
	if starter.StartCount() != 2 {
		t.Errorf("StartCount = %d, want 2", starter.StartCount())
	}
}

func TestAcquire_DeadHandleRespawns(t *testing.T) {
	starter := healthyStarter(t)
	p := NewServerPool(testConfig(5, 3), starter)
	defer p.ShutdownAll()

	h1, err := p.Acquire(context.Background(), "/proj")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	h1.proc.(gracefulProc).Exit(fmt.Errorf("crashed"))
	waitForDead(t, h1)

	h2, err := p.Acquire(context.Background(), "/proj")
	if err != nil {
		t.Fatalf("Acquire after crash: %v", err)
	}
	if h2 == h1 {
		t.Fatal("expected a fresh handle after crash")
	}
	if h2.RestartCount() != 1 {
		t.Errorf("RestartCount = %d, want 1", h2.RestartCount())
	}
	if h2.Health() != Healthy {
		t.Errorf("health = %v, want healthy", h2.Health())
	}
	if starter.StartCount() != 2 {
		t.Errorf("StartCount = %d, want 2", starter.StartCount())
	}
}

func TestAcquire_RestartBoundExhausted(t *testing.T) {
	starter := healthyStarter(t)
	p := NewServerPool(testConfig(5, 1), starter)
	defer p.ShutdownAll()

	h1, err := p.Acquire(context.Background(), "/proj")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	h1.proc.(gracefulProc).Exit(fmt.Errorf("crash 1"))
	waitForDead(t, h1)

	h2, err := p.Acquire(context.Background(), "/proj")
	if err != nil {
		t.Fatalf("Acquire after first crash: %v", err)
	}

	h2.proc.(gracefulProc).Exit(fmt.Errorf("crash 2"))
	waitForDead(t, h2)

	// Second crash exceeds max_restart_retries = 1.
	_, err = p.Acquire(context.Background(), "/proj")
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("err = %v, want ErrSpawnFailed", err)
	}

	// The directory stays failed for the rest of the process lifetime.
	_, err = p.Acquire(context.Background(), "/proj")
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("err = %v, want ErrSpawnFailed on repeat", err)
	}
	if starter.StartCount() != 2 {
		t.Errorf("StartCount = %d, want 2 (no spawn after exhaustion)", starter.StartCount())
	}
}

func TestMarkDead(t *testing.T) {
	starter := healthyStarter(t)
	p := NewServerPool(testConfig(5, 3), starter)
	defer p.ShutdownAll()

	h1, err := p.Acquire(context.Background(), "/proj")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	p.MarkDead(h1)
	if h1.Health() != Dead {
		t.Fatalf("health = %v, want dead", h1.Health())
	}

	h2, err := p.Acquire(context.Background(), "/proj")
	if err != nil {
		t.Fatalf("Acquire after MarkDead: %v", err)
	}
	if h2 == h1 {
		t.Error("expected a fresh handle after MarkDead")
	}
}

func TestMarkDead_UnknownHandleIsNoop(t *testing.T) {
	p := NewServerPool(testConfig(5, 3), exec.NewMockStarter())
	p.MarkDead(nil)
	p.MarkDead(&ServerHandle{directory: "/nowhere"})
}

func TestMarkDead_StaleHandleIgnored(t *testing.T) {
	starter := healthyStarter(t)
	p := NewServerPool(testConfig(5, 3), starter)
	defer p.ShutdownAll()

	h1, err := p.Acquire(context.Background(), "/proj")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	h1.proc.(gracefulProc).Exit(fmt.Errorf("crashed"))
	waitForDead(t, h1)

	h2, err := p.Acquire(context.Background(), "/proj")
	if err != nil {
		t.Fatalf("Acquire after crash: %v", err)
	}

	// A request that was in flight against the old server fails late and
	// reports the old handle; the respawned server must stay up.
	p.MarkDead(h1)

	if h2.Health() != Healthy {
		t.Fatalf("health = %v, respawned server condemned by a stale failure report", h2.Health())
	}

	h3, err := p.Acquire(context.Background(), "/proj")
	if err != nil {
		t.Fatalf("Acquire after stale report: %v", err)
	}
	if h3 != h2 {
		t.Error("stale report should not force a respawn")
	}
	if starter.StartCount() != 2 {
		t.Errorf("StartCount = %d, want 2", starter.StartCount())
	}
}

func TestHandle_MarkHealthy(t *testing.T) {
	h := &ServerHandle{health: Starting}
	if !h.markHealthy() {
		t.Error("a starting handle should become healthy")
	}
	if h.Health() != Healthy {
		t.Errorf("health = %v, want healthy", h.Health())
	}

	// A process that exits during startup wins the race: the handle is
	// already dead and must not be published as healthy.
	crashed := &ServerHandle{health: Starting}
	crashed.markDead()
	if crashed.markHealthy() {
		t.Error("a dead handle must not become healthy")
	}
	if crashed.Health() != Dead {
		t.Errorf("health = %v, want dead", crashed.Health())
	}
}

func TestShutdownAll(t *testing.T) {
	starter := healthyStarter(t)
	p := NewServerPool(testConfig(5, 3), starter)

	h1, err := p.Acquire(context.Background(), "/proj-a")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	h2, err := p.Acquire(context.Background(), "/proj-b")
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}

	p.ShutdownAll()

	for _, h := range []*ServerHandle{h1, h2} {
		select {
		case <-h.proc.Done():
		default:
			t.Errorf("server %s still running after ShutdownAll", h.Directory())
		}
	}
	if p.Size() != 0 {
		t.Errorf("Size = %d, want 0", p.Size())
	}

	if _, err := p.Acquire(context.Background(), "/proj-a"); !errors.Is(err, ErrPoolShutDown) {
		t.Errorf("err = %v, want ErrPoolShutDown", err)
	}

	// Safe to call again.
	p.ShutdownAll()
}

func TestAcquire_ContextCancelled(t *testing.T) {
	// A spawn that never finishes binding.
	starter := exec.NewMockStarter()

	cfg := testConfig(5, 3)
	cfg.Coder.ServerStartupTimeout = &config.Duration{Duration: time.Second}
	p := NewServerPool(cfg, starter)
	defer p.ShutdownAll()

	// First acquirer owns the (stuck) spawn; second waits on it with a
	// short deadline.
	go p.Acquire(context.Background(), "/proj")

	deadline := time.Now().Add(2 * time.Second)
	for p.Size() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("spawn never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, "/proj")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestDirKey(t *testing.T) {
	k1 := DirKey("/home/user/proj")
	k2 := DirKey("/home/other/proj")

	if k1 == k2 {
		t.Error("different directories should get different keys")
	}
	for _, k := range []string{k1, k2} {
		if len(k) == 0 {
			t.Error("empty key")
		}
		for _, r := range k {
			if r == '/' {
				t.Errorf("key %q contains a path separator", k)
			}
		}
	}
}

func TestHealthString(t *testing.T) {
	tests := []struct {
		h    Health
		want string
	}{
		{Starting, "starting"},
		{Healthy, "healthy"},
		{Dead, "dead"},
	}
	for _, tt := range tests {
		if got := tt.h.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.h, got, tt.want)
		}
	}
}
