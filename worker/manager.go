package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitbot/orbit-core/cli"
	"github.com/orbitbot/orbit-core/config"
	"github.com/orbitbot/orbit-core/logger"
	"github.com/orbitbot/orbit-core/metrics"
	"github.com/orbitbot/orbit-core/pool"
	"github.com/orbitbot/orbit-core/runlog"
)

var (
	// ErrWorkerNotFound means no active worker has the requested ID.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrNotInteractive means follow-up input was routed to a worker that
	// does not accept it.
	ErrNotInteractive = errors.New("worker is not interactive")

	// ErrCoderDisabled means the coder backend is turned off in
	// configuration.
	ErrCoderDisabled = errors.New("coder backend disabled")
)

// WorkerInfo is a point-in-time snapshot of one active worker.
type WorkerInfo struct {
	ID          string
	AgentID     string
	ChannelID   string
	Directory   string
	Task        string
	Interactive bool
	Status      Status
}

// managedWorker pairs a worker with its cancellation.
type managedWorker struct {
	worker *Worker
	cancel context.CancelFunc
}

// Manager is the registry the channel layer talks to: it spawns workers,
// routes follow-up input, cancels, and shuts everything down.
type Manager struct {
	cfg         *config.Config
	pool        *pool.ServerPool
	notifier    Notifier
	permissions PermissionResolver
	questions   QuestionResolver
	runs        *runlog.Store // may be nil

	mu      sync.Mutex
	workers map[string]*managedWorker
	wg      sync.WaitGroup
}

// NewManager creates a manager over the pool. runs may be nil to skip run
// history. Permission and question resolution default to the configured
// policy map; use SetResolvers to swap in channel-routed ones.
func NewManager(cfg *config.Config, p *pool.ServerPool, notifier Notifier, runs *runlog.Store) *Manager {
	resolver := NewPolicyResolver(cfg, nil)
	return &Manager{
		cfg:         cfg,
		pool:        p,
		notifier:    notifier,
		permissions: resolver,
		questions:   resolver,
		runs:        runs,
		workers:     make(map[string]*managedWorker),
	}
}

// SetResolvers replaces the permission and question resolvers. Call
// before the first Spawn.
func (m *Manager) SetResolvers(permissions PermissionResolver, questions QuestionResolver) {
	m.permissions = permissions
	m.questions = questions
}

// Preflight verifies the external tools workers depend on. Called once
// at daemon startup, before the first Spawn.
func (m *Manager) Preflight() error {
	return cli.ValidateRequired(cli.Prerequisites(m.cfg))
}

// Spawn starts a worker for the task and returns its ID immediately; the
// worker runs on its own goroutine and reports through the notifier.
func (m *Manager) Spawn(agentID, channelID, task, directory string, interactive bool) (string, error) {
	if !m.cfg.CoderEnabled() {
		return "", ErrCoderDisabled
	}

	id := uuid.New().String()
	w := newWorker(id, agentID, channelID, task, directory, interactive,
		m.pool, m.notifier, m.permissions, m.questions)

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.workers[id] = &managedWorker{worker: w, cancel: cancel}
	m.mu.Unlock()

	started := time.Now()
	m.recordStart(w, started)
	metrics.WorkersSpawnedTotal.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		w.Run(ctx)
		m.finalize(w, started)
	}()

	logger.WithWorker(id).Info("worker spawned",
		"agentID", agentID, "channelID", channelID, "directory", directory, "interactive", interactive)
	return id, nil
}

// finalize records the terminal outcome and removes the worker from the
// active set.
func (m *Manager) finalize(w *Worker, started time.Time) {
	m.mu.Lock()
	delete(m.workers, w.ID)
	m.mu.Unlock()

	status := w.Status()
	outcome := "completed"
	if status == StatusFailed {
		outcome = "failed"
	}
	metrics.WorkersFinishedTotal.WithLabelValues(outcome).Inc()
	metrics.WorkerDurationSeconds.Observe(time.Since(started).Seconds())

	if m.runs != nil {
		err := m.runs.RecordFinish(w.ID, status.String(), w.Result(), w.FailureReason(), time.Now())
		if err != nil {
			logger.WithWorker(w.ID).Error("failed to record run finish", "error", err)
		}
	}
}

func (m *Manager) recordStart(w *Worker, started time.Time) {
	if m.runs == nil {
		return
	}
	err := m.runs.RecordStart(runlog.Run{
		ID:          w.ID,
		AgentID:     w.AgentID,
		ChannelID:   w.ChannelID,
		Directory:   w.Directory,
		Task:        w.Task,
		Interactive: w.Interactive,
		Status:      StatusRunning.String(),
		StartedAt:   started,
	})
	if err != nil {
		logger.WithWorker(w.ID).Error("failed to record run start", "error", err)
	}
}

// get returns the active worker with the given ID.
func (m *Manager) get(workerID string) (*managedWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mw, ok := m.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return mw, nil
}

// Route delivers follow-up text to an interactive worker.
func (m *Manager) Route(workerID, text string) error {
	mw, err := m.get(workerID)
	if err != nil {
		return err
	}
	if !mw.worker.Interactive {
		return fmt.Errorf("%w: %s", ErrNotInteractive, workerID)
	}
	return mw.worker.SendInput(text)
}

// CloseInput ends an interactive worker's input source; a worker awaiting
// follow-up completes with its last known result.
func (m *Manager) CloseInput(workerID string) error {
	mw, err := m.get(workerID)
	if err != nil {
		return err
	}
	if !mw.worker.Interactive {
		return fmt.Errorf("%w: %s", ErrNotInteractive, workerID)
	}
	mw.worker.CloseInput()
	return nil
}

// Cancel aborts a worker. The worker transitions to Failed with a
// cancelled reason; the abort is asynchronous.
func (m *Manager) Cancel(workerID string) error {
	mw, err := m.get(workerID)
	if err != nil {
		return err
	}
	mw.cancel()
	return nil
}

// ActiveWorkers returns a snapshot of every worker that has not reached a
// terminal state.
func (m *Manager) ActiveWorkers() []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(m.workers))
	for _, mw := range m.workers {
		w := mw.worker
		infos = append(infos, WorkerInfo{
			ID:          w.ID,
			AgentID:     w.AgentID,
			ChannelID:   w.ChannelID,
			Directory:   w.Directory,
			Task:        w.Task,
			Interactive: w.Interactive,
			Status:      w.Status(),
		})
	}
	return infos
}

// Shutdown cancels every active worker, waits for them to finish, then
// shuts the server pool down. Called once at daemon shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, mw := range m.workers {
		mw.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.pool.ShutdownAll()

	logger.WithComponent("manager").Info("worker manager shut down")
}
