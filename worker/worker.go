// Package worker drives coding-agent sessions: each Worker owns one task
// end to end, from acquiring a server out of the pool to emitting a
// terminal notification, and the Manager is the registry the channel
// layer talks to.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/orbitbot/orbit-core/coder"
	"github.com/orbitbot/orbit-core/logger"
	"github.com/orbitbot/orbit-core/pool"
)

var (
	// ErrStreamDisconnected means the event stream broke before the
	// session reached a terminal event.
	ErrStreamDisconnected = errors.New("event stream disconnected")

	// ErrCancelled means the worker was aborted by the channel layer.
	ErrCancelled = errors.New("worker cancelled")

	// ErrInputClosed means a follow-up was routed to a worker whose input
	// source is already closed.
	ErrInputClosed = errors.New("worker input closed")
)

// Status is the worker driver's lifecycle state.
type Status int

const (
	// StatusAcquiring means the worker is waiting on the server pool.
	StatusAcquiring Status = iota
	// StatusPrompting means the session is being created and the initial
	// task sent.
	StatusPrompting
	// StatusRunning means the worker is consuming stream events.
	StatusRunning
	// StatusAwaitingFollowUp means an interactive worker finished a turn
	// and is waiting for more input.
	StatusAwaitingFollowUp
	// StatusCompleted is the successful terminal state.
	StatusCompleted
	// StatusFailed is the failure terminal state.
	StatusFailed
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusAcquiring:
		return "acquiring"
	case StatusPrompting:
		return "prompting"
	case StatusRunning:
		return "running"
	case StatusAwaitingFollowUp:
		return "awaiting_follow_up"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// inputBacklog bounds queued follow-up prompts per worker.
const inputBacklog = 16

// abortTimeout bounds the abort request sent when a worker is cancelled.
const abortTimeout = 5 * time.Second

// Worker drives exactly one session from creation to a terminal outcome.
type Worker struct {
	ID          string
	AgentID     string
	ChannelID   string
	Task        string
	Directory   string
	Interactive bool

	pool        *pool.ServerPool
	notifier    Notifier
	permissions PermissionResolver
	questions   QuestionResolver

	inputMu     sync.Mutex
	input       chan string
	inputClosed bool

	mu            sync.Mutex
	status        Status
	sessionID     string
	result        strings.Builder
	failureReason string

	done chan struct{}
}

func newWorker(id, agentID, channelID, task, directory string, interactive bool,
	p *pool.ServerPool, notifier Notifier, permissions PermissionResolver, questions QuestionResolver) *Worker {
	return &Worker{
		ID:          id,
		AgentID:     agentID,
		ChannelID:   channelID,
		Task:        task,
		Directory:   directory,
		Interactive: interactive,
		pool:        p,
		notifier:    notifier,
		permissions: permissions,
		questions:   questions,
		input:       make(chan string, inputBacklog),
		done:        make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// SessionID returns the session this worker drives, once created.
func (w *Worker) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// Result returns the accumulated result text so far.
func (w *Worker) Result() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result.String()
}

// FailureReason returns why the worker failed, or empty.
func (w *Worker) FailureReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failureReason
}

// Done returns a channel closed when the worker reaches a terminal state.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// SendInput queues a follow-up prompt for an interactive worker.
func (w *Worker) SendInput(text string) error {
	w.inputMu.Lock()
	defer w.inputMu.Unlock()

	if w.inputClosed {
		return ErrInputClosed
	}
	select {
	case w.input <- text:
		return nil
	default:
		return fmt.Errorf("worker %s follow-up backlog full", w.ID)
	}
}

// CloseInput ends the worker's input source. An interactive worker
// awaiting follow-up completes with its last known result.
func (w *Worker) CloseInput() {
	w.inputMu.Lock()
	defer w.inputMu.Unlock()

	if !w.inputClosed {
		w.inputClosed = true
		close(w.input)
	}
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *Worker) setSessionID(id string) {
	w.mu.Lock()
	w.sessionID = id
	w.mu.Unlock()
}

func (w *Worker) appendResult(text string) {
	w.mu.Lock()
	w.result.WriteString(text)
	w.mu.Unlock()
}

// resetResult clears the accumulation at the start of a follow-up turn;
// the last turn's output wins.
func (w *Worker) resetResult() {
	w.mu.Lock()
	w.result.Reset()
	w.mu.Unlock()
}

func (w *Worker) ref() Ref {
	return Ref{AgentID: w.AgentID, WorkerID: w.ID, ChannelID: w.ChannelID}
}

func (w *Worker) notify(n Notification) {
	w.notifier.Notify(n)
}

// complete enters the successful terminal state and emits Complete.
func (w *Worker) complete() {
	w.setStatus(StatusCompleted)
	w.notify(Complete{Meta: w.ref(), Result: w.Result()})
	logger.WithWorker(w.ID).Info("worker completed", "directory", w.Directory)
}

// fail enters the failure terminal state and emits Failed.
func (w *Worker) fail(reason string) {
	w.mu.Lock()
	w.status = StatusFailed
	w.failureReason = reason
	w.mu.Unlock()

	w.notify(Failed{Meta: w.ref(), Reason: reason})
	logger.WithWorker(w.ID).Warn("worker failed", "directory", w.Directory, "reason", reason)
}

// Run drives the worker to a terminal state. It is called once, on its
// own goroutine, and closes Done when finished.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	log := logger.WithWorker(w.ID)
	log.Info("worker starting", "directory", w.Directory, "interactive", w.Interactive)

	w.setStatus(StatusAcquiring)
	handle, err := w.pool.Acquire(ctx, w.Directory)
	if err != nil {
		if ctx.Err() != nil {
			w.fail(ErrCancelled.Error())
			return
		}
		w.fail(fmt.Sprintf("failed to acquire server: %v", err))
		return
	}
	client := handle.Client()

	w.setStatus(StatusPrompting)
	sessionID, err := client.CreateSession(ctx)
	if err != nil {
		w.failTransport(ctx, handle, "failed to create session", err)
		return
	}
	w.setSessionID(sessionID)

	// Open the stream before the first prompt so no early event is lost.
	stream, err := client.OpenEventStream(ctx)
	if err != nil {
		w.failTransport(ctx, handle, "failed to open event stream", err)
		return
	}
	defer stream.Close()

	if err := client.SendPromptAsync(ctx, sessionID, w.Task); err != nil {
		w.failTransport(ctx, handle, "failed to send prompt", err)
		return
	}
	w.setStatus(StatusRunning)

	w.consume(ctx, handle, stream, sessionID)
}

// failTransport fails the worker on a request error, marking the handle
// dead when the error looks like a closed connection. The report names
// the handle the request ran against, so a failure surfacing after the
// directory was respawned does not touch the new server.
func (w *Worker) failTransport(ctx context.Context, handle *pool.ServerHandle, what string, err error) {
	if ctx.Err() != nil {
		w.fail(ErrCancelled.Error())
		return
	}
	if isConnFailure(err) {
		w.pool.MarkDead(handle)
	}
	w.fail(fmt.Sprintf("%s: %v", what, err))
}

// consume is the event loop: stream events in arrival order, plus
// follow-up input while awaiting it, plus cancellation.
func (w *Worker) consume(ctx context.Context, handle *pool.ServerHandle, stream *coder.EventStream, sessionID string) {
	log := logger.WithWorker(w.ID)
	client := handle.Client()

	// inputCh is nil except while awaiting follow-up, so the input case
	// stays disabled elsewhere.
	var inputCh <-chan string

	for {
		select {
		case <-ctx.Done():
			w.abort(client, sessionID)
			w.fail(ErrCancelled.Error())
			return

		case text, ok := <-inputCh:
			if !ok {
				// Input source closed while awaiting follow-up.
				w.complete()
				return
			}
			w.resetResult()
			if err := client.SendPromptAsync(ctx, sessionID, text); err != nil {
				w.failTransport(ctx, handle, "failed to send follow-up", err)
				return
			}
			w.setStatus(StatusRunning)
			inputCh = nil

		case e, ok := <-stream.Events():
			if !ok {
				if ctx.Err() != nil {
					w.abort(client, sessionID)
					w.fail(ErrCancelled.Error())
					return
				}
				w.pool.MarkDead(handle)
				w.fail(ErrStreamDisconnected.Error())
				return
			}

			// The stream is server-wide; skip other sessions' events.
			if sid := e.EventSessionID(); sid != "" && sid != sessionID {
				continue
			}

			switch ev := e.(type) {
			case coder.ToolUpdate:
				w.notify(StatusUpdate{Meta: w.ref(), Text: "running: " + ev.Tool})

			case coder.TextUpdate:
				w.appendResult(ev.Content)

			case coder.RetryStatus:
				w.notify(StatusUpdate{Meta: w.ref(), Text: "retrying: " + ev.Reason})

			case coder.SessionError:
				w.fail(ev.Message)
				return

			case coder.PermissionAsked:
				w.handlePermission(ctx, client, ev)

			case coder.QuestionAsked:
				w.handleQuestion(ctx, client, ev)

			case coder.Idle:
				if !w.Interactive {
					w.complete()
					return
				}
				w.setStatus(StatusAwaitingFollowUp)
				w.notify(StatusUpdate{Meta: w.ref(), Text: "waiting for follow-up"})
				inputCh = w.input

			case coder.Ignored:
				log.Debug("ignoring stream event", "tag", ev.Tag)
			}
		}
	}
}

// handlePermission surfaces the request, resolves it via the configured
// resolver, and replies to the server.
func (w *Worker) handlePermission(ctx context.Context, client *coder.Client, ev coder.PermissionAsked) {
	w.notify(PermissionRequest{
		Meta:        w.ref(),
		ID:          ev.ID,
		Tool:        ev.Tool,
		Description: ev.Description,
		Patterns:    ev.Patterns,
	})

	decision, err := w.permissions.ResolvePermission(ctx, ev)
	if err != nil {
		decision = "deny"
	}
	if err := client.ReplyPermission(ctx, ev.ID, decision); err != nil {
		logger.WithWorker(w.ID).Warn("failed to reply to permission", "permissionID", ev.ID, "error", err)
	}
}

// handleQuestion surfaces the questions, resolves answers, and replies.
func (w *Worker) handleQuestion(ctx context.Context, client *coder.Client, ev coder.QuestionAsked) {
	w.notify(QuestionRequest{Meta: w.ref(), ID: ev.ID, Questions: ev.Questions})

	answers, err := w.questions.ResolveQuestion(ctx, ev)
	if err != nil {
		answers = firstOptions(ev)
	}
	if err := client.ReplyQuestion(ctx, ev.ID, answers); err != nil {
		logger.WithWorker(w.ID).Warn("failed to reply to question", "questionID", ev.ID, "error", err)
	}
}

// abort tells the server to stop the session. Best effort with its own
// deadline; the worker's context is already cancelled.
func (w *Worker) abort(client *coder.Client, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	if err := client.AbortSession(ctx, sessionID); err != nil {
		logger.WithWorker(w.ID).Warn("failed to abort session", "sessionID", sessionID, "error", err)
	}
}

// isConnFailure reports whether err looks like a refused or reset
// connection, i.e. the server process is gone.
func isConnFailure(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
