package worker

import (
	"github.com/orbitbot/orbit-core/coder"
)

// Ref identifies which worker a notification belongs to and which
// channel it should be delivered to.
type Ref struct {
	AgentID   string
	WorkerID  string
	ChannelID string
}

// Notification is one outbound message to the channel layer. The
// concrete type identifies the kind.
type Notification interface {
	// NotificationRef returns the worker/channel addressing for routing.
	NotificationRef() Ref
}

// StatusUpdate is a transient progress line ("running: shell").
type StatusUpdate struct {
	Meta Ref
	Text string
}

// Complete is the successful terminal notification, carrying the
// accumulated result text. Emitted exactly once per worker.
type Complete struct {
	Meta   Ref
	Result string
}

// Failed is the failure terminal notification. Emitted exactly once per
// worker.
type Failed struct {
	Meta   Ref
	Reason string
}

// PermissionRequest surfaces a pending permission decision to the
// channel. The worker resolves it independently via its resolver; this
// notification is informational until channel-routed asking is wired up.
type PermissionRequest struct {
	Meta        Ref
	ID          string
	Tool        string
	Description string
	Patterns    []string
}

// QuestionRequest surfaces pending questions to the channel.
type QuestionRequest struct {
	Meta      Ref
	ID        string
	Questions []coder.Question
}

func (n StatusUpdate) NotificationRef() Ref      { return n.Meta }
func (n Complete) NotificationRef() Ref          { return n.Meta }
func (n Failed) NotificationRef() Ref            { return n.Meta }
func (n PermissionRequest) NotificationRef() Ref { return n.Meta }
func (n QuestionRequest) NotificationRef() Ref   { return n.Meta }

// Notifier receives worker notifications. The channel layer implements
// this; tests collect into a slice. Notify must not block for long — it
// is called from the worker's event loop.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }
