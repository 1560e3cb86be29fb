package coder

import (
	"encoding/json"
	"fmt"
)

// Event is a single decoded event from the coder server's stream.
// The concrete type identifies the event kind.
type Event interface {
	// EventSessionID returns the session the event belongs to, or empty
	// for server-wide events.
	EventSessionID() string
}

// ToolUpdate reports that the session started or switched tools.
type ToolUpdate struct {
	SessionID string `json:"sessionID"`
	Tool      string `json:"tool"`
}

// TextUpdate carries a fragment of assistant output text.
type TextUpdate struct {
	SessionID string `json:"sessionID"`
	Content   string `json:"content"`
}

// Idle reports that the session finished its current turn.
type Idle struct {
	SessionID string `json:"sessionID"`
}

// SessionError reports a failure inside the session.
type SessionError struct {
	SessionID string `json:"sessionID"`
	Message   string `json:"message"`
}

// RetryStatus reports that the server is retrying a transient failure.
type RetryStatus struct {
	SessionID string `json:"sessionID"`
	Reason    string `json:"reason"`
}

// PermissionAsked reports that the session is blocked on a permission
// decision.
type PermissionAsked struct {
	SessionID   string   `json:"sessionID"`
	ID          string   `json:"id"`
	Tool        string   `json:"tool,omitempty"`
	Description string   `json:"description"`
	Patterns    []string `json:"patterns,omitempty"`
}

// QuestionAsked reports that the session is blocked on answers to one or
// more questions.
type QuestionAsked struct {
	SessionID string     `json:"sessionID"`
	ID        string     `json:"id"`
	Questions []Question `json:"questions"`
}

// Question is a single question with its offered options.
type Question struct {
	Text    string           `json:"text"`
	Options []QuestionOption `json:"options"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Ignored is an event kind this client does not consume (file watcher,
// LSP, terminal, plugin bridge). Kept so callers can log the tag.
type Ignored struct {
	Tag string
}

func (e ToolUpdate) EventSessionID() string      { return e.SessionID }
func (e TextUpdate) EventSessionID() string      { return e.SessionID }
func (e Idle) EventSessionID() string            { return e.SessionID }
func (e SessionError) EventSessionID() string    { return e.SessionID }
func (e RetryStatus) EventSessionID() string     { return e.SessionID }
func (e PermissionAsked) EventSessionID() string { return e.SessionID }
func (e QuestionAsked) EventSessionID() string   { return e.SessionID }
func (e Ignored) EventSessionID() string         { return "" }

// eventEnvelope is the wire shape of every stream event.
type eventEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// ParseEvent decodes a single stream payload into an Event. Unknown tags
// decode to Ignored rather than failing, so the protocol can grow without
// breaking older clients. Malformed JSON is the only error case.
func ParseEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}

	switch env.Type {
	case "tool.updated":
		var e ToolUpdate
		if err := unmarshalProps(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "text.updated":
		var e TextUpdate
		if err := unmarshalProps(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "session.idle":
		var e Idle
		if err := unmarshalProps(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "session.error":
		var e SessionError
		if err := unmarshalProps(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "session.retry":
		var e RetryStatus
		if err := unmarshalProps(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "permission.asked":
		var e PermissionAsked
		if err := unmarshalProps(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "question.asked":
		var e QuestionAsked
		if err := unmarshalProps(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return Ignored{Tag: env.Type}, nil
	}
}

func unmarshalProps(env eventEnvelope, v any) error {
	if len(env.Properties) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Properties, v); err != nil {
		return fmt.Errorf("malformed %s properties: %w", env.Type, err)
	}
	return nil
}
