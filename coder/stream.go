package coder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/orbitbot/orbit-core/logger"
)

// maxEventLineSize bounds a single SSE data line. Text updates can carry
// large diffs, so this is generous.
const maxEventLineSize = 4 * 1024 * 1024

// EventStream is one open connection to the server's event stream. Events
// arrive on Events() in the order the server sent them. The stream is not
// restartable; after a disconnect the caller opens a new one.
type EventStream struct {
	events chan Event
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// OpenEventStream connects to GET /event and starts decoding. The stream
// runs until the connection closes, the server ends it, or ctx is
// cancelled. The returned stream's Events channel is closed on any of
// those; Err reports why.
func (c *Client) OpenEventStream(ctx context.Context) (*EventStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	s := &EventStream{
		events: make(chan Event, 64),
		cancel: cancel,
	}

	go s.readLoop(ctx, resp.Body)

	return s, nil
}

// Events returns the in-order event channel. It is closed when the stream
// ends; check Err afterwards to distinguish disconnect from close.
func (s *EventStream) Events() <-chan Event {
	return s.events
}

// Err returns the reason the stream ended, or nil if it was closed
// deliberately. Valid after the Events channel is closed.
func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the stream connection. Safe to call more than once.
func (s *EventStream) Close() {
	s.cancel()
}

func (s *EventStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// readLoop scans SSE lines off the response body and delivers decoded
// events in order. It is the sole writer to the events channel.
func (s *EventStream) readLoop(ctx context.Context, body io.ReadCloser) {
	defer close(s.events)
	defer body.Close()

	log := logger.WithComponent("coder")

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxEventLineSize)

	for scanner.Scan() {
		line := scanner.Text()

		// SSE framing: events arrive as "data: <json>" lines separated by
		// blank lines. Comments (lines starting with ":") are keepalives.
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		event, err := ParseEvent([]byte(data))
		if err != nil {
			log.Warn("skipping malformed stream event", "error", err)
			continue
		}

		select {
		case s.events <- event:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.setErr(fmt.Errorf("event stream disconnected: %w", err))
		return
	}
	if ctx.Err() == nil {
		// Server closed the connection cleanly; still a disconnect from
		// the consumer's point of view.
		s.setErr(fmt.Errorf("event stream closed by server"))
	}
}
