package remote

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// WSNotifier delivers change signals over a websocket feed. One message
// from the server means "something in this project changed"; the payload
// is ignored, the delta sync pulls the actual rows.
type WSNotifier struct {
	baseURL string
	log     zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewWSNotifier creates a websocket change notifier against the remote
// base URL (http/https; the scheme is switched to ws/wss on dial).
func NewWSNotifier(baseURL string, log zerolog.Logger) *WSNotifier {
	return &WSNotifier{baseURL: baseURL, log: log}
}

// Subscribe dials the change feed and blocks reading it, invoking
// onChange per message, until the connection drops or ctx is cancelled.
// A dropped connection returns an error; the caller decides whether to
// redial or fall back to polling.
func (n *WSNotifier) Subscribe(ctx context.Context, projectID string, onChange func()) error {
	u, err := url.Parse(n.baseURL)
	if err != nil {
		return fmt.Errorf("invalid remote url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/v1/changes"
	u.RawQuery = url.Values{"project": {projectID}}.Encode()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	dialCancel()
	if err != nil {
		return fmt.Errorf("failed to dial change feed: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.conn = conn
	n.cancel = cancel
	n.mu.Unlock()

	n.log.Debug().Str("project", projectID).Msg("change feed connected")

	for {
		_, _, err := conn.Read(readCtx)
		if err != nil {
			n.mu.Lock()
			n.conn = nil
			n.cancel = nil
			n.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if readCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("change feed closed: %w", err)
		}
		onChange()
	}
}

// Unsubscribe closes the active feed, if any.
func (n *WSNotifier) Unsubscribe() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	if n.conn != nil {
		_ = n.conn.Close(websocket.StatusNormalClosure, "client unsubscribed")
		n.conn = nil
	}
}

// PollNotifier is the poll-based ChangeNotifier fallback: it fires
// onChange at a fixed interval and lets the delta sync decide whether
// anything actually changed.
type PollNotifier struct {
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewPollNotifier creates a polling notifier.
func NewPollNotifier(interval time.Duration) *PollNotifier {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PollNotifier{interval: interval}
}

// Subscribe ticks onChange until ctx is cancelled or Unsubscribe is
// called. Always returns nil on clean shutdown.
func (n *PollNotifier) Subscribe(ctx context.Context, projectID string, onChange func()) error {
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			onChange()
		}
	}
}

// Unsubscribe stops the ticker loop.
func (n *PollNotifier) Unsubscribe() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
}
