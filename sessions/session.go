package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ggoodman/mcp-rest-gateway/internal/jsonrpc"
)

var (
	// ErrSessionNotFound is returned for ids that do not name a live session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrBadSession is returned when a message other than initialize arrives
	// without a session id.
	ErrBadSession = errors.New("bad request: no valid session id provided")
)

// Server is the protocol server instance bound to a single session.
type Server interface {
	// HandleRequest answers a request. Protocol failures are reported as
	// JSON-RPC error responses, never as a nil response.
	HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
	HandleNotification(ctx context.Context, req *jsonrpc.Request)
}

// ServerFactory builds the server instance for a new session.
type ServerFactory func(sessionID string) Server

// Session is a registered (server, transport) pair.
type Session struct {
	ID        string
	Server    Server
	Transport *Transport
	CreatedAt time.Time
}

// Transport is the lifetime handle of a session. Closing it removes the
// session from its Manager.
type Transport struct {
	done    chan struct{}
	once    sync.Once
	onClose func(reason string)

	mu    sync.Mutex
	idle  time.Duration
	timer *time.Timer
}

func newTransport(idle time.Duration, onClose func(reason string)) *Transport {
	t := &Transport{
		done:    make(chan struct{}),
		onClose: onClose,
		idle:    idle,
	}
	if idle > 0 {
		t.timer = time.AfterFunc(idle, func() { t.close("idle") })
	}
	return t
}

// Done is closed once the transport has closed.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Touch restarts the idle timer. It is a no-op without an idle timeout or
// after close.
func (t *Transport) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil || t.Closed() {
		return
	}
	t.timer.Reset(t.idle)
}

// Close closes the transport. It is safe to call more than once.
func (t *Transport) Close() {
	t.close("closed")
}

func (t *Transport) close(reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		if t.timer != nil {
			t.timer.Stop()
		}
		close(t.done)
		t.mu.Unlock()

		if t.onClose != nil {
			t.onClose(reason)
		}
	})
}
