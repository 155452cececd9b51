// Package transport implements the client-side bidirectional ordered
// message pipe to the coordinator over a WebSocket, grounded on the
// teacher's client/transport.go actor shape: mutex-guarded connection
// flags, a callback-setter surface guarded by its own mutex, and a cancellable
// per-connection context that survives reconnects.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pirateradio/internal/domain"
	"pirateradio/internal/wire"
)

// ConnState is a value in the connection_state() stream.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
	Resyncing
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Resyncing:
		return "resyncing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	minBackoff = 250 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Transport is the client-side Transport component.
type Transport struct {
	codec *wire.Codec
	log   *slog.Logger

	cbMu          sync.RWMutex
	onMessage     func(domain.Envelope)
	onDecodeError func(raw []byte, err error)
	onState       func(ConnState, int, string)

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	connected bool
	closed    bool

	sendCh chan []byte
}

// New constructs a Transport. codec must not be nil.
func New(codec *wire.Codec, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{codec: codec, log: log, sendCh: make(chan []byte, 64)}
}

// SetOnMessage registers the callback invoked for each decoded inbound
// SyncMessage, in arrival order.
func (t *Transport) SetOnMessage(fn func(domain.Envelope)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onMessage = fn
}

// SetOnDecodeError registers the callback invoked when an inbound frame
// fails to decode. Per SPEC_FULL.md section 4.3, decode failures are
// never silently dropped.
func (t *Transport) SetOnDecodeError(fn func(raw []byte, err error)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onDecodeError = fn
}

// SetOnConnectionState registers the callback invoked on every
// connection_state() transition. attempt is meaningful only for
// Reconnecting; reason is meaningful only for Failed.
func (t *Transport) SetOnConnectionState(fn func(state ConnState, attempt int, reason string)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onState = fn
}

func (t *Transport) emitState(state ConnState, attempt int, reason string) {
	t.cbMu.RLock()
	cb := t.onState
	t.cbMu.RUnlock()
	if cb != nil {
		cb(state, attempt, reason)
	}
}

// Connect establishes a session-scoped channel to addr, authenticating
// with token. Idempotent: a second call reconnects, tearing down any
// existing connection first.
func (t *Transport) Connect(ctx context.Context, addr, sessionID, token string) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.closed = false
	t.mu.Unlock()

	go t.runLoop(runCtx, addr, sessionID, token)
	return nil
}

// Disconnect closes the connection gracefully and stops reconnecting.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	conn := t.conn
	t.connected = false
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	t.emitState(Disconnected, 0, "")
}

// Send enqueues an outgoing message. It fails if not currently
// connected; back-pressure beyond the channel buffer is this
// implementation's choice (drop with an error) per SPEC_FULL.md section
// 4.3.
func (t *Transport) Send(env domain.Envelope) error {
	raw, err := t.codec.Marshal(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return domain.NewError(domain.ErrTransportDisconnect, "send while disconnected", nil)
	}
	select {
	case t.sendCh <- raw:
		return nil
	default:
		return domain.NewError(domain.ErrTransportDisconnect, "outgoing buffer full", nil)
	}
}

func (t *Transport) runLoop(ctx context.Context, addr, sessionID, token string) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if attempt == 0 {
			t.emitState(Connecting, 0, "")
		} else {
			t.emitState(Reconnecting, attempt, "")
		}

		conn, err := t.dial(ctx, addr, sessionID, token)
		if err != nil {
			t.log.Warn("transport dial failed", "attempt", attempt, "err", err)
			attempt++
			if !sleepBackoff(ctx, attempt) {
				return
			}
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.connected = true
		t.mu.Unlock()
		t.emitState(Connected, 0, "")
		attempt = 0

		t.serve(ctx, conn)

		t.mu.Lock()
		t.connected = false
		t.conn = nil
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		attempt++
	}
}

func sleepBackoff(ctx context.Context, attempt int) bool {
	backoff := minBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	select {
	case <-time.After(backoff):
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Transport) dial(ctx context.Context, addr, sessionID, token string) (*websocket.Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bad address %q: %w", addr, err)
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()

	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + token}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			t.handleInbound(raw)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			<-done
			return
		case <-done:
			return
		case raw := <-t.sendCh:
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				_ = conn.Close()
				<-done
				return
			}
		}
	}
}

func (t *Transport) handleInbound(raw []byte) {
	env, err := t.codec.Decode(raw)
	if err != nil {
		t.log.Error("transport decode failure", "raw", string(raw), "err", err)
		t.cbMu.RLock()
		cb := t.onDecodeError
		t.cbMu.RUnlock()
		if cb != nil {
			cb(raw, err)
		}
		return
	}
	t.cbMu.RLock()
	cb := t.onMessage
	t.cbMu.RUnlock()
	if cb != nil {
		cb(env)
	}
}
