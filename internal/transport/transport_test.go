package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"pirateradio/internal/domain"
	"pirateradio/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type echoServer struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
}

func newEchoServer() *echoServer {
	return &echoServer{upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}}
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	codec := wire.NewCodec()
	snapshot := domain.Envelope{Type: domain.MsgStateSync, Epoch: 1, Sequence: 1, Timestamp: 1, Data: domain.StateSyncPayload{}}
	raw, _ := codec.Marshal(snapshot)
	_ = conn.WriteMessage(websocket.TextMessage, raw)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}
}

func (s *echoServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func TestConnectReceivesMessages(t *testing.T) {
	srv := newEchoServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.closeAll()

	addr := "ws" + strings.TrimPrefix(ts.URL, "http")
	tr := New(wire.NewCodec(), nil)

	received := make(chan domain.Envelope, 4)
	tr.SetOnMessage(func(env domain.Envelope) { received <- env })

	states := make(chan ConnState, 8)
	tr.SetOnConnectionState(func(s ConnState, attempt int, reason string) { states <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Connect(ctx, addr, "sess1", "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	select {
	case env := <-received:
		if env.Type != domain.MsgStateSync {
			t.Fatalf("expected stateSync, got %v", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial message")
	}

	var sawConnected bool
	for i := 0; i < 4; i++ {
		select {
		case s := <-states:
			if s == Connected {
				sawConnected = true
			}
		case <-time.After(time.Second):
		}
	}
	if !sawConnected {
		t.Fatal("expected a Connected state transition")
	}
}

func TestSendFailsWhenDisconnected(t *testing.T) {
	tr := New(wire.NewCodec(), nil)
	err := tr.Send(domain.Envelope{Type: domain.MsgSkip})
	if err == nil {
		t.Fatal("expected send to fail while disconnected")
	}
	kind, ok := domain.KindOf(err)
	if !ok || kind != domain.ErrTransportDisconnect {
		t.Fatalf("expected ErrTransportDisconnect, got %v", kind)
	}
}

func TestSendRoundTripsThroughEcho(t *testing.T) {
	srv := newEchoServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.closeAll()

	addr := "ws" + strings.TrimPrefix(ts.URL, "http")
	tr := New(wire.NewCodec(), nil)

	received := make(chan domain.Envelope, 4)
	tr.SetOnMessage(func(env domain.Envelope) { received <- env })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Connect(ctx, addr, "sess1", "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	// Drain the server's initial stateSync.
	<-received

	deadline := time.Now().Add(2 * time.Second)
	var sendErr error
	for time.Now().Before(deadline) {
		sendErr = tr.Send(domain.Envelope{Type: domain.MsgSkip, Epoch: 1, Sequence: 1, Timestamp: 1})
		if sendErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sendErr != nil {
		t.Fatalf("send: %v", sendErr)
	}

	select {
	case env := <-received:
		if env.Type != domain.MsgSkip {
			t.Fatalf("expected echoed skip, got %v", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}
