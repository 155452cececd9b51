package ws

import (
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"pirateradio/internal/domain"
	"pirateradio/internal/server/auth"
	"pirateradio/internal/server/metrics"
	"pirateradio/internal/server/registry"
	"pirateradio/internal/wire"
)

type fakeClock struct{ now int64 }

func (c fakeClock) NowMs() int64 { return c.now }

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func counterVecValue(t *testing.T, cv *prometheus.CounterVec, label string) float64 {
	t.Helper()
	return counterValue(t, cv.WithLabelValues(label))
}

func startTestServer(t *testing.T) (string, *registry.Registry, *auth.Store) {
	t.Helper()
	reg := registry.New(fakeClock{now: 1_000_000}, nil)
	authStore := auth.New()
	e := echo.New()
	NewHandler(reg, authStore, nil).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return wsURL, reg, authStore
}

func connectClient(t *testing.T, baseWSURL, sessionID, token string) *websocket.Conn {
	t.Helper()
	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + token}
	conn, _, err := websocket.DefaultDialer.Dial(baseWSURL+"/ws?sessionId="+sessionID, header)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	readUntil(t, conn, func(env domain.Envelope) bool { return env.Type == domain.MsgStateSync })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, env domain.Envelope) {
	t.Helper()
	codec := wire.NewCodec()
	b, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(domain.Envelope) bool) domain.Envelope {
	t.Helper()
	codec := wire.NewCodec()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.Fatalf("connection closed unexpectedly: %v", err)
			}
			t.Fatalf("read message: %v", err)
		}
		env, err := codec.Decode(raw)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if match(env) {
			return env
		}
	}
	t.Fatal("timed out waiting for matching message")
	return domain.Envelope{}
}

func TestPlayPrepareRelayedToOtherMembers(t *testing.T) {
	wsURL, reg, authStore := startTestServer(t)
	s, err := reg.Create("dj", "DJ")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	djToken := authStore.Issue("dj", "DJ")
	listenerToken := authStore.Issue("listener", "Listener")
	if _, err := reg.JoinByCode(s.JoinCode, "listener", "Listener"); err != nil {
		t.Fatalf("join: %v", err)
	}

	dj := connectClient(t, wsURL, s.ID, djToken)
	defer dj.Close()
	listener := connectClient(t, wsURL, s.ID, listenerToken)
	defer listener.Close()

	writeFrame(t, dj, domain.Envelope{
		Type:     domain.MsgPlayPrepare,
		Epoch:    0,
		Sequence: 1,
		Data:     domain.PlayPreparePayload{TrackID: "trackA", PrepareDeadline: 1_001_500},
	})

	env := readUntil(t, listener, func(e domain.Envelope) bool { return e.Type == domain.MsgPlayPrepare })
	p, ok := env.Data.(domain.PlayPreparePayload)
	if !ok || p.TrackID != "trackA" {
		t.Fatalf("unexpected playPrepare relay: %+v", env)
	}
}

func TestNonDJPlayPrepareIsRejected(t *testing.T) {
	wsURL, reg, authStore := startTestServer(t)
	s, _ := reg.Create("dj", "DJ")
	listenerToken := authStore.Issue("listener", "Listener")
	if _, err := reg.JoinByCode(s.JoinCode, "listener", "Listener"); err != nil {
		t.Fatalf("join: %v", err)
	}

	listener := connectClient(t, wsURL, s.ID, listenerToken)
	defer listener.Close()

	writeFrame(t, listener, domain.Envelope{
		Type:     domain.MsgPlayPrepare,
		Sequence: 1,
		Data:     domain.PlayPreparePayload{TrackID: "trackA", PrepareDeadline: 1_001_500},
	})

	assertNoMessage(t, listener)
}

// assertNoMessage confirms no playPrepare was relayed back to the
// rejected sender within a short window (the handler must silently deny,
// not echo the action back).
func assertNoMessage(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if err == nil {
		t.Fatal("expected no message, got one")
	}
}

func TestAddToQueueBroadcastsQueueUpdate(t *testing.T) {
	wsURL, reg, authStore := startTestServer(t)
	s, _ := reg.Create("dj", "DJ")
	djToken := authStore.Issue("dj", "DJ")

	dj := connectClient(t, wsURL, s.ID, djToken)
	defer dj.Close()

	writeFrame(t, dj, domain.Envelope{
		Type: domain.MsgAddToQueue,
		Data: domain.AddToQueuePayload{Track: domain.Track{ID: "t1", DurationMs: 5000}, Nonce: "n1"},
	})

	env := readUntil(t, dj, func(e domain.Envelope) bool { return e.Type == domain.MsgQueueUpdate })
	qp, ok := env.Data.(domain.QueueUpdatePayload)
	if !ok || len(qp.Tracks) != 1 || qp.Tracks[0].ID != "t1" {
		t.Fatalf("unexpected queueUpdate: %+v", env)
	}
}

func TestClassifyDriftTiers(t *testing.T) {
	reg := registry.New(fakeClock{now: 1_000_000}, nil)
	s, err := reg.Create("dj", "DJ")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	reg.UpdateOnPlayCommit(s, "trackA")
	h := NewHandler(reg, auth.New(), nil)

	snap := s.Snapshot(1_000_000)
	base := snap.NTPAnchor

	cases := []struct {
		name       string
		reportedMs float64
		wantTier   string
	}{
		{"within ignore band", domain.DriftIgnoreMs - 1, "ignore"},
		{"within nudge band", domain.DriftHardSeekMs - 1, "nudge"},
		{"beyond hard-seek threshold", domain.DriftHardSeekMs + 1000, "hardSeek"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := h.classifyDrift(s, domain.DriftReportPayload{TrackID: "trackA", PositionMs: c.reportedMs, NTPTimestamp: base})
			if got != c.wantTier {
				t.Fatalf("classifyDrift(%v) = %q, want %q", c.reportedMs, got, c.wantTier)
			}
		})
	}
}

func TestDriftReportIncrementsMetricByTier(t *testing.T) {
	reg := registry.New(fakeClock{now: 1_000_000}, nil)
	s, err := reg.Create("dj", "DJ")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	reg.UpdateOnPlayCommit(s, "trackA")
	m := metrics.New()
	h := NewHandler(reg, auth.New(), nil, m)

	snap := s.Snapshot(1_000_000)
	h.dispatch(s, "dj", domain.Envelope{
		Type: domain.MsgDriftReport,
		Data: domain.DriftReportPayload{TrackID: "trackA", PositionMs: domain.DriftHardSeekMs + 1000, NTPTimestamp: snap.NTPAnchor},
	})

	if got := counterVecValue(t, m.DriftCorrectionsTotal, "hardSeek"); got != 1 {
		t.Fatalf("hardSeek counter = %v, want 1", got)
	}
}

func TestDecodeFailureIncrementsMetric(t *testing.T) {
	reg := registry.New(fakeClock{now: 1_000_000}, nil)
	authStore := auth.New()
	m := metrics.New()
	e := echo.New()
	NewHandler(reg, authStore, nil, m).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")

	s, _ := reg.Create("dj", "DJ")
	token := authStore.Issue("dj", "DJ")
	conn := connectClient(t, wsURL, s.ID, token)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not valid json")); err != nil {
		t.Fatalf("write garbage frame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counterValue(t, m.WSDecodeFailuresTotal) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for WSDecodeFailuresTotal to increment")
}

func TestSkipBroadcastsStateSync(t *testing.T) {
	wsURL, reg, authStore := startTestServer(t)
	s, _ := reg.Create("dj", "DJ")
	djToken := authStore.Issue("dj", "DJ")

	dj := connectClient(t, wsURL, s.ID, djToken)
	defer dj.Close()

	writeFrame(t, dj, domain.Envelope{
		Type: domain.MsgAddToQueue,
		Data: domain.AddToQueuePayload{Track: domain.Track{ID: "t1", DurationMs: 5000}, Nonce: "n1"},
	})
	readUntil(t, dj, func(e domain.Envelope) bool { return e.Type == domain.MsgQueueUpdate })

	writeFrame(t, dj, domain.Envelope{Type: domain.MsgSkip})

	env := readUntil(t, dj, func(e domain.Envelope) bool { return e.Type == domain.MsgStateSync })
	sp, ok := env.Data.(domain.StateSyncPayload)
	if !ok || sp.Snapshot.CurrentTrack == nil || sp.Snapshot.CurrentTrack.ID != "t1" {
		t.Fatalf("unexpected stateSync after skip: %+v", env)
	}
}
