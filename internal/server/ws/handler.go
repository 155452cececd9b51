// Package ws owns WebSocket transport for the coordinator: connection
// upgrade, bearer-token binding, and the ingress dispatch table from
// SPEC_FULL.md section 4.6. Grounded on the teacher's
// server/internal/ws.Handler (echo upgrade, per-connection reader/writer
// goroutines, channel-based fan-out) generalized from a chat room's
// message types to the sync protocol's message types.
package ws

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"pirateradio/internal/domain"
	"pirateradio/internal/server/auth"
	"pirateradio/internal/server/metrics"
	"pirateradio/internal/server/registry"
	"pirateradio/internal/wire"
)

const (
	writeTimeout  = 5 * time.Second
	sendBufSize   = 64
	ingressRate   = 50 // messages/sec per connection
	ingressBurst  = 20
)

// Handler owns WebSocket transport bound to one Registry and one auth
// Store.
type Handler struct {
	registry *registry.Registry
	auth     *auth.Store
	codec    *wire.Codec
	upgrader websocket.Upgrader
	log      *slog.Logger
	metrics  *metrics.Registry
}

// NewHandler constructs a Handler. m may be nil, in which case metrics
// instrumentation is skipped (used by tests that don't care about the
// Prometheus surface).
func NewHandler(reg *registry.Registry, authStore *auth.Store, log *slog.Logger, m ...*metrics.Registry) *Handler {
	if log == nil {
		log = slog.Default()
	}
	var mr *metrics.Registry
	if len(m) > 0 {
		mr = m[0]
	}
	return &Handler{
		registry: reg,
		auth:     authStore,
		codec:    wire.NewCodec(),
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
		log:      log,
		metrics:  mr,
	}
}

// Register binds the WebSocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
// The connection must carry a Bearer token (binding it to a user id) and
// a sessionId query parameter, per SPEC_FULL.md section 6's
// authorization rule.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	token := bearerToken(c.Request())
	sessionID := c.QueryParam("sessionId")

	identity, err := h.auth.Resolve(token)
	if err != nil {
		h.log.Warn("ws auth rejected", "remote", remoteAddr, "err", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
	}

	sess, ok := h.registry.Get(sessionID)
	if !ok {
		h.log.Warn("ws unknown session", "remote", remoteAddr, "session_id", sessionID)
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, sess, identity.UserID, remoteAddr)
	return nil
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (h *Handler) serveConn(conn *websocket.Conn, sess *registry.Session, userID, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 16)

	send := sess.RegisterClient(userID, sendBufSize)
	h.log.Info("ws connected", "user_id", userID, "session_id", sess.ID, "remote", remoteAddr)

	defer func() {
		lastMember := h.registry.UnregisterClient(sess, userID)
		h.log.Info("ws disconnected", "user_id", userID, "session_id", sess.ID, "remote", remoteAddr, "last_member", lastMember)
		h.broadcastFrame(sess, domain.Envelope{Type: domain.MsgMemberLeft, Timestamp: domain.NowMs(), Data: domain.MemberLeftPayload{UserID: userID}}, "")
	}()

	go func() {
		for frame := range send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Debug("ws write error", "user_id", userID, "err", err)
				return
			}
		}
	}()

	snap := sess.Snapshot(domain.NowMs())
	h.sendTo(sess, userID, domain.Envelope{Type: domain.MsgStateSync, Epoch: snap.Epoch, Sequence: snap.Sequence, Timestamp: domain.NowMs(), Data: domain.StateSyncPayload{Snapshot: snap}})
	h.broadcastFrame(sess, domain.Envelope{Type: domain.MsgMemberJoined, Timestamp: domain.NowMs(), Data: domain.MemberJoinedPayload{UserID: userID}}, userID)

	limiter := rate.NewLimiter(rate.Limit(ingressRate), ingressBurst)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("ws unexpected close", "user_id", userID, "err", err)
			}
			return
		}
		if !limiter.Allow() {
			h.log.Warn("ws ingress rate limit exceeded", "user_id", userID, "session_id", sess.ID)
			continue
		}

		env, err := h.codec.Decode(raw)
		if err != nil {
			h.log.Warn("ws decode failure", "user_id", userID, "err", err)
			if h.metrics != nil {
				h.metrics.WSDecodeFailuresTotal.Inc()
			}
			continue
		}
		h.dispatch(sess, userID, env)
	}
}

// dispatch implements the WebSocket ingress dispatch table from
// SPEC_FULL.md section 4.6.
func (h *Handler) dispatch(sess *registry.Session, userID string, env domain.Envelope) {
	isDJ := sess.DJUserIDSnapshot() == userID

	switch p := env.Data.(type) {
	case domain.PlayPreparePayload:
		if !isDJ {
			h.sendDenied(sess, userID)
			return
		}
		if !sess.RelayEpochSeq(env.Epoch, env.Sequence) {
			return
		}
		h.broadcastFrame(sess, env, "")

	case domain.PlayCommitPayload:
		if !isDJ {
			h.sendDenied(sess, userID)
			return
		}
		if !sess.RelayEpochSeq(env.Epoch, env.Sequence) {
			return
		}
		h.registry.UpdateOnPlayCommit(sess, p.TrackID)
		h.broadcastFrame(sess, env, "")
		h.scheduleAndMaybeBroadcastAdvance(sess)

	case domain.PausePayload:
		if !isDJ {
			h.sendDenied(sess, userID)
			return
		}
		if !sess.RelayEpochSeq(env.Epoch, env.Sequence) {
			return
		}
		h.registry.UpdateOnPause(sess)
		sess.ClearAdvancement()
		h.broadcastFrame(sess, env, "")

	case domain.ResumePayload:
		if !isDJ {
			h.sendDenied(sess, userID)
			return
		}
		if !sess.RelayEpochSeq(env.Epoch, env.Sequence) {
			return
		}
		h.registry.UpdateOnResume(sess)
		h.broadcastFrame(sess, env, "")
		h.scheduleAndMaybeBroadcastAdvance(sess)

	case domain.SeekPayload:
		if !isDJ {
			h.sendDenied(sess, userID)
			return
		}
		if !sess.RelayEpochSeq(env.Epoch, env.Sequence) {
			return
		}
		h.registry.UpdateOnSeek(sess, p.PositionMs)
		h.broadcastFrame(sess, env, "")
		h.scheduleAndMaybeBroadcastAdvance(sess)

	case nil:
		if env.Type == domain.MsgSkip {
			if !isDJ {
				h.sendDenied(sess, userID)
				return
			}
			snap := h.registry.Skip(sess)
			h.broadcastFrame(sess, domain.Envelope{Type: domain.MsgStateSync, Epoch: snap.Epoch, Sequence: snap.Sequence, Timestamp: domain.NowMs(), Data: domain.StateSyncPayload{Snapshot: snap}}, "")
			h.scheduleAndMaybeBroadcastAdvance(sess)
		}

	case domain.AddToQueuePayload:
		if !h.registry.AddToQueue(sess, p.Track, p.Nonce) {
			return
		}
		h.broadcastFrame(sess, domain.Envelope{Type: domain.MsgQueueUpdate, Timestamp: domain.NowMs(), Data: domain.QueueUpdatePayload{Tracks: sess.QueueSnapshot()}}, "")
		h.scheduleAndMaybeBroadcastAdvance(sess)

	case domain.DriftReportPayload:
		tier := h.classifyDrift(sess, p)
		h.log.Debug("drift report observed", "user_id", userID, "session_id", sess.ID, "track_id", p.TrackID, "position_ms", p.PositionMs, "tier", tier)
		if h.metrics != nil {
			h.metrics.DriftCorrectionsTotal.WithLabelValues(tier).Inc()
		}

	default:
		h.log.Warn("ws unknown message type", "user_id", userID, "type", env.Type)
	}
}

// scheduleAndMaybeBroadcastAdvance re-arms the autonomous advancement
// timer; when it fires (immediately or later) it broadcasts a fresh
// stateSync, per the advanceQueue algorithm in SPEC_FULL.md section 4.6.
func (h *Handler) scheduleAndMaybeBroadcastAdvance(sess *registry.Session) {
	h.registry.ScheduleAdvancement(sess, func(s *registry.Session) {
		snap, playing := h.registry.AdvanceQueue(s)
		h.broadcastFrame(s, domain.Envelope{Type: domain.MsgStateSync, Epoch: snap.Epoch, Sequence: snap.Sequence, Timestamp: domain.NowMs(), Data: domain.StateSyncPayload{Snapshot: snap}}, "")
		if playing {
			h.scheduleAndMaybeBroadcastAdvance(s)
		}
	})
}

func (h *Handler) broadcastFrame(sess *registry.Session, env domain.Envelope, exceptUserID string) {
	b, err := h.codec.Marshal(env)
	if err != nil {
		h.log.Error("ws encode failure", "session_id", sess.ID, "type", env.Type, "err", err)
		return
	}
	sess.Broadcast(b, exceptUserID)
}

func (h *Handler) sendTo(sess *registry.Session, userID string, env domain.Envelope) {
	b, err := h.codec.Marshal(env)
	if err != nil {
		h.log.Error("ws encode failure", "session_id", sess.ID, "type", env.Type, "err", err)
		return
	}
	sess.SendTo(userID, b)
}

// classifyDrift buckets a client-reported position against the
// coordinator's own authoritative anchor, purely for observability: the
// coordinator never corrects drift itself (single-owner rule,
// SPEC_FULL.md section 9), it only reports which tier a client's own
// correction would fall into, using the same thresholds as the kernel's
// drift loop (SPEC_FULL.md section 4.4).
func (h *Handler) classifyDrift(sess *registry.Session, p domain.DriftReportPayload) string {
	snap := sess.Snapshot(domain.NowMs())
	expectedMs := snap.PositionAtAnchor*1000 + float64(p.NTPTimestamp-snap.NTPAnchor)*snap.PlaybackRate
	diff := math.Abs(p.PositionMs - expectedMs)
	switch {
	case diff < domain.DriftIgnoreMs:
		return "ignore"
	case diff < domain.DriftHardSeekMs:
		return "nudge"
	default:
		return "hardSeek"
	}
}

func (h *Handler) sendDenied(sess *registry.Session, userID string) {
	h.log.Warn("ws rejected non-dj action", "user_id", userID, "session_id", sess.ID)
}
