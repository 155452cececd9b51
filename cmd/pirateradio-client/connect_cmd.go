package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pirateradio/internal/clock"
	"pirateradio/internal/domain"
	"pirateradio/internal/kernel"
	"pirateradio/internal/musicsource"
	"pirateradio/internal/sessionstore"
	"pirateradio/internal/transport"
	"pirateradio/internal/wire"
)

var (
	connectAPIBase     string
	connectWSBase      string
	connectUserID      string
	connectDisplayName string
	connectJoinCode    string
	connectAsDJ        bool
	connectTrackID     string
)

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Authenticate, join a session, and run the sync kernel against a fake music source",
		RunE:  runConnect,
	}
	cmd.Flags().StringVar(&connectAPIBase, "api", "http://localhost:8080", "coordinator REST base URL")
	cmd.Flags().StringVar(&connectWSBase, "ws", "ws://localhost:8080/ws", "coordinator WebSocket URL")
	cmd.Flags().StringVar(&connectUserID, "user-id", "", "external user id to authenticate as (required)")
	cmd.Flags().StringVar(&connectDisplayName, "display-name", "", "display name (defaults to user-id)")
	cmd.Flags().StringVar(&connectJoinCode, "join", "", "four-digit join code; if empty, creates a new session")
	cmd.Flags().BoolVar(&connectAsDJ, "play", false, "if creating a session, immediately DJPlay --track")
	cmd.Flags().StringVar(&connectTrackID, "track", "demo-track-1", "track id for --play")
	return cmd
}

type restClient struct {
	base  string
	token string
}

func (c *restClient) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(connectUserID) == "" {
		return fmt.Errorf("--user-id is required")
	}
	displayName := connectDisplayName
	if displayName == "" {
		displayName = connectUserID
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := &restClient{base: connectAPIBase}
	var authResp struct {
		Token string `json:"token"`
	}
	if err := rc.do(http.MethodPost, "/auth", map[string]string{
		"spotifyUserId": connectUserID,
		"displayName":   displayName,
	}, &authResp); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	rc.token = authResp.Token

	var sessionID, joinCode string
	if strings.TrimSpace(connectJoinCode) != "" {
		var joined struct {
			ID       string `json:"id"`
			JoinCode string `json:"joinCode"`
		}
		if err := rc.do(http.MethodPost, "/sessions/join", map[string]string{"code": connectJoinCode}, &joined); err != nil {
			return fmt.Errorf("join: %w", err)
		}
		sessionID, joinCode = joined.ID, joined.JoinCode
	} else {
		var created struct {
			ID       string `json:"id"`
			JoinCode string `json:"joinCode"`
		}
		if err := rc.do(http.MethodPost, "/sessions", nil, &created); err != nil {
			return fmt.Errorf("create: %w", err)
		}
		sessionID, joinCode = created.ID, created.JoinCode
	}
	logger.Info("joined session", "session_id", sessionID, "join_code", joinCode)

	clk := clock.New(clock.NewSNTPSource(nil))
	if err := clk.Resync(ctx); err != nil {
		logger.Warn("NTP resync failed, continuing on local wall clock", "error", err)
	}

	tr := transport.New(wire.NewCodec(), logger)
	vendor := newDemoVendor()
	adapter := musicsource.New(vendor, logger)
	vendor.bind(adapter)

	k := kernel.New(clk, tr, adapter, connectUserID, logger)
	store := sessionstore.New(k, clk, connectUserID)
	k.SetEvents(kernel.Events{
		TrackChanged: func(t *domain.Track) {
			store.OnTrackChanged(t)
			if t != nil {
				logger.Info("track changed", "track_id", t.ID, "name", t.Name)
			}
		},
		PlaybackStateChanged: func(isPlaying bool, positionMs float64) {
			store.OnPlaybackStateChanged(isPlaying, positionMs)
			logger.Info("playback state changed", "is_playing", isPlaying, "position_ms", positionMs)
		},
		QueueUpdated: func(tracks []domain.Track) {
			store.OnQueueUpdated(tracks)
			logger.Info("queue updated", "length", len(tracks))
		},
		MemberJoined: func(userID, displayName string) {
			store.OnMemberJoined(userID, displayName)
			logger.Info("member joined", "user_id", userID)
		},
		MemberLeft: func(userID string) {
			store.OnMemberLeft(userID)
			logger.Info("member left", "user_id", userID)
		},
		ConnectionStateChanged: func(state string) {
			logger.Info("connection state changed", "state", state)
		},
		SyncStatus: func(status string, driftMs float64) {
			logger.Info("sync status", "status", status, "drift_ms", driftMs)
		},
		AnchorUpdated: func(anchor domain.NTPAnchoredPosition, clockOffsetMs int64) {
			store.OnAnchorUpdated(anchor, clockOffsetMs)
		},
	})

	tr.SetOnMessage(func(env domain.Envelope) {
		k.HandleInbound(ctx, env)
	})
	tr.SetOnDecodeError(func(raw []byte, err error) {
		logger.Warn("decode error from coordinator", "error", err)
	})
	tr.SetOnConnectionState(func(state transport.ConnState, attempt int, reason string) {
		logger.Info("transport connection state", "state", state.String(), "attempt", attempt, "reason", reason)
	})

	if err := tr.Connect(ctx, connectWSBase, sessionID, rc.token); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if connectAsDJ {
		time.Sleep(500 * time.Millisecond)
		if err := store.Play(ctx, domain.Track{ID: connectTrackID, Name: connectTrackID, DurationMs: 180_000}); err != nil {
			logger.Warn("play failed", "error", err)
		}
	}

	<-ctx.Done()
	tr.Disconnect()
	return nil
}
