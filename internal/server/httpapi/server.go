// Package httpapi is the coordinator's Echo application: REST bootstrap
// endpoints, health/metrics probes, and the WebSocket upgrade route.
// Grounded on the teacher's server/internal/httpapi.Server (Echo app
// construction, middleware.Recover, slog request logging, graceful
// shutdown on context cancellation).
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pirateradio/internal/domain"
	"pirateradio/internal/server/auth"
	"pirateradio/internal/server/metrics"
	"pirateradio/internal/server/registry"
	"pirateradio/internal/server/ws"
)

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	registry *registry.Registry
	auth     *auth.Store
}

// New constructs an Echo app with the REST, health, metrics, and
// WebSocket routes wired up.
func New(reg *registry.Registry, authStore *auth.Store, m *metrics.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, registry: reg, auth: authStore}

	promReg := prometheus.NewRegistry()
	m.Register(promReg)

	e.POST("/auth", s.handleAuth)
	e.POST("/sessions", s.handleCreateSession)
	e.POST("/sessions/join", s.handleJoinSession)
	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	ws.NewHandler(reg, authStore, nil, m).Register(e)
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			if req.URL.Path == "/ws" || req.URL.Path == "/healthz" || req.URL.Path == "/metrics" {
				slog.Debug("http request", "method", req.Method, "path", req.URL.Path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request", "method", req.Method, "path", req.URL.Path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(), "remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutCtx)
	}
}

type authRequest struct {
	SpotifyUserID string `json:"spotifyUserId"`
	DisplayName   string `json:"displayName"`
}

type authResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleAuth(c echo.Context) error {
	var req authRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.SpotifyUserID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "spotifyUserId is required")
	}
	token := s.auth.Issue(req.SpotifyUserID, req.DisplayName)
	return c.JSON(http.StatusOK, authResponse{Token: token})
}

type createSessionRequest struct {
	DisplayName string `json:"displayName"`
}

type createSessionResponse struct {
	ID        string `json:"id"`
	JoinCode  string `json:"joinCode"`
	CreatorID string `json:"creatorId"`
	DJUserID  string `json:"djUserId"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	identity, err := s.identityFromRequest(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	var req createSessionRequest
	_ = c.Bind(&req)

	sess, err := s.registry.Create(identity.UserID, displayNameOr(req.DisplayName, identity.DisplayName))
	if err != nil {
		return translateError(err)
	}
	snap := sess.Snapshot(domain.NowMs())
	return c.JSON(http.StatusCreated, createSessionResponse{
		ID:        sess.ID,
		JoinCode:  sess.JoinCode,
		CreatorID: identity.UserID,
		DJUserID:  snap.DJUserID,
	})
}

type joinSessionRequest struct {
	Code string `json:"code"`
}

type joinSessionResponse struct {
	ID            string `json:"id"`
	JoinCode      string `json:"joinCode"`
	DJUserID      string `json:"djUserId"`
	DJDisplayName string `json:"djDisplayName"`
	MemberCount   int    `json:"memberCount"`
}

func (s *Server) handleJoinSession(c echo.Context) error {
	identity, err := s.identityFromRequest(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	var req joinSessionRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}

	sess, err := s.registry.JoinByCode(req.Code, identity.UserID, identity.DisplayName)
	if err != nil {
		return translateError(err)
	}

	snap := sess.Snapshot(domain.NowMs())
	djName := ""
	for _, m := range snap.Members {
		if m.UserID == snap.DJUserID {
			djName = m.DisplayName
			break
		}
	}
	return c.JSON(http.StatusOK, joinSessionResponse{
		ID:            sess.ID,
		JoinCode:      sess.JoinCode,
		DJUserID:      snap.DJUserID,
		DJDisplayName: djName,
		MemberCount:   len(snap.Members),
	})
}

func (s *Server) identityFromRequest(c echo.Context) (auth.Identity, error) {
	const prefix = "Bearer "
	h := c.Request().Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return auth.Identity{}, errors.New("missing bearer token")
	}
	return s.auth.Resolve(h[len(prefix):])
}

func displayNameOr(reqName, identityName string) string {
	if strings.TrimSpace(reqName) != "" {
		return reqName
	}
	return identityName
}

func translateError(err error) error {
	kind, ok := domain.KindOf(err)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	switch kind {
	case domain.ErrSessionNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case domain.ErrSessionFull:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case domain.ErrNotAuthorized:
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

type healthzResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{Status: "ok", Sessions: s.registry.Count()})
}
