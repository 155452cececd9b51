package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pirateradio/internal/clock"
	"pirateradio/internal/server/auth"
	"pirateradio/internal/server/httpapi"
	"pirateradio/internal/server/metrics"
	"pirateradio/internal/server/registry"
)

var (
	serveAddr       string
	serveNTPServers string
	reapIntervalSec int
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/WebSocket coordinator",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&serveNTPServers, "ntp-servers", "", "comma-separated NTP servers (default: clock.DefaultServers)")
	cmd.Flags().IntVar(&reapIntervalSec, "reap-interval-seconds", 60, "idle-session reaper sweep interval")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var servers []string
	if strings.TrimSpace(serveNTPServers) != "" {
		for _, s := range strings.Split(serveNTPServers, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
	}
	clk := clock.New(clock.NewSNTPSource(servers))
	if err := clk.Resync(ctx); err != nil {
		logger.Warn("initial NTP resync failed, continuing on local wall clock", "error", err)
	}

	m := metrics.New()
	reg := registry.New(clk, logger, m)
	authStore := auth.New()
	api := httpapi.New(reg, authStore, m)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return api.Run(ctx, serveAddr)
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Duration(reapIntervalSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				reg.ReapIdle(clk.NowMs())
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := clk.Resync(ctx); err != nil {
					logger.Warn("periodic NTP resync failed", "error", err)
				}
			}
		}
	})

	logger.Info("pirateradio-server listening", "addr", serveAddr)
	return g.Wait()
}
