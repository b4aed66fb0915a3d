package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/theflyingcodr/relay/config"
	"github.com/theflyingcodr/relay/server"
	"github.com/theflyingcodr/relay/transport"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server.

Every flag can also be set from the environment, upper cased with - replaced
by _ (PORT, LOG_LEVEL, ALLOWED_ORIGINS, MAX_MESSAGE_BYTES, SEND_BUFFER,
WRITE_TIMEOUT, PONG_TIMEOUT). Flags take precedence over the environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	config.Flags(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// setup the relay server
	s := server.NewRelayServer(
		server.WithMaxMessageSize(cfg.MaxMessageBytes),
		server.WithSendBuffer(cfg.SendBuffer),
		server.WithWriteTimeout(cfg.WriteTimeout),
		server.WithPongTimeout(cfg.PongTimeout),
	)
	defer s.Close()
	transport.NewHandlers(s, cfg.AllowedOrigins).Register(e)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("server listening on http://localhost%s", cfg.Addr())
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "echo server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// hijacked websocket connections are not tracked by echo, close them first
		s.Close()
		if err := e.Shutdown(sctx); err != nil {
			return errors.Wrap(err, "failed to shutdown echo")
		}
		return nil
	})
	return g.Wait()
}
