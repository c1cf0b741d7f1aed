package httpsrv

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/webitel/im-fanout-service/config"
	"go.uber.org/fx"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownGrace     = 15 * time.Second
)

var Module = fx.Module("http-server",
	fx.Provide(
		NewRouter,
		NewServer,
	),
	fx.Invoke(func(*http.Server) {}),
)

// NewServer binds the listener on start so a busy port fails the boot,
// then serves in the background until fx stops the app.
func NewServer(lc fx.Lifecycle, cfg *config.Config, router chi.Router, logger *slog.Logger) *http.Server {
	log := logger.With(slog.String("component", "http"))
	srv := &http.Server{
		Addr:              cfg.Service.Addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("HTTP_SERVER_STARTED", slog.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("HTTP_SERVER_FAILED", slog.Any("err", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
			defer cancel()
			log.Info("HTTP_SERVER_STOPPING")
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
