// Package httpsrv hosts every client-facing HTTP surface: the REST API, the
// WebSocket upgrade and long-poll, plus health and metrics.
package httpsrv

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/webitel/im-fanout-service/infra/metrics"
	"github.com/webitel/im-fanout-service/internal/service"
	"go.uber.org/fx"
)

// Route is implemented by every handler that exposes endpoints. Routes are
// mounted behind the auth middleware.
type Route interface {
	Mount(r chi.Router)
}

// AsRoute annotates a constructor so its result joins the "routes" group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(Route)),
		fx.ResultTags(`group:"routes"`),
	)
}

type RouterParams struct {
	fx.In

	Auther  service.Auther
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Routes  []Route `group:"routes"`
}

// NewRouter assembles the chi tree. /healthz and /metrics stay public.
func NewRouter(p RouterParams) chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		RequestLogger(p.Logger),
		middleware.Recoverer,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", p.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(NewAuthMiddleware(p.Auther, p.Logger))
		for _, route := range p.Routes {
			route.Mount(r)
		}
	})
	return r
}

// RequestLogger writes one line per request. WebSocket sessions are logged
// when the socket closes.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "HTTP_REQUEST",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("took", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
