package handler

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/luma-therapy/luma/backend/internal/guard"
	"github.com/luma-therapy/luma/backend/internal/handler/admin"
	authhandler "github.com/luma-therapy/luma/backend/internal/handler/auth"
	"github.com/luma-therapy/luma/backend/internal/handler/chat"
	"github.com/luma-therapy/luma/backend/internal/handler/completion"
	"github.com/luma-therapy/luma/backend/internal/handler/page"
	"github.com/luma-therapy/luma/backend/internal/handler/profile"
	"github.com/luma-therapy/luma/backend/internal/metrics"
	"github.com/luma-therapy/luma/backend/internal/middleware"
	"github.com/luma-therapy/luma/backend/pkg/utils"
)

// Gateway collects what the gateway router wires together.
type Gateway struct {
	Logger         zerolog.Logger
	AllowedOrigins []string
	Sessions       *middleware.Sessions
	Guard          guard.Rules
	ChatLimiter    *middleware.RateLimiter
	Metrics        *metrics.Registry

	Chat    *chat.Handler
	Auth    *authhandler.Handler
	Profile *profile.Handler
	Admin   *admin.Handler
	Pages   http.Handler
}

// NewRouter wires the gateway routes.
func NewRouter(g Gateway) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.Trace(g.Logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(g.AllowedOrigins))

	r.Get("/healthz", handleHealth)
	if g.Metrics != nil {
		r.Handle("/metrics", g.Metrics.Handler())
	}

	g.Auth.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		api.Group(func(chatRoutes chi.Router) {
			if g.ChatLimiter != nil {
				chatRoutes.Use(g.ChatLimiter.Middleware("chat"))
			}
			g.Chat.RegisterRoutes(chatRoutes)
		})

		api.Group(func(authed chi.Router) {
			authed.Use(g.Sessions.Require)
			g.Profile.RegisterRoutes(authed)
			g.Admin.RegisterRoutes(authed)
		})
	})

	pages := g.Pages
	if pages == nil {
		pages = page.New("")
	}
	r.With(g.Sessions.Guard(g.Guard)).Handle("/*", pages)

	return r
}

// NewCompletionRouter wires the completion service routes.
func NewCompletionRouter(logger zerolog.Logger, svc completion.Completer) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.Trace(logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", handleHealth)
	completion.New(svc).RegisterRoutes(r)

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// OriginChecker accepts WebSocket upgrades from the allowed origins and from
// clients that send no Origin header.
func OriginChecker(origins []string) func(*http.Request) bool {
	allowed := make([]string, 0, len(origins))
	for _, o := range origins {
		allowed = append(allowed, strings.TrimRight(strings.TrimSpace(o), "/"))
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
