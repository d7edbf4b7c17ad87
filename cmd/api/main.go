// Command api runs the Luma gateway: sessions, pages and the chat relay.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/luma-therapy/luma/backend/internal/auth"
	"github.com/luma-therapy/luma/backend/internal/auth/gotrue"
	"github.com/luma-therapy/luma/backend/internal/config"
	"github.com/luma-therapy/luma/backend/internal/guard"
	"github.com/luma-therapy/luma/backend/internal/handler"
	"github.com/luma-therapy/luma/backend/internal/handler/admin"
	authhandler "github.com/luma-therapy/luma/backend/internal/handler/auth"
	"github.com/luma-therapy/luma/backend/internal/handler/chat"
	"github.com/luma-therapy/luma/backend/internal/handler/page"
	"github.com/luma-therapy/luma/backend/internal/handler/profile"
	"github.com/luma-therapy/luma/backend/internal/logging"
	"github.com/luma-therapy/luma/backend/internal/metrics"
	"github.com/luma-therapy/luma/backend/internal/middleware"
	"github.com/luma-therapy/luma/backend/internal/relay"
	"github.com/luma-therapy/luma/backend/internal/server"
	"github.com/luma-therapy/luma/backend/internal/service/account"
	"github.com/luma-therapy/luma/backend/internal/store"
	"github.com/luma-therapy/luma/backend/internal/store/db"
	"github.com/luma-therapy/luma/backend/internal/upstream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log).With().Str("service", "gateway").Logger()
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, using process environment")
	}
	if err := cfg.Auth.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid auth configuration")
	}

	driver, err := db.NewDriver(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open store")
	}
	st := store.New(driver)
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate store")
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("store ready")

	router := newRouter(cfg, logger, st)

	logger.Info().Str("addr", cfg.Server.Addr).Str("upstream", cfg.Upstream.BaseURL).Msg("gateway listening")
	if err := server.Run(ctx, server.New(cfg.Server.Addr, router), cfg.Server.ShutdownTimeout); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func newRouter(cfg *config.Config, logger zerolog.Logger, st *store.Store) http.Handler {
	identity := gotrue.New(gotrue.Options{
		BaseURL:        cfg.Auth.ProviderURL,
		AnonKey:        cfg.Auth.AnonKey,
		ServiceRoleKey: cfg.Auth.ServiceRoleKey,
		Timeout:        cfg.Auth.RequestTimeout,
	})

	var provider auth.Provider
	if cfg.Auth.JWTSecret != "" {
		provider = auth.NewJWTProvider(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience, identity)
		logger.Info().Msg("validating sessions locally with the JWT secret")
	} else {
		provider = auth.NewRemoteProvider(identity, identity)
		logger.Info().Msg("validating sessions against the auth provider")
	}

	reg := metrics.New()
	resolver := auth.NewResolver(provider, auth.WithCacheTTL(cfg.Auth.SessionCacheTTL))
	sessions := middleware.NewSessions(resolver, auth.Cookies{
		Access:  cfg.Auth.AccessCookie,
		Refresh: cfg.Auth.RefreshCookie,
		Legacy:  cfg.Auth.LegacyCookie,
		Secure:  cfg.Auth.CookieSecure,
	}, func(result string) {
		reg.SessionLookupTotal.WithLabelValues(result).Inc()
	})

	completions := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.RequestTimeout)
	relayer := relay.New(resolver, completions, relay.Options{
		Timeout:  cfg.Upstream.StreamTimeout,
		Observer: reg.Relay,
	})

	accounts := account.NewService(st, identity)
	limiter := middleware.NewRateLimiter(cfg.Limits.ChatRPS, cfg.Limits.ChatBurst, middleware.OnLimited(func(route string) {
		reg.RateLimitedTotal.WithLabelValues(route).Inc()
	}))

	return handler.NewRouter(handler.Gateway{
		Logger:         logger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Sessions:       sessions,
		Guard:          guard.DefaultRules(cfg.Auth.SignInPath, cfg.Auth.HomePath),
		ChatLimiter:    limiter,
		Metrics:        reg,
		Chat:           chat.New(relayer, completions, sessions, handler.OriginChecker(cfg.Server.AllowedOrigins)),
		Auth: authhandler.New(identity, accounts, sessions, authhandler.Options{
			SiteURL:    cfg.Server.SiteURL,
			SignInPath: cfg.Auth.SignInPath,
			HomePath:   cfg.Auth.HomePath,
			Providers:  cfg.Auth.OAuthProviders,
		}),
		Profile: profile.New(accounts),
		Admin:   admin.New(identity, accounts),
		Pages:   page.New(cfg.Server.StaticDir),
	})
}
