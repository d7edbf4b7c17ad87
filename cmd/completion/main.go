// Command completion serves the Luma completion endpoints the gateway relays to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/luma-therapy/luma/backend/internal/config"
	"github.com/luma-therapy/luma/backend/internal/handler"
	"github.com/luma-therapy/luma/backend/internal/logging"
	"github.com/luma-therapy/luma/backend/internal/server"
	"github.com/luma-therapy/luma/backend/internal/service/completion"
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

	logger := logging.New(cfg.Log).With().Str("service", "completion").Logger()
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, using process environment")
	}

	gen, err := newGenerator(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", cfg.Completion.Provider).Msg("failed to initialize completion backend")
	}
	logger.Info().Str("provider", cfg.Completion.Provider).Msg("completion backend ready")

	router := handler.NewCompletionRouter(logger, completion.NewService(gen))

	logger.Info().Str("addr", cfg.Completion.Addr).Msg("completion service listening")
	if err := server.Run(ctx, server.New(cfg.Completion.Addr, router), cfg.Server.ShutdownTimeout); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func newGenerator(ctx context.Context, cfg *config.Config) (completion.Generator, error) {
	switch cfg.Completion.Provider {
	case "openai":
		return completion.NewOpenAI(cfg.Completion)
	case "ark":
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", err)
		}
		return completion.NewEino(ctx, chatModel)
	default:
		return nil, fmt.Errorf("unknown COMPLETION_PROVIDER %q", cfg.Completion.Provider)
	}
}
