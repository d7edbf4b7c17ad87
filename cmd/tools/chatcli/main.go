// Command chatcli talks to a running gateway from the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/luma-therapy/luma/backend/internal/auth/gotrue"
	"github.com/luma-therapy/luma/backend/internal/config"
	"github.com/luma-therapy/luma/backend/internal/model/chat"
	"github.com/luma-therapy/luma/backend/internal/orchestrator"
)

var (
	gatewayURL    string
	accessToken   string
	transportName string
	turnTimeout   time.Duration
	verbose       bool

	email    string
	password string
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "chatcli",
		Short:        "Chat with Luma through the gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&gatewayURL, "url", envOr("LUMA_GATEWAY_URL", "http://localhost:3004"), "gateway base URL")
	root.PersistentFlags().StringVar(&accessToken, "token", os.Getenv("LUMA_ACCESS_TOKEN"), "access token sent as a bearer credential")
	root.PersistentFlags().StringVar(&transportName, "transport", "sse", "sse, ws or complete")
	root.PersistentFlags().DurationVar(&turnTimeout, "timeout", 60*time.Second, "per-turn timeout")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log failures to stderr")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE:  runChat,
	}

	askCmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	signinCmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with email and password and print an access token",
		Args:  cobra.NoArgs,
		RunE:  runSignin,
	}
	signinCmd.Flags().StringVar(&email, "email", "", "account email")
	signinCmd.Flags().StringVar(&password, "password", os.Getenv("LUMA_PASSWORD"), "account password")
	_ = signinCmd.MarkFlagRequired("email")

	root.AddCommand(chatCmd, askCmd, signinCmd)
	return root
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func newTransport() (orchestrator.Transport, error) {
	switch transportName {
	case "sse":
		return orchestrator.NewSSETransport(gatewayURL, accessToken, nil), nil
	case "complete":
		return orchestrator.NewCompleteTransport(gatewayURL, accessToken, nil), nil
	case "ws":
		return orchestrator.NewWSTransport(gatewayURL, accessToken)
	default:
		return nil, fmt.Errorf("unknown transport %q", transportName)
	}
}

func newOrchestrator(out io.Writer) (*orchestrator.Orchestrator, error) {
	tr, err := newTransport()
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return orchestrator.New(tr, orchestrator.WithRenderer(&terminalRenderer{out: out}), orchestrator.WithLogger(logger)), nil
}

func send(ctx context.Context, o *orchestrator.Orchestrator, content string) {
	ctx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()
	_, _ = o.Send(ctx, content)
}

func runAsk(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator(cmd.OutOrStdout())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), turnTimeout)
	defer cancel()
	_, err = o.Send(ctx, strings.Join(args, " "))
	return err
}

func runChat(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	o, err := newOrchestrator(out)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Talking to Luma. Type /quit to leave.")
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		send(cmd.Context(), o, line)
		if cmd.Context().Err() != nil {
			return nil
		}
	}
}

func runSignin(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Auth.Validate(); err != nil {
		return err
	}
	if password == "" {
		return errors.New("--password or LUMA_PASSWORD is required")
	}

	client := gotrue.New(gotrue.Options{
		BaseURL: cfg.Auth.ProviderURL,
		AnonKey: cfg.Auth.AnonKey,
		Timeout: cfg.Auth.RequestTimeout,
	})

	session, err := client.SignInWithPassword(cmd.Context(), email, password)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), session.AccessToken)
	return nil
}

// terminalRenderer echoes assistant tokens as they arrive.
type terminalRenderer struct {
	out       io.Writer
	streaming bool
}

func (r *terminalRenderer) Appended(msg chat.Message) {
	if msg.Role != chat.RoleAssistant {
		return
	}
	if r.streaming && !msg.Failed {
		fmt.Fprintln(r.out)
	} else {
		fmt.Fprintf(r.out, "luma: %s\n", msg.Content)
	}
	r.streaming = false
}

func (r *terminalRenderer) Token(token string) {
	if !r.streaming {
		fmt.Fprint(r.out, "luma: ")
		r.streaming = true
	}
	fmt.Fprint(r.out, token)
}

func (r *terminalRenderer) Discard() {
	if r.streaming {
		fmt.Fprintln(r.out, " [interrupted]")
	}
	r.streaming = false
}
