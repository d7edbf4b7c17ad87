// Package chat serves the authenticated chat endpoints of the gateway.
package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/lithammer/shortuuid/v4"

	"github.com/luma-therapy/luma/backend/internal/auth"
	"github.com/luma-therapy/luma/backend/internal/logging"
	"github.com/luma-therapy/luma/backend/internal/middleware"
	"github.com/luma-therapy/luma/backend/internal/relay"
	"github.com/luma-therapy/luma/backend/internal/upstream"
	"github.com/luma-therapy/luma/backend/pkg/utils"
)

const (
	maxBodyBytes      = 1 << 20
	wsFirstReadWait   = 10 * time.Second
	msgChatFailed     = "Failed to get chat response"
	isoMillis         = "2006-01-02T15:04:05.000Z07:00"
	transportSSE      = "sse"
	transportWS       = "ws"
	transportComplete = "complete"
)

// Relayer runs one relay pass.
type Relayer interface {
	Run(ctx context.Context, pass relay.Pass, sink relay.Sink) *relay.Error
}

// Completer produces non-streaming replies.
type Completer interface {
	Complete(ctx context.Context, req upstream.Request) (string, error)
}

// Handler serves /chat, /chat/stream and /chat/ws.
type Handler struct {
	relay    Relayer
	complete Completer
	sessions *middleware.Sessions
	upgrader websocket.Upgrader
	now      func() time.Time
}

// New creates a chat handler. checkOrigin guards WebSocket upgrades; nil
// accepts same-origin requests only.
func New(r Relayer, complete Completer, sessions *middleware.Sessions, checkOrigin func(*http.Request) bool) *Handler {
	return &Handler{
		relay:    r,
		complete: complete,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		now: time.Now,
	}
}

// RegisterRoutes mounts the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleComplete)
	r.Post("/chat/stream", h.handleStream)
	r.Get("/chat/ws", h.handleWS)
}

type completeResponse struct {
	ID       string `json:"id"`
	Response string `json:"response"`
	Created  string `json:"created"`
}

func readBody(w http.ResponseWriter, r *http.Request) []byte {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil
	}
	return body
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.sessions.Resolve(w, r)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, relay.MsgUnauthorized)
		return
	}

	messages, err := relay.ParseMessages(readBody(w, r))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, relay.MsgInvalidFormat)
		return
	}

	reply, err := h.complete.Complete(ctx, upstream.Request{Messages: messages, UserID: session.UserID})
	if err != nil {
		msg := msgChatFailed
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) && statusErr.Detail != "" {
			msg = statusErr.Detail
		}
		logging.FromContext(ctx).Error().Err(err).Str("user_id", session.UserID).Str("transport", transportComplete).Msg("chat completion failed")
		utils.RespondError(w, http.StatusInternalServerError, msg)
		return
	}

	utils.RespondJSON(w, http.StatusOK, completeResponse{
		ID:       shortuuid.New(),
		Response: reply,
		Created:  h.now().UTC().Format(isoMillis),
	})
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	body := readBody(w, r)

	sink, err := relay.NewSSESink(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.relay.Run(r.Context(), relay.Pass{
		Credentials: h.sessions.Cookies().Credentials(r),
		Body:        body,
		Transport:   transportSSE,
		OnSession: func(s *auth.Session) {
			h.sessions.WriteRefreshed(w, s)
		},
	}, sink)
}

// handleWS runs one pass per connection. The first client message carries
// {"messages": [...]}; later client messages are ignored.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	// Resolve before the upgrade so rotated tokens reach the handshake response.
	creds := h.sessions.Cookies().Credentials(r)
	if session, err := h.sessions.Resolve(w, r); err == nil {
		creds = auth.Credentials{AccessToken: session.AccessToken}
	}
	header := http.Header{}
	for _, c := range w.Header().Values("Set-Cookie") {
		header.Add("Set-Cookie", c)
	}

	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxBodyBytes)

	_ = conn.SetReadDeadline(time.Now().Add(wsFirstReadWait))
	_, body, err := conn.ReadMessage()
	if err != nil {
		logger.Info().Err(err).Msg("websocket closed before messages")
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// A hijacked connection's request context is not cancelled on
	// disconnect, so watch the read side instead.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	h.relay.Run(ctx, relay.Pass{
		Credentials: creds,
		Body:        body,
		Transport:   transportWS,
	}, relay.NewWSSink(conn))
}
