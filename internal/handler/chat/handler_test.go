package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luma-therapy/luma/backend/internal/auth"
	"github.com/luma-therapy/luma/backend/internal/middleware"
	"github.com/luma-therapy/luma/backend/internal/model/chat"
	"github.com/luma-therapy/luma/backend/internal/relay"
	"github.com/luma-therapy/luma/backend/internal/upstream"
)

type tokenResolver struct{}

func (tokenResolver) Resolve(_ context.Context, creds auth.Credentials) (*auth.Session, error) {
	if creds.AccessToken != "good" {
		return nil, &auth.AuthError{Kind: auth.Unauthenticated}
	}
	return &auth.Session{UserID: "user-1", AccessToken: "good"}, nil
}

var testCookies = auth.Cookies{Access: "sb-access-token", Refresh: "sb-refresh-token"}

type completionStub struct {
	status int
	body   string
	got    upstream.Request
}

func (c *completionStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = json.NewDecoder(r.Body).Decode(&c.got)
	if strings.HasSuffix(r.URL.Path, "/stream") {
		w.Header().Set("Content-Type", "text/event-stream")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(c.status)
	fmt.Fprint(w, c.body)
}

func setupRouter(t *testing.T, stub *completionStub) *chi.Mux {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	client := upstream.NewClient(srv.URL, 5*time.Second)
	res := tokenResolver{}
	sessions := middleware.NewSessions(res, testCookies, nil)
	h := New(relay.New(res, client, relay.Options{Timeout: 5 * time.Second}), client, sessions, nil)

	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	return r
}

func post(r http.Handler, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: "sb-access-token", Value: token})
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

const helloBody = `{"messages":[{"role":"user","content":"Hello"}]}`

func TestCompleteRequiresSession(t *testing.T) {
	r := setupRouter(t, &completionStub{status: http.StatusOK, body: `{"response":"x"}`})
	rec := post(r, "/api/chat", helloBody, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Unauthorized"}`, rec.Body.String())
}

func TestCompleteRejectsBadMessages(t *testing.T) {
	r := setupRouter(t, &completionStub{status: http.StatusOK, body: `{"response":"x"}`})
	rec := post(r, "/api/chat", `{"messages":"hi"}`, "good")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid messages format"}`, rec.Body.String())
}

func TestComplete(t *testing.T) {
	stub := &completionStub{status: http.StatusOK, body: `{"response":"Hi there"}`}
	r := setupRouter(t, stub)

	rec := post(r, "/api/chat", helloBody, "good")
	require.Equal(t, http.StatusOK, rec.Code)

	var out completeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Hi there", out.Response)
	assert.NotEmpty(t, out.ID)
	_, err := time.Parse(time.RFC3339, out.Created)
	assert.NoError(t, err)

	assert.Equal(t, "user-1", stub.got.UserID)
	assert.False(t, stub.got.Stream)
	assert.Equal(t, []chat.Turn{{Role: chat.RoleUser, Content: "Hello"}}, stub.got.Messages)
}

func TestCompleteUpstreamFailure(t *testing.T) {
	r := setupRouter(t, &completionStub{status: http.StatusInternalServerError, body: `{"detail":"model overloaded"}`})
	rec := post(r, "/api/chat", helloBody, "good")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"model overloaded"}`, rec.Body.String())

	r = setupRouter(t, &completionStub{status: http.StatusBadGateway, body: `oops`})
	rec = post(r, "/api/chat", helloBody, "good")
	assert.JSONEq(t, `{"error":"Failed to get chat response"}`, rec.Body.String())
}

func TestStreamRelaysFrames(t *testing.T) {
	upstreamBody := "data: {\"token\":\"Hi\"}\n\ndata: {\"done\":true}\n\n"
	stub := &completionStub{status: http.StatusOK, body: upstreamBody}
	r := setupRouter(t, stub)

	rec := post(r, "/api/chat/stream", helloBody, "good")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, upstreamBody, rec.Body.String())
	assert.True(t, stub.got.Stream)
}

func TestStreamUnauthorizedFrame(t *testing.T) {
	stub := &completionStub{status: http.StatusOK, body: "data: {\"done\":true}\n\n"}
	r := setupRouter(t, stub)

	rec := post(r, "/api/chat/stream", helloBody, "")
	assert.Equal(t, "data: {\"error\":\"Unauthorized\"}\n\n", rec.Body.String())
	assert.Empty(t, stub.got.Messages, "upstream must not be contacted")
}

func dialWS(t *testing.T, r http.Handler, token string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrames(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	var frames []string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected read error: %v", err)
			return frames
		}
		frames = append(frames, string(data))
	}
}

func TestWebSocketRelay(t *testing.T) {
	stub := &completionStub{status: http.StatusOK, body: "data: {\"token\":\"Hi\"}\n\ndata: {\"token\":\"!\"}\n\ndata: {\"done\":true}\n\n"}
	conn := dialWS(t, setupRouter(t, stub), "good")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(helloBody)))
	assert.Equal(t, []string{`{"token":"Hi"}`, `{"token":"!"}`, `{"done":true}`}, readFrames(t, conn))
	assert.Equal(t, "user-1", stub.got.UserID)
}

func TestWebSocketUnauthorized(t *testing.T) {
	conn := dialWS(t, setupRouter(t, &completionStub{status: http.StatusOK}), "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(helloBody)))
	assert.Equal(t, []string{`{"error":"Unauthorized"}`}, readFrames(t, conn))
}

func TestWebSocketRejectsOversizedMessage(t *testing.T) {
	stub := &completionStub{status: http.StatusOK, body: "data: {\"done\":true}\n\n"}
	conn := dialWS(t, setupRouter(t, stub), "good")

	oversized := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", maxBodyBytes) + `"}]}`
	_ = conn.WriteMessage(websocket.TextMessage, []byte(oversized))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.False(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected normal close")
	assert.Empty(t, stub.got.Messages, "upstream must not be contacted")
}
