package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luma-therapy/luma/backend/internal/model/chat"
)

type scriptedTransport struct {
	frames  []chat.Frame
	openErr error
	readErr error
	got     [][]chat.Turn
}

func (s *scriptedTransport) Open(_ context.Context, messages []chat.Turn) (FrameStream, error) {
	s.got = append(s.got, messages)
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &scriptedStream{frames: append([]chat.Frame(nil), s.frames...), err: s.readErr}, nil
}

type scriptedStream struct {
	frames []chat.Frame
	err    error
}

func (s *scriptedStream) Next() (chat.Frame, error) {
	if len(s.frames) == 0 {
		if s.err != nil {
			return chat.Frame{}, s.err
		}
		return chat.Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *scriptedStream) Close() error { return nil }

type recordingRenderer struct {
	appended  []chat.Message
	tokens    []string
	discarded int
}

func (r *recordingRenderer) Appended(msg chat.Message) { r.appended = append(r.appended, msg) }

func (r *recordingRenderer) Token(token string) { r.tokens = append(r.tokens, token) }

func (r *recordingRenderer) Discard() { r.discarded++ }

func TestSendCommitsStreamedReply(t *testing.T) {
	tr := &scriptedTransport{frames: []chat.Frame{{Token: "Hel"}, {Token: "lo"}, {Done: true}}}
	rr := &recordingRenderer{}
	o := New(tr, WithRenderer(rr))

	msg, err := o.Send(context.Background(), "Hi Luma")
	require.NoError(t, err)
	assert.Equal(t, chat.RoleAssistant, msg.Role)
	assert.Equal(t, "Hello", msg.Content)
	assert.False(t, msg.Failed)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "UTC", msg.Timestamp.Location().String())

	assert.Equal(t, []string{"Hel", "lo"}, rr.tokens)
	require.Len(t, rr.appended, 2)
	assert.Equal(t, chat.RoleUser, rr.appended[0].Role)

	require.Len(t, tr.got, 1)
	assert.Equal(t, []chat.Turn{{Role: chat.RoleUser, Content: "Hi Luma"}}, tr.got[0])
	assert.Equal(t, 2, o.Conversation().Len())
}

func TestSendErrorFrameCommitsFallback(t *testing.T) {
	tr := &scriptedTransport{frames: []chat.Frame{{Token: "partial"}, {Error: "Failed to get streaming response"}}}
	rr := &recordingRenderer{}
	o := New(tr, WithRenderer(rr))

	msg, err := o.Send(context.Background(), "Hi")
	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, "Failed to get streaming response", frameErr.Message)

	assert.Equal(t, FallbackMessage, msg.Content)
	assert.True(t, msg.Failed)
	assert.Equal(t, 1, rr.discarded)

	for _, m := range o.Conversation().Messages() {
		assert.NotEqual(t, "partial", m.Content, "partial replies are never committed")
	}
}

func TestFailedTurnsLeaveHistory(t *testing.T) {
	tr := &scriptedTransport{openErr: errors.New("connection refused")}
	o := New(tr)

	_, err := o.Send(context.Background(), "first")
	require.Error(t, err)

	tr.openErr = nil
	tr.frames = []chat.Frame{{Token: "ok"}, {Done: true}}
	_, err = o.Send(context.Background(), "second")
	require.NoError(t, err)

	require.Len(t, tr.got, 2)
	assert.Equal(t, []chat.Turn{
		{Role: chat.RoleUser, Content: "first"},
		{Role: chat.RoleUser, Content: "second"},
	}, tr.got[1])
	assert.Equal(t, 4, o.Conversation().Len())
}

func TestSendIncompleteStream(t *testing.T) {
	o := New(&scriptedTransport{frames: []chat.Frame{{Token: "Hi"}}})
	msg, err := o.Send(context.Background(), "Hello")
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.True(t, msg.Failed)
}

func TestSendReadError(t *testing.T) {
	boom := errors.New("reset by peer")
	o := New(&scriptedTransport{frames: []chat.Frame{{Token: "Hi"}}, readErr: boom})
	_, err := o.Send(context.Background(), "Hello")
	assert.ErrorIs(t, err, boom)
}

func TestSendEmptyInputAndReply(t *testing.T) {
	tr := &scriptedTransport{frames: []chat.Frame{{Done: true}}}
	o := New(tr)

	_, err := o.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, tr.got)
	assert.Equal(t, 0, o.Conversation().Len())

	_, err = o.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmptyReply)
	assert.Equal(t, 1, o.Conversation().Len(), "only the user turn is kept")
}

func TestConversationCopies(t *testing.T) {
	c := NewConversation()
	c.Append(chat.RoleUser, "a", false)
	c.Append(chat.RoleAssistant, FallbackMessage, true)

	msgs := c.Messages()
	msgs[0].Content = "changed"
	assert.Equal(t, "a", c.Messages()[0].Content)
	assert.Equal(t, []chat.Turn{{Role: chat.RoleUser, Content: "a"}}, c.History())
}
