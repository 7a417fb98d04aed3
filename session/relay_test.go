package session_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yuting0624/Cafe-Agent-Gemini/gemini"
	"github.com/yuting0624/Cafe-Agent-Gemini/session"
	"github.com/yuting0624/Cafe-Agent-Gemini/session/sessiontest"
)

const waitTimeout = 2 * time.Second

type transitions struct {
	mu   sync.Mutex
	list [][2]session.State
}

func (tr *transitions) record(from, to session.State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.list = append(tr.list, [2]session.State{from, to})
}

func (tr *transitions) get() [][2]session.State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([][2]session.State(nil), tr.list...)
}

type harness struct {
	conn   *sessiontest.Conn
	remote *sessiontest.Remote
	relay  *session.Relay
	states *transitions
}

func newHarness(t *testing.T, opts session.Options, dialErr error) *harness {
	t.Helper()

	h := &harness{
		conn:   sessiontest.NewConn(),
		remote: sessiontest.NewRemote(),
		states: &transitions{},
	}
	dial := func(ctx context.Context) (session.Remote, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return h.remote, nil
	}
	opts.OnStateChange = h.states.record
	if opts.SampleRate == 0 {
		opts.SampleRate = 16000
	}
	h.relay = session.NewRelay("test-session", h.conn, dial, opts, zap.NewNop())
	return h
}

func (h *harness) run(ctx context.Context) <-chan error {
	result := make(chan error, 1)
	go func() { result <- h.relay.Run(ctx) }()
	return result
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("relay did not terminate")
		return nil
	}
}

func audioFrame(pcm []byte) string {
	return `{"type":"audio","mime_type":"audio/pcm","data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`
}

func TestRelayForwardsClientAudio(t *testing.T) {
	h := newHarness(t, session.Options{}, nil)
	result := h.run(context.Background())

	first := bytes.Repeat([]byte{0x10, 0x20}, 160)
	second := []byte{0x7f, 0x80, 0x00, 0xff}

	h.conn.SendText(audioFrame(first))
	h.conn.SendText(`{"type":"audio","mime_type":"audio/wav","data":"AAAA"}`)
	h.conn.SendText(`{"type":"audio","data":"AAAA"}`)
	h.conn.SendText(`{"type":"text","text":"hello"}`)
	h.conn.SendText(`not json`)
	h.conn.SendText(`{"type":"audio","mime_type":"audio/pcm","data":"%%%"}`)
	h.conn.SendBinary([]byte{1, 2, 3})
	h.conn.SendText(audioFrame(second))

	require.True(t, h.remote.WaitSent(2, waitTimeout))

	h.conn.Disconnect(websocket.CloseNormalClosure)
	require.NoError(t, waitResult(t, result))

	sent := h.remote.SentAudio()
	require.Len(t, sent, 2)
	assert.Equal(t, first, sent[0].PCM)
	assert.Equal(t, second, sent[1].PCM)
	assert.Equal(t, 16000, sent[0].SampleRate)
	assert.Empty(t, h.remote.SentText())
}

func TestRelayForwardsRemoteEvents(t *testing.T) {
	h := newHarness(t, session.Options{}, nil)
	result := h.run(context.Background())

	h.remote.Emit(gemini.Event{Kind: gemini.EventAudio, Audio: []byte{0xde, 0xad, 0xbe, 0xef}, MIMEType: "audio/pcm;rate=24000"})
	h.remote.Emit(gemini.Event{Kind: gemini.EventText, Text: "カフェラテを一つ", Source: gemini.SourceInput})
	h.remote.Emit(gemini.Event{Kind: gemini.EventText, Text: "かしこまりました", Source: gemini.SourceOutput})
	h.remote.Emit(gemini.Event{})

	require.True(t, h.conn.WaitWritten(3, waitTimeout))

	h.remote.End()
	require.NoError(t, waitResult(t, result))

	written := h.conn.Written()
	require.Len(t, written, 3)
	assert.JSONEq(t, `{"type":"audio","data":"3q2+7w=="}`, string(written[0]))
	assert.JSONEq(t, `{"type":"input_transcription","text":"カフェラテを一つ","speaker":"User"}`, string(written[1]))
	assert.JSONEq(t, `{"type":"output_transcription","text":"かしこまりました","speaker":"AI"}`, string(written[2]))
}

func TestRelayRemoteEndsConversation(t *testing.T) {
	h := newHarness(t, session.Options{}, nil)
	result := h.run(context.Background())

	h.conn.SendText(audioFrame(bytes.Repeat([]byte{0x42}, 64)))
	h.remote.End()

	require.NoError(t, waitResult(t, result))

	assert.Equal(t, session.StateTerminated, h.relay.State())
	assert.Equal(t, [][2]session.State{
		{session.StateInitializing, session.StateStreaming},
		{session.StateStreaming, session.StateTerminated},
	}, h.states.get())
	assert.Equal(t, 1, h.remote.CloseCount())
	assert.Equal(t, 1, h.conn.CloseCount())
}

func TestRelayClientDisconnectEndsRemote(t *testing.T) {
	h := newHarness(t, session.Options{}, nil)
	result := h.run(context.Background())

	h.conn.Disconnect(websocket.CloseGoingAway)

	require.NoError(t, waitResult(t, result))
	select {
	case <-h.remote.Closed():
	default:
		t.Fatal("remote session was not closed")
	}
	assert.Equal(t, 1, h.conn.CloseCount())
}

func TestRelayDialFailure(t *testing.T) {
	h := newHarness(t, session.Options{GreetingText: "hello"}, sessiontest.ErrDialFailed)

	err := waitResult(t, h.run(context.Background()))
	require.Error(t, err)
	assert.ErrorIs(t, err, sessiontest.ErrDialFailed)

	assert.Equal(t, [][2]session.State{
		{session.StateInitializing, session.StateTerminated},
	}, h.states.get())
	assert.Equal(t, 1, h.conn.CloseCount())
	assert.Equal(t, 0, h.remote.CloseCount())
}

func TestRelayGreetsAfterDelay(t *testing.T) {
	h := newHarness(t, session.Options{GreetingText: "電話がかかってきました。", GreetingDelay: 30 * time.Millisecond}, nil)

	start := time.Now()
	result := h.run(context.Background())

	require.True(t, h.remote.WaitSent(1, waitTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, []string{"電話がかかってきました。"}, h.remote.SentText())

	h.remote.End()
	require.NoError(t, waitResult(t, result))
}

func TestRelayGreetingFailure(t *testing.T) {
	h := newHarness(t, session.Options{GreetingText: "hello"}, nil)
	boom := errors.New("greeting rejected")
	h.remote.FailSends(boom)

	err := waitResult(t, h.run(context.Background()))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, [][2]session.State{
		{session.StateInitializing, session.StateTerminated},
	}, h.states.get())
	assert.Equal(t, 1, h.remote.CloseCount())
}

func TestRelayCancelDuringGreeting(t *testing.T) {
	h := newHarness(t, session.Options{GreetingText: "hello", GreetingDelay: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	result := h.run(ctx)
	cancel()

	require.NoError(t, waitResult(t, result))
	assert.Empty(t, h.remote.SentText())
	assert.Equal(t, 1, h.remote.CloseCount())
	assert.Equal(t, 1, h.conn.CloseCount())
}

func TestRelayRemoteErrorIsFatal(t *testing.T) {
	h := newHarness(t, session.Options{}, nil)
	result := h.run(context.Background())

	boom := errors.New("quota exceeded")
	h.remote.Fail(boom)

	err := waitResult(t, result)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, h.conn.CloseCount())
	assert.Equal(t, 1, h.remote.CloseCount())
}

func TestRelayClientReadErrorIsFatal(t *testing.T) {
	h := newHarness(t, session.Options{}, nil)
	result := h.run(context.Background())

	h.conn.Disconnect(websocket.CloseAbnormalClosure)

	err := waitResult(t, result)
	require.Error(t, err)
	assert.Equal(t, 1, h.remote.CloseCount())
}

func TestRelaySendAudioErrorIsFatal(t *testing.T) {
	h := newHarness(t, session.Options{}, nil)
	result := h.run(context.Background())

	boom := errors.New("socket reset")
	h.remote.FailSends(boom)
	h.conn.SendText(audioFrame([]byte{1, 2}))

	err := waitResult(t, result)
	assert.ErrorIs(t, err, boom)
}

func TestRelayCloseFromOutside(t *testing.T) {
	h := newHarness(t, session.Options{}, nil)
	result := h.run(context.Background())

	h.remote.Emit(gemini.Event{Kind: gemini.EventText, Text: "ready", Source: gemini.SourceOutput})
	require.True(t, h.conn.WaitWritten(1, waitTimeout))

	require.NoError(t, h.relay.Close())
	require.NoError(t, h.relay.Close())

	require.NoError(t, waitResult(t, result))
	select {
	case <-h.relay.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Equal(t, 1, h.remote.CloseCount())
	assert.Equal(t, 1, h.conn.CloseCount())
	assert.Len(t, h.states.get(), 2)
}

func TestRelayParentContextEndsStreaming(t *testing.T) {
	h := newHarness(t, session.Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	result := h.run(ctx)

	h.remote.Emit(gemini.Event{Kind: gemini.EventText, Text: "ready", Source: gemini.SourceOutput})
	require.True(t, h.conn.WaitWritten(1, waitTimeout))
	cancel()

	require.NoError(t, waitResult(t, result))
	assert.Equal(t, session.StateTerminated, h.relay.State())
}

type panickingRemote struct{ *sessiontest.Remote }

func (p panickingRemote) Receive() (gemini.Event, error) {
	panic("corrupt server message")
}

type panickingConn struct{ *sessiontest.Conn }

func (p panickingConn) ReadMessage() (int, []byte, error) {
	panic("corrupt client frame")
}

func TestRelayLoopPanicIsContained(t *testing.T) {
	tests := []struct {
		name string
		wrap func(*sessiontest.Conn, *sessiontest.Remote) (session.ClientConn, session.Remote)
	}{
		{
			name: "remote loop",
			wrap: func(c *sessiontest.Conn, r *sessiontest.Remote) (session.ClientConn, session.Remote) {
				return c, panickingRemote{r}
			},
		},
		{
			name: "client loop",
			wrap: func(c *sessiontest.Conn, r *sessiontest.Remote) (session.ClientConn, session.Remote) {
				return panickingConn{c}, r
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := sessiontest.NewConn()
			remote := sessiontest.NewRemote()
			clientConn, wrapped := tt.wrap(conn, remote)
			dial := func(context.Context) (session.Remote, error) { return wrapped, nil }
			relay := session.NewRelay("panic", clientConn, dial, session.Options{SampleRate: 16000}, zap.NewNop())

			result := make(chan error, 1)
			go func() { result <- relay.Run(context.Background()) }()

			err := waitResult(t, result)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "panicked")
			assert.Equal(t, session.StateTerminated, relay.State())
			assert.Equal(t, 1, remote.CloseCount())
			assert.Equal(t, 1, conn.CloseCount())
		})
	}
}
