package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yuting0624/Cafe-Agent-Gemini/config"
	"github.com/yuting0624/Cafe-Agent-Gemini/gemini"
	"github.com/yuting0624/Cafe-Agent-Gemini/messages"
)

const writeTimeout = 10 * time.Second

// ErrRelayClosed is returned by Run when the relay was closed from outside
// before streaming started.
var ErrRelayClosed = errors.New("relay closed")

// errLoopFinished ends the loop group when a loop returns without error
var errLoopFinished = errors.New("forwarding loop finished")

// ClientConn is the browser side of a relay. *websocket.Conn implements it.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Remote is an open live inference session. *gemini.Proxy implements it.
type Remote interface {
	Receive() (gemini.Event, error)
	SendAudio(pcm []byte, sampleRate int) error
	SendText(text string) error
	Close() error
}

// DialFunc opens the remote session for a relay
type DialFunc func(ctx context.Context) (Remote, error)

// Options tune a relay's conversation start and audio format
type Options struct {
	GreetingText  string
	GreetingDelay time.Duration
	SampleRate    int

	// OnStateChange is called on every transition while the relay holds its
	// lock; it must not call back into the relay.
	OnStateChange func(from, to State)
}

// OptionsFromConfig derives relay options from the process config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		GreetingText:  cfg.GreetingText,
		GreetingDelay: cfg.GreetingDelay,
		SampleRate:    cfg.InputSampleRate,
	}
}

// Relay pairs one client connection with one remote session and forwards
// traffic both ways until either side ends.
type Relay struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	conn ClientConn
	dial DialFunc
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	state  State
	remote Remote

	closeOnce sync.Once
	done      chan struct{}
}

// NewRelay creates a relay in the initializing state
func NewRelay(id string, conn ClientConn, dial DialFunc, opts Options, log *zap.Logger) *Relay {
	return &Relay{
		ID:        id,
		CreatedAt: time.Now(),
		conn:      conn,
		dial:      dial,
		opts:      opts,
		log:       log.With(zap.String("session", id)),
		state:     StateInitializing,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the relay is terminated
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Run opens the remote session, greets, then relays until either side ends.
// Both ends are released before Run returns.
func (r *Relay) Run(ctx context.Context) error {
	defer r.Close()

	remote, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("open remote session: %w", err)
	}
	if !r.attach(remote) {
		_ = remote.Close()
		return ErrRelayClosed
	}

	if err := r.greet(ctx, remote); err != nil {
		if errors.Is(err, context.Canceled) {
			r.log.Info("relay cancelled before streaming")
			return nil
		}
		return err
	}

	if !r.transition(StateStreaming) {
		return ErrRelayClosed
	}
	r.log.Info("relay streaming")

	return r.stream(ctx, remote)
}

func (r *Relay) attach(remote Remote) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateTerminated {
		return false
	}
	r.remote = remote
	return true
}

// greet waits for the remote session to settle then sends the opening turn
func (r *Relay) greet(ctx context.Context, remote Remote) error {
	if r.opts.GreetingDelay > 0 {
		timer := time.NewTimer(r.opts.GreetingDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return ErrRelayClosed
		case <-timer.C:
		}
	}

	if r.opts.GreetingText == "" {
		return nil
	}
	if err := remote.SendText(r.opts.GreetingText); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	return nil
}

// stream runs both forwarding loops; the first to return ends the other
func (r *Relay) stream(ctx context.Context, remote Remote) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(r.guard("client", func() error { return r.loopResult(r.forwardClient(remote)) }))
	g.Go(r.guard("remote", func() error { return r.loopResult(r.forwardRemote(remote)) }))
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-r.done:
		}
		r.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errLoopFinished) {
		return nil
	}
	return err
}

// guard turns a panic in a forwarding loop into an error, so it ends this
// relay and nothing else.
func (r *Relay) guard(loop string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("relay loop panicked", zap.String("loop", loop), zap.Any("panic", p), zap.Stack("stack"))
				err = fmt.Errorf("relay %s loop panicked: %v", loop, p)
			}
		}()
		return fn()
	}
}

// loopResult maps a loop's exit into the group's first-to-finish signal.
// Errors seen after the relay closed are fallout of the close.
func (r *Relay) loopResult(err error) error {
	if err == nil || r.State() == StateTerminated {
		return errLoopFinished
	}
	return err
}

// forwardClient reads client frames and submits their audio to the remote
func (r *Relay) forwardClient(remote Remote) error {
	for {
		messageType, raw, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				r.log.Info("client closed connection")
				return nil
			}
			return fmt.Errorf("read client frame: %w", err)
		}

		if messageType != websocket.TextMessage {
			r.log.Debug("ignoring non-text client frame", zap.Int("bytes", len(raw)))
			continue
		}

		frame, err := messages.DecodeClientFrame(raw)
		if err != nil {
			r.log.Debug("ignoring client frame", zap.Error(err))
			continue
		}
		pcm, err := frame.PCM()
		if err != nil {
			r.log.Warn("ignoring client audio", zap.Error(err))
			continue
		}
		if len(pcm) == 0 {
			continue
		}

		if err := remote.SendAudio(pcm, r.opts.SampleRate); err != nil {
			return err
		}
	}
}

// forwardRemote writes remote audio and transcriptions to the client
func (r *Relay) forwardRemote(remote Remote) error {
	for {
		ev, err := remote.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.log.Info("remote session ended")
				return nil
			}
			return err
		}

		var msg *messages.ServerMessage
		switch ev.Kind {
		case gemini.EventAudio:
			msg = messages.NewAudioMessage(ev.Audio)
		case gemini.EventText:
			if ev.Source == gemini.SourceInput {
				r.log.Info("caller transcription", zap.String("text", ev.Text))
				msg = messages.NewInputTranscription(ev.Text)
			} else {
				r.log.Info("agent transcription", zap.String("text", ev.Text))
				msg = messages.NewOutputTranscription(ev.Text)
			}
		default:
			continue
		}

		if err := r.write(msg); err != nil {
			return err
		}
	}
}

func (r *Relay) write(msg *messages.ServerMessage) error {
	data, err := messages.Encode(msg)
	if err != nil {
		return err
	}

	_ = r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write client frame: %w", err)
	}
	return nil
}

func (r *Relay) transition(to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to)
}

func (r *Relay) transitionLocked(to State) bool {
	from := r.state
	if !canTransition(from, to) {
		return false
	}
	r.state = to
	if r.opts.OnStateChange != nil {
		r.opts.OnStateChange(from, to)
	}
	return true
}

// Close terminates the relay, releasing the remote session and the client
// connection. It is safe to call more than once and from any goroutine.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.transitionLocked(StateTerminated)
		remote := r.remote
		r.mu.Unlock()

		close(r.done)

		if remote != nil {
			if err := remote.Close(); err != nil {
				r.log.Debug("closing remote session", zap.Error(err))
			}
		}

		_ = r.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		if err := r.conn.Close(); err != nil {
			r.log.Debug("closing client connection", zap.Error(err))
		}

		r.log.Info("relay terminated")
	})
	return nil
}
