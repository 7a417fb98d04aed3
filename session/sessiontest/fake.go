// Package sessiontest provides in-memory stand-ins for both ends of a relay.
package sessiontest

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yuting0624/Cafe-Agent-Gemini/gemini"
)

type frame struct {
	messageType int
	data        []byte
	err         error
}

// Conn is a client connection fed by the test. Reads block until a frame is
// pushed or the connection is closed.
type Conn struct {
	frames chan frame

	mu         sync.Mutex
	written    [][]byte
	closeCount int
	closed     chan struct{}
	wrote      chan struct{}
}

// NewConn returns an open connection
func NewConn() *Conn {
	return &Conn{
		frames: make(chan frame, 64),
		closed: make(chan struct{}),
		wrote:  make(chan struct{}, 256),
	}
}

// SendText queues a text frame for the relay to read
func (c *Conn) SendText(data string) {
	c.frames <- frame{messageType: websocket.TextMessage, data: []byte(data)}
}

// SendBinary queues a binary frame for the relay to read
func (c *Conn) SendBinary(data []byte) {
	c.frames <- frame{messageType: websocket.BinaryMessage, data: data}
}

// Disconnect makes the next read fail as if the browser closed the socket
func (c *Conn) Disconnect(code int) {
	c.frames <- frame{err: &websocket.CloseError{Code: code}}
}

// Fail makes the next read fail with err
func (c *Conn) Fail(err error) {
	c.frames <- frame{err: err}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case f := <-c.frames:
		if f.err != nil {
			return 0, nil, f.err
		}
		return f.messageType, f.data, nil
	}
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), data...))
	c.mu.Unlock()

	select {
	case c.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if c.closeCount == 1 {
		close(c.closed)
	}
	return nil
}

// Written returns copies of all frames written by the relay
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

// WaitWritten blocks until at least n frames were written or timeout passes
func (c *Conn) WaitWritten(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(c.Written()) >= n {
			return true
		}
		select {
		case <-c.wrote:
		case <-deadline:
			return len(c.Written()) >= n
		}
	}
}

// CloseCount reports how many times Close was called
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// Closed is closed after the first Close
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Audio is one chunk submitted to a Remote
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Remote is a live session fed by the test
type Remote struct {
	events chan gemini.Event
	errs   chan error

	mu         sync.Mutex
	audio      []Audio
	texts      []string
	sendErr    error
	closeCount int
	closed     chan struct{}
	sent       chan struct{}
	ended      bool
}

// NewRemote returns an open remote session
func NewRemote() *Remote {
	return &Remote{
		events: make(chan gemini.Event, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
		sent:   make(chan struct{}, 256),
	}
}

// Emit queues an event for the relay to receive
func (r *Remote) Emit(ev gemini.Event) {
	r.events <- ev
}

// End makes Receive report io.EOF once queued events are drained
func (r *Remote) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ended {
		r.ended = true
		close(r.events)
	}
}

// Fail makes the next Receive return err
func (r *Remote) Fail(err error) {
	r.errs <- err
}

// FailSends makes every later send return err
func (r *Remote) FailSends(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

func (r *Remote) Receive() (gemini.Event, error) {
	select {
	case <-r.closed:
		return gemini.Event{}, gemini.ErrClosed
	case err := <-r.errs:
		return gemini.Event{}, err
	case ev, ok := <-r.events:
		if !ok {
			return gemini.Event{}, io.EOF
		}
		return ev, nil
	}
}

func (r *Remote) SendAudio(pcm []byte, sampleRate int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.sendErrLocked(); err != nil {
		return err
	}
	r.audio = append(r.audio, Audio{PCM: append([]byte(nil), pcm...), SampleRate: sampleRate})
	r.notifySent()
	return nil
}

func (r *Remote) SendText(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.sendErrLocked(); err != nil {
		return err
	}
	r.texts = append(r.texts, text)
	r.notifySent()
	return nil
}

func (r *Remote) sendErrLocked() error {
	if r.closeCount > 0 {
		return gemini.ErrClosed
	}
	return r.sendErr
}

func (r *Remote) notifySent() {
	select {
	case r.sent <- struct{}{}:
	default:
	}
}

func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeCount++
	if r.closeCount == 1 {
		close(r.closed)
	}
	return nil
}

// SentAudio returns the audio chunks submitted so far
func (r *Remote) SentAudio() []Audio {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Audio(nil), r.audio...)
}

// SentText returns the text turns submitted so far
func (r *Remote) SentText() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

// WaitSent blocks until at least n audio chunks and texts in total were
// submitted or timeout passes
func (r *Remote) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	count := func() int {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.audio) + len(r.texts)
	}
	for {
		if count() >= n {
			return true
		}
		select {
		case <-r.sent:
		case <-deadline:
			return count() >= n
		}
	}
}

// CloseCount reports how many times Close was called
func (r *Remote) CloseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCount
}

// Closed is closed after the first Close
func (r *Remote) Closed() <-chan struct{} {
	return r.closed
}

// ErrDialFailed is a ready-made remote open failure
var ErrDialFailed = errors.New("sessiontest: dial failed")
