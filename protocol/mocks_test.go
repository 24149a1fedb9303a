package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/communic8/message"
	"github.com/opd-ai/communic8/reactor"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

// testHandler records what the Conn delivers. Its methods run on the loop.
type testHandler struct {
	conn     *Conn
	state    string
	onMsg    func(h *testHandler, m message.Message) error
	messages chan message.Message
	closed   chan error
}

func newTestHandler() *testHandler {
	return &testHandler{
		state:    "idle",
		messages: make(chan message.Message, 16),
		closed:   make(chan error, 1),
	}
}

func (h *testHandler) State() string { return h.state }

func (h *testHandler) HandleMessage(m message.Message) error {
	h.messages <- m
	if h.onMsg != nil {
		return h.onMsg(h, m)
	}
	return nil
}

func (h *testHandler) HandleClose(err error) {
	h.closed <- err
}

// remote is the test's end of a net.Pipe.
type remote struct {
	t  *testing.T
	nc net.Conn
	br *bufio.Reader
}

func (r *remote) writeLine(line string) {
	r.t.Helper()
	r.nc.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err := r.nc.Write([]byte(line + "\r\n"))
	require.NoError(r.t, err)
}

func (r *remote) write(b []byte) {
	r.t.Helper()
	r.nc.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err := r.nc.Write(b)
	require.NoError(r.t, err)
}

func (r *remote) readLine() string {
	r.t.Helper()
	r.nc.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := r.br.ReadString('\n')
	require.NoError(r.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (r *remote) readResponse() Response {
	r.t.Helper()
	resp, err := ParseResponse(r.readLine())
	require.NoError(r.t, err)
	return resp
}

func startLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l := reactor.New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func newTestConn(t *testing.T, h *testHandler, timeout time.Duration) (*Conn, *remote, *reactor.Loop) {
	t.Helper()
	loop := startLoop(t)
	local, other := net.Pipe()
	c := NewConn(local, Config{
		Loop:            loop,
		Dispatcher:      message.NewServerDispatcher(),
		ResponseTimeout: timeout,
		Role:            "test",
	})
	h.conn = c
	c.Start(h)
	t.Cleanup(func() {
		c.Close()
		other.Close()
	})
	return c, &remote{t: t, nc: other, br: bufio.NewReader(other)}, loop
}

func onLoop(t *testing.T, loop *reactor.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, loop.Call(ctx, fn))
}

// memorySink collects a raw stream of a fixed size.
type memorySink struct {
	mu       sync.Mutex
	size     int64
	buf      bytes.Buffer
	writes   int
	closeErr error
	closed   chan struct{}
}

var errShort = errors.New("short stream")

func newMemorySink(size int64) *memorySink {
	return &memorySink{size: size, closed: make(chan struct{})}
}

func (s *memorySink) Remaining() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size - int64(s.buf.Len())
}

func (s *memorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return s.buf.Write(p)
}

func (s *memorySink) Close(streamErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(s.closed)
	if int64(s.buf.Len()) < s.size {
		s.closeErr = errors.Join(errShort, streamErr)
		return s.closeErr
	}
	return nil
}

func (s *memorySink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}
