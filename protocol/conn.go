package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/communic8/fsm"
	"github.com/opd-ai/communic8/limits"
	"github.com/opd-ai/communic8/message"
	"github.com/opd-ai/communic8/reactor"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultResponseTimeout bounds SendMessageAwait when no timeout is configured.
	DefaultResponseTimeout = 10 * time.Second
	// DefaultQueueSize is the number of outbound frames buffered per connection.
	DefaultQueueSize = 256

	closeFlushTimeout = 2 * time.Second
)

var errLineTooLong = errors.New("line too long")

// Handler is the per-connection state machine driven by a Conn. All methods
// run on the event loop.
type Handler interface {
	// State names the current FSM state; it is echoed in every response.
	State() string
	// HandleMessage acts on one parsed control message. The returned error
	// is classified by Report.
	HandleMessage(m message.Message) error
	// HandleClose is called exactly once when the transport is gone.
	HandleClose(err error)
}

// Config configures a Conn.
type Config struct {
	Loop            *reactor.Loop
	Dispatcher      *message.Dispatcher
	ResponseTimeout time.Duration
	QueueSize       int
	// Role labels log entries, e.g. "server" or "peer".
	Role string
}

type waiter struct {
	command string
	cb      func(Response, error)
	timer   *reactor.Timer
}

// Conn frames a net.Conn into control lines and raw byte streams. One reader
// goroutine and one writer goroutine move bytes; every protocol decision is
// made on the event loop.
type Conn struct {
	nc      net.Conn
	br      *bufio.Reader
	cfg     Config
	handler Handler
	log     *logrus.Entry

	// Owned by the event loop.
	pending     *waiter
	orphans     int
	dispatching bool
	rawReq      *rawRequest
	rawWriting  bool
	held        [][]byte
	finished    bool

	out       chan []byte
	closing   chan struct{}
	writerEnd chan struct{}
	closeOnce sync.Once

	gateMu     sync.Mutex
	gate       *sync.Cond
	paused     bool
	gateClosed bool
}

// NewConn wraps nc. Nothing is read or written until Start.
func NewConn(nc net.Conn, cfg Config) *Conn {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	c := &Conn{
		nc:        nc,
		br:        bufio.NewReaderSize(nc, limits.MaxLineLength),
		cfg:       cfg,
		out:       make(chan []byte, cfg.QueueSize),
		closing:   make(chan struct{}),
		writerEnd: make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"role":   cfg.Role,
			"remote": nc.RemoteAddr().String(),
		}),
	}
	c.gate = sync.NewCond(&c.gateMu)
	return c
}

// Start attaches h and launches the reader and writer goroutines.
func (c *Conn) Start(h Handler) {
	c.handler = h
	go c.writeLoop()
	go c.readLoop()
}

// Logger returns the connection's log entry.
func (c *Conn) Logger() *logrus.Entry {
	return c.log
}

// RemoteAddr returns the remote host and port, or the zero value when the
// transport has no IP address.
func (c *Conn) RemoteAddr() netip.AddrPort {
	return addrPort(c.nc.RemoteAddr())
}

// LocalAddr returns the local host and port.
func (c *Conn) LocalAddr() netip.AddrPort {
	return addrPort(c.nc.LocalAddr())
}

// addrPort converts a to a host and port, with IPv4-mapped IPv6 addresses
// reported as plain IPv4.
func addrPort(a net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	if tcp, ok := a.(*net.TCPAddr); ok {
		ap = tcp.AddrPort()
	} else {
		var err error
		if ap, err = netip.ParseAddrPort(a.String()); err != nil {
			return netip.AddrPort{}
		}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Close flushes queued output and closes the transport. A write still
// blocked after closeFlushTimeout fails, so a remote that stopped reading
// cannot hold the transport open. It is safe to call from any goroutine and
// more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.nc.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
		close(c.closing)
		c.gateMu.Lock()
		c.gateClosed = true
		c.gate.Broadcast()
		c.gateMu.Unlock()
	})
	return nil
}

// Closed is closed once the transport has been closed.
func (c *Conn) Closed() <-chan struct{} {
	return c.writerEnd
}

// Orphans returns how many timed-out responses are still expected and will
// be discarded on arrival.
func (c *Conn) Orphans() int {
	return c.orphans
}

// AwaitingResponse reports whether a SendMessageAwait is outstanding.
func (c *Conn) AwaitingResponse() bool {
	return c.pending != nil
}

// SendMessage writes a control message without waiting for a response.
func (c *Conn) SendMessage(m message.Message) error {
	line, err := message.Format(m)
	if err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{
		"function": "SendMessage",
		"command":  m.Command(),
	}).Debug("Sending control message")
	return c.send([]byte(line + "\r\n"))
}

// SendMessageAwait writes m and calls cb on the loop with the response or
// a failure. A response carrying "error" is reported as a *ResponseError.
// Only one response may be outstanding; a second call fails with
// ErrProtocol. A zero timeout uses the configured default and a negative
// one waits forever. If the timer fires first, cb receives
// ErrResponseTimeout and the late response is discarded when it arrives.
func (c *Conn) SendMessageAwait(m message.Message, timeout time.Duration, cb func(Response, error)) error {
	if c.pending != nil {
		return fmt.Errorf("%w: %s sent while the response to %s is outstanding", ErrProtocol, m.Command(), c.pending.command)
	}
	if c.finished {
		return ErrConnectionClosed
	}
	if err := c.SendMessage(m); err != nil {
		return err
	}

	w := &waiter{command: m.Command(), cb: cb}
	c.pending = w

	if timeout == 0 {
		timeout = c.cfg.ResponseTimeout
	}
	if timeout > 0 {
		w.timer = c.cfg.Loop.AfterFunc(timeout, func() {
			if c.pending != w {
				return
			}
			c.pending = nil
			c.orphans++
			c.log.WithFields(logrus.Fields{
				"function": "SendMessageAwait",
				"command":  w.command,
				"timeout":  timeout.String(),
			}).Warn("Timed out waiting for response")
			w.cb(nil, fmt.Errorf("%w: %s after %s", ErrResponseTimeout, w.command, timeout))
		})
	}
	return nil
}

// SendResponse writes r with the current state added.
func (c *Conn) SendResponse(r Response) error {
	out := make(Response, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	if c.handler != nil {
		out["state"] = c.handler.State()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return c.send(append(b, '\r', '\n'))
}

// SendError writes an error response.
func (c *Conn) SendError(key, msg string) error {
	c.log.WithFields(logrus.Fields{
		"function": "SendError",
		"error":    key,
		"message":  msg,
	}).Debug("Sending error response")
	return c.SendResponse(Response{"error": key, "message": msg})
}

// Report converts a handler error for command into the matching response:
// a *ResponseError is sent as is, an FSM rejection becomes
// INVALID_COMMAND_FOR_STATE, a hook veto without a ResponseError is silent
// and anything else closes this connection.
func (c *Conn) Report(command string, err error) {
	if err == nil {
		return
	}
	var re *ResponseError
	switch {
	case errors.As(err, &re):
		c.SendError(re.Key, re.Message)
	case errors.Is(err, fsm.ErrCanceled):
	case errors.Is(err, fsm.ErrInvalidTransition), errors.Is(err, fsm.ErrInTransition):
		re = invalidCommandForState(command, c.handler.State())
		c.SendError(re.Key, re.Message)
	default:
		c.log.WithFields(logrus.Fields{
			"function": "Report",
			"command":  command,
			"error":    err.Error(),
		}).Error("Unexpected handler failure, closing connection")
		c.Close()
	}
}

func (c *Conn) send(frame []byte) error {
	if c.finished {
		return ErrConnectionClosed
	}
	if c.rawWriting {
		c.held = append(c.held, frame)
		return nil
	}
	return c.push(frame)
}

func (c *Conn) push(frame []byte) error {
	select {
	case <-c.closing:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		c.log.WithFields(logrus.Fields{
			"function":   "push",
			"queue_size": c.cfg.QueueSize,
		}).Warn("Outbound queue full, closing slow connection")
		c.Close()
		return ErrQueueFull
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerEnd)
	for {
		select {
		case frame := <-c.out:
			if _, err := c.nc.Write(frame); err != nil {
				c.log.WithFields(logrus.Fields{
					"function": "writeLoop",
					"error":    err.Error(),
				}).Debug("Write failed, closing connection")
				c.Close()
				c.nc.Close()
				return
			}
		case <-c.closing:
			for {
				select {
				case frame := <-c.out:
					if _, err := c.nc.Write(frame); err == nil {
						continue
					}
				default:
				}
				break
			}
			c.nc.Close()
			return
		}
	}
}

func (c *Conn) readLoop() {
	var err error
	for {
		var line string
		line, err = c.readLine()
		if errors.Is(err, errLineTooLong) {
			if !c.call(func() { c.SendError(ErrKeyInvalidCommand, MsgInvalidCommand) }) {
				return
			}
			continue
		}
		if err != nil {
			break
		}
		if line == "" {
			continue
		}

		req, ok := c.deliver(line)
		if !ok {
			return
		}
		if req != nil {
			if err = c.readRaw(req); err != nil {
				break
			}
		}
	}
	c.cfg.Loop.Post(func() { c.finish(err) })
}

// readLine returns the next line without its terminator. Lines longer than
// the reader buffer are skipped up to the next newline.
func (c *Conn) readLine() (string, error) {
	b, err := c.br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = c.br.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", errLineTooLong
	}
	if err != nil {
		if err == io.EOF && len(b) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(bytes.TrimRight(b, "\r\n")), nil
}

// call runs fn on the loop and waits for it.
func (c *Conn) call(fn func()) bool {
	finished := make(chan struct{})
	if !c.cfg.Loop.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-c.cfg.Loop.Done():
		return false
	}
}

// deliver hands line to the loop and waits until it is fully handled, so
// lines are processed strictly in arrival order and a switch to raw mode
// takes effect before the next read.
func (c *Conn) deliver(line string) (*rawRequest, bool) {
	var req *rawRequest
	ok := c.call(func() { req = c.handleLine(line) })
	return req, ok
}

func (c *Conn) handleLine(line string) (req *rawRequest) {
	if c.finished {
		return nil
	}
	c.dispatching = true
	defer func() {
		c.dispatching = false
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"function": "handleLine",
				"panic":    fmt.Sprint(r),
				"stack":    string(debug.Stack()),
			}).Error("Recovered panic while handling line, closing connection")
			c.rawReq = nil
			req = nil
			c.Close()
		}
	}()

	if strings.HasPrefix(line, "{") {
		c.handleResponse(line)
		return nil
	}

	m, err := c.cfg.Dispatcher.Parse(line)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "handleLine",
			"error":    err.Error(),
		}).Debug("Rejecting unparseable line")
		c.SendError(ErrKeyInvalidCommand, MsgInvalidCommand)
		return nil
	}

	c.Report(m.Command(), c.handler.HandleMessage(m))

	req = c.rawReq
	c.rawReq = nil
	return req
}

func (c *Conn) handleResponse(line string) {
	resp, err := ParseResponse(line)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "handleResponse",
			"error":    err.Error(),
		}).Warn("Ignoring malformed response")
		return
	}
	if c.orphans > 0 {
		c.orphans--
		c.log.WithFields(logrus.Fields{
			"function": "handleResponse",
			"state":    resp.State(),
		}).Warn("Discarding late response to a timed out request")
		return
	}
	w := c.pending
	if w == nil {
		c.log.WithFields(logrus.Fields{
			"function": "handleResponse",
			"state":    resp.State(),
			"error":    resp.String("error"),
		}).Debug("Ignoring unsolicited response")
		return
	}
	c.pending = nil
	if w.timer != nil {
		w.timer.Stop()
	}
	w.cb(resp, resp.Err())
}

// finish runs on the loop once the reader has stopped.
func (c *Conn) finish(err error) {
	if c.finished {
		return
	}
	c.finished = true
	c.Close()

	if w := c.pending; w != nil {
		c.pending = nil
		if w.timer != nil {
			w.timer.Stop()
		}
		w.cb(nil, fmt.Errorf("%w: awaiting response to %s", ErrConnectionClosed, w.command))
	}

	if err == nil || errors.Is(err, net.ErrClosed) {
		err = io.EOF
	}
	c.log.WithFields(logrus.Fields{
		"function": "finish",
		"reason":   err.Error(),
	}).Debug("Connection finished")
	c.handler.HandleClose(err)
}
