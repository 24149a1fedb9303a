package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"
)

const rawBufferSize = 32 * 1024

// ErrNotDispatching indicates StartRaw was called outside a line handler.
var ErrNotDispatching = errors.New("raw mode can only start while handling a line")

// RawSink consumes the bytes of a raw stream.
type RawSink interface {
	// Remaining is the number of bytes still expected. The reader never
	// consumes more than this from the transport.
	Remaining() int64
	// Write accepts the next bytes of the stream.
	Write(p []byte) (int, error)
	// Close ends the stream. streamErr is nil when Remaining bytes were
	// delivered. Close blocks until buffered data is settled and returns the
	// outcome of the transfer.
	Close(streamErr error) error
}

type rawRequest struct {
	sink RawSink
	done func(error)
}

// StartRaw switches the reader to raw mode once the current line has been
// handled. The reader consumes sink.Remaining() bytes, closes the sink and
// calls done on the loop with the result of Close before line framing
// resumes. It must be called from HandleMessage.
func (c *Conn) StartRaw(sink RawSink, done func(error)) error {
	if !c.dispatching {
		return ErrNotDispatching
	}
	if c.rawReq != nil {
		return fmt.Errorf("%w: raw mode already requested", ErrProtocol)
	}
	c.rawReq = &rawRequest{sink: sink, done: done}
	return nil
}

// readRaw runs on the reader goroutine. It returns the transport error that
// ended the stream early, if any.
func (c *Conn) readRaw(req *rawRequest) error {
	left := req.sink.Remaining()
	buf := make([]byte, rawBufferSize)
	var readErr, sinkErr error

	for left > 0 {
		if !c.waitResumed() {
			readErr = net.ErrClosed
			break
		}
		n := int64(len(buf))
		if left < n {
			n = left
		}
		k, err := c.br.Read(buf[:n])
		if k > 0 {
			left -= int64(k)
			// After a sink failure the rest of the declared bytes are
			// still consumed so line framing resumes at the right place.
			if sinkErr == nil {
				if _, werr := req.sink.Write(buf[:k]); werr != nil {
					sinkErr = werr
				}
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	streamErr := readErr
	if streamErr == io.EOF {
		streamErr = io.ErrUnexpectedEOF
	}
	if streamErr == nil {
		streamErr = sinkErr
	}
	result := req.sink.Close(streamErr)

	c.log.WithFields(logrus.Fields{
		"function":  "readRaw",
		"remaining": left,
		"result":    fmt.Sprint(result),
	}).Debug("Raw stream finished")

	c.call(func() {
		if req.done != nil {
			req.done(result)
		}
	})
	return readErr
}

// Pause stops the reader before its next raw read. Safe from any goroutine.
func (c *Conn) Pause() {
	c.gateMu.Lock()
	c.paused = true
	c.gateMu.Unlock()
}

// Resume releases a paused reader. Safe from any goroutine.
func (c *Conn) Resume() {
	c.gateMu.Lock()
	c.paused = false
	c.gate.Broadcast()
	c.gateMu.Unlock()
}

// Paused reports whether the reader is paused.
func (c *Conn) Paused() bool {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	return c.paused
}

func (c *Conn) waitResumed() bool {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	for c.paused && !c.gateClosed {
		c.gate.Wait()
	}
	return !c.gateClosed
}

// BeginRawWrite starts an outgoing raw stream. Control frames sent until
// EndRawWrite are held back so they cannot interleave with raw bytes.
func (c *Conn) BeginRawWrite() io.Writer {
	c.rawWriting = true
	return rawWriter{c}
}

// EndRawWrite ends the outgoing raw stream and flushes held control frames.
func (c *Conn) EndRawWrite() {
	c.rawWriting = false
	held := c.held
	c.held = nil
	for _, frame := range held {
		if err := c.push(frame); err != nil {
			return
		}
	}
}

type rawWriter struct {
	c *Conn
}

// Write queues p for the writer goroutine, blocking while the queue is full.
// It is meant for a pump goroutine, never the loop.
func (w rawWriter) Write(p []byte) (int, error) {
	select {
	case <-w.c.closing:
		return 0, ErrConnectionClosed
	default:
	}
	frame := make([]byte, len(p))
	copy(frame, p)
	select {
	case w.c.out <- frame:
		return len(p), nil
	case <-w.c.closing:
		return 0, ErrConnectionClosed
	}
}
