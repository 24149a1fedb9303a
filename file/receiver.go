package file

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/opd-ai/communic8/limits"
	"github.com/opd-ai/communic8/message"
	"github.com/sirupsen/logrus"
)

// Receiver write queue bounds, in chunks. The producer is paused when the
// queue reaches highWater and resumed once the writer drains it to lowWater.
const (
	QueueDepth = 16
	highWater  = 12
	lowWater   = 4
)

// FlowController is the producer side of a backpressured stream.
type FlowController interface {
	Pause()
	Resume()
}

// allocate is replaced in tests to simulate filesystems that refuse space.
var allocate = preallocate

// Receiver writes an incoming stream to a freshly created file. Writes are
// handed to a writer goroutine through a bounded queue; the declared size
// caps what is accepted.
type Receiver struct {
	*Transfer
	f     *os.File
	out   io.Writer
	flow  FlowController
	queue chan []byte
	done  chan struct{}

	mu       sync.Mutex
	accepted int64
	paused   bool
	closed   bool
	writeErr error
	result   error
}

// NewReceiver validates req, creates a collision-free destination in dir and
// reserves the declared size. flow may be nil.
func NewReceiver(dir string, req message.RequestFileTransfer, flow FlowController) (*Receiver, error) {
	if req.Size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidTransfer, req.Size)
	}
	if err := limits.ValidateBlockSize(req.BlockSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransfer, err)
	}
	name, err := SafeName(req.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransfer, err)
	}

	f, path, err := CreateUnique(dir, name)
	if err != nil {
		return nil, err
	}

	if err := allocate(f, req.Size); err != nil {
		f.Close()
		os.Remove(path)
		logrus.WithFields(logrus.Fields{
			"function":  "NewReceiver",
			"path":      path,
			"file_size": req.Size,
			"error":     err.Error(),
		}).Warn("Failed to reserve space for incoming file")
		return nil, fmt.Errorf("%w: %d bytes for %s: %w", ErrAllocationFailed, req.Size, path, err)
	}

	r := &Receiver{
		Transfer: newTransfer(TransferDirectionIncoming, req, path),
		f:        f,
		out:      f,
		flow:     flow,
		queue:    make(chan []byte, QueueDepth),
		done:     make(chan struct{}),
	}
	r.start()
	go r.writeLoop()
	return r, nil
}

// Remaining returns how many more bytes will be accepted.
func (r *Receiver) Remaining() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Size - r.accepted
}

// Write queues p for writing. Bytes beyond the declared size are dropped,
// never written; len(p) is always reported as consumed. Write may pause the
// flow controller and blocks only when the queue is completely full.
func (r *Receiver) Write(p []byte) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrTransferClosed
	}
	n := int64(len(p))
	if left := r.Size - r.accepted; n > left {
		n = left
	}
	r.accepted += n
	r.mu.Unlock()

	if n < int64(len(p)) {
		logrus.WithFields(logrus.Fields{
			"function":    "Write",
			"transfer_id": r.ID.String(),
			"discarded":   int64(len(p)) - n,
		}).Debug("Discarding bytes past the declared size")
	}
	if n == 0 {
		return len(p), nil
	}

	buf := make([]byte, n)
	copy(buf, p)
	r.queue <- buf

	r.mu.Lock()
	if !r.paused && r.flow != nil && len(r.queue) >= highWater {
		r.paused = true
		r.flow.Pause()
	}
	r.mu.Unlock()
	return len(p), nil
}

func (r *Receiver) writeLoop() {
	defer close(r.done)
	for buf := range r.queue {
		r.mu.Lock()
		failed := r.writeErr != nil
		r.mu.Unlock()

		if !failed {
			if _, err := r.out.Write(buf); err != nil {
				r.mu.Lock()
				r.writeErr = err
				r.mu.Unlock()
			} else {
				r.addProgress(int64(len(buf)))
			}
		}

		r.mu.Lock()
		if r.paused && len(r.queue) <= lowWater {
			r.paused = false
			r.flow.Resume()
		}
		r.mu.Unlock()
	}
}

// Close ends the stream and waits for queued data to reach the file.
// streamErr is the reason the stream ended, nil if it ended normally. The
// result is nil only if exactly Size bytes were written; a short stream
// yields ErrIncompleteTransfer and leaves the partial file in place for the
// caller to Remove. On success the file gets the declared modification time.
func (r *Receiver) Close(streamErr error) error {
	r.mu.Lock()
	if r.closed {
		result := r.result
		r.mu.Unlock()
		return result
	}
	r.closed = true
	r.mu.Unlock()

	close(r.queue)
	<-r.done

	r.mu.Lock()
	writeErr := r.writeErr
	if r.paused {
		r.paused = false
		r.flow.Resume()
	}
	r.mu.Unlock()

	var err error
	written := r.Transferred()
	switch {
	case writeErr != nil:
		err = fmt.Errorf("write %s: %w", r.Path, writeErr)
	case written < r.Size && streamErr != nil:
		err = fmt.Errorf("%w: received %d of %d bytes: %w", ErrIncompleteTransfer, written, r.Size, streamErr)
	case written < r.Size:
		err = fmt.Errorf("%w: received %d of %d bytes", ErrIncompleteTransfer, written, r.Size)
	}

	if err == nil {
		err = r.f.Sync()
	}
	if cerr := r.f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err == nil && !r.ModTime.IsZero() {
		if terr := os.Chtimes(r.Path, r.ModTime, r.ModTime); terr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
				"path":     r.Path,
				"error":    terr.Error(),
			}).Warn("Failed to set modification time")
		}
	}

	r.mu.Lock()
	r.result = err
	r.mu.Unlock()
	r.complete(err)
	return err
}

// Remove deletes the destination file, typically after a failed transfer.
func (r *Receiver) Remove() error {
	return os.Remove(r.Path)
}
