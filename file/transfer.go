package file

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/communic8/message"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
	ErrDirectoryTraversal = errors.New("path contains directory traversal")

	// ErrInvalidTransfer indicates a transfer request with unusable parameters.
	ErrInvalidTransfer = errors.New("invalid transfer request")

	// ErrAllocationFailed indicates the filesystem refused to reserve the declared size.
	ErrAllocationFailed = errors.New("allocation failed")

	// ErrDestinationOpen indicates the destination file could not be created.
	ErrDestinationOpen = errors.New("cannot open destination")

	// ErrIncompleteTransfer indicates the stream ended before the declared size.
	ErrIncompleteTransfer = errors.New("incomplete transfer")

	// ErrTransferClosed indicates a write after the transfer was closed.
	ErrTransferClosed = errors.New("transfer closed")

	// ErrTransferStalled indicates that a transfer has not received data within the timeout period.
	ErrTransferStalled = errors.New("transfer stalled: no data received within timeout period")
)

// TransferDirection indicates whether a transfer is incoming or outgoing.
type TransferDirection uint8

const (
	// TransferDirectionIncoming represents a file being received.
	TransferDirectionIncoming TransferDirection = iota
	// TransferDirectionOutgoing represents a file being sent.
	TransferDirectionOutgoing
)

func (d TransferDirection) String() string {
	if d == TransferDirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// TransferState represents the current state of a file transfer.
type TransferState uint8

const (
	// TransferStatePending indicates the transfer is waiting to start.
	TransferStatePending TransferState = iota
	// TransferStateRunning indicates the transfer is in progress.
	TransferStateRunning
	// TransferStateCompleted indicates the transfer has finished successfully.
	TransferStateCompleted
	// TransferStateCancelled indicates the transfer was cancelled.
	TransferStateCancelled
	// TransferStateError indicates the transfer failed due to an error.
	TransferStateError
)

func (s TransferState) String() string {
	switch s {
	case TransferStatePending:
		return "pending"
	case TransferStateRunning:
		return "running"
	case TransferStateCompleted:
		return "completed"
	case TransferStateCancelled:
		return "cancelled"
	case TransferStateError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultStallTimeout is the default timeout duration for detecting stalled transfers.
const DefaultStallTimeout = 30 * time.Second

// DefaultMIMEType is declared when the extension gives no better answer.
const DefaultMIMEType = "application/octet-stream"

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// Transfer is the context shared by both halves of a file transfer: what is
// being moved and how far it got. Transferred never exceeds Size.
type Transfer struct {
	ID        uuid.UUID
	Direction TransferDirection
	Name      string
	MIMEType  string
	ModTime   time.Time
	Size      int64
	ChunkSize int64
	Path      string

	mu               sync.Mutex
	state            TransferState
	err              error
	startTime        time.Time
	transferred      int64
	lastChunkTime    time.Time
	transferSpeed    float64 // bytes per second
	stallTimeout     time.Duration
	timeProvider     TimeProvider
	progressCallback func(int64)
	completeCallback func(error)
}

func newTransfer(direction TransferDirection, req message.RequestFileTransfer, path string) *Transfer {
	tp := defaultTimeProvider
	t := &Transfer{
		ID:            uuid.New(),
		Direction:     direction,
		Name:          req.Name,
		MIMEType:      req.MIMEType,
		ModTime:       req.ModTime,
		Size:          req.Size,
		ChunkSize:     req.BlockSize,
		Path:          path,
		state:         TransferStatePending,
		lastChunkTime: tp.Now(),
		stallTimeout:  DefaultStallTimeout,
		timeProvider:  tp,
	}

	logrus.WithFields(logrus.Fields{
		"function":    "newTransfer",
		"transfer_id": t.ID.String(),
		"direction":   direction.String(),
		"file_name":   t.Name,
		"file_size":   t.Size,
		"chunk_size":  t.ChunkSize,
		"path":        path,
	}).Info("Created file transfer")
	return t
}

// Request returns the control message announcing this transfer.
func (t *Transfer) Request() message.RequestFileTransfer {
	return message.NewRequestFileTransfer(t.Name, t.MIMEType, t.ModTime, t.Size, t.ChunkSize)
}

// SetTimeProvider sets a custom time provider for deterministic testing.
// Also resets lastChunkTime to the new provider's current time to ensure
// consistent timeout behavior after changing providers.
func (t *Transfer) SetTimeProvider(tp TimeProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeProvider = tp
	t.lastChunkTime = tp.Now()
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	cleanedPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}
	return cleanedPath, nil
}

// OnProgress sets a callback invoked with the transferred byte count.
func (t *Transfer) OnProgress(callback func(int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressCallback = callback
}

// OnComplete sets a callback invoked once with the outcome of the transfer.
func (t *Transfer) OnComplete(callback func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completeCallback = callback
}

// State returns the current state.
func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure, if the transfer failed.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Transferred returns the number of bytes moved so far.
func (t *Transfer) Transferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// GetProgress returns the current progress of the transfer as a percentage.
func (t *Transfer) GetProgress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Size == 0 {
		if t.state == TransferStateCompleted {
			return 100.0
		}
		return 0.0
	}
	return float64(t.transferred) / float64(t.Size) * 100.0
}

// GetSpeed returns the current transfer speed in bytes per second.
func (t *Transfer) GetSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferSpeed
}

// SetStallTimeout configures the stall detection timeout; 0 disables it.
func (t *Transfer) SetStallTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stallTimeout = timeout
}

// IsStalled returns true if a running transfer has moved no data within the
// stall timeout.
func (t *Transfer) IsStalled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stallTimeout == 0 || t.state != TransferStateRunning {
		return false
	}
	return t.timeProvider.Since(t.lastChunkTime) >= t.stallTimeout
}

func (t *Transfer) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TransferStateRunning
	t.startTime = t.timeProvider.Now()
	t.lastChunkTime = t.startTime
}

// addProgress records n more bytes moved.
func (t *Transfer) addProgress(n int64) {
	t.mu.Lock()
	t.transferred += n
	t.updateTransferSpeed(n)
	transferred := t.transferred
	cb := t.progressCallback
	t.mu.Unlock()

	if cb != nil {
		cb(transferred)
	}
}

// updateTransferSpeed calculates the current transfer speed. Callers hold mu.
func (t *Transfer) updateTransferSpeed(chunkSize int64) {
	now := t.timeProvider.Now()
	duration := t.timeProvider.Since(t.lastChunkTime).Seconds()

	if duration > 0 {
		instantSpeed := float64(chunkSize) / duration

		// Exponential moving average with alpha = 0.3
		if t.transferSpeed == 0 {
			t.transferSpeed = instantSpeed
		} else {
			t.transferSpeed = 0.7*t.transferSpeed + 0.3*instantSpeed
		}
	}

	t.lastChunkTime = now
}

// complete records the outcome and fires the completion callback once.
func (t *Transfer) complete(err error) {
	t.mu.Lock()
	if t.state == TransferStateCompleted || t.state == TransferStateError || t.state == TransferStateCancelled {
		t.mu.Unlock()
		return
	}
	switch {
	case errors.Is(err, context.Canceled):
		t.state = TransferStateCancelled
		t.err = err
	case err != nil:
		t.state = TransferStateError
		t.err = err
	default:
		t.state = TransferStateCompleted
	}
	cb := t.completeCallback
	fields := logrus.Fields{
		"function":    "complete",
		"transfer_id": t.ID.String(),
		"direction":   t.Direction.String(),
		"file_name":   t.Name,
		"transferred": t.transferred,
		"file_size":   t.Size,
		"state":       t.state.String(),
	}
	t.mu.Unlock()

	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("File transfer failed")
	} else {
		logrus.WithFields(fields).Info("File transfer completed")
	}

	if cb != nil {
		cb(err)
	}
}
