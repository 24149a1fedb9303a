package file

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/communic8/message"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testRequest(size int64) message.RequestFileTransfer {
	return message.NewRequestFileTransfer("test.txt", "text/plain", time.Unix(1700000000, 0), size, 256)
}

func TestTransfer_IsStalled_NotRunning(t *testing.T) {
	transfer := newTransfer(TransferDirectionIncoming, testRequest(1024), "test.txt")
	tp := newMockTimeProvider()
	transfer.SetTimeProvider(tp)

	if transfer.IsStalled() {
		t.Error("pending transfer should not be stalled")
	}

	tp.advance(DefaultStallTimeout + time.Second)

	if transfer.IsStalled() {
		t.Error("non-running transfer should not be stalled even after timeout")
	}
}

func TestTransfer_IsStalled_TimeoutDisabled(t *testing.T) {
	transfer := newTransfer(TransferDirectionIncoming, testRequest(1024), "test.txt")
	tp := newMockTimeProvider()
	transfer.SetTimeProvider(tp)
	transfer.SetStallTimeout(0)
	transfer.start()

	tp.advance(time.Hour)

	if transfer.IsStalled() {
		t.Error("transfer with disabled timeout should never stall")
	}
}

func TestTransfer_IsStalled_ProgressResetsTimer(t *testing.T) {
	transfer := newTransfer(TransferDirectionIncoming, testRequest(1024), "test.txt")
	tp := newMockTimeProvider()
	transfer.SetTimeProvider(tp)
	transfer.SetStallTimeout(10 * time.Second)
	transfer.start()

	tp.advance(9 * time.Second)
	transfer.addProgress(100)
	tp.advance(9 * time.Second)

	if transfer.IsStalled() {
		t.Error("progress should reset the stall timer")
	}

	tp.advance(time.Second)
	if !transfer.IsStalled() {
		t.Error("expected transfer to be stalled after timeout without progress")
	}
}

func TestTransfer_ProgressAndSpeed(t *testing.T) {
	transfer := newTransfer(TransferDirectionOutgoing, testRequest(1000), "test.txt")
	tp := newMockTimeProvider()
	transfer.SetTimeProvider(tp)
	transfer.start()

	var reported []int64
	transfer.OnProgress(func(n int64) { reported = append(reported, n) })

	tp.advance(time.Second)
	transfer.addProgress(250)
	tp.advance(time.Second)
	transfer.addProgress(250)

	if got := transfer.Transferred(); got != 500 {
		t.Errorf("expected 500 bytes transferred, got %d", got)
	}
	if got := transfer.GetProgress(); got != 50.0 {
		t.Errorf("expected 50%% progress, got %.1f", got)
	}
	if got := transfer.GetSpeed(); got != 250.0 {
		t.Errorf("expected 250 B/s, got %.1f", got)
	}
	if len(reported) != 2 || reported[1] != 500 {
		t.Errorf("unexpected progress reports %v", reported)
	}
}

func TestTransfer_CompleteOnce(t *testing.T) {
	transfer := newTransfer(TransferDirectionIncoming, testRequest(10), "test.txt")
	transfer.start()

	calls := 0
	transfer.OnComplete(func(error) { calls++ })

	boom := errors.New("boom")
	transfer.complete(boom)
	transfer.complete(nil)

	if calls != 1 {
		t.Errorf("expected one completion callback, got %d", calls)
	}
	if transfer.State() != TransferStateError {
		t.Errorf("expected error state, got %s", transfer.State())
	}
	if !errors.Is(transfer.Err(), boom) {
		t.Errorf("expected recorded error, got %v", transfer.Err())
	}
}

func TestTransfer_CompleteCancelled(t *testing.T) {
	transfer := newTransfer(TransferDirectionOutgoing, testRequest(10), "test.txt")
	transfer.start()
	transfer.complete(context.Canceled)

	if transfer.State() != TransferStateCancelled {
		t.Errorf("expected cancelled state, got %s", transfer.State())
	}
}

func TestTransfer_EmptyFileProgress(t *testing.T) {
	transfer := newTransfer(TransferDirectionIncoming, testRequest(0), "empty")
	if transfer.GetProgress() != 0 {
		t.Error("empty pending transfer should report 0%")
	}
	transfer.start()
	transfer.complete(nil)
	if transfer.GetProgress() != 100 {
		t.Error("empty completed transfer should report 100%")
	}
}

func TestTransfer_Request(t *testing.T) {
	req := testRequest(42)
	transfer := newTransfer(TransferDirectionOutgoing, req, "test.txt")
	if got := transfer.Request(); got != req {
		t.Errorf("expected %+v, got %+v", req, got)
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"plain", "report.txt", false},
		{"nested", "dir/report.txt", false},
		{"dot prefix", "..report.txt", false},
		{"parent", "../report.txt", true},
		{"deep parent", "a/../../report.txt", true},
		{"bare parent", "..", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidatePath(tt.path)
			if tt.wantErr != (err != nil) {
				t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrDirectoryTraversal) {
				t.Errorf("expected ErrDirectoryTraversal, got %v", err)
			}
		})
	}
}
