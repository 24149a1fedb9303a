// Package file moves file contents between peers once a transfer has been
// negotiated on the control channel.
//
// # Overview
//
// The package provides three components:
//
//   - Transfer: the shared description and progress of one transfer
//   - Sender: reads a local file and writes it in fixed-size chunks
//   - Receiver: accepts a raw byte stream and writes it to a new file
//
// Neither half knows about connections. A Sender writes to any io.Writer and
// a Receiver is fed through Write and finished with Close, which lets the
// protocol package drive both from its raw mode.
//
// # Sending
//
//	s, err := file.NewSender("/tmp/report.txt", limits.DefaultBlockSize)
//	if err != nil {
//	    return err
//	}
//	req := s.Request() // announced as REQUEST_FILE_TRANSFER
//	err = s.Run(ctx, w)
//
// # Receiving
//
// A Receiver never overwrites an existing file. If report.txt already exists
// in the download directory, the incoming file is stored as report-0.txt,
// then report-1.txt and so on. The declared size is reserved up front;
// filesystems that refuse the reservation fail with ErrAllocationFailed.
//
//	r, err := file.NewReceiver(dir, req, conn)
//	if err != nil {
//	    return err // ErrInvalidTransfer, ErrDestinationOpen or ErrAllocationFailed
//	}
//	r.OnComplete(func(err error) { ... })
//
// Bytes past the declared size are discarded. Close reports success only if
// exactly Size bytes reached the file; otherwise it returns
// ErrIncompleteTransfer.
//
// # Backpressure
//
// Received chunks pass through a queue of QueueDepth entries to a writer
// goroutine. When the queue fills past its high watermark the Receiver calls
// Pause on its FlowController, and Resume once the writer has caught up.
//
// # Security
//
// Names received from peers are reduced to bare file names by SafeName.
// Separators and ".." components are rejected with ErrDirectoryTraversal.
//
// # Deterministic Testing
//
// Stall detection and speed estimates read time through TimeProvider:
//
//	transfer.SetTimeProvider(&mockTimeProvider{now: fixed})
package file
