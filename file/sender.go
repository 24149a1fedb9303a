package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/opd-ai/communic8/limits"
	"github.com/opd-ai/communic8/message"
	"github.com/sirupsen/logrus"
)

// Sender streams a local file in fixed-size chunks.
type Sender struct {
	*Transfer
	f *os.File
}

// MIMEType guesses the media type of path from its extension, without
// parameters so it fits in a single protocol token.
func MIMEType(path string) string {
	t := mime.TypeByExtension(filepath.Ext(path))
	if t == "" {
		return DefaultMIMEType
	}
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// NewSender opens path and describes it for announcement.
func NewSender(path string, chunkSize int64) (*Sender, error) {
	if err := limits.ValidateBlockSize(chunkSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransfer, err)
	}
	safePath, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(safePath)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrInvalidTransfer, path)
	}

	req := message.NewRequestFileTransfer(WireName(safePath), MIMEType(safePath), info.ModTime(), info.Size(), chunkSize)
	return &Sender{
		Transfer: newTransfer(TransferDirectionOutgoing, req, safePath),
		f:        f,
	}, nil
}

// Run writes exactly Size bytes to w, one chunk per Write, and closes the
// source. It fails with ErrIncompleteTransfer if the file shrank.
func (s *Sender) Run(ctx context.Context, w io.Writer) error {
	s.start()
	err := s.pump(ctx, w)
	s.f.Close()
	s.complete(err)
	return err
}

func (s *Sender) pump(ctx context.Context, w io.Writer) error {
	buf := make([]byte, s.ChunkSize)
	var sent int64
	for sent < s.Size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := s.ChunkSize
		if left := s.Size - sent; left < n {
			n = left
		}
		k, err := io.ReadFull(s.f, buf[:n])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: source ended after %d of %d bytes", ErrIncompleteTransfer, sent+int64(k), s.Size)
			}
			return err
		}
		if _, err := w.Write(buf[:k]); err != nil {
			return err
		}
		sent += int64(k)
		s.addProgress(int64(k))
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Run",
		"transfer_id": s.ID.String(),
		"sent":        sent,
	}).Debug("All chunks written")
	return nil
}

// Close releases the source without sending.
func (s *Sender) Close() error {
	s.complete(context.Canceled)
	return s.f.Close()
}
