// Package limits provides centralized size limits for the communic8 protocol.
// This ensures consistent validation across the codec, the server and the peers.
package limits

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxLineLength is the largest control line, terminator included, that a
	// connection accepts before reporting it as an invalid command.
	MaxLineLength = 16384

	// MaxChatText is the largest chat text carried by a single SEND_CHAT line.
	MaxChatText = MaxLineLength - 64

	// MaxNameLength bounds user names in LOGIN and the negotiation commands.
	MaxNameLength = 32

	// MaxFileNameLength matches typical filesystem limits.
	MaxFileNameLength = 255

	// MinBlockSize and MaxBlockSize bound the chunk size a sender may declare
	// in REQUEST_FILE_TRANSFER.
	MinBlockSize = 1
	MaxBlockSize = 1024 * 1024

	// DefaultBlockSize is the chunk size used when none is configured.
	DefaultBlockSize = 8192

	// MinPort and MaxPort bound TCP ports announced in ACCEPT_CHAT.
	MinPort = 1
	MaxPort = 65535
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidName indicates a name contains characters the line protocol cannot carry
	ErrInvalidName = errors.New("invalid name")

	// ErrLineBreak indicates text that would split a control line
	ErrLineBreak = errors.New("text contains a line break")

	// ErrOutOfRange indicates a numeric value outside its allowed bounds
	ErrOutOfRange = errors.New("value out of range")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateChatText validates the text of a chat line. Empty text is allowed.
func ValidateChatText(text string) error {
	if len(text) > MaxChatText {
		return fmt.Errorf("%w: chat text size %d exceeds limit %d", ErrMessageTooLarge, len(text), MaxChatText)
	}
	if strings.ContainsAny(text, "\r\n") {
		return ErrLineBreak
	}
	return nil
}

// ValidateName checks a user name: non-empty, at most MaxNameLength bytes,
// valid UTF-8, printable and free of whitespace.
func ValidateName(name string) error {
	if err := ValidateMessageSize([]byte(name), MaxNameLength); err != nil {
		return fmt.Errorf("name: %w", err)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidName, name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// ValidateBlockSize checks a declared transfer chunk size.
func ValidateBlockSize(size int64) error {
	if size < MinBlockSize || size > MaxBlockSize {
		return fmt.Errorf("%w: block size %d not in [%d, %d]", ErrOutOfRange, size, MinBlockSize, MaxBlockSize)
	}
	return nil
}

// ValidatePort checks a TCP port number.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("%w: port %d not in [%d, %d]", ErrOutOfRange, port, MinPort, MaxPort)
	}
	return nil
}
