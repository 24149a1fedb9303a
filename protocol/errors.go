package protocol

import (
	"errors"
	"fmt"
)

// Error keys carried in the "error" field of a response.
const (
	ErrKeyInvalidCommand           = "INVALID_COMMAND"
	ErrKeyInvalidCommandForState   = "INVALID_COMMAND_FOR_STATE"
	ErrKeyLoginFailedUserNameTaken = "LOGIN_FAILED_USER_NAME_TAKEN"
	ErrKeyLoginFailedAddressInUse  = "LOGIN_FAILED_ADDRESS_IN_USE"
	ErrKeyLoginFailed              = "LOGIN_FAILED"
	ErrKeyNotLoggedIn              = "NOT_LOGGED_IN"
	ErrKeyCannotChatWithSelf       = "CANNOT_CHAT_WITH_SELF"
	ErrKeyUserNotLoggedIn          = "USER_NOT_LOGGED_IN"
	ErrKeyUserNotAvailable         = "USER_NOT_AVAILABLE"
	ErrKeyNotNegotiatingWithUser   = "NOT_NEGOTIATING_WITH_USER"
	ErrKeyInvalidPort              = "INVALID_PORT"
	ErrKeyAllocationFailed         = "ALLOCATION_FAILED"
	ErrKeyDestinationOpenFailed    = "DESTINATION_OPEN_FAILED"
	ErrKeyInvalidTransfer          = "INVALID_TRANSFER"
	ErrKeyInvalidChatText          = "INVALID_CHAT_TEXT"
)

var (
	// ErrProtocol indicates misuse of the connection, such as awaiting a
	// second response while one is outstanding.
	ErrProtocol = errors.New("protocol error")
	// ErrResponseTimeout indicates no response arrived in time.
	ErrResponseTimeout = errors.New("response timeout")
	// ErrConnectionClosed indicates the connection closed before completion.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrQueueFull indicates the peer is not draining its outbound queue.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrMalformedResponse indicates a response line that is not a JSON object.
	ErrMalformedResponse = errors.New("malformed response")
)

// ResponseError is an error response, either received from the remote side
// or produced by a local handler to be sent as one.
type ResponseError struct {
	Key     string
	Message string
}

// NewResponseError formats the human readable message of an error response.
func NewResponseError(key, format string, args ...any) *ResponseError {
	return &ResponseError{Key: key, Message: fmt.Sprintf(format, args...)}
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return e.Key
	}
	return e.Key + ": " + e.Message
}

// ErrorKey returns the key of the first ResponseError in err's chain, or "".
func ErrorKey(err error) string {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.Key
	}
	return ""
}

// MsgInvalidCommand is the message sent with ErrKeyInvalidCommand.
const MsgInvalidCommand = "Invalid or unknown command"

func invalidCommandForState(command, state string) *ResponseError {
	return NewResponseError(ErrKeyInvalidCommandForState, "Invalid command %s for state %s", command, state)
}
