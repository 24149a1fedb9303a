package message

import (
	"net/netip"
	"time"
)

// Message is a parsed control line: a command name plus its typed positional
// arguments. Implementations are immutable value types.
type Message interface {
	// Command returns the command name that leads the line.
	Command() string
	// Args returns the argument values in wire order. Each value is one of
	// string, Text, int64, time.Time or netip.Addr.
	Args() []any
}

// Text marks a greedy trailing argument: it consumes the rest of the line
// verbatim, spaces included.
type Text string

// ArgKind is the wire type of one positional argument.
type ArgKind uint8

const (
	// ArgString is a single whitespace-free token.
	ArgString ArgKind = iota
	// ArgInt is a signed decimal integer.
	ArgInt
	// ArgTime is a timestamp in whole unix seconds.
	ArgTime
	// ArgIP is an IPv4 or IPv6 address.
	ArgIP
	// ArgText is a greedy trailing string; only valid as the last argument.
	ArgText
)

// String returns the lowercase name of the argument kind.
func (k ArgKind) String() string {
	switch k {
	case ArgString:
		return "string"
	case ArgInt:
		return "int"
	case ArgTime:
		return "time"
	case ArgIP:
		return "ip"
	case ArgText:
		return "text"
	default:
		return "unknown"
	}
}

// Kind describes one command of a protocol vocabulary. Build receives the
// converted arguments, in declaration order, as string, int64, time.Time or
// netip.Addr values.
type Kind struct {
	Command string
	Args    []ArgKind
	Build   func(args []any) Message
}

// Command names of the communic8 vocabulary.
const (
	CmdConnect             = "CONNECT"
	CmdQuit                = "QUIT"
	CmdLogin               = "LOGIN"
	CmdLogout              = "LOGOUT"
	CmdListUsers           = "LIST_USERS"
	CmdRequestChat         = "REQUEST_CHAT"
	CmdChatRequested       = "CHAT_REQUESTED"
	CmdSendChat            = "SEND_CHAT"
	CmdEndChat             = "END_CHAT"
	CmdAcceptChat          = "ACCEPT_CHAT"
	CmdChatAccepted        = "CHAT_ACCEPTED"
	CmdRejectChat          = "REJECT_CHAT"
	CmdChatRejected        = "CHAT_REJECTED"
	CmdRequestFileTransfer = "REQUEST_FILE_TRANSFER"
)

// Connect opens a session; the first line a client sends.
type Connect struct{}

func (Connect) Command() string { return CmdConnect }
func (Connect) Args() []any     { return nil }

// Quit asks the remote side to close the connection.
type Quit struct{}

func (Quit) Command() string { return CmdQuit }
func (Quit) Args() []any     { return nil }

// Login claims a user name.
type Login struct {
	Name string
}

func (Login) Command() string { return CmdLogin }
func (m Login) Args() []any   { return []any{m.Name} }

// Logout releases the claimed name without closing the connection.
type Logout struct{}

func (Logout) Command() string { return CmdLogout }
func (Logout) Args() []any     { return nil }

// ListUsers asks for the logged-in users.
type ListUsers struct{}

func (ListUsers) Command() string { return CmdListUsers }
func (ListUsers) Args() []any     { return nil }

// RequestChat asks the server to negotiate a chat with Name.
type RequestChat struct {
	Name string
}

func (RequestChat) Command() string { return CmdRequestChat }
func (m RequestChat) Args() []any   { return []any{m.Name} }

// ChatRequested tells a target that Name wants to chat.
type ChatRequested struct {
	Name string
}

func (ChatRequested) Command() string { return CmdChatRequested }
func (m ChatRequested) Args() []any   { return []any{m.Name} }

// SendChat carries one line of chat text.
type SendChat struct {
	Text string
}

func (SendChat) Command() string { return CmdSendChat }
func (m SendChat) Args() []any   { return []any{Text(m.Text)} }

// EndChat ends the chat with Name.
type EndChat struct {
	Name string
}

func (EndChat) Command() string { return CmdEndChat }
func (m EndChat) Args() []any   { return []any{m.Name} }

// AcceptChat accepts the chat requested by Name; the acceptor listens on Port.
type AcceptChat struct {
	Name string
	Port int
}

func (AcceptChat) Command() string { return CmdAcceptChat }
func (m AcceptChat) Args() []any   { return []any{m.Name, int64(m.Port)} }

// ChatAccepted tells the initiator where the accepting peer Name listens.
type ChatAccepted struct {
	Name string
	Host netip.Addr
	Port int
}

func (ChatAccepted) Command() string { return CmdChatAccepted }
func (m ChatAccepted) Args() []any   { return []any{m.Name, m.Host, int64(m.Port)} }

// RejectChat declines the chat requested by Name.
type RejectChat struct {
	Name string
}

func (RejectChat) Command() string { return CmdRejectChat }
func (m RejectChat) Args() []any   { return []any{m.Name} }

// ChatRejected tells the initiator that Name declined.
type ChatRejected struct {
	Name string
}

func (ChatRejected) Command() string { return CmdChatRejected }
func (m ChatRejected) Args() []any   { return []any{m.Name} }

// RequestFileTransfer announces a file. ModTime has whole-second precision
// and is carried in UTC.
type RequestFileTransfer struct {
	Name      string
	MIMEType  string
	ModTime   time.Time
	Size      int64
	BlockSize int64
}

func (RequestFileTransfer) Command() string { return CmdRequestFileTransfer }
func (m RequestFileTransfer) Args() []any {
	return []any{m.Name, m.MIMEType, m.ModTime, m.Size, m.BlockSize}
}

// NewRequestFileTransfer normalizes modTime to the precision the wire carries.
func NewRequestFileTransfer(name, mimeType string, modTime time.Time, size, blockSize int64) RequestFileTransfer {
	return RequestFileTransfer{
		Name:      name,
		MIMEType:  mimeType,
		ModTime:   time.Unix(modTime.Unix(), 0).UTC(),
		Size:      size,
		BlockSize: blockSize,
	}
}
