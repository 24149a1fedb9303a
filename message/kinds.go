package message

import (
	"net/netip"
	"time"
)

func nameKind(command string, build func(name string) Message) Kind {
	return Kind{
		Command: command,
		Args:    []ArgKind{ArgString},
		Build:   func(a []any) Message { return build(a[0].(string)) },
	}
}

func bareKind(m Message) Kind {
	return Kind{Command: m.Command(), Build: func([]any) Message { return m }}
}

// ConnectKind and the functions below return the Kind of each command.
func ConnectKind() Kind   { return bareKind(Connect{}) }
func QuitKind() Kind      { return bareKind(Quit{}) }
func LogoutKind() Kind    { return bareKind(Logout{}) }
func ListUsersKind() Kind { return bareKind(ListUsers{}) }

func LoginKind() Kind {
	return nameKind(CmdLogin, func(n string) Message { return Login{Name: n} })
}

func RequestChatKind() Kind {
	return nameKind(CmdRequestChat, func(n string) Message { return RequestChat{Name: n} })
}

func ChatRequestedKind() Kind {
	return nameKind(CmdChatRequested, func(n string) Message { return ChatRequested{Name: n} })
}

func EndChatKind() Kind {
	return nameKind(CmdEndChat, func(n string) Message { return EndChat{Name: n} })
}

func RejectChatKind() Kind {
	return nameKind(CmdRejectChat, func(n string) Message { return RejectChat{Name: n} })
}

func ChatRejectedKind() Kind {
	return nameKind(CmdChatRejected, func(n string) Message { return ChatRejected{Name: n} })
}

func SendChatKind() Kind {
	return Kind{
		Command: CmdSendChat,
		Args:    []ArgKind{ArgText},
		Build:   func(a []any) Message { return SendChat{Text: a[0].(string)} },
	}
}

func AcceptChatKind() Kind {
	return Kind{
		Command: CmdAcceptChat,
		Args:    []ArgKind{ArgString, ArgInt},
		Build: func(a []any) Message {
			return AcceptChat{Name: a[0].(string), Port: int(a[1].(int64))}
		},
	}
}

func ChatAcceptedKind() Kind {
	return Kind{
		Command: CmdChatAccepted,
		Args:    []ArgKind{ArgString, ArgIP, ArgInt},
		Build: func(a []any) Message {
			return ChatAccepted{Name: a[0].(string), Host: a[1].(netip.Addr), Port: int(a[2].(int64))}
		},
	}
}

func RequestFileTransferKind() Kind {
	return Kind{
		Command: CmdRequestFileTransfer,
		Args:    []ArgKind{ArgString, ArgString, ArgTime, ArgInt, ArgInt},
		Build: func(a []any) Message {
			return RequestFileTransfer{
				Name:      a[0].(string),
				MIMEType:  a[1].(string),
				ModTime:   a[2].(time.Time),
				Size:      a[3].(int64),
				BlockSize: a[4].(int64),
			}
		},
	}
}

// AllKinds returns every command of the vocabulary.
func AllKinds() []Kind {
	return []Kind{
		ConnectKind(), QuitKind(), LoginKind(), LogoutKind(), ListUsersKind(),
		RequestChatKind(), ChatRequestedKind(), SendChatKind(), EndChatKind(),
		AcceptChatKind(), ChatAcceptedKind(), RejectChatKind(), ChatRejectedKind(),
		RequestFileTransferKind(),
	}
}

// PeerKinds returns the commands exchanged on a direct peer connection.
func PeerKinds() []Kind {
	return []Kind{ConnectKind(), QuitKind(), SendChatKind(), EndChatKind(), RequestFileTransferKind()}
}

// NewServerDispatcher returns a dispatcher for the server-facing connection.
// Both the server and its clients use it; each side acts on the subset of
// commands its state machine defines.
func NewServerDispatcher() *Dispatcher {
	d, err := NewDispatcher(AllKinds()...)
	if err != nil {
		panic(err)
	}
	return d
}

// NewPeerDispatcher returns a dispatcher for direct peer connections.
func NewPeerDispatcher() *Dispatcher {
	d, err := NewDispatcher(PeerKinds()...)
	if err != nil {
		panic(err)
	}
	return d
}
