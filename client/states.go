package client

import "github.com/opd-ai/communic8/fsm"

// States of a Session, the client's view of its server connection. They
// mirror the server's states so responses can be checked against them.
const (
	StateNotConnected            = "not_connected"
	StateWaitingLogin            = "waiting_login"
	StateLoggedIn                = "logged_in"
	StateChatWaitingConfirmation = "chat_waiting_confirmation"
	StateWaitingUserConfirmation = "waiting_user_confirmation"
	StateChatting                = "chatting"
	StateDone                    = "done"
)

// States of a Peer connection.
const (
	StateWaitingConnection = "waiting_connection"
	StateConnected         = "connected"
	StateSendingFile       = "sending_file"
	StateReceivingFile     = "receiving_file"
)

// Session events.
const (
	EventConnect       = "connect"
	EventLogin         = "login"
	EventLogout        = "logout"
	EventListUsers     = "list_users"
	EventRequestChat   = "request_chat"
	EventChatRequested = "chat_requested"
	EventAcceptChat    = "accept_chat"
	EventChatAccepted  = "chat_accepted"
	EventRejectChat    = "reject_chat"
	EventChatRejected  = "chat_rejected"
	EventEndChat       = "end_chat"
	EventChatEnded     = "chat_ended"
	EventSendChat      = "send_chat"
	EventDisconnect    = "disconnect"
)

// Peer events. Peers also use EventConnect, EventSendChat and EventDisconnect.
const (
	EventListen            = "listen"
	EventAccept            = "accept"
	EventSendFile          = "send_file"
	EventReceiveFile       = "receive_file"
	EventFinishSendFile    = "finish_send_file"
	EventFinishReceiveFile = "finish_receive_file"
	EventAbortFileTransfer = "abort_file_transfer"
)

var loggedInStates = []string{
	StateLoggedIn,
	StateChatWaitingConfirmation,
	StateWaitingUserConfirmation,
	StateChatting,
}

var sessionTransitions = []fsm.Transition{
	{Event: EventConnect, Src: []string{StateNotConnected}, Dst: StateWaitingLogin},
	{Event: EventLogin, Src: []string{StateWaitingLogin}, Dst: StateLoggedIn},
	{Event: EventLogout, Src: loggedInStates, Dst: StateWaitingLogin},
	{Event: EventListUsers, Src: []string{StateLoggedIn}, Dst: StateLoggedIn},
	{Event: EventRequestChat, Src: []string{StateLoggedIn}, Dst: StateChatWaitingConfirmation},
	{Event: EventChatRequested, Src: []string{StateLoggedIn}, Dst: StateWaitingUserConfirmation},
	{Event: EventAcceptChat, Src: []string{StateWaitingUserConfirmation}, Dst: StateChatting},
	{Event: EventChatAccepted, Src: []string{StateChatWaitingConfirmation}, Dst: StateChatting},
	{Event: EventRejectChat, Src: []string{StateWaitingUserConfirmation}, Dst: StateLoggedIn},
	{Event: EventChatRejected, Src: []string{StateChatWaitingConfirmation}, Dst: StateLoggedIn},
	{Event: EventEndChat, Src: []string{StateChatting, StateChatWaitingConfirmation}, Dst: StateLoggedIn},
	{Event: EventChatEnded, Src: []string{StateChatting, StateChatWaitingConfirmation, StateWaitingUserConfirmation}, Dst: StateLoggedIn},
	{Event: EventSendChat, Src: []string{StateChatting}, Dst: StateChatting},
	{Event: EventDisconnect, Src: []string{fsm.Wildcard}, Dst: StateDone},
}

// Events that wait for the server's response before committing.
var sessionAsync = []string{
	EventConnect,
	EventLogin,
	EventLogout,
	EventRequestChat,
	EventAcceptChat,
	EventRejectChat,
	EventEndChat,
}

var peerTransitions = []fsm.Transition{
	{Event: EventConnect, Src: []string{StateNotConnected}, Dst: StateConnected},
	{Event: EventListen, Src: []string{StateNotConnected}, Dst: StateWaitingConnection},
	{Event: EventAccept, Src: []string{StateWaitingConnection}, Dst: StateConnected},
	{Event: EventSendChat, Src: []string{StateConnected}, Dst: StateConnected},
	{Event: EventSendFile, Src: []string{StateConnected}, Dst: StateSendingFile},
	{Event: EventReceiveFile, Src: []string{StateConnected}, Dst: StateReceivingFile},
	{Event: EventFinishSendFile, Src: []string{StateSendingFile}, Dst: StateConnected},
	{Event: EventFinishReceiveFile, Src: []string{StateReceivingFile}, Dst: StateConnected},
	{Event: EventAbortFileTransfer, Src: []string{StateSendingFile, StateReceivingFile}, Dst: StateConnected},
	{Event: EventDisconnect, Src: []string{fsm.Wildcard}, Dst: StateDone},
}

var peerAsync = []string{
	EventConnect,
	EventSendFile,
}
