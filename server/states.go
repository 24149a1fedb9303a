package server

import "github.com/opd-ai/communic8/fsm"

// Session states.
const (
	StateWaitingConnection       = "waiting_connection"
	StateWaitingLogin            = "waiting_login"
	StateLoggedIn                = "logged_in"
	StateChatWaitingConfirmation = "chat_waiting_confirmation"
	StateWaitingUserConfirmation = "waiting_user_confirmation"
	StateChatting                = "chatting"
	StateDone                    = "done"
)

// Session events. Events named after a notification (chat_requested,
// chat_accepted, chat_rejected, chat_ended) are fired by the relay on the
// other party's session, never by a received line.
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

var loggedInStates = []string{
	StateLoggedIn,
	StateChatWaitingConfirmation,
	StateWaitingUserConfirmation,
	StateChatting,
}

var sessionTransitions = []fsm.Transition{
	{Event: EventConnect, Src: []string{StateWaitingConnection}, Dst: StateWaitingLogin},
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
