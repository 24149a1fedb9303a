package server

import (
	"errors"
	"net/netip"
	"strings"

	"github.com/opd-ai/communic8/fsm"
	"github.com/opd-ai/communic8/limits"
	"github.com/opd-ai/communic8/message"
	"github.com/opd-ai/communic8/protocol"
	"github.com/opd-ai/communic8/registry"
	"github.com/sirupsen/logrus"
)

// Session is the server side of one client connection. Every method runs on
// the server's event loop.
type Session struct {
	srv  *Server
	conn *protocol.Conn
	fsm  *fsm.FSM
	log  *logrus.Entry

	name string
	user registry.User
	// peer is the other party of the chat being negotiated or held.
	peer string
}

func newSession(srv *Server, conn *protocol.Conn) (*Session, error) {
	s := &Session{srv: srv, conn: conn, log: conn.Logger()}

	machine, err := fsm.New(fsm.Config{
		Initial:     StateWaitingConnection,
		Transitions: sessionTransitions,
		Async:       []string{EventRequestChat},
		Hooks: fsm.Hooks{
			Before: map[string]fsm.Callback{
				EventLogin:       s.beforeLogin,
				EventRequestChat: s.beforeRequestChat,
				EventAcceptChat:  s.beforeAcceptChat,
				EventRejectChat:  s.checkNegotiatingWith,
				EventEndChat:     s.checkNegotiatingWith,
				EventSendChat:    s.beforeSendChat,
			},
			Leave: map[string]fsm.Callback{
				StateLoggedIn: s.leaveLoggedIn,
			},
			Enter: map[string]fsm.Callback{
				StateLoggedIn:                s.enterLoggedIn,
				StateChatWaitingConfirmation: s.enterNegotiation,
				StateWaitingUserConfirmation: s.enterNegotiation,
				StateDone:                    s.enterDone,
			},
			After: map[string]fsm.Callback{
				EventConnect:       s.respondOK,
				EventLogin:         s.afterLogin,
				EventLogout:        s.afterLogout,
				EventListUsers:     s.afterListUsers,
				EventChatRequested: s.afterChatRequested,
				EventAcceptChat:    s.afterAcceptChat,
				EventChatAccepted:  s.afterChatAccepted,
				EventRejectChat:    s.afterRejectChat,
				EventChatRejected:  s.afterChatRejected,
				EventEndChat:       s.afterEndChat,
				EventChatEnded:     s.afterChatEnded,
				EventSendChat:      s.afterSendChat,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	s.fsm = machine
	return s, nil
}

// State implements protocol.Handler.
func (s *Session) State() string {
	return s.fsm.Current()
}

// Name returns the logged in user name, or "".
func (s *Session) Name() string {
	return s.name
}

// HandleMessage implements protocol.Handler.
func (s *Session) HandleMessage(m message.Message) error {
	s.srv.metrics.message(m.Command())
	if s.name != "" {
		s.srv.registry.Touch(s.name)
	}
	err := s.dispatch(m)
	s.srv.metrics.failure(err)
	return err
}

func (s *Session) dispatch(m message.Message) error {
	switch m := m.(type) {
	case message.Connect:
		return s.fsm.Fire(EventConnect)
	case message.Quit:
		s.log.WithField("function", "dispatch").Debug("Client quit")
		return s.conn.Close()
	case message.Login:
		return s.fsm.Fire(EventLogin, m.Name)
	case message.Logout:
		if s.name == "" {
			return protocol.NewResponseError(protocol.ErrKeyNotLoggedIn, "Not logged in")
		}
		return s.fsm.Fire(EventLogout)
	case message.ListUsers:
		return s.fsm.Fire(EventListUsers)
	case message.RequestChat:
		return s.fsm.FireAsync(EventRequestChat, s.requestChatDone, m.Name)
	case message.AcceptChat:
		return s.fsm.Fire(EventAcceptChat, m.Name, m.Port)
	case message.RejectChat:
		return s.fsm.Fire(EventRejectChat, m.Name)
	case message.EndChat:
		return s.fsm.Fire(EventEndChat, m.Name)
	case message.SendChat:
		return s.fsm.Fire(EventSendChat, m.Text)
	default:
		// Notifications and peer-to-peer commands are never valid from a client.
		return &fsm.InvalidTransitionError{Event: strings.ToLower(m.Command()), State: s.fsm.Current()}
	}
}

// HandleClose implements protocol.Handler. A lost transport always forces
// the disconnect transition, abandoning any pending negotiation.
func (s *Session) HandleClose(err error) {
	if s.fsm.Pending() {
		s.fsm.Cancel(nil)
	}
	if ferr := s.fsm.Fire(EventDisconnect); ferr != nil {
		s.log.WithFields(logrus.Fields{
			"function": "HandleClose",
			"error":    ferr.Error(),
		}).Warn("Disconnect transition failed")
	}
}

func (s *Session) respond(r protocol.Response) {
	if err := s.conn.SendResponse(r); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "respond",
			"error":    err.Error(),
		}).Debug("Response not sent")
	}
}

func (s *Session) notify(m message.Message) {
	if err := s.conn.SendMessage(m); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "notify",
			"command":  m.Command(),
			"error":    err.Error(),
		}).Debug("Notification not sent")
	}
}

func (s *Session) respondOK(*fsm.Event) {
	s.respond(protocol.Response{})
}

func (s *Session) beforeLogin(e *fsm.Event) {
	name := e.Arg(0).(string)
	if err := limits.ValidateName(name); err != nil {
		e.Cancel(protocol.NewResponseError(protocol.ErrKeyLoginFailed, "Invalid user name '%s'", name))
		return
	}

	addr := s.conn.RemoteAddr()
	u, err := s.srv.registry.Add(name, addr.Addr(), int(addr.Port()))
	switch {
	case errors.Is(err, registry.ErrNameAlreadyUsed):
		e.Cancel(protocol.NewResponseError(protocol.ErrKeyLoginFailedUserNameTaken,
			"An user with name '%s' is already logged in", name))
		return
	case errors.Is(err, registry.ErrAddressAlreadyUsed):
		e.Cancel(protocol.NewResponseError(protocol.ErrKeyLoginFailedAddressInUse,
			"An user with address %s is already logged in", addr))
		return
	case err != nil:
		e.Cancel(protocol.NewResponseError(protocol.ErrKeyLoginFailed, "Login failed for unknown reasons"))
		return
	}
	s.name = name
	s.user = u
}

func (s *Session) afterLogin(*fsm.Event) {
	s.srv.sessions[s.name] = s
	s.srv.metrics.setUsers(s.srv.registry.Len())
	s.log = s.log.WithField("user", s.name)
	s.log.WithField("function", "afterLogin").Info("User logged in")
	s.respond(protocol.Response{"user": s.user})
}

func (s *Session) afterLogout(e *fsm.Event) {
	s.logout(e.Src)
	s.respond(protocol.Response{})
}

// logout releases the user name and tells the chat partner, if any, that
// the conversation is over.
func (s *Session) logout(src string) {
	if s.name == "" {
		return
	}
	switch src {
	case StateWaitingUserConfirmation:
		s.srv.relay(s.name, s.peer, EventChatRejected, s.name)
	case StateChatWaitingConfirmation, StateChatting:
		s.srv.relay(s.name, s.peer, EventChatEnded, s.name)
	}

	delete(s.srv.sessions, s.name)
	if err := s.srv.registry.Remove(s.name); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "logout",
			"error":    err.Error(),
		}).Warn("User was not registered")
	}
	s.srv.metrics.setUsers(s.srv.registry.Len())
	s.log.WithField("function", "logout").Info("User logged out")

	s.name = ""
	s.user = registry.User{}
	s.peer = ""
}

func (s *Session) afterListUsers(*fsm.Event) {
	s.respond(protocol.Response{"users": s.srv.users()})
}

func (s *Session) enterLoggedIn(*fsm.Event) {
	s.peer = ""
}

func (s *Session) enterNegotiation(e *fsm.Event) {
	s.peer = e.Arg(0).(string)
}

func (s *Session) beforeRequestChat(e *fsm.Event) {
	target := e.Arg(0).(string)
	other, ok := s.srv.sessions[target]
	switch {
	case target == s.name:
		e.Cancel(protocol.NewResponseError(protocol.ErrKeyCannotChatWithSelf, "Cannot request a chat with yourself"))
	case !ok:
		e.Cancel(protocol.NewResponseError(protocol.ErrKeyUserNotLoggedIn, "User '%s' is not logged in", target))
	case !other.fsm.Is(StateLoggedIn) || other.fsm.Pending():
		e.Cancel(protocol.NewResponseError(protocol.ErrKeyUserNotAvailable, "User '%s' is not available", target))
	}
}

// leaveLoggedIn defers the commit of request_chat until the target has been
// asked, on a later loop turn.
func (s *Session) leaveLoggedIn(e *fsm.Event) {
	if e.Name != EventRequestChat {
		return
	}
	target := e.Arg(0).(string)
	if !s.srv.loop.Post(func() { s.srv.deliverChatRequest(s, target) }) {
		e.Cancel(protocol.ErrConnectionClosed)
	}
}

func (s *Session) requestChatDone(err error) {
	if err != nil {
		s.srv.metrics.failure(err)
		s.conn.Report(message.CmdRequestChat, err)
		return
	}
	s.respond(protocol.Response{})
}

func (s *Session) afterChatRequested(e *fsm.Event) {
	s.notify(message.ChatRequested{Name: e.Arg(0).(string)})
}

func (s *Session) checkNegotiatingWith(e *fsm.Event) {
	if name := e.Arg(0).(string); name != s.peer {
		e.Cancel(protocol.NewResponseError(protocol.ErrKeyNotNegotiatingWithUser, "Not negotiating with user '%s'", name))
	}
}

func (s *Session) beforeAcceptChat(e *fsm.Event) {
	if port := e.Arg(1).(int); limits.ValidatePort(port) != nil {
		e.Cancel(protocol.NewResponseError(protocol.ErrKeyInvalidPort, "Invalid port %d", port))
		return
	}
	s.checkNegotiatingWith(e)
}

func (s *Session) afterAcceptChat(e *fsm.Event) {
	initiator := e.Arg(0).(string)
	port := e.Arg(1).(int)
	s.respond(protocol.Response{})
	s.srv.metrics.chatEstablished()
	s.srv.relay(s.name, initiator, EventChatAccepted, s.name, s.user.Host, port)
}

func (s *Session) afterChatAccepted(e *fsm.Event) {
	s.notify(message.ChatAccepted{
		Name: e.Arg(0).(string),
		Host: e.Arg(1).(netip.Addr),
		Port: e.Arg(2).(int),
	})
}

func (s *Session) afterRejectChat(e *fsm.Event) {
	s.respond(protocol.Response{})
	s.srv.relay(s.name, e.Arg(0).(string), EventChatRejected, s.name)
}

func (s *Session) afterChatRejected(e *fsm.Event) {
	s.notify(message.ChatRejected{Name: e.Arg(0).(string)})
}

func (s *Session) afterEndChat(e *fsm.Event) {
	s.respond(protocol.Response{})
	s.srv.relay(s.name, e.Arg(0).(string), EventChatEnded, s.name)
}

func (s *Session) afterChatEnded(e *fsm.Event) {
	s.notify(message.EndChat{Name: e.Arg(0).(string)})
}

func (s *Session) beforeSendChat(e *fsm.Event) {
	if err := limits.ValidateChatText(e.Arg(0).(string)); err != nil {
		e.Cancel(protocol.NewResponseError(protocol.ErrKeyInvalidChatText, "Invalid chat text: %v", err))
	}
}

func (s *Session) afterSendChat(e *fsm.Event) {
	text := e.Arg(0).(string)
	s.srv.forward(s.name, s.peer, func(target *Session) {
		if target.fsm.Is(StateChatting) {
			target.notify(message.SendChat{Text: text})
		}
	})
	s.respond(protocol.Response{})
}

func (s *Session) enterDone(e *fsm.Event) {
	s.logout(e.Src)
	s.conn.Close()
	delete(s.srv.conns, s)
	s.srv.metrics.connectionClosed()
	s.log.WithFields(logrus.Fields{
		"function": "enterDone",
		"from":     e.Src,
	}).Debug("Session closed")
}
