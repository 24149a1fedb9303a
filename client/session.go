package client

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/opd-ai/communic8/fsm"
	"github.com/opd-ai/communic8/message"
	"github.com/opd-ai/communic8/protocol"
	"github.com/opd-ai/communic8/reactor"
	"github.com/opd-ai/communic8/registry"
	"github.com/sirupsen/logrus"
)

// Events are the notifications a Session reports. They run on the event
// loop and must not block.
type Events struct {
	ChatRequested func(from string)
	// ChatAccepted reports where the accepting peer listens for the direct connection.
	ChatAccepted func(peer string, addr netip.AddrPort)
	ChatRejected func(peer string)
	ChatEnded    func(peer string)
	ChatMessage  func(from, text string)
	Disconnected func(err error)
}

// Config configures a Session.
type Config struct {
	ResponseTimeout time.Duration
	Events          Events
}

// Session is a client's connection to the server. Its methods block until
// the server has answered and are safe for concurrent use; the state
// machine itself only runs on the event loop.
type Session struct {
	loop   *reactor.Loop
	conn   *protocol.Conn
	fsm    *fsm.FSM
	events Events
	log    *logrus.Entry
	done   chan struct{}

	// Owned by the loop.
	user     registry.User
	peer     string
	last     protocol.Response
	deferred []message.Message
	closeErr error
}

// NewSession starts speaking the client protocol on nc. Call Connect and
// Login next.
func NewSession(loop *reactor.Loop, nc net.Conn, cfg Config) (*Session, error) {
	conn := protocol.NewConn(nc, protocol.Config{
		Loop:            loop,
		Dispatcher:      message.NewServerDispatcher(),
		ResponseTimeout: cfg.ResponseTimeout,
		Role:            "client",
	})
	s := &Session{
		loop:   loop,
		conn:   conn,
		events: cfg.Events,
		log:    conn.Logger(),
		done:   make(chan struct{}),
	}

	leave := map[string]fsm.Callback{}
	for _, state := range []string{StateNotConnected, StateWaitingLogin, StateLoggedIn,
		StateChatWaitingConfirmation, StateWaitingUserConfirmation, StateChatting} {
		leave[state] = s.leave
	}

	machine, err := fsm.New(fsm.Config{
		Initial:     StateNotConnected,
		Transitions: sessionTransitions,
		Async:       sessionAsync,
		Hooks: fsm.Hooks{
			Leave: leave,
			Enter: map[string]fsm.Callback{
				StateWaitingLogin:            s.enterWaitingLogin,
				StateLoggedIn:                s.enterLoggedIn,
				StateChatWaitingConfirmation: s.enterNegotiation,
				StateWaitingUserConfirmation: s.enterNegotiation,
				StateDone:                    s.enterDone,
			},
			After: map[string]fsm.Callback{
				EventLogin:         s.afterLogin,
				EventChatRequested: s.afterChatRequested,
				EventChatAccepted:  s.afterChatAccepted,
				EventChatRejected:  s.afterChatRejected,
				EventChatEnded:     s.afterChatEnded,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	s.fsm = machine
	conn.Start(s)
	return s, nil
}

// requestFor returns the command an async event sends to the server.
func requestFor(e *fsm.Event) message.Message {
	switch e.Name {
	case EventConnect:
		return message.Connect{}
	case EventLogin:
		return message.Login{Name: e.Arg(0).(string)}
	case EventLogout:
		return message.Logout{}
	case EventRequestChat:
		return message.RequestChat{Name: e.Arg(0).(string)}
	case EventAcceptChat:
		return message.AcceptChat{Name: e.Arg(0).(string), Port: e.Arg(1).(int)}
	case EventRejectChat:
		return message.RejectChat{Name: e.Arg(0).(string)}
	case EventEndChat:
		return message.EndChat{Name: e.Arg(0).(string)}
	}
	return nil
}

// leave sends the command behind an async event and commits or cancels the
// transition when the server answers.
func (s *Session) leave(e *fsm.Event) {
	m := requestFor(e)
	if m == nil {
		return
	}
	err := s.conn.SendMessageAwait(m, 0, func(r protocol.Response, err error) {
		s.last = r
		if err != nil {
			s.fsm.Cancel(err)
		} else {
			if state := r.State(); state != e.Dst {
				s.log.WithFields(logrus.Fields{
					"function": "leave",
					"event":    e.Name,
					"expected": e.Dst,
					"server":   state,
				}).Warn("Server reported a different state")
			}
			s.fsm.Transition()
		}
		s.replay()
	})
	if err != nil {
		e.Cancel(err)
	}
}

// State implements protocol.Handler.
func (s *Session) State() string {
	return s.fsm.Current()
}

// HandleMessage implements protocol.Handler. Notifications never get a
// response; one that arrives while a request is outstanding is held until
// the request settles.
func (s *Session) HandleMessage(m message.Message) error {
	if s.fsm.Pending() {
		s.deferred = append(s.deferred, m)
		return nil
	}
	s.notification(m)
	return nil
}

func (s *Session) notification(m message.Message) {
	var err error
	switch m := m.(type) {
	case message.ChatRequested:
		err = s.fsm.Fire(EventChatRequested, m.Name)
	case message.ChatAccepted:
		err = s.fsm.Fire(EventChatAccepted, m.Name, netip.AddrPortFrom(m.Host, uint16(m.Port)))
	case message.ChatRejected:
		err = s.fsm.Fire(EventChatRejected, m.Name)
	case message.EndChat:
		err = s.fsm.Fire(EventChatEnded, m.Name)
	case message.SendChat:
		if s.fsm.Is(StateChatting) && s.events.ChatMessage != nil {
			s.events.ChatMessage(s.peer, m.Text)
		}
	default:
		s.log.WithFields(logrus.Fields{
			"function": "notification",
			"command":  m.Command(),
		}).Warn("Ignoring unexpected message from server")
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "notification",
			"command":  m.Command(),
			"error":    err.Error(),
		}).Warn("Notification does not fit the current state")
	}
}

func (s *Session) replay() {
	for len(s.deferred) > 0 && !s.fsm.Pending() {
		m := s.deferred[0]
		s.deferred = s.deferred[1:]
		s.notification(m)
	}
}

// HandleClose implements protocol.Handler.
func (s *Session) HandleClose(err error) {
	s.closeErr = err
	if s.fsm.Pending() {
		s.fsm.Cancel(protocol.ErrConnectionClosed)
	}
	s.fsm.Fire(EventDisconnect)
}

func (s *Session) enterWaitingLogin(*fsm.Event) {
	s.user = registry.User{}
	s.peer = ""
}

func (s *Session) enterLoggedIn(*fsm.Event) {
	s.peer = ""
}

func (s *Session) enterNegotiation(e *fsm.Event) {
	s.peer = e.Arg(0).(string)
}

func (s *Session) afterLogin(*fsm.Event) {
	if err := s.last.Decode("user", &s.user); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "afterLogin",
			"error":    err.Error(),
		}).Warn("Login response without user")
	}
}

func (s *Session) afterChatRequested(e *fsm.Event) {
	if s.events.ChatRequested != nil {
		s.events.ChatRequested(e.Arg(0).(string))
	}
}

func (s *Session) afterChatAccepted(e *fsm.Event) {
	if s.events.ChatAccepted != nil {
		s.events.ChatAccepted(e.Arg(0).(string), e.Arg(1).(netip.AddrPort))
	}
}

func (s *Session) afterChatRejected(e *fsm.Event) {
	if s.events.ChatRejected != nil {
		s.events.ChatRejected(e.Arg(0).(string))
	}
}

func (s *Session) afterChatEnded(e *fsm.Event) {
	if s.events.ChatEnded != nil {
		s.events.ChatEnded(e.Arg(0).(string))
	}
}

func (s *Session) enterDone(*fsm.Event) {
	s.conn.Close()
	s.deferred = nil
	close(s.done)
	if s.events.Disconnected != nil {
		s.events.Disconnected(s.closeErr)
	}
}

// fire runs an async event and waits for the server's verdict.
func (s *Session) fire(ctx context.Context, event string, args ...any) (protocol.Response, error) {
	return runAsync(ctx, s.loop, func(done func(protocol.Response, error)) error {
		return s.fsm.FireAsync(event, func(err error) { done(s.last, err) }, args...)
	})
}

// request sends m without a state change, provided event is legal now.
func (s *Session) request(ctx context.Context, event string, m message.Message) (protocol.Response, error) {
	return runAsync(ctx, s.loop, func(done func(protocol.Response, error)) error {
		if !s.fsm.Can(event) {
			return &fsm.InvalidTransitionError{Event: event, State: s.fsm.Current()}
		}
		return s.conn.SendMessageAwait(m, 0, done)
	})
}

// Connect greets the server.
func (s *Session) Connect(ctx context.Context) error {
	_, err := s.fire(ctx, EventConnect)
	return err
}

// Login registers name with the server and returns the server's record.
func (s *Session) Login(ctx context.Context, name string) (registry.User, error) {
	r, err := s.fire(ctx, EventLogin, name)
	if err != nil {
		return registry.User{}, err
	}
	var u registry.User
	if err := r.Decode("user", &u); err != nil {
		return registry.User{}, err
	}
	return u, nil
}

// Logout releases the user name, ending any chat.
func (s *Session) Logout(ctx context.Context) error {
	_, err := s.fire(ctx, EventLogout)
	return err
}

// ListUsers returns the users logged in to the server.
func (s *Session) ListUsers(ctx context.Context) ([]registry.User, error) {
	r, err := s.request(ctx, EventListUsers, message.ListUsers{})
	if err != nil {
		return nil, err
	}
	var users []registry.User
	if err := r.Decode("users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// RequestChat asks name for a chat. It returns once name has been asked;
// the answer arrives through Events.ChatAccepted or Events.ChatRejected.
func (s *Session) RequestChat(ctx context.Context, name string) error {
	_, err := s.fire(ctx, EventRequestChat, name)
	return err
}

// AcceptChat accepts the pending request from name, announcing port as the
// one this client listens on for the direct connection.
func (s *Session) AcceptChat(ctx context.Context, name string, port int) error {
	_, err := s.fire(ctx, EventAcceptChat, name, port)
	return err
}

// RejectChat declines the pending request from name.
func (s *Session) RejectChat(ctx context.Context, name string) error {
	_, err := s.fire(ctx, EventRejectChat, name)
	return err
}

// EndChat ends the chat with name, or withdraws a request to name.
func (s *Session) EndChat(ctx context.Context, name string) error {
	_, err := s.fire(ctx, EventEndChat, name)
	return err
}

// SendChat sends text to the chat partner through the server.
func (s *Session) SendChat(ctx context.Context, text string) error {
	_, err := s.request(ctx, EventSendChat, message.SendChat{Text: text})
	return err
}

// CurrentState returns the state of the session.
func (s *Session) CurrentState(ctx context.Context) (string, error) {
	var state string
	err := s.loop.Call(ctx, func() { state = s.fsm.Current() })
	return state, err
}

// User returns the logged in user.
func (s *Session) User(ctx context.Context) (registry.User, error) {
	var u registry.User
	err := s.loop.Call(ctx, func() { u = s.user })
	return u, err
}

// Close drops the connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Done is closed once the session has disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
