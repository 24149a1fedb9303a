package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/communic8/message"
	"github.com/opd-ai/communic8/protocol"
	"github.com/opd-ai/communic8/reactor"
	"github.com/opd-ai/communic8/registry"
	"github.com/sirupsen/logrus"
)

// acceptRetryDelay is the pause after a failed Accept before trying again.
const acceptRetryDelay = 50 * time.Millisecond

// Config configures a Server.
type Config struct {
	// ResponseTimeout bounds awaited responses on client connections.
	ResponseTimeout time.Duration
	// QueueSize is the outbound frame queue per connection.
	QueueSize int
	// Metrics receives server metrics; nil disables them.
	Metrics *Metrics
}

// Server accepts client connections, keeps the user registry and relays
// chat negotiation between sessions.
type Server struct {
	loop       *reactor.Loop
	cfg        Config
	dispatcher *message.Dispatcher
	metrics    *Metrics

	// Owned by the loop.
	registry *registry.Registry
	sessions map[string]*Session
	conns    map[*Session]struct{}

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closed    bool
}

// New creates a server driven by loop. The caller runs the loop.
func New(loop *reactor.Loop, cfg Config) *Server {
	return &Server{
		loop:       loop,
		cfg:        cfg,
		dispatcher: message.NewServerDispatcher(),
		metrics:    cfg.Metrics,
		registry:   registry.New(),
		sessions:   make(map[string]*Session),
		conns:      make(map[*Session]struct{}),
		listeners:  make(map[net.Listener]struct{}),
	}
}

// Serve accepts connections on ln until ctx is done or Close is called. It
// closes ln before returning.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !srv.track(ln) {
		ln.Close()
		return net.ErrClosed
	}
	defer srv.untrack(ln)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"address":  ln.Addr().String(),
	}).Info("Server listening")

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Warn("Accept failed")
			time.Sleep(acceptRetryDelay)
			continue
		}
		if !srv.loop.Post(func() { srv.accept(nc) }) {
			nc.Close()
			return reactor.ErrStopped
		}
	}
}

func (srv *Server) track(ln net.Listener) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		return false
	}
	srv.listeners[ln] = struct{}{}
	return true
}

func (srv *Server) untrack(ln net.Listener) {
	srv.mu.Lock()
	delete(srv.listeners, ln)
	srv.mu.Unlock()
	ln.Close()
}

// accept starts a session for nc. A second connection from an address that
// already has a logged in user is refused.
func (srv *Server) accept(nc net.Conn) {
	conn := protocol.NewConn(nc, protocol.Config{
		Loop:            srv.loop,
		Dispatcher:      srv.dispatcher,
		ResponseTimeout: srv.cfg.ResponseTimeout,
		QueueSize:       srv.cfg.QueueSize,
		Role:            "server",
	})

	addr := conn.RemoteAddr()
	if u, ok := srv.registry.GetByAddress(addr.Addr(), int(addr.Port())); ok {
		logrus.WithFields(logrus.Fields{
			"function": "accept",
			"remote":   addr.String(),
			"user":     u.Name,
		}).Warn("Refused secondary connection")
		nc.Close()
		return
	}

	s, err := newSession(srv, conn)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "accept",
			"error":    err.Error(),
		}).Error("Failed to create session")
		nc.Close()
		return
	}
	srv.conns[s] = struct{}{}
	srv.metrics.connectionOpened()
	conn.Logger().WithField("function", "accept").Debug("Client connected")
	conn.Start(s)
}

// forward runs fn on the session logged in as to, on a later loop turn, if
// that session is still paired with from.
func (srv *Server) forward(from, to string, fn func(target *Session)) {
	srv.loop.Post(func() {
		target, ok := srv.sessions[to]
		if !ok || target.peer != from {
			logrus.WithFields(logrus.Fields{
				"function": "forward",
				"from":     from,
				"to":       to,
			}).Debug("Relay target gone or no longer paired")
			return
		}
		fn(target)
	})
}

// relay fires event on the session logged in as to.
func (srv *Server) relay(from, to, event string, args ...any) {
	srv.forward(from, to, func(target *Session) {
		if err := target.fsm.Fire(event, args...); err != nil {
			target.log.WithFields(logrus.Fields{
				"function": "relay",
				"event":    event,
				"from":     from,
				"error":    err.Error(),
			}).Warn("Relayed event rejected")
		}
	})
}

// deliverChatRequest asks target on behalf of initiator and then resolves
// the initiator's pending request_chat.
func (srv *Server) deliverChatRequest(initiator *Session, target string) {
	if !initiator.fsm.Pending() {
		return
	}

	var err error
	other, ok := srv.sessions[target]
	if ok {
		err = other.fsm.Fire(EventChatRequested, initiator.name)
	}
	if !ok || err != nil {
		initiator.log.WithFields(logrus.Fields{
			"function": "deliverChatRequest",
			"target":   target,
			"error":    fmt.Sprint(err),
		}).Debug("Chat request could not be delivered")
		initiator.fsm.Cancel(protocol.NewResponseError(protocol.ErrKeyUserNotAvailable, "User '%s' is not available", target))
		return
	}
	initiator.fsm.Transition()
}

// users returns the registered users ordered by name.
func (srv *Server) users() []registry.User {
	users := slices.AppendSeq(make([]registry.User, 0, srv.registry.Len()), srv.registry.All())
	slices.SortFunc(users, func(a, b registry.User) int {
		return strings.Compare(a.Name, b.Name)
	})
	return users
}

// Users returns the logged in users ordered by name.
func (srv *Server) Users(ctx context.Context) ([]registry.User, error) {
	var users []registry.User
	if err := srv.loop.Call(ctx, func() { users = srv.users() }); err != nil {
		return nil, err
	}
	return users, nil
}

// Close stops every listener and closes all client connections.
func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.closed = true
	for ln := range srv.listeners {
		ln.Close()
	}
	srv.mu.Unlock()

	srv.loop.Post(func() {
		for s := range srv.conns {
			s.conn.Close()
		}
	})
	return nil
}
