package client

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/communic8/fsm"
	"github.com/opd-ai/communic8/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLogin(t *testing.T) {
	loop := startLoop(t)
	addr := startServer(t)
	ctx := testContext(t)

	s := dialSession(t, loop, addr, Events{})
	_, err := s.Login(ctx, "alice")
	assert.ErrorIs(t, err, fsm.ErrInvalidTransition)

	require.NoError(t, s.Connect(ctx))
	u, err := s.Login(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)
	assert.Equal(t, "127.0.0.1", u.Host.String())

	state, err := s.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateLoggedIn, state)

	cached, err := s.User(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", cached.Name)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Name)

	other := dialSession(t, loop, addr, Events{})
	require.NoError(t, other.Connect(ctx))
	_, err = other.Login(ctx, "alice")
	assert.ErrorIs(t, err, fsm.ErrCanceled)
	assert.Equal(t, protocol.ErrKeyLoginFailedUserNameTaken, protocol.ErrorKey(err))
	state, err = other.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateWaitingLogin, state)

	require.NoError(t, s.Logout(ctx))
	_, err = other.Login(ctx, "alice")
	assert.NoError(t, err)
}

func TestSessionChat(t *testing.T) {
	loop := startLoop(t)
	addr := startServer(t)
	ctx := testContext(t)

	aliceEvents := make(chan string, 8)
	bobEvents := make(chan string, 8)
	alice := loginSession(t, loop, addr, "alice", Events{
		ChatAccepted: func(peer string, addr netip.AddrPort) {
			aliceEvents <- fmt.Sprintf("accepted %s %s", peer, addr)
		},
		ChatMessage: func(from, text string) { aliceEvents <- "message " + from + " " + text },
	})
	bob := loginSession(t, loop, addr, "bob", Events{
		ChatRequested: func(from string) { bobEvents <- "requested " + from },
		ChatMessage:   func(from, text string) { bobEvents <- "message " + from + " " + text },
		ChatEnded:     func(peer string) { bobEvents <- "ended " + peer },
	})

	require.NoError(t, alice.RequestChat(ctx, "bob"))
	assert.Equal(t, "requested alice", next(t, bobEvents))

	require.NoError(t, bob.AcceptChat(ctx, "alice", 5000))
	assert.Equal(t, "accepted bob 127.0.0.1:5000", next(t, aliceEvents))

	require.NoError(t, alice.SendChat(ctx, "hello bob"))
	assert.Equal(t, "message alice hello bob", next(t, bobEvents))
	require.NoError(t, bob.SendChat(ctx, "hi"))
	assert.Equal(t, "message bob hi", next(t, aliceEvents))

	assert.Error(t, alice.SendChat(ctx, "two\nlines"))

	require.NoError(t, alice.EndChat(ctx, "bob"))
	assert.Equal(t, "ended alice", next(t, bobEvents))
	state, err := bob.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateLoggedIn, state)
}

func TestSessionRejectChat(t *testing.T) {
	loop := startLoop(t)
	addr := startServer(t)
	ctx := testContext(t)

	rejected := make(chan string, 1)
	requested := make(chan string, 1)
	alice := loginSession(t, loop, addr, "alice", Events{
		ChatRejected: func(peer string) { rejected <- peer },
	})
	bob := loginSession(t, loop, addr, "bob", Events{
		ChatRequested: func(from string) { requested <- from },
	})

	require.NoError(t, alice.RequestChat(ctx, "bob"))
	assert.Equal(t, "alice", next(t, requested))

	err := bob.RejectChat(ctx, "carol")
	assert.Equal(t, protocol.ErrKeyNotNegotiatingWithUser, protocol.ErrorKey(err))
	require.NoError(t, bob.RejectChat(ctx, "alice"))
	assert.Equal(t, "bob", next(t, rejected))

	state, err := alice.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateLoggedIn, state)
}

func TestSessionRequestErrors(t *testing.T) {
	loop := startLoop(t)
	addr := startServer(t)
	ctx := testContext(t)
	alice := loginSession(t, loop, addr, "alice", Events{})

	err := alice.RequestChat(ctx, "alice")
	assert.Equal(t, protocol.ErrKeyCannotChatWithSelf, protocol.ErrorKey(err))
	err = alice.RequestChat(ctx, "nobody")
	assert.Equal(t, protocol.ErrKeyUserNotLoggedIn, protocol.ErrorKey(err))

	err = alice.SendChat(ctx, "hi")
	assert.ErrorIs(t, err, fsm.ErrInvalidTransition)
	err = alice.AcceptChat(ctx, "bob", 5000)
	assert.ErrorIs(t, err, fsm.ErrInvalidTransition)
}

func TestSessionPeerDisconnects(t *testing.T) {
	loop := startLoop(t)
	addr := startServer(t)
	ctx := testContext(t)

	ended := make(chan string, 1)
	requested := make(chan string, 1)
	disconnected := make(chan error, 1)
	alice := loginSession(t, loop, addr, "alice", Events{
		Disconnected: func(err error) { disconnected <- err },
	})
	bob := loginSession(t, loop, addr, "bob", Events{
		ChatRequested: func(from string) { requested <- from },
		ChatEnded:     func(peer string) { ended <- peer },
	})

	require.NoError(t, alice.RequestChat(ctx, "bob"))
	next(t, requested)
	require.NoError(t, bob.AcceptChat(ctx, "alice", 5000))

	require.NoError(t, alice.Close())
	next(t, disconnected)
	select {
	case <-alice.Done():
	case <-time.After(testTimeout):
		t.Fatal("session not done")
	}
	assert.Equal(t, "alice", next(t, ended))
}

// scriptedServer answers a session by hand over an in-memory pipe.
type scriptedServer struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func newScriptedSession(t *testing.T, cfg Config) (*Session, *scriptedServer) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() { serverEnd.Close() })
	s, err := NewSession(startLoop(t), clientEnd, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, &scriptedServer{t: t, conn: serverEnd, br: bufio.NewReader(serverEnd)}
}

func (ss *scriptedServer) expect(line string) {
	ss.t.Helper()
	require.NoError(ss.t, ss.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	got, err := ss.br.ReadString('\n')
	require.NoError(ss.t, err)
	require.Equal(ss.t, line, strings.TrimRight(got, "\r\n"))
}

func (ss *scriptedServer) send(line string) {
	ss.t.Helper()
	require.NoError(ss.t, ss.conn.SetWriteDeadline(time.Now().Add(testTimeout)))
	_, err := ss.conn.Write([]byte(line + "\r\n"))
	require.NoError(ss.t, err)
}

func TestSessionDefersNotifications(t *testing.T) {
	requested := make(chan string, 1)
	s, ss := newScriptedSession(t, Config{
		ResponseTimeout: time.Second,
		Events:          Events{ChatRequested: func(from string) { requested <- from }},
	})
	ctx := testContext(t)

	connected := make(chan error, 1)
	go func() { connected <- s.Connect(ctx) }()
	ss.expect("CONNECT")
	ss.send(`{"state":"waiting_login"}`)
	require.NoError(t, next(t, connected))

	loggedIn := make(chan error, 1)
	go func() {
		_, err := s.Login(ctx, "alice")
		loggedIn <- err
	}()
	ss.expect("LOGIN alice")
	// The notification overtakes the response; it only applies once logged in.
	ss.send("CHAT_REQUESTED bob")
	ss.send(`{"state":"logged_in","user":{"name":"alice","host":"127.0.0.1","port":4000}}`)
	require.NoError(t, next(t, loggedIn))
	assert.Equal(t, "bob", next(t, requested))

	state, err := s.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateWaitingUserConfirmation, state)
}

func TestSessionResponseTimeout(t *testing.T) {
	s, ss := newScriptedSession(t, Config{ResponseTimeout: 50 * time.Millisecond})
	ctx := testContext(t)

	result := make(chan error, 1)
	go func() { result <- s.Connect(ctx) }()
	ss.expect("CONNECT")
	err := next(t, result)
	assert.ErrorIs(t, err, protocol.ErrResponseTimeout)

	state, err := s.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNotConnected, state)
}
