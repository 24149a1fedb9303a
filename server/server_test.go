package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/communic8/protocol"
	"github.com/opd-ai/communic8/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatNegotiation(t *testing.T) {
	ts := startServer(t)
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")

	alice.send("REQUEST_CHAT bob")
	assert.Equal(t, "CHAT_REQUESTED alice", bob.readLine())
	r := alice.readResponse()
	require.NoError(t, r.Err())
	assert.Equal(t, StateChatWaitingConfirmation, r.State())

	bob.expectOK("ACCEPT_CHAT alice 5000", StateChatting)
	assert.Equal(t, "CHAT_ACCEPTED bob 127.0.0.1 5000", alice.readLine())

	// Both sides are now chatting: text flows through the server.
	alice.expectOK("SEND_CHAT hello  there bob", StateChatting)
	assert.Equal(t, "SEND_CHAT hello  there bob", bob.readLine())
	bob.expectOK("SEND_CHAT hi", StateChatting)
	assert.Equal(t, "SEND_CHAT hi", alice.readLine())

	alice.expectOK("END_CHAT bob", StateLoggedIn)
	assert.Equal(t, "END_CHAT alice", bob.readLine())
	bob.expectOK("LIST_USERS", StateLoggedIn)

	assert.Equal(t, float64(1), gaugeValue(t, ts.registry, "communic8_chats_established_total"))
}

func TestRequestChatWithSelf(t *testing.T) {
	ts := startServer(t)
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")

	alice.expectError("REQUEST_CHAT alice", protocol.ErrKeyCannotChatWithSelf, StateLoggedIn)

	// Nothing reached bob: his next line is the response to his own command.
	bob.expectOK("LIST_USERS", StateLoggedIn)
	alice.expectOK("LIST_USERS", StateLoggedIn)
}

func TestRequestChatTargetChecks(t *testing.T) {
	ts := startServer(t)
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")
	carol := ts.login(t, "carol")

	alice.expectError("REQUEST_CHAT dave", protocol.ErrKeyUserNotLoggedIn, StateLoggedIn)

	alice.send("REQUEST_CHAT bob")
	assert.Equal(t, "CHAT_REQUESTED alice", bob.readLine())
	require.NoError(t, alice.readResponse().Err())

	carol.expectError("REQUEST_CHAT bob", protocol.ErrKeyUserNotAvailable, StateLoggedIn)
	carol.expectError("REQUEST_CHAT alice", protocol.ErrKeyUserNotAvailable, StateLoggedIn)
}

func TestRejectChat(t *testing.T) {
	ts := startServer(t)
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")

	alice.send("REQUEST_CHAT bob")
	assert.Equal(t, "CHAT_REQUESTED alice", bob.readLine())
	require.NoError(t, alice.readResponse().Err())

	bob.expectError("REJECT_CHAT carol", protocol.ErrKeyNotNegotiatingWithUser, StateWaitingUserConfirmation)
	bob.expectOK("REJECT_CHAT alice", StateLoggedIn)
	assert.Equal(t, "CHAT_REJECTED bob", alice.readLine())
	alice.expectOK("LIST_USERS", StateLoggedIn)
}

func TestAcceptChatValidation(t *testing.T) {
	ts := startServer(t)
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")

	alice.send("REQUEST_CHAT bob")
	assert.Equal(t, "CHAT_REQUESTED alice", bob.readLine())
	require.NoError(t, alice.readResponse().Err())

	bob.expectError("ACCEPT_CHAT alice 70000", protocol.ErrKeyInvalidPort, StateWaitingUserConfirmation)
	bob.expectError("ACCEPT_CHAT carol 5000", protocol.ErrKeyNotNegotiatingWithUser, StateWaitingUserConfirmation)
	bob.expectError("ACCEPT_CHAT alice five", protocol.ErrKeyInvalidCommand, StateWaitingUserConfirmation)
	alice.expectError("ACCEPT_CHAT bob 5000", protocol.ErrKeyInvalidCommandForState, StateChatWaitingConfirmation)
}

func TestInitiatorWithdraws(t *testing.T) {
	ts := startServer(t)
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")

	alice.send("REQUEST_CHAT bob")
	assert.Equal(t, "CHAT_REQUESTED alice", bob.readLine())
	require.NoError(t, alice.readResponse().Err())

	alice.expectOK("END_CHAT bob", StateLoggedIn)
	assert.Equal(t, "END_CHAT alice", bob.readLine())
	bob.expectOK("LIST_USERS", StateLoggedIn)
}

func TestDisconnectNotifiesPeer(t *testing.T) {
	t.Run("while chatting", func(t *testing.T) {
		ts := startServer(t)
		alice := ts.login(t, "alice")
		bob := ts.login(t, "bob")

		alice.send("REQUEST_CHAT bob")
		assert.Equal(t, "CHAT_REQUESTED alice", bob.readLine())
		require.NoError(t, alice.readResponse().Err())
		bob.expectOK("ACCEPT_CHAT alice 5000", StateChatting)
		alice.readLine()

		bob.conn.Close()
		assert.Equal(t, "END_CHAT bob", alice.readLine())
		alice.expectOK("LIST_USERS", StateLoggedIn)
	})

	t.Run("before answering", func(t *testing.T) {
		ts := startServer(t)
		alice := ts.login(t, "alice")
		bob := ts.login(t, "bob")

		alice.send("REQUEST_CHAT bob")
		assert.Equal(t, "CHAT_REQUESTED alice", bob.readLine())
		require.NoError(t, alice.readResponse().Err())

		bob.send("QUIT")
		bob.expectClosed()
		assert.Equal(t, "CHAT_REJECTED bob", alice.readLine())

		r := alice.expectOK("LIST_USERS", StateLoggedIn)
		var users []registry.User
		require.NoError(t, r.Decode("users", &users))
		require.Len(t, users, 1)
		assert.Equal(t, "alice", users[0].Name)
	})
}

func TestLogin(t *testing.T) {
	ts := startServer(t)
	alice := ts.dial(t)
	alice.expectError("LOGIN alice", protocol.ErrKeyInvalidCommandForState, StateWaitingConnection)
	alice.expectOK("CONNECT", StateWaitingLogin)

	r := alice.expectOK("LOGIN alice", StateLoggedIn)
	var u registry.User
	require.NoError(t, r.Decode("user", &u))
	assert.Equal(t, "alice", u.Name)
	assert.Equal(t, "127.0.0.1", u.Host.String())
	assert.NotZero(t, u.Port)
	assert.False(t, u.ConnectedAt.IsZero())

	alice.expectError("LOGIN alice", protocol.ErrKeyInvalidCommandForState, StateLoggedIn)

	other := ts.dial(t)
	other.expectOK("CONNECT", StateWaitingLogin)
	other.expectError("LOGIN alice", protocol.ErrKeyLoginFailedUserNameTaken, StateWaitingLogin)

	long := make([]byte, 64)
	for i := range long {
		long[i] = 'x'
	}
	other.expectError("LOGIN "+string(long), protocol.ErrKeyLoginFailed, StateWaitingLogin)
	other.expectOK("LOGIN bob", StateLoggedIn)

	users, err := ts.srv.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Name)
	assert.Equal(t, "bob", users[1].Name)
	assert.Equal(t, float64(2), gaugeValue(t, ts.registry, "communic8_logged_in_users"))
}

func TestLogout(t *testing.T) {
	ts := startServer(t)
	alice := ts.dial(t)
	alice.expectOK("CONNECT", StateWaitingLogin)
	alice.expectError("LOGOUT", protocol.ErrKeyNotLoggedIn, StateWaitingLogin)

	alice.expectOK("LOGIN alice", StateLoggedIn)
	alice.expectOK("LOGOUT", StateWaitingLogin)
	alice.expectError("LIST_USERS", protocol.ErrKeyInvalidCommandForState, StateWaitingLogin)

	// The name is free again.
	bob := ts.dial(t)
	bob.expectOK("CONNECT", StateWaitingLogin)
	bob.expectOK("LOGIN alice", StateLoggedIn)
}

func TestInvalidLines(t *testing.T) {
	ts := startServer(t)
	c := ts.dial(t)

	c.expectError("HELLO", protocol.ErrKeyInvalidCommand, StateWaitingConnection)
	c.expectError("LOGIN", protocol.ErrKeyInvalidCommand, StateWaitingConnection)
	c.expectError("LOGIN a b", protocol.ErrKeyInvalidCommand, StateWaitingConnection)
	c.expectOK("CONNECT", StateWaitingLogin)
	c.expectOK("LOGIN alice", StateLoggedIn)

	// Notifications and transfer requests are never accepted from clients.
	c.expectError("CHAT_REQUESTED bob", protocol.ErrKeyInvalidCommandForState, StateLoggedIn)
	c.expectError("REQUEST_FILE_TRANSFER a.txt text/plain 0 10 10", protocol.ErrKeyInvalidCommandForState, StateLoggedIn)
	c.expectError("SEND_CHAT hi", protocol.ErrKeyInvalidCommandForState, StateLoggedIn)

	// Parse failures are answered by the connection before a session sees them.
	assert.Equal(t, float64(3), gaugeValue(t, ts.registry, "communic8_errors_total"))
}

func TestDiscovery(t *testing.T) {
	ts := startServer(t)
	ts.login(t, "alice")

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.srv.ServeDiscovery(ctx, pc) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	client, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	query := func(line string) protocol.Response {
		t.Helper()
		_, err := client.Write([]byte(line + "\r\n"))
		require.NoError(t, err)
		require.NoError(t, client.SetReadDeadline(time.Now().Add(testTimeout)))
		buf := make([]byte, 65536)
		n, err := client.Read(buf)
		require.NoError(t, err)
		var r protocol.Response
		require.NoError(t, json.Unmarshal(buf[:n], &r))
		return r
	}

	r := query("LIST_USERS")
	require.NoError(t, r.Err())
	assert.Equal(t, StateDiscovery, r.State())
	var users []registry.User
	require.NoError(t, r.Decode("users", &users))
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Name)

	assert.Equal(t, protocol.ErrKeyInvalidCommand, query("BOGUS").String("error"))
	assert.Equal(t, protocol.ErrKeyInvalidCommandForState, query("LOGIN eve").String("error"))
}

func TestConnectionGauge(t *testing.T) {
	ts := startServer(t)
	c := ts.login(t, "alice")
	assert.Equal(t, float64(1), gaugeValue(t, ts.registry, "communic8_connections"))

	c.send("QUIT")
	c.expectClosed()
	assert.Eventually(t, func() bool {
		return gaugeValue(t, ts.registry, "communic8_connections") == 0 &&
			gaugeValue(t, ts.registry, "communic8_logged_in_users") == 0
	}, testTimeout, 10*time.Millisecond)
}
