package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/communic8/protocol"
	"github.com/opd-ai/communic8/reactor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

type testServer struct {
	srv      *Server
	addr     string
	registry *prometheus.Registry
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	loop := reactor.New()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	reg := prometheus.NewRegistry()
	srv := New(loop, Config{ResponseTimeout: time.Second, Metrics: NewMetrics(reg)})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		srv.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-serveDone
		<-loopDone
	})
	return &testServer{srv: srv, addr: ln.Addr().String(), registry: reg}
}

// testClient speaks the line protocol by hand.
type testClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func (ts *testServer) dial(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, br: bufio.NewReader(conn)}
}

// login connects and logs in as name.
func (ts *testServer) login(t *testing.T, name string) *testClient {
	t.Helper()
	c := ts.dial(t)
	c.expectOK("CONNECT", StateWaitingLogin)
	c.expectOK("LOGIN "+name, StateLoggedIn)
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	line, err := c.br.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) readResponse() protocol.Response {
	c.t.Helper()
	line := c.readLine()
	require.True(c.t, strings.HasPrefix(line, "{"), "expected a response, got %q", line)
	var r protocol.Response
	require.NoError(c.t, json.Unmarshal([]byte(line), &r))
	return r
}

// expectOK sends line and requires a success response in state.
func (c *testClient) expectOK(line, state string) protocol.Response {
	c.t.Helper()
	c.send(line)
	r := c.readResponse()
	require.NoError(c.t, r.Err(), "response to %q", line)
	require.Equal(c.t, state, r.State(), "response to %q", line)
	return r
}

// expectError sends line and requires an error response with key in state.
func (c *testClient) expectError(line, key, state string) protocol.Response {
	c.t.Helper()
	c.send(line)
	r := c.readResponse()
	require.Equal(c.t, key, r.String("error"), "response to %q", line)
	require.NotEmpty(c.t, r.String("message"))
	require.Equal(c.t, state, r.State(), "response to %q", line)
	return r
}

// expectClosed requires the server to close the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err := c.br.ReadString('\n')
	require.Error(c.t, err)
}

// gaugeValue reads a gauge or counter from reg.
func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, m := range f.GetMetric() {
			total += m.GetGauge().GetValue() + m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}
