package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/communic8/reactor"
	"github.com/opd-ai/communic8/server"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func startLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := reactor.New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

// startServer runs a server on its own loop and returns its address.
func startServer(t *testing.T) string {
	t.Helper()
	loop := startLoop(t)
	srv := server.New(loop, server.Config{ResponseTimeout: time.Second})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func dialSession(t *testing.T, loop *reactor.Loop, addr string, events Events) *Session {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	s, err := NewSession(loop, nc, Config{ResponseTimeout: time.Second, Events: events})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func loginSession(t *testing.T, loop *reactor.Loop, addr, name string, events Events) *Session {
	t.Helper()
	s := dialSession(t, loop, addr, events)
	ctx := testContext(t)
	require.NoError(t, s.Connect(ctx))
	_, err := s.Login(ctx, name)
	require.NoError(t, err)
	return s
}

// next waits for the next recorded event.
func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}
