package noise

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"
)

func newPair(t *testing.T) (*Conn, *Conn, KeyPair, KeyPair) {
	t.Helper()
	clientKey, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	serverKey, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return Client(a, clientKey), Server(b, serverKey), clientKey, serverKey
}

// Test both directions after a lazy handshake
func TestConnRoundTrip(t *testing.T) {
	client, server, _, _ := newPair(t)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 5)
		if _, err := io.ReadFull(server, buf); err != nil {
			done <- err
			return
		}
		_, err := server.Write(append([]byte("echo "), buf...))
		done <- err
	}()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(reply) != "echo hello" {
		t.Errorf("Expected 'echo hello', got %q", reply)
	}
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
}

// Test that static keys are learned from the handshake
func TestConnPeerStatic(t *testing.T) {
	client, server, clientKey, serverKey := newPair(t)

	done := make(chan []byte, 1)
	go func() { done <- server.PeerStatic() }()

	if got := client.PeerStatic(); !bytes.Equal(got, serverKey.Public[:]) {
		t.Errorf("client saw peer key %x, want %x", got, serverKey.Public)
	}
	if got := <-done; !bytes.Equal(got, clientKey.Public[:]) {
		t.Errorf("server saw peer key %x, want %x", got, clientKey.Public)
	}
}

// Test that writes larger than one record are split and reassembled
func TestConnLargeWrite(t *testing.T) {
	client, server, _, _ := newPair(t)

	data := make([]byte, 3*MaxPayload+100)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		n, err := client.Write(data)
		if err == nil && n != len(data) {
			err = io.ErrShortWrite
		}
		done <- err
	}()

	got := make([]byte, len(data))
	if _, err := io.ReadFull(server, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Data mismatch after reassembly")
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
}

// Test that garbage instead of a handshake fails both operations
func TestConnHandshakeFailure(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	a, b := net.Pipe()
	defer a.Close()
	server := Server(b, key)

	go func() {
		// A frame header announcing 3 bytes, then bytes that are no ephemeral key.
		a.Write([]byte{0, 3, 'b', 'a', 'd'})
	}()

	if err := server.Handshake(); err == nil {
		t.Fatal("Expected handshake failure")
	}
	if _, err := server.Write([]byte("x")); err == nil {
		t.Error("Expected write to fail after handshake failure")
	}
	if server.PeerStatic() != nil {
		t.Error("Expected no peer key after handshake failure")
	}
}

// Test the listener wrapper over loopback TCP
func TestListener(t *testing.T) {
	serverKey, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	clientKey, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	tcp, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln := NewListener(tcp, serverKey)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer nc.Close()
		_, err = io.Copy(nc, io.LimitReader(nc, 4))
		done <- err
	}()

	nc, err := net.Dial("tcp", tcp.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn := Client(nc, clientKey)
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("Expected 'ping', got %q", buf)
	}
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
}
