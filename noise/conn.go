package noise

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

const (
	// maxFrame is the largest Noise message.
	maxFrame = 65535
	// MaxPayload is the most plaintext one frame carries.
	MaxPayload = maxFrame - 16
)

// ErrHandshakeFailed indicates the peers could not agree on session keys.
var ErrHandshakeFailed = errors.New("noise handshake failed")

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Conn secures a stream with the Noise XX pattern. Neither side needs to
// know the other's static key in advance; PeerStatic reveals it once the
// handshake is done. The handshake runs on first use.
type Conn struct {
	nc        net.Conn
	key       KeyPair
	initiator bool

	once       sync.Once
	hsErr      error
	send, recv *noise.CipherState
	peerStatic []byte

	rmu  sync.Mutex
	rbuf []byte
	wmu  sync.Mutex
}

// Client wraps the dialing side of nc.
func Client(nc net.Conn, key KeyPair) *Conn {
	return &Conn{nc: nc, key: key, initiator: true}
}

// Server wraps the accepting side of nc.
func Server(nc net.Conn, key KeyPair) *Conn {
	return &Conn{nc: nc, key: key}
}

// Handshake runs the handshake if it has not run yet.
func (c *Conn) Handshake() error {
	c.once.Do(func() {
		c.hsErr = c.handshake()
		if c.hsErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Handshake",
				"remote":   c.RemoteAddr().String(),
				"error":    c.hsErr.Error(),
			}).Warn("Noise handshake failed")
			c.nc.Close()
		}
	})
	return c.hsErr
}

// -> e
// <- e, ee, s, es
// -> s, se
func (c *Conn) handshake() error {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     c.initiator,
		StaticKeypair: c.key.dhKey(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	var cs1, cs2 *noise.CipherState
	for step := 0; cs1 == nil; step++ {
		if (step%2 == 0) == c.initiator {
			var msg []byte
			msg, cs1, cs2, err = hs.WriteMessage(nil, nil)
			if err == nil {
				err = c.writeFrame(msg)
			}
		} else {
			var msg []byte
			if msg, err = c.readFrame(); err == nil {
				_, cs1, cs2, err = hs.ReadMessage(nil, msg)
			}
		}
		if err != nil {
			return fmt.Errorf("%w: message %d: %w", ErrHandshakeFailed, step+1, err)
		}
	}

	if c.initiator {
		c.send, c.recv = cs1, cs2
	} else {
		c.send, c.recv = cs2, cs1
	}
	c.peerStatic = hs.PeerStatic()
	return nil
}

func (c *Conn) writeFrame(msg []byte) error {
	frame := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(frame, uint16(len(msg)))
	copy(frame[2:], msg)
	_, err := c.nc.Write(frame)
	return err
}

func (c *Conn) readFrame() ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(c.nc, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(header[:])
	msg := make([]byte, n)
	if _, err := io.ReadFull(c.nc, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Read decrypts the next bytes of the stream.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.rbuf) == 0 {
		frame, err := c.readFrame()
		if err != nil {
			return 0, err
		}
		plain, err := c.recv.Decrypt(nil, nil, frame)
		if err != nil {
			return 0, fmt.Errorf("noise decrypt: %w", err)
		}
		c.rbuf = plain
	}
	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

// Write encrypts p into as many frames as it needs.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > MaxPayload {
			chunk = chunk[:MaxPayload]
		}
		sealed, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return written, fmt.Errorf("noise encrypt: %w", err)
		}
		if err := c.writeFrame(sealed); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// PeerStatic returns the peer's static public key, running the handshake
// first if needed. It is nil if the handshake failed.
func (c *Conn) PeerStatic() []byte {
	if err := c.Handshake(); err != nil {
		return nil
	}
	return c.peerStatic
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

func (c *Conn) LocalAddr() net.Addr                { return c.nc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.nc.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.nc.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.nc.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.nc.SetWriteDeadline(t) }

type listener struct {
	net.Listener
	key KeyPair
}

// NewListener wraps every connection accepted from ln with Server.
func NewListener(ln net.Listener, key KeyPair) net.Listener {
	return &listener{Listener: ln, key: key}
}

func (l *listener) Accept() (net.Conn, error) {
	nc, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return Server(nc, l.key), nil
}
