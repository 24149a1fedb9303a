package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/opd-ai/communic8/noise"
	"github.com/sirupsen/logrus"
)

// DefaultPort is the port a server listens on when none is given.
const DefaultPort = 8125

// DefaultDialTimeout bounds connection setup when the context has no deadline.
const DefaultDialTimeout = 10 * time.Second

var noDeadline time.Time

// Options select how connections are made.
type Options struct {
	// NoiseKey, when set, secures every connection with a Noise XX
	// handshake. Both ends must agree on using it.
	NoiseKey *noise.KeyPair
	// Proxy routes outbound connections. Listening is never proxied.
	Proxy *ProxyConfig
	// DialTimeout defaults to DefaultDialTimeout.
	DialTimeout time.Duration
}

// HostPort adds DefaultPort to addr if it has no port.
func HostPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
}

// Listen opens a TCP listener on addr.
func Listen(addr string, opts Options) (net.Listener, error) {
	ln, err := net.Listen("tcp", HostPort(addr))
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"address":  ln.Addr().String(),
		"noise":    opts.NoiseKey != nil,
	}).Info("Listening")

	if opts.NoiseKey != nil {
		ln = noise.NewListener(ln, *opts.NoiseKey)
	}
	return ln, nil
}

// Dial connects to addr over TCP.
func Dial(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	addr = HostPort(addr)

	logger := logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"address":  addr,
		"noise":    opts.NoiseKey != nil,
	})

	var nc net.Conn
	var err error
	forward := &net.Dialer{}
	if opts.Proxy != nil {
		logger = logger.WithField("proxy", opts.Proxy.Addr())
		d, perr := newProxyDialer(opts.Proxy, forward)
		if perr != nil {
			return nil, perr
		}
		nc, err = d.DialContext(ctx, "tcp", addr)
	} else {
		nc, err = forward.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		logger.WithField("error", err.Error()).Debug("Dial failed")
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	logger.Debug("Connected")

	if opts.NoiseKey == nil {
		return nc, nil
	}

	conn := noise.Client(nc, *opts.NoiseKey)
	deadline, _ := ctx.Deadline()
	nc.SetDeadline(deadline)
	if err := conn.Handshake(); err != nil {
		return nil, err
	}
	nc.SetDeadline(noDeadline)
	return conn, nil
}

// ListenPacket opens the UDP socket for discovery queries.
func ListenPacket(addr string) (net.PacketConn, error) {
	pc, err := net.ListenPacket("udp", HostPort(addr))
	if err != nil {
		return nil, fmt.Errorf("listen on udp %s: %w", addr, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "ListenPacket",
		"address":  pc.LocalAddr().String(),
	}).Info("Answering discovery queries")
	return pc, nil
}
