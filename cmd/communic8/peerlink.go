package main

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/opd-ai/communic8/client"
	"github.com/opd-ai/communic8/file"
	"github.com/opd-ai/communic8/reactor"
	"github.com/opd-ai/communic8/transport"
	"github.com/sirupsen/logrus"
)

var errNoPeer = errors.New("not connected to a peer")

// progressStep is the percentage between two progress lines.
const progressStep = 25

// peerLink holds the one direct connection a user chats over, and the
// listener waiting for it when this side accepted the chat.
type peerLink struct {
	loop *reactor.Loop
	con  *console
	opts transport.Options

	mu       sync.Mutex
	gen      int
	peer     *client.Peer
	listener net.Listener
	progress map[uuid.UUID]int
}

func newPeerLink(loop *reactor.Loop, con *console, opts transport.Options) *peerLink {
	return &peerLink{loop: loop, con: con, opts: opts, progress: make(map[uuid.UUID]int)}
}

func (l *peerLink) config(gen int) client.PeerConfig {
	return client.PeerConfig{
		ResponseTimeout: cfg.ResponseTimeout,
		DownloadDir:     cfg.DownloadDir,
		BlockSize:       cfg.BlockSize,
		StallTimeout:    cfg.PeerStallTimeout(),
		KeepPartial:     cfg.KeepPartial,
		Events: client.PeerEvents{
			Connected: func() {
				l.con.printf("* connected to peer\n")
			},
			ChatMessage: func(text string) {
				l.con.printf("peer> %s\n", text)
			},
			Progress: l.reportProgress,
			FileReceived: func(t *file.Transfer, err error) {
				l.forget(t)
				if err != nil {
					l.con.printf("* receiving %s failed: %s\n", t.Name, describeError(err))
					return
				}
				l.con.printf("* received %s (%d bytes) as %s\n", t.Name, t.Size, t.Path)
			},
			FileSent: func(t *file.Transfer, err error) {
				l.forget(t)
				if err == nil {
					l.con.printf("* sent %s (%d bytes)\n", t.Name, t.Size)
				}
			},
			Disconnected: func(err error) {
				l.con.printf("* peer connection closed\n")
				l.mu.Lock()
				if l.gen == gen {
					l.peer = nil
				}
				l.mu.Unlock()
			},
		},
	}
}

func (l *peerLink) reportProgress(t *file.Transfer, _ int64) {
	step := int(t.GetProgress()) / progressStep * progressStep
	l.mu.Lock()
	last, seen := l.progress[t.ID]
	if seen && step <= last {
		l.mu.Unlock()
		return
	}
	l.progress[t.ID] = step
	l.mu.Unlock()
	l.con.printf("* %s %s: %d%%\n", t.Direction, t.Name, step)
}

func (l *peerLink) forget(t *file.Transfer) {
	l.mu.Lock()
	delete(l.progress, t.ID)
	l.mu.Unlock()
}

// next retires the current peer and returns the generation for a new one.
func (l *peerLink) next() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	if l.peer != nil {
		l.peer.Quit()
		l.peer = nil
	}
	if l.listener != nil {
		l.listener.Close()
		l.listener = nil
	}
	return l.gen
}

func (l *peerLink) attach(gen int, p *client.Peer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen {
		p.Close()
		return false
	}
	l.peer = p
	return true
}

// dial connects to a peer listening at addr.
func (l *peerLink) dial(ctx context.Context, addr string) error {
	gen := l.next()
	nc, err := transport.Dial(ctx, addr, l.opts)
	if err != nil {
		return err
	}
	p, err := client.DialPeer(ctx, l.loop, nc, l.config(gen))
	if err != nil {
		nc.Close()
		return err
	}
	l.attach(gen, p)
	return nil
}

// listen waits in the background for one peer to connect on addr and
// returns the port it listens on.
func (l *peerLink) listen(addr string) (int, error) {
	gen := l.next()
	ln, err := transport.Listen(addr, l.opts)
	if err != nil {
		return 0, err
	}
	ap, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return 0, err
	}

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		ln.Close()
		return 0, errNoPeer
	}
	l.listener = ln
	l.mu.Unlock()

	go l.acceptOne(gen, ln)
	return int(ap.Port()), nil
}

func (l *peerLink) acceptOne(gen int, ln net.Listener) {
	nc, err := ln.Accept()

	l.mu.Lock()
	if l.listener == ln {
		l.listener = nil
	}
	l.mu.Unlock()
	ln.Close()

	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "acceptOne",
				"error":    err.Error(),
			}).Warn("Peer did not connect")
		}
		return
	}
	p, err := client.AcceptPeer(l.loop, nc, l.config(gen))
	if err != nil {
		nc.Close()
		l.con.printf("* peer connection failed: %s\n", describeError(err))
		return
	}
	l.attach(gen, p)
}

func (l *peerLink) current() (*client.Peer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peer == nil {
		return nil, errNoPeer
	}
	return l.peer, nil
}

func (l *peerLink) say(ctx context.Context, text string) error {
	p, err := l.current()
	if err != nil {
		return err
	}
	return p.SendChat(ctx, text)
}

// send sends the file at path in the background so the prompt stays
// usable for chat.
func (l *peerLink) send(path string) error {
	p, err := l.current()
	if err != nil {
		return err
	}
	go func() {
		if _, err := p.SendFile(context.Background(), path); err != nil {
			l.con.printf("* sending %s failed: %s\n", path, describeError(err))
		}
	}()
	return nil
}

// close quits the current peer and stops waiting for a new one.
func (l *peerLink) close() {
	l.next()
}
