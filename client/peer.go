package client

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/opd-ai/communic8/file"
	"github.com/opd-ai/communic8/fsm"
	"github.com/opd-ai/communic8/limits"
	"github.com/opd-ai/communic8/message"
	"github.com/opd-ai/communic8/protocol"
	"github.com/opd-ai/communic8/reactor"
	"github.com/sirupsen/logrus"
)

// ErrTransferInProgress is returned by SendFile while another transfer runs.
var ErrTransferInProgress = errors.New("a file transfer is already in progress")

// PeerEvents are the notifications a Peer reports. Progress runs on the
// goroutine moving the bytes; the others run on the event loop. None may
// block.
type PeerEvents struct {
	Connected    func()
	ChatMessage  func(text string)
	Progress     func(t *file.Transfer, transferred int64)
	FileReceived func(t *file.Transfer, err error)
	FileSent     func(t *file.Transfer, err error)
	Disconnected func(err error)
}

// PeerConfig configures a Peer.
type PeerConfig struct {
	ResponseTimeout time.Duration
	// DownloadDir receives incoming files. Empty means the working directory.
	DownloadDir string
	// BlockSize is the chunk size of outgoing files.
	BlockSize int64
	// StallTimeout aborts a transfer that moved no data for this long.
	// Zero uses file.DefaultStallTimeout; negative disables the check.
	StallTimeout time.Duration
	// KeepPartial keeps the partial file of a failed download.
	KeepPartial bool
	Events      PeerEvents
}

// Peer is a direct connection between two chatting clients. Either side
// may send chat text or a file; one file moves at a time.
type Peer struct {
	loop   *reactor.Loop
	conn   *protocol.Conn
	fsm    *fsm.FSM
	cfg    PeerConfig
	log    *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the loop.
	sending   *file.Sender
	sendDone  func(error)
	receiving *file.Receiver
	stall     *reactor.Timer
	closeErr  error
}

// DialPeer speaks to the peer listening at the other end of nc and waits
// for it to acknowledge the connection.
func DialPeer(ctx context.Context, loop *reactor.Loop, nc net.Conn, cfg PeerConfig) (*Peer, error) {
	p, err := newPeer(loop, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.conn.Start(p)
	if _, err := runAsync(ctx, loop, func(done func(protocol.Response, error)) error {
		return p.fsm.FireAsync(EventConnect, func(err error) { done(nil, err) })
	}); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// AcceptPeer serves a connection accepted from the peer. It is usable once
// Events.Connected has been called.
func AcceptPeer(loop *reactor.Loop, nc net.Conn, cfg PeerConfig) (*Peer, error) {
	p, err := newPeer(loop, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if err := p.fsm.Fire(EventListen); err != nil {
		nc.Close()
		return nil, err
	}
	p.conn.Start(p)
	return p, nil
}

func newPeer(loop *reactor.Loop, nc net.Conn, cfg PeerConfig) (*Peer, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = limits.DefaultBlockSize
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = file.DefaultStallTimeout
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "."
	}

	conn := protocol.NewConn(nc, protocol.Config{
		Loop:            loop,
		Dispatcher:      message.NewPeerDispatcher(),
		ResponseTimeout: cfg.ResponseTimeout,
		Role:            "peer",
	})
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		loop:   loop,
		conn:   conn,
		cfg:    cfg,
		log:    conn.Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	machine, err := fsm.New(fsm.Config{
		Initial:     StateNotConnected,
		Transitions: peerTransitions,
		Async:       peerAsync,
		Hooks: fsm.Hooks{
			Before: map[string]fsm.Callback{
				EventReceiveFile: p.beforeReceiveFile,
			},
			Leave: map[string]fsm.Callback{
				StateNotConnected: p.leave,
				StateConnected:    p.leave,
			},
			Enter: map[string]fsm.Callback{
				StateSendingFile:   p.enterSendingFile,
				StateReceivingFile: p.enterReceivingFile,
				StateDone:          p.enterDone,
			},
			After: map[string]fsm.Callback{
				EventConnect:  p.afterConnected,
				EventAccept:   p.afterAccept,
				EventSendChat: p.afterSendChat,
			},
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}
	p.fsm = machine
	return p, nil
}

// leave sends the announcement behind an async event and commits on the
// peer's acknowledgement.
func (p *Peer) leave(e *fsm.Event) {
	var m message.Message
	switch e.Name {
	case EventConnect:
		m = message.Connect{}
	case EventSendFile:
		m = e.Arg(0).(*file.Sender).Request()
	default:
		return
	}
	err := p.conn.SendMessageAwait(m, 0, func(_ protocol.Response, err error) {
		if err != nil {
			p.fsm.Cancel(err)
			return
		}
		p.fsm.Transition()
	})
	if err != nil {
		e.Cancel(err)
	}
}

// State implements protocol.Handler.
func (p *Peer) State() string {
	return p.fsm.Current()
}

// HandleMessage implements protocol.Handler.
func (p *Peer) HandleMessage(m message.Message) error {
	switch m := m.(type) {
	case message.Connect:
		return p.fsm.Fire(EventAccept)
	case message.Quit, message.EndChat:
		return p.conn.Close()
	case message.SendChat:
		return p.fsm.Fire(EventSendChat, m.Text)
	case message.RequestFileTransfer:
		return p.fsm.Fire(EventReceiveFile, m)
	}
	return &fsm.InvalidTransitionError{Event: m.Command(), State: p.fsm.Current()}
}

// HandleClose implements protocol.Handler.
func (p *Peer) HandleClose(err error) {
	p.closeErr = err
	if p.fsm.Pending() {
		p.fsm.Cancel(protocol.ErrConnectionClosed)
	}
	p.fsm.Fire(EventDisconnect)
}

func (p *Peer) afterConnected(*fsm.Event) {
	if p.cfg.Events.Connected != nil {
		p.cfg.Events.Connected()
	}
}

func (p *Peer) afterAccept(e *fsm.Event) {
	p.conn.SendResponse(protocol.Response{})
	p.afterConnected(e)
}

func (p *Peer) afterSendChat(e *fsm.Event) {
	if p.cfg.Events.ChatMessage != nil {
		p.cfg.Events.ChatMessage(e.Arg(0).(string))
	}
	p.conn.SendResponse(protocol.Response{})
}

// transferError maps a refused download to the error sent back to the peer.
func transferError(req message.RequestFileTransfer, err error) *protocol.ResponseError {
	switch {
	case errors.Is(err, file.ErrAllocationFailed):
		return protocol.NewResponseError(protocol.ErrKeyAllocationFailed, "Cannot allocate %d bytes for '%s'", req.Size, req.Name)
	case errors.Is(err, file.ErrDestinationOpen):
		return protocol.NewResponseError(protocol.ErrKeyDestinationOpenFailed, "Cannot open destination for '%s'", req.Name)
	}
	return protocol.NewResponseError(protocol.ErrKeyInvalidTransfer, "Invalid transfer of '%s': %v", req.Name, err)
}

func (p *Peer) beforeReceiveFile(e *fsm.Event) {
	req := e.Arg(0).(message.RequestFileTransfer)
	r, err := file.NewReceiver(p.cfg.DownloadDir, req, p.conn)
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"function": "beforeReceiveFile",
			"name":     req.Name,
			"error":    err.Error(),
		}).Warn("Refusing file transfer")
		e.Cancel(transferError(req, err))
		return
	}
	p.receiving = r
}

func (p *Peer) enterReceivingFile(*fsm.Event) {
	r := p.receiving
	p.conn.SendResponse(protocol.Response{})
	p.trackProgress(r.Transfer)
	if err := p.conn.StartRaw(r, func(err error) { p.receiveFinished(r, err) }); err != nil {
		p.log.WithFields(logrus.Fields{
			"function": "enterReceivingFile",
			"error":    err.Error(),
		}).Error("Cannot switch to raw mode")
		p.conn.Close()
		return
	}
	p.watchStall(r.Transfer)
}

func (p *Peer) receiveFinished(r *file.Receiver, err error) {
	if p.receiving != r {
		return
	}
	p.receiving = nil
	p.stopStall()

	logger := p.log.WithFields(logrus.Fields{
		"function": "receiveFinished",
		"path":     r.Path,
		"bytes":    r.Transferred(),
	})
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Download failed")
		if !p.cfg.KeepPartial {
			r.Remove()
		}
		if p.fsm.Is(StateReceivingFile) {
			p.fsm.Fire(EventAbortFileTransfer, err)
		}
	} else {
		logger.Info("Download complete")
		p.fsm.Fire(EventFinishReceiveFile)
	}
	if p.cfg.Events.FileReceived != nil {
		p.cfg.Events.FileReceived(r.Transfer, err)
	}
}

func (p *Peer) enterSendingFile(*fsm.Event) {
	s := p.sending
	w := p.conn.BeginRawWrite()
	p.trackProgress(s.Transfer)
	p.watchStall(s.Transfer)
	go func() {
		err := s.Run(p.ctx, w)
		p.loop.Post(func() { p.sendFinished(s, err) })
	}()
}

func (p *Peer) sendFinished(s *file.Sender, err error) {
	if p.sending != s {
		return
	}
	p.sending = nil
	p.stopStall()
	p.conn.EndRawWrite()

	if err != nil {
		p.log.WithFields(logrus.Fields{
			"function": "sendFinished",
			"path":     s.Path,
			"error":    err.Error(),
		}).Warn("Upload failed")
		p.fsm.Fire(EventAbortFileTransfer, err)
		// The receiver still expects the missing bytes; framing cannot recover.
		p.conn.Close()
	} else {
		p.fsm.Fire(EventFinishSendFile)
	}
	p.finishSend(s, err)
}

func (p *Peer) finishSend(s *file.Sender, err error) {
	if done := p.sendDone; done != nil {
		p.sendDone = nil
		done(err)
	}
	if p.cfg.Events.FileSent != nil {
		p.cfg.Events.FileSent(s.Transfer, err)
	}
}

func (p *Peer) trackProgress(t *file.Transfer) {
	if progress := p.cfg.Events.Progress; progress != nil {
		t.OnProgress(func(n int64) { progress(t, n) })
	}
}

// watchStall closes the connection if t stops moving for StallTimeout.
func (p *Peer) watchStall(t *file.Transfer) {
	if p.cfg.StallTimeout < 0 {
		t.SetStallTimeout(0)
		return
	}
	t.SetStallTimeout(p.cfg.StallTimeout)
	interval := p.cfg.StallTimeout / 2

	var check func()
	check = func() {
		if t.State() != file.TransferStateRunning {
			return
		}
		if t.IsStalled() {
			p.log.WithFields(logrus.Fields{
				"function": "watchStall",
				"name":     t.Name,
				"bytes":    t.Transferred(),
			}).Warn(file.ErrTransferStalled.Error())
			p.conn.Close()
			return
		}
		p.stall = p.loop.AfterFunc(interval, check)
	}
	p.stall = p.loop.AfterFunc(interval, check)
}

func (p *Peer) stopStall() {
	if p.stall != nil {
		p.stall.Stop()
		p.stall = nil
	}
}

func (p *Peer) enterDone(*fsm.Event) {
	p.cancel()
	p.stopStall()
	p.conn.Close()

	if s := p.sending; s != nil {
		p.sending = nil
		p.finishSend(s, protocol.ErrConnectionClosed)
	}
	if r := p.receiving; r != nil {
		p.receiving = nil
		err := r.Close(protocol.ErrConnectionClosed)
		if !p.cfg.KeepPartial {
			r.Remove()
		}
		if p.cfg.Events.FileReceived != nil {
			p.cfg.Events.FileReceived(r.Transfer, err)
		}
	}

	close(p.done)
	if p.cfg.Events.Disconnected != nil {
		p.cfg.Events.Disconnected(p.closeErr)
	}
}

// SendFile announces the file at path and streams it once the peer has
// accepted. It returns when the last byte has been handed to the
// connection or the transfer failed.
func (p *Peer) SendFile(ctx context.Context, path string) (*file.Transfer, error) {
	s, err := file.NewSender(path, p.cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	_, err = runAsync(ctx, p.loop, func(done func(protocol.Response, error)) error {
		if p.sending != nil || p.receiving != nil {
			s.Close()
			return ErrTransferInProgress
		}
		p.sending = s
		p.sendDone = func(err error) { done(nil, err) }
		fail := func(err error) {
			if p.sending == s {
				p.sending = nil
				p.sendDone = nil
			}
			s.Close()
		}
		err := p.fsm.FireAsync(EventSendFile, func(err error) {
			if err != nil {
				fail(err)
				done(nil, err)
			}
		}, s)
		if err != nil {
			fail(err)
		}
		return err
	})
	return s.Transfer, err
}

// SendChat sends text to the peer.
func (p *Peer) SendChat(ctx context.Context, text string) error {
	if err := limits.ValidateChatText(text); err != nil {
		return err
	}
	_, err := runAsync(ctx, p.loop, func(done func(protocol.Response, error)) error {
		if !p.fsm.Can(EventSendChat) {
			return &fsm.InvalidTransitionError{Event: EventSendChat, State: p.fsm.Current()}
		}
		return p.conn.SendMessageAwait(message.SendChat{Text: text}, 0, done)
	})
	return err
}

// CurrentState returns the state of the connection.
func (p *Peer) CurrentState(ctx context.Context) (string, error) {
	var state string
	err := p.loop.Call(ctx, func() { state = p.fsm.Current() })
	return state, err
}

// Quit tells the peer the conversation is over and closes the connection.
func (p *Peer) Quit() error {
	if !p.loop.Post(func() {
		p.conn.SendMessage(message.Quit{})
		p.conn.Close()
	}) {
		return reactor.ErrStopped
	}
	return nil
}

// Close drops the connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// Done is closed once the connection is gone.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}
