package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/opd-ai/communic8/limits"
	"github.com/opd-ai/communic8/message"
	"github.com/opd-ai/communic8/protocol"
	"github.com/sirupsen/logrus"
)

// StateDiscovery is the state reported in discovery replies.
const StateDiscovery = "discovery"

// ServeDiscovery answers LIST_USERS datagrams on pc with the user list, so
// clients can look around without logging in. Every other command gets an
// error reply. It closes pc and returns when ctx is done or pc fails.
func (srv *Server) ServeDiscovery(ctx context.Context, pc net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()
	defer pc.Close()

	logrus.WithFields(logrus.Fields{
		"function": "ServeDiscovery",
		"address":  pc.LocalAddr().String(),
	}).Info("Discovery listening")

	buf := make([]byte, limits.MaxLineLength)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("discovery read: %w", err)
		}

		reply, err := srv.discoveryReply(ctx, bytes.TrimRight(buf[:n], "\r\n"))
		if err != nil {
			return nil
		}
		if _, err := pc.WriteTo(reply, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ServeDiscovery",
				"remote":   addr.String(),
				"error":    err.Error(),
			}).Debug("Discovery reply not sent")
		}
	}
}

func (srv *Server) discoveryReply(ctx context.Context, line []byte) ([]byte, error) {
	resp := protocol.Response{"state": StateDiscovery}

	m, err := srv.dispatcher.Parse(string(line))
	switch {
	case err != nil:
		resp["error"] = protocol.ErrKeyInvalidCommand
		resp["message"] = protocol.MsgInvalidCommand
	case m.Command() != message.CmdListUsers:
		resp["error"] = protocol.ErrKeyInvalidCommandForState
		resp["message"] = fmt.Sprintf("Invalid command %s for state %s", m.Command(), StateDiscovery)
	default:
		users, err := srv.Users(ctx)
		if err != nil {
			return nil, err
		}
		resp["users"] = users
	}
	srv.metrics.message("DISCOVERY")
	return json.Marshal(resp)
}
