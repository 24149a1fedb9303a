package main

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/communic8/limits"
	"github.com/opd-ai/communic8/reactor"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(peerCmd)
	flags := peerCmd.Flags()
	flags.String("proxy", "", "dial through this socks5:// or http:// proxy")
	flags.String("download-dir", "", "directory for received files")
	flags.Int64("block-size", 0, "chunk size for sent files")
	flags.Bool("keep-partial", false, "keep partially received files")
}

var peerCmd = &cobra.Command{
	Use:   "peer <port> [host]",
	Short: "Chat directly with another client, without a server",
	Long: "With only a port, wait for the other side to connect on it. " +
		"With a host too, connect to the other side listening there.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := parsePort(args[0])
		if err != nil {
			return err
		}
		host := ""
		if len(args) == 2 {
			host = args[1]
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPeer(ctx, cmd.InOrStdin(), &console{out: cmd.OutOrStdout()}, host, port)
	},
}

func parsePort(s string) (string, error) {
	port, err := net.LookupPort("tcp", s)
	if err != nil {
		return "", err
	}
	if err := limits.ValidatePort(port); err != nil {
		return "", err
	}
	return s, nil
}

func runPeer(ctx context.Context, in io.Reader, con *console, host, port string) error {
	opts, err := cfg.TransportOptions()
	if err != nil {
		return err
	}

	loop := reactor.New()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go loop.Run(ctx)

	link := newPeerLink(loop, con, opts)
	defer link.close()

	if host != "" {
		if err := link.dial(ctx, net.JoinHostPort(host, port)); err != nil {
			return err
		}
	} else {
		if _, err := link.listen(net.JoinHostPort("", port)); err != nil {
			return err
		}
		con.printf("* waiting for a peer on port %s\n", port)
	}

	return newREPL(in, con, map[string]command{
		"say": {
			usage: "say <text>",
			help:  "send text to the peer",
			run:   link.say,
		},
		"send": {
			usage: "send <path>",
			help:  "send a file to the peer",
			run: func(_ context.Context, arg string) error {
				if err := requireArg(arg, "send <path>"); err != nil {
					return err
				}
				return link.send(arg)
			},
		},
		"state": {
			usage: "state",
			help:  "show the connection state",
			run: func(ctx context.Context, _ string) error {
				p, err := link.current()
				if err != nil {
					return err
				}
				state, err := p.CurrentState(ctx)
				if err != nil {
					return err
				}
				con.printf("* %s\n", state)
				return nil
			},
		},
	}).run(ctx)
}
