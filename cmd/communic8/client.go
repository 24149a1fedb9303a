package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/opd-ai/communic8/client"
	"github.com/opd-ai/communic8/reactor"
	"github.com/opd-ai/communic8/transport"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(clientCmd)
	flags := clientCmd.Flags()
	flags.String("server", "", "server address (host or host:port)")
	flags.String("name", "", "log in under this name right away")
	flags.String("proxy", "", "dial through this socks5:// or http:// proxy")
	flags.String("download-dir", "", "directory for received files")
	flags.Int64("block-size", 0, "chunk size for sent files")
	flags.Bool("keep-partial", false, "keep partially received files")
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect to a server and chat interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		name, _ := cmd.Flags().GetString("name")
		con := &console{out: cmd.OutOrStdout()}
		return runClient(ctx, cmd.InOrStdin(), con, name)
	},
}

// chatClient ties a server session to the peer connection it negotiates.
type chatClient struct {
	con     *console
	session *client.Session
	link    *peerLink

	mu      sync.Mutex
	partner string
	pending string
}

func (c *chatClient) setPartner(name string) {
	c.mu.Lock()
	c.partner = name
	c.mu.Unlock()
}

func (c *chatClient) getPartner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partner
}

func (c *chatClient) setPending(name string) {
	c.mu.Lock()
	c.pending = name
	c.mu.Unlock()
}

func (c *chatClient) getPending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *chatClient) events(ctx context.Context) client.Events {
	return client.Events{
		ChatRequested: func(from string) {
			c.setPending(from)
			c.con.printf("* %s wants to chat (accept %s / reject %s)\n", from, from, from)
		},
		ChatAccepted: func(peer string, addr netip.AddrPort) {
			c.setPartner(peer)
			c.con.printf("* %s accepted, connecting to %s\n", peer, addr)
			go func() {
				if err := c.link.dial(ctx, addr.String()); err != nil {
					c.con.printf("* cannot reach %s: %s\n", peer, describeError(err))
				}
			}()
		},
		ChatRejected: func(peer string) {
			c.setPartner("")
			c.con.printf("* %s declined\n", peer)
		},
		ChatEnded: func(peer string) {
			c.setPartner("")
			c.link.close()
			c.con.printf("* %s ended the chat\n", peer)
		},
		ChatMessage: func(from, text string) {
			c.con.printf("%s> %s\n", from, text)
		},
		Disconnected: func(err error) {
			c.link.close()
			if err != nil && !errors.Is(err, io.EOF) {
				c.con.printf("* disconnected from server: %s\n", describeError(err))
				return
			}
			c.con.printf("* disconnected from server\n")
		},
	}
}

func runClient(ctx context.Context, in io.Reader, con *console, name string) error {
	opts, err := cfg.TransportOptions()
	if err != nil {
		return err
	}

	loop := reactor.New()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go loop.Run(ctx)

	nc, err := transport.Dial(ctx, cfg.ServerAddr, opts)
	if err != nil {
		return err
	}
	c := &chatClient{con: con, link: newPeerLink(loop, con, opts)}
	c.session, err = client.NewSession(loop, nc, client.Config{
		ResponseTimeout: cfg.ResponseTimeout,
		Events:          c.events(ctx),
	})
	if err != nil {
		nc.Close()
		return err
	}
	defer c.session.Close()
	defer c.link.close()

	if err := c.session.Connect(ctx); err != nil {
		return err
	}
	con.printf("* connected to %s\n", cfg.ServerAddr)
	if name != "" {
		if err := c.login(ctx, name); err != nil {
			return err
		}
	}

	return newREPL(in, con, c.commands()).run(ctx)
}

func (c *chatClient) login(ctx context.Context, name string) error {
	u, err := c.session.Login(ctx, name)
	if err != nil {
		return err
	}
	c.con.printf("* logged in as %s from %s\n", u.Name, u.Address())
	return nil
}

func (c *chatClient) commands() map[string]command {
	return map[string]command{
		"login": {
			usage: "login <name>",
			help:  "register a user name",
			run: func(ctx context.Context, arg string) error {
				if err := requireArg(arg, "login <name>"); err != nil {
					return err
				}
				return c.login(ctx, arg)
			},
		},
		"logout": {
			usage: "logout",
			help:  "release the user name",
			run: func(ctx context.Context, _ string) error {
				c.setPartner("")
				c.link.close()
				return c.session.Logout(ctx)
			},
		},
		"users": {
			usage: "users",
			help:  "list logged in users",
			run: func(ctx context.Context, _ string) error {
				users, err := c.session.ListUsers(ctx)
				if err != nil {
					return err
				}
				for _, u := range users {
					c.con.printf("  %-16s %s\n", u.Name, u.Address())
				}
				c.con.printf("* %d user(s)\n", len(users))
				return nil
			},
		},
		"request": {
			usage: "request <name>",
			help:  "ask a user to chat",
			run: func(ctx context.Context, arg string) error {
				if err := requireArg(arg, "request <name>"); err != nil {
					return err
				}
				if err := c.session.RequestChat(ctx, arg); err != nil {
					return err
				}
				c.setPartner(arg)
				c.con.printf("* waiting for %s\n", arg)
				return nil
			},
		},
		"accept": {
			usage: "accept [name] [port]",
			help:  "accept a chat request, listening on port (any if omitted)",
			run:   c.accept,
		},
		"reject": {
			usage: "reject [name]",
			help:  "decline a chat request",
			run: func(ctx context.Context, arg string) error {
				if arg == "" {
					arg = c.getPending()
				}
				if err := requireArg(arg, "reject [name]"); err != nil {
					return err
				}
				return c.session.RejectChat(ctx, arg)
			},
		},
		"end": {
			usage: "end",
			help:  "end the chat or withdraw the request",
			run: func(ctx context.Context, _ string) error {
				partner := c.getPartner()
				if partner == "" {
					return errNoPeer
				}
				c.link.close()
				if err := c.session.EndChat(ctx, partner); err != nil {
					return err
				}
				c.setPartner("")
				return nil
			},
		},
		"say": {
			usage: "say <text>",
			help:  "send text to the partner through the server",
			run: func(ctx context.Context, arg string) error {
				return c.session.SendChat(ctx, arg)
			},
		},
		"msg": {
			usage: "msg <text>",
			help:  "send text to the partner directly",
			run:   c.link.say,
		},
		"send": {
			usage: "send <path>",
			help:  "send a file to the partner",
			run: func(_ context.Context, arg string) error {
				if err := requireArg(arg, "send <path>"); err != nil {
					return err
				}
				return c.link.send(arg)
			},
		},
		"state": {
			usage: "state",
			help:  "show the session state",
			run: func(ctx context.Context, _ string) error {
				state, err := c.session.CurrentState(ctx)
				if err != nil {
					return err
				}
				if partner := c.getPartner(); partner != "" {
					c.con.printf("* %s (%s)\n", state, partner)
					return nil
				}
				c.con.printf("* %s\n", state)
				return nil
			},
		},
	}
}

// accept listens for the requester before telling the server where, so
// the requester never dials a port nobody listens on.
func (c *chatClient) accept(ctx context.Context, arg string) error {
	name, portArg, _ := strings.Cut(arg, " ")
	if name == "" {
		name = c.getPending()
	}
	if err := requireArg(name, "accept [name] [port]"); err != nil {
		return err
	}
	port := 0
	if portArg = strings.TrimSpace(portArg); portArg != "" {
		p, err := strconv.Atoi(portArg)
		if err != nil {
			return fmt.Errorf("invalid port %q", portArg)
		}
		port = p
	}

	port, err := c.link.listen(net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	if err := c.session.AcceptChat(ctx, name, port); err != nil {
		c.link.close()
		return err
	}
	c.setPartner(name)
	c.setPending("")
	c.con.printf("* chatting with %s, waiting on port %d\n", name, port)
	return nil
}
