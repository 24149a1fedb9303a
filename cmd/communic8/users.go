package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/opd-ai/communic8/limits"
	"github.com/opd-ai/communic8/message"
	"github.com/opd-ai/communic8/protocol"
	"github.com/opd-ai/communic8/registry"
	"github.com/opd-ai/communic8/transport"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.Flags().String("discovery", "", "server discovery address (host or host:port)")
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the users logged in to a server without logging in",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.DiscoveryAddr
		if addr == "" {
			addr = cfg.ServerAddr
		}
		users, err := queryUsers(cmd.Context(), transport.HostPort(addr), cfg.ResponseTimeout)
		if err != nil {
			return err
		}
		printUsers(cmd.OutOrStdout(), users)
		return nil
	},
}

// queryUsers asks the discovery service at addr for the user list.
func queryUsers(ctx context.Context, addr string, timeout time.Duration) ([]registry.User, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	line, err := message.Format(message.ListUsers{})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		return nil, fmt.Errorf("discovery query: %w", err)
	}

	buf := make([]byte, limits.MaxLineLength)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("discovery reply: %w", err)
	}
	resp, err := protocol.ParseResponse(string(buf[:n]))
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	var users []registry.User
	if err := resp.Decode("users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

func printUsers(w io.Writer, users []registry.User) {
	for _, u := range users {
		fmt.Fprintf(w, "%-16s %-24s since %s\n", u.Name, u.Address(), u.ConnectedAt.Format(time.DateTime))
	}
	fmt.Fprintf(w, "%d user(s)\n", len(users))
}
