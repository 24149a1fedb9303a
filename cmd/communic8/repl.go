package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/opd-ai/communic8/fsm"
	"github.com/opd-ai/communic8/limits"
	"github.com/opd-ai/communic8/protocol"
)

// command is one REPL verb. arg is the rest of the line after the verb.
type command struct {
	usage string
	help  string
	run   func(ctx context.Context, arg string) error
}

// console serializes output from the REPL and from event callbacks.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

type repl struct {
	in       io.Reader
	con      *console
	commands map[string]command
}

func newREPL(in io.Reader, con *console, commands map[string]command) *repl {
	return &repl{in: in, con: con, commands: commands}
}

// run reads commands until quit, end of input or ctx is done.
func (r *repl) run(ctx context.Context) error {
	sc := bufio.NewScanner(r.in)
	sc.Buffer(make([]byte, 0, 4096), limits.MaxLineLength)
	for ctx.Err() == nil && sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		name, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch name {
		case "quit", "exit":
			return nil
		case "help", "?":
			r.help()
			continue
		}
		cmd, ok := r.commands[name]
		if !ok {
			r.con.printf("unknown command %q, try help\n", name)
			continue
		}
		if err := cmd.run(ctx, arg); err != nil {
			r.con.printf("error: %s\n", describeError(err))
		}
	}
	return sc.Err()
}

func (r *repl) help() {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := r.commands[name]
		r.con.printf("  %-24s %s\n", cmd.usage, cmd.help)
	}
	r.con.printf("  %-24s %s\n", "quit", "leave")
}

// describeError renders err for a person at the prompt.
func describeError(err error) string {
	var re *protocol.ResponseError
	if errors.As(err, &re) {
		if re.Message != "" {
			return re.Message
		}
		return re.Key
	}
	var ite *fsm.InvalidTransitionError
	if errors.As(err, &ite) {
		return fmt.Sprintf("cannot %s while %s", strings.ReplaceAll(ite.Event, "_", " "), strings.ReplaceAll(ite.State, "_", " "))
	}
	return err.Error()
}

// requireArg rejects an empty argument with the command's usage.
func requireArg(arg, usage string) error {
	if arg == "" {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}
