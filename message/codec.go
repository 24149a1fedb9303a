package message

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidCommand indicates the leading token is not a registered command.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrMalformedArguments indicates wrong arity or a failed argument conversion.
	ErrMalformedArguments = errors.New("malformed arguments")
	// ErrDuplicateRegistration indicates a command name registered twice.
	ErrDuplicateRegistration = errors.New("duplicate command registration")
)

// ParseError describes why a line could not be parsed or formatted.
type ParseError struct {
	Command string
	Detail  string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("message: %v: %s", e.Err, e.Detail)
	}
	return fmt.Sprintf("message: %s: %v: %s", e.Command, e.Err, e.Detail)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func malformed(command, format string, args ...any) error {
	return &ParseError{Command: command, Detail: fmt.Sprintf(format, args...), Err: ErrMalformedArguments}
}

// Dispatcher maps command names to their Kind for one protocol role. It is
// built once and only read afterwards.
type Dispatcher struct {
	kinds map[string]Kind
}

// NewDispatcher creates a dispatcher holding the given kinds.
func NewDispatcher(kinds ...Kind) (*Dispatcher, error) {
	d := &Dispatcher{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		if err := d.Register(k); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Register adds a kind. Only the last argument may be ArgText.
func (d *Dispatcher) Register(k Kind) error {
	if k.Command == "" || strings.ContainsAny(k.Command, " \t\r\n") {
		return fmt.Errorf("message: invalid command name %q", k.Command)
	}
	if k.Build == nil {
		return fmt.Errorf("message: %s: missing builder", k.Command)
	}
	for i, a := range k.Args {
		if a == ArgText && i != len(k.Args)-1 {
			return fmt.Errorf("message: %s: text argument must be last", k.Command)
		}
	}
	if _, exists := d.kinds[k.Command]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, k.Command)
	}
	d.kinds[k.Command] = k
	return nil
}

// Lookup returns the kind registered for command.
func (d *Dispatcher) Lookup(command string) (Kind, bool) {
	k, ok := d.kinds[command]
	return k, ok
}

// Parse converts one line, without its terminator, into a Message.
func (d *Dispatcher) Parse(line string) (Message, error) {
	command, rest, hasRest := strings.Cut(line, " ")
	k, ok := d.kinds[command]
	if !ok {
		return nil, &ParseError{Command: command, Detail: "unknown command", Err: ErrInvalidCommand}
	}

	args := make([]any, 0, len(k.Args))
	for i, kind := range k.Args {
		if kind == ArgText {
			// "SEND_CHAT" with no separator carries empty text.
			args = append(args, rest)
			hasRest = false
			rest = ""
			break
		}
		if !hasRest {
			return nil, malformed(command, "expected %d arguments, got %d", len(k.Args), i)
		}
		var token string
		token, rest, hasRest = strings.Cut(rest, " ")
		v, err := convert(kind, token)
		if err != nil {
			return nil, malformed(command, "argument %d: %v", i+1, err)
		}
		args = append(args, v)
	}
	if hasRest {
		return nil, malformed(command, "expected %d arguments, got more", len(k.Args))
	}
	return k.Build(args), nil
}

func convert(kind ArgKind, token string) (any, error) {
	if token == "" {
		return nil, errors.New("empty value")
	}
	switch kind {
	case ArgString:
		if strings.IndexFunc(token, isSpace) >= 0 {
			return nil, fmt.Errorf("%q is not a single token", token)
		}
		return token, nil
	case ArgInt:
		return strconv.ParseInt(token, 10, 64)
	case ArgTime:
		secs, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return nil, err
		}
		return time.Unix(secs, 0).UTC(), nil
	case ArgIP:
		return netip.ParseAddr(token)
	default:
		return nil, fmt.Errorf("unsupported argument kind %v", kind)
	}
}

// Format renders m as a line without terminator. It is the left inverse of
// Parse for every message whose string arguments are non-empty and free of
// whitespace, and whose text argument has no line breaks.
func Format(m Message) (string, error) {
	var b strings.Builder
	b.WriteString(m.Command())
	args := m.Args()
	for i, a := range args {
		b.WriteByte(' ')
		switch v := a.(type) {
		case Text:
			if i != len(args)-1 {
				return "", malformed(m.Command(), "text argument %d is not last", i+1)
			}
			if strings.ContainsAny(string(v), "\r\n") {
				return "", malformed(m.Command(), "text argument contains a line break")
			}
			b.WriteString(string(v))
		case string:
			if v == "" || strings.IndexFunc(v, isSpace) >= 0 {
				return "", malformed(m.Command(), "argument %d %q is not a single token", i+1, v)
			}
			b.WriteString(v)
		case int64:
			b.WriteString(strconv.FormatInt(v, 10))
		case int:
			b.WriteString(strconv.Itoa(v))
		case time.Time:
			b.WriteString(strconv.FormatInt(v.Unix(), 10))
		case netip.Addr:
			if !v.IsValid() {
				return "", malformed(m.Command(), "argument %d is not a valid address", i+1)
			}
			b.WriteString(v.String())
		default:
			return "", malformed(m.Command(), "argument %d has unsupported type %T", i+1, a)
		}
	}
	return b.String(), nil
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	}
	return false
}
