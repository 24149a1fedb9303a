// Package message implements the communic8 control-line codec.
//
// A control line is a command name followed by space-separated arguments:
//
//	LOGIN alice
//	ACCEPT_CHAT alice 5000
//	CHAT_ACCEPTED bob 192.0.2.7 5000
//	REQUEST_FILE_TRANSFER report.txt text/plain 1700000000 1000 256
//	SEND_CHAT free text, spaces and all
//
// Every command has a fixed number of typed arguments (ArgKind). A command
// whose last argument is ArgText is greedy: the rest of the line becomes that
// argument without further splitting.
//
// # Dispatchers
//
// A Dispatcher holds the vocabulary of one protocol role. It is constructed
// explicitly and passed to the connections that use it:
//
//	d := message.NewServerDispatcher()
//	m, err := d.Parse("REQUEST_CHAT bob")
//	switch {
//	case errors.Is(err, message.ErrInvalidCommand):
//	case errors.Is(err, message.ErrMalformedArguments):
//	}
//
// Format is the inverse of Parse:
//
//	line, err := message.Format(message.AcceptChat{Name: "alice", Port: 5000})
//	// line == "ACCEPT_CHAT alice 5000"
package message
