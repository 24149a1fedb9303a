// Package protocol frames a byte stream into communic8 control lines,
// JSON responses and raw transfer streams.
//
// # Lines and responses
//
// Every line is terminated by CRLF on output; a bare LF is accepted on
// input. A line starting with '{' is a response, anything else is a control
// message parsed by the connection's message.Dispatcher and handed to its
// Handler. Parse failures are answered with INVALID_COMMAND and the
// connection stays open.
//
// A Conn allows one outstanding SendMessageAwait. When its timer fires the
// waiter fails with ErrResponseTimeout and the slot is counted as orphaned:
// the next response to arrive is discarded instead of being matched to a
// newer request.
//
// # Raw mode
//
// A handler switches the connection to raw mode with StartRaw. The reader
// then consumes exactly the declared number of bytes into a RawSink and
// returns to line framing. Pause and Resume gate the reader so a slow sink
// applies backpressure to the transport. On the sending side BeginRawWrite
// returns a writer for a pump goroutine and holds back control frames until
// EndRawWrite.
//
// # Concurrency
//
// Each Conn runs a reader goroutine and a writer goroutine. Parsing results,
// handler calls, response matching and timers all run on the reactor loop,
// and the reader does not read the next line until the loop has finished
// with the current one.
package protocol
