// Package transport opens the connections communic8 runs over: TCP streams
// for the line protocol, optionally secured with Noise and optionally dialed
// through a SOCKS5 or HTTP CONNECT proxy, and the UDP socket that answers
// discovery queries.
//
// Listening:
//
//	ln, err := transport.Listen(":8125", transport.Options{NoiseKey: &key})
//
// Dialing through Tor:
//
//	proxy, err := transport.ParseProxyURL("socks5://127.0.0.1:9050")
//	conn, err := transport.Dial(ctx, "chat.example.org", transport.Options{Proxy: proxy})
//
// Addresses without a port get DefaultPort. Dial runs the Noise handshake
// before returning, so a key mismatch in configuration surfaces as a dial
// error rather than as a garbled first line.
package transport
