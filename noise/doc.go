// Package noise provides an encrypted stream transport built on the Noise
// Protocol Framework, using the flynn/noise library with Curve25519 key
// exchange, ChaCha20-Poly1305 encryption and SHA256 hashing.
//
// # XX Pattern
//
// Clients of a chat server do not know its key in advance, and chat peers
// only learn each other's address from the server, so every connection uses
// the XX pattern: both sides transmit their static keys, encrypted, during
// the handshake.
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e
//	                                       <- e, ee, s, es
//	-> s, se
//	[session established]
//
// Security properties:
//   - Forward secrecy: compromise of static keys doesn't expose past sessions
//   - Identity hiding: static keys never cross the wire in clear text
//   - No prior knowledge: PeerStatic tells the application who it reached
//
// # Framing
//
// Handshake messages and encrypted records travel behind a 2-byte big-endian
// length. A Write larger than MaxPayload is split over several records; the
// reader reassembles them transparently, so the line protocol on top sees an
// ordinary byte stream.
//
// Example usage:
//
//	key, err := noise.GenerateKey()
//	if err != nil {
//	    return err
//	}
//
//	// Accepting side
//	ln = noise.NewListener(ln, key)
//
//	// Dialing side
//	conn := noise.Client(nc, key)
//	if err := conn.Handshake(); err != nil {
//	    return err
//	}
//
// The handshake otherwise runs lazily on the first Read or Write.
package noise
