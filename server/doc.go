// Package server implements the communic8 rendezvous server: it accepts
// client connections, enforces unique user names and addresses, and relays
// chat negotiation between two logged in clients.
//
// Each connection gets a Session whose state machine decides which commands
// are legal. All sessions, the user registry and the name to session map
// are driven by one reactor.Loop, so none of them needs locking. A session
// never calls into another session directly: effects on the other party,
// such as delivering CHAT_REQUESTED or relaying SEND_CHAT, are posted to the
// loop and run on a later turn.
//
// A chat is negotiated in four messages:
//
//	alice: REQUEST_CHAT bob
//	bob receives CHAT_REQUESTED alice, then alice gets her response
//	bob: ACCEPT_CHAT alice 5000
//	alice receives CHAT_ACCEPTED bob <bob's host> 5000
//
// The port is the one bob listens on for the direct peer connection.
// REJECT_CHAT, END_CHAT or a lost connection return both sides to logged_in.
//
// ServeDiscovery answers LIST_USERS over UDP without a session.
package server
