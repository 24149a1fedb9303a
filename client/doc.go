// Package client implements the client side of communic8: a Session
// speaking to the server and a Peer speaking directly to the chat partner.
//
// Both run their state machines on a reactor.Loop. The exported methods
// block the calling goroutine until the remote side has answered, so a
// command line front end can use them from its own goroutine:
//
//	loop := reactor.New()
//	go loop.Run(ctx)
//
//	nc, err := transport.Dial(ctx, addr, transport.Options{})
//	s, err := client.NewSession(loop, nc, client.Config{
//		Events: client.Events{
//			ChatAccepted: func(peer string, addr netip.AddrPort) { ... },
//		},
//	})
//	err = s.Connect(ctx)
//	user, err := s.Login(ctx, "alice")
//	err = s.RequestChat(ctx, "bob")
//
// Notifications from the server never receive a response. One that arrives
// while a command is still waiting for its answer is applied once the
// answer has settled the state machine.
//
// # Peers
//
// Once a chat is accepted the acceptor listens on the port it announced and
// the initiator dials it. The dialing side calls DialPeer, the listening
// side AcceptPeer. SendFile announces a file with REQUEST_FILE_TRANSFER and
// streams it raw after the peer has reserved space for it; the receiver
// writes it under PeerConfig.DownloadDir without ever overwriting an
// existing file.
package client
