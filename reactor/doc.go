// Package reactor provides the single event loop that owns all mutable
// protocol state: state machines, the user registry and the name to session
// map. Connection goroutines only read and write bytes; everything they
// observe is posted to the loop.
//
//	loop := reactor.New()
//	go loop.Run(ctx)
//	loop.Post(func() { /* runs on the loop goroutine */ })
//	loop.AfterFunc(5*time.Second, func() { /* also on the loop */ })
//
// Functions posted from inside the loop run on a later iteration, which is
// how one session defers an effect on another without re-entering it.
package reactor
