package client

import (
	"context"

	"github.com/opd-ai/communic8/protocol"
	"github.com/opd-ai/communic8/reactor"
)

type outcome struct {
	resp protocol.Response
	err  error
}

// runAsync runs start on the loop and waits for the operation it begins.
// start either returns an error or arranges for done to be called exactly
// once, possibly on a later loop turn.
func runAsync(ctx context.Context, loop *reactor.Loop, start func(done func(protocol.Response, error)) error) (protocol.Response, error) {
	result := make(chan outcome, 1)
	done := func(r protocol.Response, err error) {
		result <- outcome{resp: r, err: err}
	}

	var startErr error
	if err := loop.Call(ctx, func() { startErr = start(done) }); err != nil {
		return nil, err
	}
	if startErr != nil {
		return nil, startErr
	}

	select {
	case o := <-result:
		return o.resp, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-loop.Done():
		return nil, reactor.ErrStopped
	}
}
