// Package supervisor starts, watches, and stops worker harness instances on
// behalf of the broker. A worker either runs as an isolated OS process wired
// over stdio pipes, or in-process for mock mode and tests; both look the same
// to the broker through the Transport interface.
package supervisor

import (
	"context"

	"pkt.systems/instrumentd/api"
)

// Transport is one running worker's channel pair. WriteCommand feeds the
// inbound channel; ReadResponse drains the outbound channel and is intended
// for a single reader (the broker's demultiplexer).
type Transport interface {
	// WriteCommand enqueues one command. Safe for concurrent use.
	WriteCommand(cmd api.Command) error
	// ReadResponse blocks for the next response. io.EOF signals worker exit.
	ReadResponse() (api.Response, error)
	// Alive reports whether the worker is still running.
	Alive() bool
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Stop tears the worker down: orderly first, forcefully if it does not
	// exit before ctx ends.
	Stop(ctx context.Context) error
}
