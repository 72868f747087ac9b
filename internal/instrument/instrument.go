// Package instrument models the single exclusive session with the controlled
// device. Connectors are owned by the worker harness and never cross the
// process boundary; everything above this package sees only opaque operation
// names and parameter maps.
package instrument

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownOperation is returned by connectors for operation names they do
// not implement.
var ErrUnknownOperation = errors.New("instrument: unknown operation")

// ErrNotConnected is returned when an operation runs before Connect succeeds
// or after Close.
var ErrNotConnected = errors.New("instrument: not connected")

// Connector is one live session with an instrument. Implementations need not
// be safe for concurrent use: the harness serializes all access, which is the
// entire reason the broker architecture exists.
type Connector interface {
	// Connect establishes the session. It is called once per harness run;
	// retry policy lives in the harness, not the connector.
	Connect(ctx context.Context) error
	// Verify checks that op is accessible on the connected instrument. It is
	// used by the post-connect probe to catch connected-but-unusable states.
	Verify(ctx context.Context, op string) error
	// Do executes op synchronously and returns its result.
	Do(ctx context.Context, op string, params map[string]any) (any, error)
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// UnknownOperationError wraps ErrUnknownOperation with the offending name.
func UnknownOperationError(op string) error {
	return fmt.Errorf("%w: %q", ErrUnknownOperation, op)
}
