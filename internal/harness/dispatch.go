package harness

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"pkt.systems/instrumentd/api"
	"pkt.systems/instrumentd/internal/instrument"
)

// Handler executes one named operation against the instrument session.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Dispatcher maps operation names to handlers, falling back to the raw
// connector for names owned by external collaborators.
type Dispatcher struct {
	conn     instrument.Connector
	handlers map[string]Handler
}

// NewDispatcher builds the dispatch table over conn.
func NewDispatcher(conn instrument.Connector) *Dispatcher {
	return &Dispatcher{conn: conn, handlers: make(map[string]Handler)}
}

// Register installs a handler for name, overriding the connector fallback.
// Reserved names cannot be overridden.
func (d *Dispatcher) Register(name string, h Handler) error {
	if name == api.CommandPing || name == api.CommandShutdown {
		return fmt.Errorf("harness: %q is reserved", name)
	}
	if name == "" {
		return errors.New("harness: empty operation name")
	}
	d.handlers[name] = h
	return nil
}

// Execute runs cmd and wraps the outcome into a response. A handler panic is
// captured into an error response with the stack attached; it never
// propagates, so one bad command cannot end the session for other clients.
func (d *Dispatcher) Execute(ctx context.Context, cmd api.Command) (resp api.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = api.Response{
				ID:     cmd.ID,
				Status: api.StatusError,
				Error: &api.ErrorInfo{
					Code:   api.CodeCommandFailure,
					Detail: fmt.Sprintf("handler panic: %v", r),
					Trace:  string(debug.Stack()),
				},
			}
		}
	}()

	result, err := d.run(ctx, cmd)
	if err != nil {
		code := api.CodeCommandFailure
		if errors.Is(err, instrument.ErrUnknownOperation) {
			code = api.CodeUnknownCommand
		}
		return api.ErrResponse(cmd, code, err.Error())
	}
	return api.OKResponse(cmd, result)
}

func (d *Dispatcher) run(ctx context.Context, cmd api.Command) (any, error) {
	if h, ok := d.handlers[cmd.Name]; ok {
		return h(ctx, cmd.Params)
	}
	return d.conn.Do(ctx, cmd.Name, cmd.Params)
}
