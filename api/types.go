// Package api defines the wire envelope spoken between the instrumentd broker
// and the worker harness. The command vocabulary itself is open-ended; the
// envelope fixes only identity, status, and error shape.
package api

import (
	"encoding/json"

	"pkt.systems/instrumentd/internal/uuidv7"
)

// Reserved command names handled by the harness itself. Everything else goes
// through the dispatch table and ultimately touches the instrument.
const (
	// CommandPing answers immediately once the harness is serving. It never
	// touches the instrument and has no side effects.
	CommandPing = "ping"
	// CommandShutdown asks the harness to close the instrument connection,
	// flush its outbound side, and exit the serve loop.
	CommandShutdown = "shutdown"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Command is a single request addressed to the worker harness.
type Command struct {
	// ID is the opaque correlation token pairing this command with its
	// eventual response. It is generated by NewCommand; callers never supply
	// their own.
	ID string `json:"id"`
	// Name is the operation identifier. Reserved names aside, the broker
	// treats it as opaque.
	Name string `json:"name"`
	// Params carries primitive or array parameter values keyed by name.
	Params map[string]any `json:"params,omitempty"`
}

// NewCommand builds a command with a fresh globally unique correlation ID.
func NewCommand(name string, params map[string]any) Command {
	return Command{
		ID:     uuidv7.NewString(),
		Name:   name,
		Params: params,
	}
}

// Response is the harness's answer to one command.
type Response struct {
	// ID echoes the originating command's correlation token. An absent ID
	// marks a legacy uncorrelated response; the harness never invents one.
	ID string `json:"id,omitempty"`
	// Status is StatusOK or StatusError.
	Status string `json:"status"`
	// Payload holds the handler's result for ok responses.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Error describes the failure for error responses.
	Error *ErrorInfo `json:"error,omitempty"`
}

// Correlated reports whether the response carries a correlation ID.
func (r Response) Correlated() bool {
	return r.ID != ""
}

// OK reports whether the response signals success.
func (r Response) OK() bool {
	return r.Status == StatusOK
}

// DecodePayload unmarshals the payload into out.
func (r Response) DecodePayload(out any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, out)
}

// ErrorInfo is the error half of a response envelope.
type ErrorInfo struct {
	// Code is the stable machine-checkable error identifier.
	Code ErrorCode `json:"code"`
	// Detail provides human-readable diagnostic context. UIs map Code to a
	// user-facing message; Detail is never the programmatic contract.
	Detail string `json:"detail,omitempty"`
	// Trace carries a captured stack for handler panics.
	Trace string `json:"trace,omitempty"`
}

// OKResponse wraps payload into a success response echoing cmd's ID.
func OKResponse(cmd Command, payload any) Response {
	resp := Response{ID: cmd.ID, Status: StatusOK}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			resp.Payload = raw
		} else {
			return ErrResponse(cmd, CodeCommandFailure, "encode payload: "+err.Error())
		}
	}
	return resp
}

// ErrResponse wraps a failure into an error response echoing cmd's ID.
func ErrResponse(cmd Command, code ErrorCode, detail string) Response {
	return Response{
		ID:     cmd.ID,
		Status: StatusError,
		Error:  &ErrorInfo{Code: code, Detail: detail},
	}
}
