package api

// ErrorCode is the stable identifier carried by every broker or harness error.
type ErrorCode string

const (
	// CodeConnectionFailure means the instrument was unreachable after the
	// harness exhausted its bounded connect retries. Fatal to the harness.
	CodeConnectionFailure ErrorCode = "connection_failure"
	// CodeCommandFailure means a handler failed inside the harness. The
	// failure is wrapped into the response; the harness keeps serving.
	CodeCommandFailure ErrorCode = "command_failure"
	// CodeTimeout means a send did not receive its matching response in time.
	CodeTimeout ErrorCode = "timeout"
	// CodeWorkerUnavailable means the worker process was not alive at call
	// time. Surfaced immediately, never after waiting out a timeout.
	CodeWorkerUnavailable ErrorCode = "worker_unavailable"
	// CodeMalformedResponse marks a response missing required fields. Such
	// responses are logged and dropped, never delivered to a caller.
	CodeMalformedResponse ErrorCode = "malformed_response"
	// CodeUnknownCommand means the harness has no handler for the name.
	CodeUnknownCommand ErrorCode = "unknown_command"
	// CodeShuttingDown means the harness refused a command during teardown.
	CodeShuttingDown ErrorCode = "shutting_down"
)

// ValidateResponse reports whether resp satisfies the envelope contract. A
// malformed response must never be matched to a pending command.
func ValidateResponse(resp Response) error {
	switch resp.Status {
	case StatusOK:
		return nil
	case StatusError:
		if resp.Error == nil {
			return &ProtocolError{Code: CodeMalformedResponse, Detail: "error response without error info"}
		}
		return nil
	case "":
		return &ProtocolError{Code: CodeMalformedResponse, Detail: "response missing status"}
	default:
		return &ProtocolError{Code: CodeMalformedResponse, Detail: "unknown status " + resp.Status}
	}
}

// ProtocolError describes an envelope-level violation.
type ProtocolError struct {
	Code   ErrorCode
	Detail string
}

func (e *ProtocolError) Error() string {
	return "api: " + string(e.Code) + ": " + e.Detail
}
