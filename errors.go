package instrumentd

import (
	"errors"
	"fmt"

	"pkt.systems/instrumentd/api"
)

// BrokerError is the typed failure surfaced by broker operations. Code is the
// machine-checkable contract; Detail is free text for humans only.
type BrokerError struct {
	Code   api.ErrorCode
	Detail string
	err    error
}

func (e *BrokerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("instrumentd: %s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("instrumentd: %s", e.Code)
}

func (e *BrokerError) Unwrap() error {
	return e.err
}

func brokerErr(code api.ErrorCode, detail string) *BrokerError {
	return &BrokerError{Code: code, Detail: detail}
}

func brokerErrWrap(code api.ErrorCode, detail string, err error) *BrokerError {
	return &BrokerError{Code: code, Detail: detail, err: err}
}

func codeOf(err error) (api.ErrorCode, bool) {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Code, true
	}
	return "", false
}

// IsTimeout reports whether err is a send timeout: the command got no
// matching response in time. Distinct from a response that says error.
func IsTimeout(err error) bool {
	code, ok := codeOf(err)
	return ok && code == api.CodeTimeout
}

// IsWorkerUnavailable reports whether err means the worker process was not
// alive at call time.
func IsWorkerUnavailable(err error) bool {
	code, ok := codeOf(err)
	return ok && code == api.CodeWorkerUnavailable
}

// IsConnectionFailure reports whether err means the instrument was
// unreachable after the worker's bounded connect retries.
func IsConnectionFailure(err error) bool {
	code, ok := codeOf(err)
	return ok && code == api.CodeConnectionFailure
}
