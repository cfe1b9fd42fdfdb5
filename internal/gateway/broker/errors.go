package broker

import (
	"errors"
	"fmt"
)

// IB API error codes the sync core cares about.
const (
	CodePacingViolation    = 100
	CodeHistoricalData     = 162
	CodeNoSecurityDef      = 200
	CodeNotSubscribed      = 354
	CodeNotConnected       = 502
	CodeNotConnectedUpdate = 504
	CodeConnectivityLost   = 1100
	CodeCompetingSession   = 10197
)

// Error is a structured broker failure. Code is the IB error code when one is
// known; HTTPStatus is set for REST failures.
type Error struct {
	Op         string
	Code       int
	HTTPStatus int
	Message    string
	Temporary  bool
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Code != 0:
		return fmt.Sprintf("broker %s: error %d: %s", e.Op, e.Code, msg)
	case e.HTTPStatus != 0:
		return fmt.Sprintf("broker %s: http %d: %s", e.Op, e.HTTPStatus, msg)
	default:
		return fmt.Sprintf("broker %s: %s", e.Op, msg)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds a coded broker error.
func NewError(op string, code int, msg string) *Error {
	return &Error{Op: op, Code: code, Message: msg}
}

// CodeOf extracts the IB error code from err, or 0.
func CodeOf(err error) int {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return 0
}
