package dfu

import (
	"fmt"

	"github.com/bigbag/secure-dfu/internal/protocol"
	"github.com/pkg/errors"
)

// Error is a protocol outcome returned by a request handler. It becomes the
// result code of the response.
type Error struct {
	Code protocol.Result
	Ext  protocol.ExtError
}

func (e *Error) Error() string {
	if e.Code == protocol.ResExtError {
		return fmt.Sprintf("dfu: %s", protocol.ExtErrorMessage(e.Ext))
	}
	return fmt.Sprintf("dfu: %s", protocol.ResultMessage(e.Code))
}

func fail(code protocol.Result) error {
	return &Error{Code: code}
}

func extFail(ext protocol.ExtError) error {
	return &Error{Code: protocol.ResExtError, Ext: ext}
}

// errDeferred is returned by a handler that keeps the responder and answers
// later from a flash completion.
var errDeferred = errors.New("response deferred")

var (
	ErrReset      = errors.New("device reset requested")
	ErrInactivity = errors.New("inactivity timeout")
)
