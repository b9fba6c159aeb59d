package protocol

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Result is the status code carried by every reply. A non-OK Result is
// also an error, so storage code can wrap it with %w and the engine can
// recover the wire code with ResultOf.
type Result uint8

const (
	ResultOK           Result = 0
	ResultProtocol     Result = 1
	ResultNotFound     Result = 2
	ResultInvalid      Result = 3
	ResultNoSpace      Result = 4
	ResultIO           Result = 5
	ResultFileTooLarge Result = 6
	ResultExists       Result = 7
	ResultNotSupported Result = 8
)

var resultText = [...]string{
	ResultOK:           "ok",
	ResultProtocol:     "protocol error",
	ResultNotFound:     "no such file or directory",
	ResultInvalid:      "invalid argument",
	ResultNoSpace:      "no space left on device",
	ResultIO:           "input/output error",
	ResultFileTooLarge: "file too large",
	ResultExists:       "file exists",
	ResultNotSupported: "operation not supported",
}

// String returns the human readable text for the code.
func (r Result) String() string {
	if int(r) < len(resultText) {
		return resultText[r]
	}
	return fmt.Sprintf("unknown result %d", uint8(r))
}

func (r Result) Error() string {
	return r.String()
}

// ErrPathTooLong is returned when a path does not fit a PathLength field.
var ErrPathTooLong = errors.New("path too long")

// ResultOf maps an error onto the wire result taxonomy. Errors that carry
// no better classification are reported as I/O errors.
func ResultOf(err error) Result {
	if err == nil {
		return ResultOK
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	switch {
	case errors.Is(err, ErrPathTooLong):
		return ResultInvalid
	case errors.Is(err, fs.ErrNotExist):
		return ResultNotFound
	case errors.Is(err, fs.ErrExist):
		return ResultExists
	case errors.Is(err, fs.ErrInvalid):
		return ResultInvalid
	case errors.Is(err, syscall.ENOSPC):
		return ResultNoSpace
	case errors.Is(err, syscall.EFBIG):
		return ResultFileTooLarge
	case errors.Is(err, errors.ErrUnsupported):
		return ResultNotSupported
	}
	return ResultIO
}
