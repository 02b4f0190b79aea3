package idea

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotOperational is generated when a move is requested before the
	// controller has been configured, or after it has failed
	ErrNotOperational = errors.New("controller is not operational")
)

// TransportError is generated when the serial transport cannot be opened,
// written, or read.  It is fatal to the current phase; the session fails and
// is reset on a later Mainloop call.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying transport error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseError is generated when a report line is malformed.  It is recovered
// by discarding the line.
type ParseError struct {
	Line   []byte
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bad report %s: %s", strconv.Quote(string(e.Line)), e.Reason)
}

// EncodingError is generated when a command or move cannot be represented on
// the wire.  The request is rejected and no state changes.
type EncodingError struct {
	Input  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("cannot encode %s: %s", e.Input, e.Reason)
}

// RequestError is generated when a peer addresses a channel the controller
// does not have
type RequestError struct {
	Channel     int
	NumChannels int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("channel %d out of range, controller has %d channel(s)", e.Channel, e.NumChannels)
}

// ErrCommandNotFound is generated when a command is unknown to the idea module
type ErrCommandNotFound struct {
	Cmd string
}

func (e ErrCommandNotFound) Error() string {
	return fmt.Sprintf("command %s not found", e.Cmd)
}
