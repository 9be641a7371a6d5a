// Package vxierr is the gateway's error taxonomy.
//
// It generalises the teacher's bus-facing errcode.Code/errcode.E pair to the
// VXI-11 wire's numeric error codes: every internal failure carries (or maps
// to) one of these codes, and the vxi11 server's reply builders never let a
// bare Go error reach the wire.
package vxierr

import "fmt"

// Code is the VXI-11 device_error value, exactly as defined by the protocol.
type Code int32

const (
	NoError                   Code = 0
	SyntaxError               Code = 1
	DeviceNotAccessible       Code = 3
	InvalidLinkIdentifier     Code = 4
	ParameterError            Code = 5
	ChannelNotEstablished     Code = 6
	OperationNotSupported     Code = 8
	OutOfResources            Code = 9
	DeviceLockedByAnotherLink Code = 11
	NoLockHeldByThisLink      Code = 12
	IOTimeout                 Code = 15
	IOError                   Code = 17
	Abort                     Code = 23
	ChannelAlreadyEstablished Code = 29
)

func (c Code) Error() string {
	switch c {
	case NoError:
		return "no error"
	case SyntaxError:
		return "syntax error"
	case DeviceNotAccessible:
		return "device not accessible"
	case InvalidLinkIdentifier:
		return "invalid link identifier"
	case ParameterError:
		return "parameter error"
	case ChannelNotEstablished:
		return "channel not established"
	case OperationNotSupported:
		return "operation not supported"
	case OutOfResources:
		return "out of resources"
	case DeviceLockedByAnotherLink:
		return "device locked by another link"
	case NoLockHeldByThisLink:
		return "no lock held by this link"
	case IOTimeout:
		return "I/O timeout"
	case IOError:
		return "I/O error"
	case Abort:
		return "abort"
	case ChannelAlreadyEstablished:
		return "channel already established"
	default:
		return fmt.Sprintf("vxi-11 error %d", int32(c))
	}
}

// E wraps an underlying cause with the wire code it should surface as.
type E struct {
	C   Code
	Op  string
	Err error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.C.Error(), e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.C.Error())
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap builds an *E associating a failure with a wire code.
func Wrap(op string, code Code, err error) error {
	return &E{C: code, Op: op, Err: err}
}

// Of extracts the wire Code from an error, defaulting to IOError for any
// unrecognised failure (programmer/unexpected errors are never propagated
// raw onto the wire).
func Of(err error) Code {
	if err == nil {
		return NoError
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		if inner := u.Unwrap(); inner != nil {
			return Of(inner)
		}
	}
	return IOError
}
