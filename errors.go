package isotp

import (
	"errors"
	"fmt"
)

// Timing errors
var (
	ErrFlowControlTimeout      = errors.New("timed out while waiting for flow control frame")
	ErrConsecutiveFrameTimeout = errors.New("timed out while waiting for consecutive frame")
)

// Protocol violation errors
var (
	ErrInvalidCanData                      = errors.New("invalid CAN data")
	ErrUnexpectedFlowControl               = errors.New("unexpected flow control frame")
	ErrUnexpectedConsecutiveFrame          = errors.New("unexpected consecutive frame")
	ErrReceptionInterruptedWithSingleFrame = errors.New("reception interrupted by a new single frame")
	ErrReceptionInterruptedWithFirstFrame  = errors.New("reception interrupted by a new first frame")
	ErrWrongSequenceNumber                 = errors.New("wrong sequence number in consecutive frame")
	ErrUnsupportedWaitFrame                = errors.New("wait frames are not supported (wftmax is 0)")
	ErrMaximumWaitFrameReached             = errors.New("maximum number of wait frames reached")
	ErrMissingEscapeSequence               = errors.New("missing CAN-FD escape sequence")
	ErrChangingInvalidRXDL                 = errors.New("consecutive frame with a different data length than the first frame")
	ErrInvalidCanFdFirstFrameRXDL          = errors.New("first frame with an invalid CAN-FD data length")
)

// Resource errors
var (
	ErrFrameTooLong = errors.New("incoming frame is longer than max frame size")
	ErrOverflow     = errors.New("remote party signaled an overflow")
	ErrBadGenerator = errors.New("payload stream failed while being consumed")
)

// Synchronous failures, raised to the caller of Send rather than dispatched
// to the error handler
var ErrBlockingSendFailure = errors.New("blocking send failed")

// ErrBlockingSendTimeout wraps ErrBlockingSendFailure, errors.Is matches both
var ErrBlockingSendTimeout = fmt.Errorf("%w: timed out", ErrBlockingSendFailure)

// Configuration errors, raised at call time
var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrInvalidAddress  = errors.New("invalid address configuration")
	ErrInvalidParams   = errors.New("invalid parameters")
)

// Reports whether err belongs to the blocking send failure family.
// The timeout variant is part of the family.
func IsBlockingSendFailure(err error) bool {
	return errors.Is(err, ErrBlockingSendFailure)
}
