// error.go defines the error types shared across the packages.

package types

import (
	"fmt"
)

type ErrPoolExhausted struct {
	Capacity int
}

func (e ErrPoolExhausted) Error() string {
	return fmt.Sprintf("the request pool is exhausted (capacity: %d)", e.Capacity)
}

type ErrBufferExhausted struct {
	Err error
}

func (e ErrBufferExhausted) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unable to get an image buffer: %v", e.Err)
	}
	return "unable to get an image buffer"
}

func (e ErrBufferExhausted) Unwrap() error {
	return e.Err
}

type ErrInvalidArgument struct {
	Reason string
}

func (e ErrInvalidArgument) Error() string {
	return fmt.Sprintf("invalid argument: %s", e.Reason)
}

type ErrInvalidState struct {
	State fmt.Stringer
}

func (e ErrInvalidState) Error() string {
	return fmt.Sprintf("the operation is not allowed in state %s", e.State)
}

type ErrSlotNotRetired struct {
	FrameNumber         FrameNumber
	PreviousFrameNumber FrameNumber
}

func (e ErrSlotNotRetired) Error() string {
	return fmt.Sprintf(
		"unable to issue request %s: the slot is still occupied by request %s",
		e.FrameNumber, e.PreviousFrameNumber,
	)
}

type ErrNotInitialized struct{}

func (ErrNotInitialized) Error() string {
	return "the accelerator session is not initialized"
}

type ErrInvalidTransition struct {
	From fmt.Stringer
	To   fmt.Stringer
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("transition %s -> %s is not allowed", e.From, e.To)
}
