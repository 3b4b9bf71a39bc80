package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKernel reports an operation against an identity with no live
	// process. Surfaced as not-found, never fatal.
	ErrUnknownKernel = errors.New("unknown kernel")

	// ErrStreamProtocol reports malformed traffic observed on a channel
	// stream. Contained to the offending bridge.
	ErrStreamProtocol = errors.New("stream protocol violation")

	// ErrResourceExhausted reports that a broadcast observer exceeded its
	// bounded queue and was evicted.
	ErrResourceExhausted = errors.New("broadcast queue limit exceeded")

	// ErrKernelStale reports that the kernel backing a stream was stopped or
	// superseded by a restart.
	ErrKernelStale = errors.New("kernel stopped or superseded")
)

// LaunchError wraps any failure between forking the kernel process and its
// endpoints becoming reachable. No identity is registered when it is
// returned.
type LaunchError struct {
	Stage string
	Err   error
}

func (e *LaunchError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("kernel launch failed: %v", e.Err)
	}
	return fmt.Sprintf("kernel launch failed (%s): %v", e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

func launchFailed(stage string, err error) *LaunchError {
	return &LaunchError{Stage: stage, Err: err}
}
