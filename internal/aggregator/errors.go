package aggregator

import (
	"fmt"
)

// StreamClosedError reports that the watch subscription ended or delivered an error
type StreamClosedError struct {
	// Err is the status error sent by the server, nil when the channel just closed
	Err error
}

func (e *StreamClosedError) Error() string {
	if e.Err == nil {
		return "watch stream closed"
	}
	return fmt.Sprintf("watch stream failed: %v", e.Err)
}

func (e *StreamClosedError) Unwrap() error {
	return e.Err
}

// ReconnectNeededError is returned by Run when the caller has to resubscribe.
// Checkpoint is the resource version of the last successfully applied event.
type ReconnectNeededError struct {
	Checkpoint string

	// Expired is set when the server no longer holds history for Checkpoint,
	// a fresh list and Resync are required before watching again.
	Expired bool

	Cause error
}

func (e *ReconnectNeededError) Error() string {
	if e.Expired {
		return fmt.Sprintf("reconnect needed, checkpoint %q expired: %v", e.Checkpoint, e.Cause)
	}
	return fmt.Sprintf("reconnect needed from checkpoint %q: %v", e.Checkpoint, e.Cause)
}

func (e *ReconnectNeededError) Unwrap() error {
	return e.Cause
}
