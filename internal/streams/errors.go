package streams

import (
	"errors"
	"fmt"
)

var (
	ErrStreamExists     = errors.New("device already has an active stream")
	ErrStreamNotFound   = errors.New("stream not found")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrConsumerNotFound = errors.New("consumer not found")
	ErrConsumerExists   = errors.New("client already has a consumer on this stream")
	ErrConsumerClosed   = errors.New("consumer is closed")
)

// NotLiveError rejects consumer attachment to a stream that cannot
// serve media yet (or anymore).
type NotLiveError struct {
	CurrentState string
}

func (e *NotLiveError) Error() string {
	return fmt.Sprintf("stream is not live (state %s)", e.CurrentState)
}
