package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"zibra/message"
)

// retryBackOff counts down the call's retry budget. While ten or more retries
// remain the delay is one unit; below that it grows by a unit per retry spent.
type retryBackOff struct {
	s       *message.InvokeSettings
	initial int
	unit    time.Duration
}

func newRetryBackOff(s *message.InvokeSettings, unit time.Duration) *retryBackOff {
	return &retryBackOff{s: s, initial: s.Retry, unit: unit}
}

func (b *retryBackOff) NextBackOff() time.Duration {
	if b.s.Retry <= 0 {
		return backoff.Stop
	}
	b.s.Retry--
	if b.s.Retry >= 10 {
		return b.unit
	}
	return time.Duration(10-b.s.Retry) * b.unit
}

func (b *retryBackOff) Reset() {
	b.s.Retry = b.initial
}
