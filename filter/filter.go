// Package filter transforms whole request and response buffers on their way
// to and from the transport (compression, encryption, tracing).
//
// The same filter list is installed on both ends. Output runs in registration
// order on what a side sends; Input runs in reverse order on what it receives,
// so the last transformation applied is the first one undone.
package filter

import "context"

// Filter transforms a buffer in each direction.
type Filter interface {
	Input(ctx context.Context, data []byte) ([]byte, error)
	Output(ctx context.Context, data []byte) ([]byte, error)
}

// Chain is an ordered list of filters.
type Chain []Filter

// Output applies every filter's Output in registration order.
func (c Chain) Output(ctx context.Context, data []byte) ([]byte, error) {
	var err error
	for _, f := range c {
		if data, err = f.Output(ctx, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Input applies every filter's Input in reverse registration order.
func (c Chain) Input(ctx context.Context, data []byte) ([]byte, error) {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		if data, err = c[i].Input(ctx, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}
