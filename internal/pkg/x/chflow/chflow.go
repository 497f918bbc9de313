// Package chflow provides context-aware helpers for receiving from and
// sending to Go channels. It helps ensure that operations respect
// cancellation and deadlines via context.Context.
package chflow

import "context"

// Receive waits to receive a value from the provided channel or for the context to be canceled.
// It returns the value (zero value if canceled) and a boolean indicating if the receive was successful.
func Receive[T any](ctx context.Context, ch <-chan T) (T, bool) {
	var data T
	select {
	case <-ctx.Done():
		return data, false
	case data, ok := <-ch:
		return data, ok
	}
}

// Send attempts to send a value to the provided channel unless the context is canceled first.
// It returns true if the send was successful, false if the context was done before sent.
func Send[T any](ctx context.Context, ch chan<- T, data T) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- data:
		return true
	}
}

// TryReceive performs a non-blocking receive from the provided channel.
// It never suspends the caller: when the channel has nothing buffered it
// returns immediately with received=false.
//
// The open return value is false only when the channel is closed and fully
// drained; a value pulled from a closed-but-nonempty channel still reports
// open=true.
func TryReceive[T any](ch <-chan T) (data T, received bool, open bool) {
	select {
	case data, ok := <-ch:
		if !ok {
			var zero T
			return zero, false, false
		}
		return data, true, true
	default:
		var zero T
		return zero, false, true
	}
}
