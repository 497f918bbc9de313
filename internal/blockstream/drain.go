package blockstream

import "github.com/gabapcia/blockfeed/internal/pkg/x/chflow"

// Drain moves up to max buffered payloads out of the feed without ever
// blocking the caller, preserving emission order. It is meant to be called
// once per tick by a consumer on a fixed cadence: an empty feed yields an
// empty batch immediately, and payloads beyond max stay queued for the next
// tick.
//
// The second return value reports whether the feed is still open. It turns
// false only once channel closure has been observed — possibly alongside a
// final partial batch — and stays false on every later call, letting the
// consumer distinguish "nothing new yet" from "the pipeline has ended".
//
// Each payload is handed to the caller exactly once; the pipeline keeps no
// reference to it after Drain returns.
func Drain(feed <-chan BlockPayload, max int) ([]BlockPayload, bool) {
	if max <= 0 {
		return nil, true
	}

	drained := make([]BlockPayload, 0, max)
	for len(drained) < max {
		payload, received, open := chflow.TryReceive(feed)
		if !open {
			return drained, false
		}
		if !received {
			break
		}

		drained = append(drained, payload)
	}

	return drained, true
}
