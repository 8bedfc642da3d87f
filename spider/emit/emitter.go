// Package emit provides event emission and observability for crawls.
package emit

import "context"

// Emitter receives and processes observability events from a crawl run.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down the crawl loop.
//   - Thread-safe: gathering may emit from concurrent layer workers.
//   - Resilient: a broken backend must not crash the crawl.
type Emitter interface {
	// Emit sends one event to the configured backend. Emit must not
	// panic; backend errors are handled internally.
	Emit(event Event)

	// Flush ensures buffered events reach the backend. Called before
	// shutdown and at run completion; safe to call repeatedly.
	Flush(ctx context.Context) error
}
