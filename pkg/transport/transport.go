// Package transport defines the streaming request/response interface the
// mixer client requires of its caller. The concrete gRPC implementation is
// out of scope for this library (spec Non-goal) — callers supply their own
// Transport, typically backed by the Mixer gRPC service's Check/Report/
// Quota streaming RPCs.
package transport

import "context"

// RPCKind identifies which of the three Mixer RPCs a Stream multiplexes.
type RPCKind int

const (
	// Check carries policy + quota decision requests.
	Check RPCKind = iota
	// Report carries fire-and-forget telemetry batches.
	Report
	// Quota carries standalone Alloc requests issued outside of a Check
	// (used by a QuotaPrefetch instance not piggy-backing on a Check RPC).
	Quota
)

// Reader receives responses and stream lifecycle events for one logical
// request. The client supplies a Reader per outstanding request; the
// transport invokes exactly one of OnResponse or OnError, exactly once,
// for that request — never both, never zero times. A request cancelled
// before it completes receives OnError with a Cancelled status (see
// CancelFunc).
type Reader[Resp any] interface {
	// OnResponse delivers the server's response to a previously sent
	// request.
	OnResponse(resp Resp)
	// OnError delivers a terminal failure for a previously sent request —
	// either a stream-level failure (connection drop) or a cancellation.
	OnError(err error)
}

// ReaderFunc adapts two plain functions into a Reader, for callers that
// don't need a dedicated type.
type ReaderFunc[Resp any] struct {
	Response func(Resp)
	Error    func(error)
}

// OnResponse implements Reader.
func (f ReaderFunc[Resp]) OnResponse(resp Resp) {
	if f.Response != nil {
		f.Response(resp)
	}
}

// OnError implements Reader.
func (f ReaderFunc[Resp]) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// CancelFunc abandons a previously sent request. Calling it after the
// request has already completed is a no-op. Invoking it causes the
// request's Reader to receive OnError with a Cancelled status, unless the
// response had already arrived.
type CancelFunc func()

// Writer is what a Transport hands back for a given RPC kind: a place to
// send typed requests, each paired with a Reader for its eventual response.
type Writer[Req, Resp any] interface {
	// Send transmits req and arms reader to receive its eventual response
	// or failure. The returned CancelFunc abandons the request.
	Send(ctx context.Context, req Req, reader Reader[Resp]) CancelFunc
}

// WriterFunc adapts a plain function into a Writer.
type WriterFunc[Req, Resp any] func(ctx context.Context, req Req, reader Reader[Resp]) CancelFunc

// Send implements Writer.
func (f WriterFunc[Req, Resp]) Send(ctx context.Context, req Req, reader Reader[Resp]) CancelFunc {
	return f(ctx, req, reader)
}

// Stream is a generic bidirectional multiplexer over one RPC kind,
// parameterized by its request and response message types. This replaces
// the reader/writer-over-template-hierarchy pattern of the original C++
// client with Go generics: no runtime type switch is needed to dispatch a
// response to its Reader.
type Stream[Req, Resp any] interface {
	Writer[Req, Resp]
	// Close shuts down the stream. Any requests still awaiting a response
	// receive OnError with an Unavailable status.
	Close() error
}
