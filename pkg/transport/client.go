package transport

import "github.com/istio-ecosystem/mixerclient-go/pkg/wire"

// Transport is what a Client needs from its caller: a way to open the three
// request/response streams a Mixer sidecar multiplexes over its gRPC
// channel. Callers own the concrete wire framing (gRPC, in-process,
// whatever a test needs); this library never constructs one itself.
type Transport interface {
	// CheckStream returns the Writer used to send CheckRequests.
	CheckStream() Writer[wire.CheckRequest, wire.CheckResponse]
	// QuotaStream returns the Writer used to send standalone Alloc
	// requests issued outside of a Check.
	QuotaStream() Writer[wire.QuotaRequest, wire.QuotaResponse]
	// ReportStream returns the Writer used to send batched ReportRequests.
	ReportStream() Writer[wire.ReportRequest, wire.ReportResponse]
	// Close releases any resources the transport holds (connections,
	// background goroutines). The three streams above become unusable
	// after Close returns.
	Close() error
}
